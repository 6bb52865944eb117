// Package s3test provides S3 buckets for tests: a fresh bucket on the
// endpoint named by FINALIZE_TEST_S3_ENDPOINT, or on an in-process fake
// S3 server when that is unset.
package s3test

import (
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
)

// EndpointEnv names the environment variable selecting a real S3 endpoint.
const EndpointEnv = "FINALIZE_TEST_S3_ENDPOINT"

// Client returns a client and the name of a newly created, empty bucket.
// Servers started for the test are closed when it finishes.
func Client(t testing.TB) (*s3.S3, string) {
	t.Helper()
	var config *aws.Config
	if endpoint := os.Getenv(EndpointEnv); endpoint != "" {
		config = &aws.Config{
			Credentials: credentials.NewStaticCredentials(
				getEnv(t, "AWS_ACCESS_KEY_ID"),
				getEnv(t, "AWS_SECRET_ACCESS_KEY"),
				os.Getenv("AWS_SESSION_TOKEN"),
			),
			Endpoint:         aws.String(endpoint),
			S3ForcePathStyle: aws.Bool(true),
		}
		// With AWS_REGION set the SDK picks the real endpoint; otherwise
		// the region only has to be nonempty.
		if region := os.Getenv("AWS_REGION"); region != "" {
			config.Region = aws.String(region)
			config.Endpoint = nil
		} else {
			config.Region = aws.String("not-using-AWS")
		}
	} else {
		faker := gofakes3.New(s3mem.New())
		ts := httptest.NewServer(faker.Server())
		t.Cleanup(ts.Close)
		config = &aws.Config{
			Credentials: credentials.NewStaticCredentials(
				"TEST-ACCESSKEYID",
				"TEST-SECRETACCESSKEY",
				"",
			),
			Endpoint:         aws.String(ts.URL),
			Region:           aws.String("ca-west-1"),
			DisableSSL:       aws.Bool(true),
			S3ForcePathStyle: aws.Bool(true),
		}
	}
	sess, err := session.NewSession(config)
	if err != nil {
		t.Fatalf("s3 session: %v", err)
	}
	client := s3.New(sess)
	bucketName := randBucketName(t)
	_, err = client.CreateBucket(&s3.CreateBucketInput{
		Bucket: &bucketName,
	})
	if err != nil {
		t.Fatalf("create bucket %s: %v", bucketName, err)
	}
	return client, bucketName
}

func getEnv(t testing.TB, key string) string {
	res := os.Getenv(key)
	if res == "" {
		t.Fatalf("environment '%s' unset", key)
	}
	return res
}

func randBucketName(t testing.TB) string {
	i, err := rand.Int(rand.Reader, big.NewInt(math.MaxUint32))
	if err != nil {
		t.Fatalf("random bucket name: %v", err)
	}
	return fmt.Sprintf("finalize-%s", i)
}
