// Package s3 stores tree nodes and store manifests as S3 objects.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/hashicorp/golang-lru/simplelru"

	"github.com/jrhy/finalize/fault"
)

// knownNames is how many recently stored or loaded names are remembered,
// so that storing them again skips the PUT.
const knownNames = 1000

type S3Interface interface {
	GetObjectWithContext(ctx aws.Context, input *s3.GetObjectInput, opts ...request.Option) (*s3.GetObjectOutput, error)
	PutObjectWithContext(ctx aws.Context, input *s3.PutObjectInput, opts ...request.Option) (*s3.PutObjectOutput, error)
}

// Persist implements mast.Persist over an S3 bucket. Names are content
// hashes, so an object is never rewritten. It is safe for concurrent use.
type Persist struct {
	s3         S3Interface
	BucketName string
	Prefix     string

	mu    sync.Mutex
	known *simplelru.LRU
}

// Load loads the bytes persisted in the named object.
func (p *Persist) Load(ctx context.Context, name string) ([]byte, error) {
	input := s3.GetObjectInput{
		Bucket: &p.BucketName,
		Key:    aws.String(p.Prefix + name),
	}
	output, err := p.s3.GetObjectWithContext(ctx, &input)
	if err != nil {
		var aerr awserr.Error
		if errors.As(err, &aerr) && aerr.Code() == s3.ErrCodeNoSuchKey {
			return nil, fmt.Errorf("object %s: %w", p.Prefix+name, fault.ErrNotFound)
		}
		return nil, fmt.Errorf("get %s: %w", p.Prefix+name, err)
	}
	defer output.Body.Close()
	b, err := io.ReadAll(output.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", p.Prefix+name, err)
	}
	p.remember(name)
	return b, nil
}

// Store persists the given bytes in an object of the given name, unless
// it is already known to exist.
func (p *Persist) Store(ctx context.Context, name string, b []byte) error {
	p.mu.Lock()
	_, present := p.known.Get(name)
	p.mu.Unlock()
	if present {
		return nil
	}
	input := s3.PutObjectInput{
		Bucket: &p.BucketName,
		Key:    aws.String(p.Prefix + name),
		Body:   bytes.NewReader(b),
	}
	_, err := p.s3.PutObjectWithContext(ctx, &input)
	if err != nil {
		return fmt.Errorf("put %s: %w", p.Prefix+name, err)
	}
	p.remember(name)
	return nil
}

func (p *Persist) remember(name string) {
	p.mu.Lock()
	p.known.Add(name, nil)
	p.mu.Unlock()
}

// NewPersist returns a Persist that loads and stores objects named
// prefix+name in the given bucket.
func NewPersist(client S3Interface, bucketName, prefix string) *Persist {
	known, err := simplelru.NewLRU(knownNames, nil)
	if err != nil {
		panic(err)
	}
	return &Persist{s3: client, BucketName: bucketName, Prefix: prefix, known: known}
}
