package mast

// layer returns the distance from the leaves at which an index lives in a
// tree with the given branch factor: the number of trailing zero digits of
// the index written in base branchFactor. Index 0 lives in the leaves.
func layer(index uint64, branchFactor uint) uint8 {
	l := uint8(0)
	for ; index != 0 && index%uint64(branchFactor) == 0; l++ {
		index /= uint64(branchFactor)
	}
	return l
}
