package qcow2

type StandardDescriptor struct {
	// v3 only: reads as zeros. DataOffset may still hold a
	// preallocated cluster.
	AllZero bool
	// bits 9 - 55
	// if DataOffset is 0 and AllZero is false, the cluster is unallocated
	DataOffset uint64
}

type CompressedDescriptor struct {
	// not aligned to cluster or sector boundary
	DataOffset uint64
	// compressed data occupies SectorCount 512 byte sectors counted from
	// the sector holding DataOffset. It does not necessarily fill the last
	// one; another compressed cluster may start in its tail.
	SectorCount uint64
}

// Length is the number of bytes that may hold compressed data.
func (cd *CompressedDescriptor) Length() uint64 {
	return cd.SectorCount*512 - cd.DataOffset&511
}
