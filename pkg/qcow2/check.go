package qcow2

import (
	"fmt"
	"sort"
)

// CheckIssue is one inconsistency found by Check.
type CheckIssue struct {
	Offset uint64 `json:"offset"`
	Reason string `json:"reason"`
}

// CheckResult is the outcome of a refcount consistency check.
type CheckResult struct {
	// host clusters referenced by metadata or guest data
	ReferencedClusters uint64       `json:"referenced_clusters"`
	Corruptions        []CheckIssue `json:"corruptions,omitempty"`
	// host clusters with a refcount but no reference
	Leaks []uint64 `json:"leaks,omitempty"`
	// false when snapshots or bitmaps hold references Check does not follow
	LeaksChecked bool `json:"leaks_checked"`
}

// OK reports whether no corruption and no leak was found.
func (r *CheckResult) OK() bool {
	return len(r.Corruptions) == 0 && len(r.Leaks) == 0
}

// Check verifies that every host cluster reachable from the header has a
// refcount of at least the number of references to it. Refcounts of
// clusters nothing references are reported as leaks.
func (i *Image) Check() (*CheckResult, error) {
	clusterSize := i.Header.ClusterSize()
	refs := make(map[uint64]uint64)
	ref := func(off, length uint64) {
		if length == 0 {
			return
		}
		for c := off / clusterSize; c <= (off+length-1)/clusterSize; c++ {
			refs[c]++
		}
	}

	result := &CheckResult{LeaksChecked: true}
	var copied []uint64

	ref(0, clusterSize)
	ref(i.Header.L1TableOffset, uint64(i.Header.L1Size)*8)
	ref(i.Header.RefCountTableOffset, uint64(i.Header.RefcountTableClusters)*clusterSize)
	for _, e := range i.RefCountTable {
		if e.RefCountBlockOffset != 0 {
			ref(e.RefCountBlockOffset, clusterSize)
		}
	}
	if i.Header.NumSnapshots > 0 {
		result.LeaksChecked = false
	}
	for _, ext := range i.Extensions {
		if ext.Type == ExtBitmaps {
			result.LeaksChecked = false
		}
	}

	for _, l1 := range i.L1Table {
		if l1.L2TableOffset == 0 {
			continue
		}
		ref(l1.L2TableOffset, clusterSize)
		if l1.RefCountBit {
			copied = append(copied, l1.L2TableOffset)
		}
	}
	err := i.walk(func(gc GuestCluster) error {
		if cd := gc.L2Info.Compressed; cd != nil {
			ref(cd.DataOffset, cd.Length())
			return nil
		}
		if off := gc.L2Info.Standard.DataOffset; off != 0 {
			ref(off, clusterSize)
			if gc.L2Info.Flag {
				copied = append(copied, off)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	result.ReferencedClusters = uint64(len(refs))

	clusters := make([]uint64, 0, len(refs))
	for c := range refs {
		clusters = append(clusters, c)
	}
	sort.Slice(clusters, func(a, b int) bool { return clusters[a] < clusters[b] })
	for _, c := range clusters {
		rc, err := i.RefCount(c * clusterSize)
		if err != nil {
			return nil, err
		}
		if rc == 0 {
			result.Corruptions = append(result.Corruptions, CheckIssue{
				Offset: c * clusterSize,
				Reason: "referenced cluster has refcount 0",
			})
		} else if rc < refs[c] && result.LeaksChecked {
			result.Corruptions = append(result.Corruptions, CheckIssue{
				Offset: c * clusterSize,
				Reason: fmt.Sprintf("referenced %d times, refcount %d", refs[c], rc),
			})
		}
	}

	for _, off := range copied {
		rc, err := i.RefCount(off)
		if err != nil {
			return nil, err
		}
		if rc != 1 {
			result.Corruptions = append(result.Corruptions, CheckIssue{
				Offset: off,
				Reason: fmt.Sprintf("copied flag set with refcount %d", rc),
			})
		}
	}

	if result.LeaksChecked {
		hostClusters := (uint64(i.Handler.Size()) + clusterSize - 1) / clusterSize
		for c := uint64(0); c < hostClusters; c++ {
			if refs[c] > 0 {
				continue
			}
			rc, err := i.RefCount(c * clusterSize)
			if err != nil {
				return nil, err
			}
			if rc > 0 {
				result.Leaks = append(result.Leaks, c*clusterSize)
			}
		}
	}
	return result, nil
}
