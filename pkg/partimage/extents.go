package partimage

import (
	"math/bits"

	"github.com/tidwall/btree"
)

// Extent is a run of used blocks. Slot is the position of its first block
// in the data area.
type Extent struct {
	Start  uint64
	Length uint64
	Slot   uint64
}

// Extents indexes the used blocks of a bitmap by logical block.
type Extents struct {
	tree *btree.BTreeG[Extent]
	used uint64
}

func newExtents() *Extents {
	less := func(a, b Extent) bool { return a.Start < b.Start }
	return &Extents{tree: btree.NewBTreeGOptions(less, btree.Options{NoLocks: true})}
}

// buildExtents coalesces the set bits of bitmap, least significant bit
// first, for blocks [0, blocks).
func buildExtents(bitmap []byte, blocks uint64) *Extents {
	e := newExtents()
	var cur Extent
	open := false
	for b := uint64(0); b < blocks; b++ {
		byteVal := bitmap[b/8]
		if b%8 == 0 && b+8 <= blocks && (byteVal == 0 || byteVal == 0xff) {
			// whole byte
			if byteVal == 0 {
				if open {
					e.tree.Set(cur)
					open = false
				}
			} else {
				if !open {
					cur, open = Extent{Start: b, Slot: e.used}, true
				}
				cur.Length += 8
				e.used += 8
			}
			b += 7
			continue
		}
		if byteVal>>(b%8)&1 == 1 {
			if !open {
				cur, open = Extent{Start: b, Slot: e.used}, true
			}
			cur.Length++
			e.used++
		} else if open {
			e.tree.Set(cur)
			open = false
		}
	}
	if open {
		e.tree.Set(cur)
	}
	return e
}

// Used is the number of used blocks.
func (e *Extents) Used() uint64 { return e.used }

// Len is the number of extents.
func (e *Extents) Len() int { return e.tree.Len() }

// Lookup returns the data area slot of block, or false when the block is
// not used.
func (e *Extents) Lookup(block uint64) (uint64, bool) {
	var (
		slot  uint64
		found bool
	)
	e.tree.Descend(Extent{Start: block}, func(x Extent) bool {
		if block < x.Start+x.Length {
			slot, found = x.Slot+block-x.Start, true
		}
		return false
	})
	return slot, found
}

// Scan calls fn for every extent in block order.
func (e *Extents) Scan(fn func(Extent) bool) {
	e.tree.Scan(fn)
}

// popcount counts the set bits of the first blocks bits of bitmap.
func popcount(bitmap []byte, blocks uint64) uint64 {
	var n uint64
	full := blocks / 8
	for _, b := range bitmap[:full] {
		n += uint64(bits.OnesCount8(b))
	}
	if rem := blocks % 8; rem != 0 {
		n += uint64(bits.OnesCount8(bitmap[full] & (1<<rem - 1)))
	}
	return n
}
