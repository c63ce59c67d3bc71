package resfork

import (
	"encoding/binary"
)

// Builder assembles a resource fork.
type Builder struct {
	types   []string
	entries map[string][]builderEntry
}

type builderEntry struct {
	id   int16
	name string
	data []byte
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{entries: map[string][]builderEntry{}}
}

// Add appends a resource. typ must be four bytes long.
func (b *Builder) Add(typ string, id int16, name string, data []byte) *Builder {
	if _, ok := b.entries[typ]; !ok {
		b.types = append(b.types, typ)
	}
	b.entries[typ] = append(b.entries[typ], builderEntry{id: id, name: name, data: data})
	return b
}

// Bytes returns the encoded fork.
func (b *Builder) Bytes() []byte {
	const dataOffset = 256
	be := binary.BigEndian

	var data, refs, names []byte
	typeList := make([]byte, 2+8*len(b.types))
	be.PutUint16(typeList, uint16(len(b.types)-1))
	refBase := len(typeList)
	for n, typ := range b.types {
		te := typeList[2+n*8:]
		copy(te, typ)
		be.PutUint16(te[4:], uint16(len(b.entries[typ])-1))
		be.PutUint16(te[6:], uint16(refBase+len(refs)))
		for _, e := range b.entries[typ] {
			ref := make([]byte, 12)
			be.PutUint16(ref, uint16(e.id))
			be.PutUint16(ref[2:], 0xffff)
			if e.name != "" {
				be.PutUint16(ref[2:], uint16(len(names)))
				names = append(names, byte(len(e.name)))
				names = append(names, e.name...)
			}
			off := len(data)
			ref[5], ref[6], ref[7] = byte(off>>16), byte(off>>8), byte(off)
			refs = append(refs, ref...)

			data = be.AppendUint32(data, uint32(len(e.data)))
			data = append(data, e.data...)
		}
	}

	mapOffset := dataOffset + len(data)
	m := make([]byte, 28)
	be.PutUint16(m[24:], 28)
	be.PutUint16(m[26:], uint16(28+len(typeList)+len(refs)))
	m = append(m, typeList...)
	m = append(m, refs...)
	m = append(m, names...)

	out := make([]byte, dataOffset, mapOffset+len(m))
	be.PutUint32(out[0:], dataOffset)
	be.PutUint32(out[4:], uint32(mapOffset))
	be.PutUint32(out[8:], uint32(len(data)))
	be.PutUint32(out[12:], uint32(len(m)))
	copy(m, out[:16])
	out = append(out, data...)
	return append(out, m...)
}
