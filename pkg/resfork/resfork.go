// Package resfork parses classic Mac OS resource forks.
package resfork

import (
	"encoding/binary"
	"fmt"
	"sort"

	"go-diskimage/pkg/diskimage"
	"go-diskimage/pkg/structcodec"
)

const name = "resource fork"

type header struct {
	DataOffset uint32
	MapOffset  uint32
	DataLength uint32
	MapLength  uint32
}

type mapHeader struct {
	Header         [16]byte
	NextMap        uint32
	FileRef        uint16
	Attributes     uint16
	TypeListOffset uint16
	NameListOffset uint16
}

type typeEntry struct {
	Type       [4]byte
	CountMinus uint16
	RefOffset  uint16
}

type refEntry struct {
	ID         int16
	NameOffset uint16
	Attributes uint8
	DataOffset [3]byte
	Handle     uint32
}

// Resource is one entry of the resource map.
type Resource struct {
	Type       string
	ID         int16
	Name       string
	Attributes uint8

	offset int64
}

// Fork is a parsed resource fork.
type Fork struct {
	src       diskimage.Source
	resources map[string][]Resource
}

// Parse reads the resource map of src.
func Parse(src diskimage.Source) (*Fork, error) {
	var h header
	if err := structcodec.ReadStruct(src, 0, binary.BigEndian, &h); err != nil {
		return nil, err
	}
	size := uint64(src.Size())
	if uint64(h.DataOffset)+uint64(h.DataLength) > size || uint64(h.MapOffset)+uint64(h.MapLength) > size {
		return nil, diskimage.Corrupt(name, "data or map outside of fork")
	}
	mapBuf, err := diskimage.ReadAt(src, int64(h.MapOffset), int(h.MapLength))
	if err != nil {
		return nil, fmt.Errorf("read resource map: %w", err)
	}
	var mh mapHeader
	if err := structcodec.Decode(mapBuf, binary.BigEndian, &mh); err != nil {
		return nil, err
	}
	if int(mh.TypeListOffset)+2 > len(mapBuf) {
		return nil, diskimage.Corrupt(name, "type list at %d outside of map", mh.TypeListOffset)
	}

	typeList := mapBuf[mh.TypeListOffset:]
	numTypes := int(int16(binary.BigEndian.Uint16(typeList))) + 1
	f := &Fork{src: src, resources: make(map[string][]Resource, numTypes)}
	for n := 0; n < numTypes; n++ {
		var te typeEntry
		if err := structcodec.Decode(typeList[min(len(typeList), 2+n*8):], binary.BigEndian, &te); err != nil {
			return nil, err
		}
		typ := string(te.Type[:])
		refs := typeList[min(len(typeList), int(te.RefOffset)):]
		for r := 0; r <= int(te.CountMinus); r++ {
			var re refEntry
			if err := structcodec.Decode(refs[min(len(refs), r*12):], binary.BigEndian, &re); err != nil {
				return nil, err
			}
			res := Resource{
				Type:       typ,
				ID:         re.ID,
				Attributes: re.Attributes,
				offset:     int64(h.DataOffset) + (int64(re.DataOffset[0])<<16 | int64(re.DataOffset[1])<<8 | int64(re.DataOffset[2])),
			}
			if re.NameOffset != 0xffff {
				at := int(mh.NameListOffset) + int(re.NameOffset)
				if at < len(mapBuf) {
					res.Name = structcodec.PascalString(mapBuf[at:])
				}
			}
			f.resources[typ] = append(f.resources[typ], res)
		}
		sort.Slice(f.resources[typ], func(a, b int) bool {
			return f.resources[typ][a].ID < f.resources[typ][b].ID
		})
	}
	return f, nil
}

// Types returns the resource types present, sorted.
func (f *Fork) Types() []string {
	out := make([]string, 0, len(f.resources))
	for t := range f.resources {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Resources returns the resources of typ ordered by ID.
func (f *Fork) Resources(typ string) []Resource {
	return f.resources[typ]
}

// Data reads the contents of r.
func (f *Fork) Data(r Resource) ([]byte, error) {
	var l [4]byte
	if err := diskimage.ReadFull(f.src, l[:], r.offset); err != nil {
		return nil, fmt.Errorf("read %s %d: %w", r.Type, r.ID, err)
	}
	length := int64(binary.BigEndian.Uint32(l[:]))
	if r.offset+4+length > f.src.Size() {
		return nil, diskimage.Corrupt(name, "%s %d of %d bytes outside of fork", r.Type, r.ID, length)
	}
	return diskimage.ReadAt(f.src, r.offset+4, int(length))
}

// Get returns the contents of the resource typ/id.
func (f *Fork) Get(typ string, id int16) ([]byte, bool, error) {
	for _, r := range f.resources[typ] {
		if r.ID == id {
			data, err := f.Data(r)
			return data, true, err
		}
	}
	return nil, false, nil
}
