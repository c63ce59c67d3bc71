package vhdx

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"

	"github.com/google/uuid"
	"golang.org/x/text/encoding/unicode"

	"go-diskimage/pkg/diskimage"
	"go-diskimage/pkg/log"
	"go-diskimage/pkg/structcodec"
)

const (
	KiB = 1024
	MiB = 1024 * KiB

	FileIdentifier = "vhdxfile"

	header1Offset      = 64 * KiB
	header2Offset      = 128 * KiB
	headerSize         = 4 * KiB
	regionTable1Offset = 192 * KiB
	regionTable2Offset = 256 * KiB
	regionTableSize    = 64 * KiB

	maxTableEntries = 2047
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// checksum computes the CRC-32C of buf with the checksum field at offset 4
// taken as zero.
func checksum(buf []byte) uint32 {
	c := crc32.Update(0, castagnoli, buf[:4])
	c = crc32.Update(c, castagnoli, []byte{0, 0, 0, 0})
	return crc32.Update(c, castagnoli, buf[8:])
}

// Header is one of the two redundant file headers.
type Header struct {
	Signature      [4]byte
	Checksum       uint32
	SequenceNumber uint64
	FileWriteGUID  [16]byte
	DataWriteGUID  [16]byte
	LogGUID        [16]byte
	LogVersion     uint16
	Version        uint16
	LogLength      uint32
	LogOffset      uint64
}

// DataWrite returns the identifier children use for parent linkage.
func (h *Header) DataWrite() uuid.UUID { return GUIDFromBytes(h.DataWriteGUID[:]) }

// Log returns the log identifier, zero when no log is pending.
func (h *Header) Log() uuid.UUID { return GUIDFromBytes(h.LogGUID[:]) }

// RegionTableHeader precedes the region table entries.
type RegionTableHeader struct {
	Signature  [4]byte
	Checksum   uint32
	EntryCount uint32
	Reserved   uint32
}

// RegionTableEntry locates one region.
type RegionTableEntry struct {
	GUID       [16]byte
	FileOffset uint64
	Length     uint32
	Required   uint32
}

// creator decodes the UTF-16 creator string of the file identifier.
func creator(buf []byte) string {
	dec := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder()
	out, err := dec.Bytes(buf)
	if err != nil {
		return ""
	}
	if i := bytes.IndexByte(out, 0); i >= 0 {
		out = out[:i]
	}
	return string(out)
}

// readHeader returns the header copy at off when it is valid.
func readHeader(src diskimage.Source, off int64) (*Header, bool) {
	buf, err := diskimage.ReadAt(src, off, headerSize)
	if err != nil {
		return nil, false
	}
	h := &Header{}
	if err := structcodec.Decode(buf, binary.LittleEndian, h); err != nil {
		return nil, false
	}
	if string(h.Signature[:]) != "head" || h.Checksum != checksum(buf) || h.Version != 1 {
		return nil, false
	}
	return h, true
}

// currentHeader picks the valid header with the highest sequence number.
func currentHeader(src diskimage.Source) (*Header, error) {
	h1, ok1 := readHeader(src, header1Offset)
	h2, ok2 := readHeader(src, header2Offset)
	switch {
	case ok1 && ok2:
		if h2.SequenceNumber > h1.SequenceNumber {
			return h2, nil
		}
		return h1, nil
	case ok1:
		log.Warnf("vhdx: second header is invalid, using the first")
		return h1, nil
	case ok2:
		log.Warnf("vhdx: first header is invalid, using the second")
		return h2, nil
	}
	return nil, diskimage.Corrupt(Name, "no valid header")
}

// readRegionTable returns the entries of the region table at off when its
// checksum matches.
func readRegionTable(src diskimage.Source, off int64) ([]RegionTableEntry, error) {
	buf, err := diskimage.ReadAt(src, off, regionTableSize)
	if err != nil {
		return nil, err
	}
	var rth RegionTableHeader
	if err := structcodec.Decode(buf, binary.LittleEndian, &rth); err != nil {
		return nil, err
	}
	if string(rth.Signature[:]) != "regi" {
		return nil, diskimage.Corrupt(Name, "region table at %d: bad signature", off)
	}
	if rth.Checksum != checksum(buf) {
		return nil, diskimage.Corrupt(Name, "region table at %d: checksum mismatch", off)
	}
	if rth.EntryCount > maxTableEntries {
		return nil, diskimage.Corrupt(Name, "region table at %d: %d entries", off, rth.EntryCount)
	}
	entries := make([]RegionTableEntry, rth.EntryCount)
	for n := range entries {
		if err := structcodec.Decode(buf[16+n*32:], binary.LittleEndian, &entries[n]); err != nil {
			return nil, err
		}
	}
	return entries, nil
}

// regions reads the region table, falling back to the second copy, and
// returns the BAT and metadata regions.
func regions(src diskimage.Source) (bat, meta RegionTableEntry, err error) {
	entries, err := readRegionTable(src, regionTable1Offset)
	if err != nil {
		log.Warnf("vhdx: %v, trying the second copy", err)
		if entries, err = readRegionTable(src, regionTable2Offset); err != nil {
			return bat, meta, err
		}
	}
	var foundBAT, foundMeta bool
	for _, e := range entries {
		switch GUIDFromBytes(e.GUID[:]) {
		case BATRegion:
			bat, foundBAT = e, true
		case MetadataRegion:
			meta, foundMeta = e, true
		default:
			if e.Required&1 != 0 {
				return bat, meta, diskimage.Unsupported(Name, "unknown required region %s", GUIDFromBytes(e.GUID[:]))
			}
		}
	}
	if !foundBAT || !foundMeta {
		return bat, meta, diskimage.Corrupt(Name, "BAT or metadata region missing")
	}
	size := uint64(src.Size())
	for _, e := range []RegionTableEntry{bat, meta} {
		if e.FileOffset%MiB != 0 || e.FileOffset+uint64(e.Length) > size {
			return bat, meta, diskimage.Corrupt(Name, "region %s at %d+%d outside of file", GUIDFromBytes(e.GUID[:]), e.FileOffset, e.Length)
		}
	}
	return bat, meta, nil
}
