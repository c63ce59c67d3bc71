package partimage

import (
	"encoding/binary"

	"go-diskimage/pkg/diskimage"
	"go-diskimage/pkg/structcodec"
)

const (
	VolumeMagic = "PaRtImAgE-VoLuMe"

	MagicMBRBackup   = "MAGIC-BEGIN-MBRBACKUP"
	MagicLocalHeader = "MAGIC-BEGIN-LOCALHEADER"
	MagicBitmap      = "MAGIC-BEGIN-BITMAP"
	MagicInfo        = "MAGIC-BEGIN-INFO"
	MagicDataBlocks  = "MAGIC-BEGIN-DATABLOCKS"
	MagicTail        = "MAGIC-BEGIN-TAIL"

	VolumeHeaderSize = 512
	MainHeaderSize   = 16384
	LocalHeaderSize  = 16384
	InfoSize         = 16384
	MagicSize        = 32

	// one MBR backup: the sector plus model, geometry and identify strings
	MBRBackupSize = 512 + 128 + 1024 + 4096

	// CheckFrequency is the number of used blocks between two check records.
	CheckFrequency = 65536
	CheckSize      = 16
)

// Compression algorithms of the main header.
const (
	CompressionNone  = 0
	CompressionGzip  = 1
	CompressionBzip2 = 2
	CompressionLZO   = 3
)

// VolumeHeader starts every volume file of an image.
type VolumeHeader struct {
	Magic         [32]byte
	Version       [64]byte
	VolumeNumber  uint32
	Identificator uint64
}

// PortableTime is a broken down creation time.
type PortableTime struct {
	Second, Minute, Hour uint32
	Day, Month, Year     uint32
	WeekDay, YearDay     uint32
	IsDST                uint32
}

// MainHeader describes the saved partition. Only the leading fields are
// decoded; the rest of the 16 KiB block is reserved.
type MainHeader struct {
	FileSystem     [512]byte
	Description    [4096]byte
	OriginalDevice [512]byte
	FirstImagePath [4096]byte // MAXPATHLEN
	UnameSysname   [65]byte
	UnameNodename  [65]byte
	UnameRelease   [65]byte
	UnameVersion   [65]byte
	UnameMachine   [65]byte
	Compression    uint32
	MainFlags      uint32
	Created        PortableTime
	PartSize       uint64
	Hostname       [128]byte
	Version        [64]byte
	MBRCount       uint32
	MBRSize        uint32
	EncryptAlgo    uint32
	HashTestKey    [16]byte
}

// LocalHeader describes the block layout of the saved file system.
type LocalHeader struct {
	BlockSize      uint64
	UsedBlocks     uint64
	BlocksCount    uint64
	BitmapSize     uint64
	BadBlocksCount uint64
	Label          [64]byte
}

// section reads the magic at off and returns the offset following it.
func section(src diskimage.Source, off int64, magic string) (int64, error) {
	buf, err := diskimage.ReadAt(src, off, MagicSize)
	if err != nil {
		return 0, diskimage.Corrupt(Name, "%s missing at %d: %v", magic, off, err)
	}
	if got := structcodec.CString(buf); got != magic {
		return 0, diskimage.Corrupt(Name, "expected %s at %d, found %q", magic, off, got)
	}
	return off + MagicSize, nil
}

func readVolumeHeader(src diskimage.Source) (*VolumeHeader, error) {
	vh := &VolumeHeader{}
	if err := structcodec.ReadStruct(src, 0, binary.LittleEndian, vh); err != nil {
		return nil, err
	}
	if structcodec.CString(vh.Magic[:]) != VolumeMagic {
		return nil, diskimage.Malformed(Name, "bad volume magic")
	}
	if vh.VolumeNumber != 0 {
		return nil, diskimage.Unsupported(Name, "volume %d of a multi-volume image", vh.VolumeNumber)
	}
	return vh, nil
}

func readMainHeader(src diskimage.Source) (*MainHeader, error) {
	mh := &MainHeader{}
	if err := structcodec.ReadStruct(src, VolumeHeaderSize, binary.LittleEndian, mh); err != nil {
		return nil, err
	}
	switch mh.Compression {
	case CompressionNone:
	case CompressionGzip, CompressionBzip2, CompressionLZO:
		return nil, diskimage.Unsupported(Name, "compression %d", mh.Compression)
	default:
		return nil, diskimage.Corrupt(Name, "unknown compression %d", mh.Compression)
	}
	if mh.EncryptAlgo != 0 {
		return nil, diskimage.Unsupported(Name, "encryption %d", mh.EncryptAlgo)
	}
	return mh, nil
}
