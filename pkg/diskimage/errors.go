package diskimage

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedHeader is returned when a buffer is too short for a
	// structure or a magic does not match.
	ErrMalformedHeader = errors.New("malformed header")
	// ErrUnsupportedFeature is returned for recognized but unimplemented
	// versions, flags, compression algorithms, encryption and segmentation.
	ErrUnsupportedFeature = errors.New("unsupported feature")
	// ErrCorruptData is returned on checksum or size mismatches and on
	// table entries with reserved bits set.
	ErrCorruptData = errors.New("corrupt data")
	// ErrSectorOutOfRange is returned when an address or length exceeds the
	// sector count of the image.
	ErrSectorOutOfRange = errors.New("sector out of range")
	// ErrNotRecognized is returned by Registry.Detect when no plugin
	// identifies the source.
	ErrNotRecognized = errors.New("format not recognized")
	// ErrReadOnly is returned when writing to an image opened read-only.
	ErrReadOnly = errors.New("image is read-only")
	// ErrClosed is returned by reads and writes after Close.
	ErrClosed = errors.New("image is closed")
)

// FormatError describes why a plugin rejected an image or a request.
type FormatError struct {
	Format string
	Kind   error
	Reason string
}

func (e *FormatError) Error() string {
	if errors.Is(e.Kind, ErrUnsupportedFeature) {
		return fmt.Sprintf("%s: unsupported image: %s", e.Format, e.Reason)
	}
	return fmt.Sprintf("%s: %v: %s", e.Format, e.Kind, e.Reason)
}

func (e *FormatError) Unwrap() error { return e.Kind }

// Unsupported returns a FormatError of kind ErrUnsupportedFeature.
func Unsupported(format, reason string, args ...any) error {
	return &FormatError{Format: format, Kind: ErrUnsupportedFeature, Reason: fmt.Sprintf(reason, args...)}
}

// Corrupt returns a FormatError of kind ErrCorruptData.
func Corrupt(format, reason string, args ...any) error {
	return &FormatError{Format: format, Kind: ErrCorruptData, Reason: fmt.Sprintf(reason, args...)}
}

// Malformed returns a FormatError of kind ErrMalformedHeader.
func Malformed(format, reason string, args ...any) error {
	return &FormatError{Format: format, Kind: ErrMalformedHeader, Reason: fmt.Sprintf(reason, args...)}
}

// WriteError is returned by the write path. The image stays open and
// consistent after a WriteError, so the caller can decide whether to
// continue the write session.
type WriteError struct {
	Sector  uint64
	Message string
	Err     error
}

func (e *WriteError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("write sector %d: %s: %v", e.Sector, e.Message, e.Err)
	}
	return fmt.Sprintf("write sector %d: %s", e.Sector, e.Message)
}

func (e *WriteError) Unwrap() error { return e.Err }

// CheckRange validates that [addr, addr+count) lies within an image of
// sectors sectors. A zero count is an empty request: addr must still name a
// sector of the image, and readers return no data for it.
func CheckRange(addr uint64, count uint32, sectors uint64) error {
	if addr >= sectors {
		return fmt.Errorf("%w: sector %d, image has %d sectors", ErrSectorOutOfRange, addr, sectors)
	}
	if uint64(count) > sectors-addr {
		return fmt.Errorf("%w: %d sectors from %d, image has %d sectors", ErrSectorOutOfRange, count, addr, sectors)
	}
	return nil
}
