package diskimage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// Source is the random access byte range an image is read from. Local
// files, remote objects or in-memory buffers all qualify.
type Source interface {
	io.ReaderAt
	// Size returns the current length of the source in bytes.
	Size() int64
}

// WriteSource is a Source that also accepts writes. Plugins only open an
// image read-write when handed a WriteSource.
type WriteSource interface {
	Source
	io.WriterAt
}

// Syncer is implemented by sources that can flush written data to stable
// storage. Writable plugins call Sync after every table update.
type Syncer interface {
	Sync() error
}

// ResourceForker is implemented by sources that carry a second, independent
// fork (classic Mac OS resource fork). Formats keeping metadata there ask for
// it; a missing fork means there is no optional metadata.
type ResourceForker interface {
	ResourceFork() (Source, bool)
}

// Namer is implemented by sources that know where they came from. Parent
// images referenced by relative paths are resolved against it.
type Namer interface {
	Name() string
}

// ReadFull reads exactly len(buf) bytes at off. A short read at the end of
// the source is reported as io.ErrUnexpectedEOF.
func ReadFull(src io.ReaderAt, buf []byte, off int64) error {
	if len(buf) == 0 {
		return nil
	}
	n, err := src.ReadAt(buf, off)
	if n == len(buf) {
		// io.EOF together with a full read is valid for ReaderAt.
		return nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return fmt.Errorf("read %d bytes at offset %d: %w", len(buf), off, err)
}

// ReadAt allocates and reads length bytes at off.
func ReadAt(src io.ReaderAt, off int64, length int) ([]byte, error) {
	buf := make([]byte, length)
	if err := ReadFull(src, buf, off); err != nil {
		return nil, err
	}
	return buf, nil
}

// FileSource adapts an *os.File to WriteSource.
type FileSource struct {
	*os.File
	rsrc Source
}

// NewFileSource wraps an already opened file.
func NewFileSource(f *os.File) *FileSource {
	return &FileSource{File: f}
}

// OpenFile opens path for reading, or for reading and writing when
// writable is set. A resource fork is attached when the platform exposes one
// through path/..namedfork/rsrc or a sidecar path.rsrc file exists.
func OpenFile(path string, writable bool) (*FileSource, error) {
	flag := os.O_RDONLY
	if writable {
		flag = os.O_RDWR
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, err
	}
	fs := NewFileSource(f)
	for _, candidate := range []string{path + "/..namedfork/rsrc", path + ".rsrc"} {
		rf, err := os.Open(candidate)
		if err != nil {
			continue
		}
		if st, err := rf.Stat(); err != nil || st.Size() == 0 {
			rf.Close()
			continue
		}
		fs.rsrc = NewFileSource(rf)
		break
	}
	return fs, nil
}

// Size returns the current size of the file, or 0 if it cannot be stat'ed.
func (f *FileSource) Size() int64 {
	st, err := f.Stat()
	if err != nil {
		return 0
	}
	return st.Size()
}

// ResourceFork returns the attached resource fork, if any.
func (f *FileSource) ResourceFork() (Source, bool) {
	return f.rsrc, f.rsrc != nil
}

// Close closes the file and its resource fork.
func (f *FileSource) Close() error {
	err := f.File.Close()
	if c, ok := f.rsrc.(io.Closer); ok {
		if cerr := c.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// MemorySource is a growable in-memory WriteSource. It is safe for
// concurrent use.
type MemorySource struct {
	mu   sync.RWMutex
	data []byte
	name string
	rsrc Source
}

// NewMemorySource returns a MemorySource that takes ownership of data.
func NewMemorySource(data []byte) *MemorySource {
	return &MemorySource{data: data}
}

// NewNamedMemorySource returns a MemorySource that reports name from Name.
func NewNamedMemorySource(name string, data []byte) *MemorySource {
	return &MemorySource{data: data, name: name}
}

// WithResourceFork attaches a resource fork and returns m.
func (m *MemorySource) WithResourceFork(rsrc Source) *MemorySource {
	m.rsrc = rsrc
	return m
}

// ReadAt implements io.ReaderAt.
func (m *MemorySource) ReadAt(p []byte, off int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if off < 0 {
		return 0, errors.New("negative offset")
	}
	if off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements io.WriterAt, growing the buffer as needed.
func (m *MemorySource) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off < 0 {
		return 0, errors.New("negative offset")
	}
	end := off + int64(len(p))
	if end > int64(len(m.data)) {
		if end > int64(cap(m.data)) {
			grown := make([]byte, end, end*2)
			copy(grown, m.data)
			m.data = grown
		} else {
			m.data = m.data[:end]
		}
	}
	return copy(m.data[off:], p), nil
}

// Size implements Source.
func (m *MemorySource) Size() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.data))
}

// Bytes returns the current contents. The slice aliases the buffer.
func (m *MemorySource) Bytes() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data
}

// Name implements Namer.
func (m *MemorySource) Name() string { return m.name }

// ResourceFork implements ResourceForker.
func (m *MemorySource) ResourceFork() (Source, bool) {
	return m.rsrc, m.rsrc != nil
}
