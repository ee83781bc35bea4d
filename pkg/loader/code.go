package loader

import (
	"fmt"
	"os"
	"sort"

	"github.com/efeslab/hase/pkg/trace"
)

// CodeReader supplies instruction bytes for a virtual address. The
// decoder and the replay stepper read opcodes through this interface so
// tests can substitute in-memory images for real binaries.
type CodeReader interface {
	// ReadCode fills buf with the bytes mapped at addr and returns how
	// many were available. A short read is legal near a mapping end.
	ReadCode(addr uint64, buf []byte) (int, error)
}

// ErrNotMapped reports a code read from an unmapped address.
var ErrNotMapped = fmt.Errorf("loader: address not mapped")

// FileCodeReader reads instruction bytes from the files backing the
// executable mappings of a module map.
type FileCodeReader struct {
	m     *Map
	files map[string]*os.File
}

// NewFileCodeReader creates a reader over the map's file-backed
// executable mappings.
func NewFileCodeReader(m *Map) *FileCodeReader {
	return &FileCodeReader{m: m, files: make(map[string]*os.File)}
}

// ReadCode implements CodeReader.
func (r *FileCodeReader) ReadCode(addr uint64, buf []byte) (int, error) {
	mp, ok := r.m.Find(addr)
	if !ok || mp.Path == "" || mp.Path[0] == '[' {
		return 0, fmt.Errorf("%w: 0x%x", ErrNotMapped, addr)
	}
	f, ok := r.files[mp.Path]
	if !ok {
		var err error
		f, err = os.Open(mp.Path)
		if err != nil {
			return 0, err
		}
		r.files[mp.Path] = f
	}
	n := len(buf)
	if rem := mp.End - addr; uint64(n) > rem {
		n = int(rem)
	}
	got, err := f.ReadAt(buf[:n], int64(addr-mp.Start+mp.Offset))
	if got > 0 {
		return got, nil
	}
	return got, err
}

// Close releases the opened backing files.
func (r *FileCodeReader) Close() error {
	var first error
	for _, f := range r.files {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}
	r.files = make(map[string]*os.File)
	return first
}

// ImageCodeReader serves code from in-memory regions. Used by tests
// and by replay over memory captured in the session snapshot.
type ImageCodeReader struct {
	regions []trace.MemRegion
}

// NewImageCodeReader builds a reader over the given regions.
func NewImageCodeReader(regions []trace.MemRegion) *ImageCodeReader {
	rs := append([]trace.MemRegion(nil), regions...)
	sort.Slice(rs, func(i, j int) bool { return rs[i].Addr < rs[j].Addr })
	return &ImageCodeReader{regions: rs}
}

// ReadCode implements CodeReader.
func (r *ImageCodeReader) ReadCode(addr uint64, buf []byte) (int, error) {
	for _, reg := range r.regions {
		end := reg.Addr + uint64(len(reg.Data))
		if addr >= reg.Addr && addr < end {
			n := copy(buf, reg.Data[addr-reg.Addr:])
			return n, nil
		}
	}
	return 0, fmt.Errorf("%w: 0x%x", ErrNotMapped, addr)
}
