package trace

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// FormatVersion is the trace file version this package writes.
const FormatVersion uint32 = 1

var magic = [8]byte{'H', 'A', 'S', 'E', 'T', 'R', 'C', 0}

const flagZstd uint32 = 1 << 0

var (
	// ErrMalformed reports stream-level corruption. It is fatal for the
	// remainder of the stream; anything decoded before it remains valid.
	ErrMalformed = errors.New("trace: malformed record")

	// ErrUnsupportedVersion reports a trace file written by an
	// incompatible format version.
	ErrUnsupportedVersion = errors.New("trace: unsupported format version")
)

// Write serializes the session: a fixed uncompressed header followed by
// the (optionally zstd-compressed) body holding metadata, the initial
// snapshot and the raw per-CPU buffers.
func Write(w io.Writer, s *Session, ct CompressionType) error {
	var hdr [24]byte
	copy(hdr[:8], magic[:])
	binary.LittleEndian.PutUint32(hdr[8:], FormatVersion)
	var flags uint32
	if ct == ZstdCompression {
		flags |= flagZstd
	}
	binary.LittleEndian.PutUint32(hdr[12:], flags)
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}

	body, closer, err := NewCompressedWriter(w, ct)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(body)
	e := &encoder{w: bw}

	e.str(s.Target)
	e.u32(uint32(len(s.Argv)))
	for _, a := range s.Argv {
		e.str(a)
	}
	e.regs(s.StartRegs)
	e.u32(uint32(len(s.Mappings)))
	for _, m := range s.Mappings {
		e.u64(m.Start)
		e.u64(m.End)
		e.u64(m.Offset)
		e.str(m.Perms)
		e.str(m.Path)
	}
	e.u32(uint32(len(s.InitialMem)))
	for _, r := range s.InitialMem {
		e.u64(r.Addr)
		e.blob(r.Data)
	}
	e.u64(s.Limit)
	e.bool(s.Truncated)
	e.u32(uint32(s.Terminated))
	e.u64(uint64(int64(s.ExitStatus)))
	e.u32(uint32(len(s.Buffers)))
	for _, b := range s.Buffers {
		e.u32(uint32(b.CPU))
		e.blob(b.Data)
	}
	if e.err != nil {
		return e.err
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	return closer.Close()
}

// Read parses a session. The header is validated before any body byte
// is interpreted, so a version mismatch fails with ErrUnsupportedVersion
// rather than a misparse.
func Read(r io.Reader) (*Session, error) {
	var hdr [24]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("%w: short header", ErrMalformed)
	}
	if [8]byte(hdr[:8]) != magic {
		return nil, fmt.Errorf("%w: bad magic", ErrMalformed)
	}
	version := binary.LittleEndian.Uint32(hdr[8:])
	if version != FormatVersion {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrUnsupportedVersion, version, FormatVersion)
	}
	flags := binary.LittleEndian.Uint32(hdr[12:])
	ct := NoCompression
	if flags&flagZstd != 0 {
		ct = ZstdCompression
	}

	body, err := NewCompressedReader(r, ct)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	d := &decoder{r: bufio.NewReader(body)}

	s := &Session{Format: version}
	s.Target = d.str()
	n := d.u32()
	for i := uint32(0); i < n && d.err == nil; i++ {
		s.Argv = append(s.Argv, d.str())
	}
	s.StartRegs = d.regs()
	n = d.u32()
	for i := uint32(0); i < n && d.err == nil; i++ {
		var m Mapping
		m.Start = d.u64()
		m.End = d.u64()
		m.Offset = d.u64()
		m.Perms = d.str()
		m.Path = d.str()
		s.Mappings = append(s.Mappings, m)
	}
	n = d.u32()
	for i := uint32(0); i < n && d.err == nil; i++ {
		var reg MemRegion
		reg.Addr = d.u64()
		reg.Data = d.blob()
		s.InitialMem = append(s.InitialMem, reg)
	}
	s.Limit = d.u64()
	s.Truncated = d.bool()
	s.Terminated = TerminationReason(d.u32())
	s.ExitStatus = int(int64(d.u64()))
	n = d.u32()
	for i := uint32(0); i < n && d.err == nil; i++ {
		var b CPUBuffer
		b.CPU = int32(d.u32())
		b.Data = d.blob()
		s.Buffers = append(s.Buffers, b)
	}
	if d.err != nil {
		return nil, d.err
	}
	return s, nil
}

// WriteFile writes the session to path.
func WriteFile(path string, s *Session, ct CompressionType) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Write(f, s, ct); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ReadFile reads a session from path.
func ReadFile(path string) (*Session, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Read(f)
}

type encoder struct {
	w   *bufio.Writer
	err error
}

func (e *encoder) u32(v uint32) {
	if e.err != nil {
		return
	}
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	_, e.err = e.w.Write(b[:])
}

func (e *encoder) u64(v uint64) {
	if e.err != nil {
		return
	}
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	_, e.err = e.w.Write(b[:])
}

func (e *encoder) bool(v bool) {
	if e.err != nil {
		return
	}
	b := byte(0)
	if v {
		b = 1
	}
	e.err = e.w.WriteByte(b)
}

func (e *encoder) blob(b []byte) {
	e.u32(uint32(len(b)))
	if e.err != nil {
		return
	}
	_, e.err = e.w.Write(b)
}

func (e *encoder) str(s string) {
	e.blob([]byte(s))
}

func (e *encoder) regs(r Registers) {
	for _, v := range r.slice() {
		e.u64(v)
	}
}

type decoder struct {
	r   *bufio.Reader
	err error
}

func (d *decoder) fail(what string) {
	if d.err == nil {
		d.err = fmt.Errorf("%w: truncated %s", ErrMalformed, what)
	}
}

func (d *decoder) u32() uint32 {
	if d.err != nil {
		return 0
	}
	var b [4]byte
	if _, err := io.ReadFull(d.r, b[:]); err != nil {
		d.fail("u32")
		return 0
	}
	return binary.LittleEndian.Uint32(b[:])
}

func (d *decoder) u64() uint64 {
	if d.err != nil {
		return 0
	}
	var b [8]byte
	if _, err := io.ReadFull(d.r, b[:]); err != nil {
		d.fail("u64")
		return 0
	}
	return binary.LittleEndian.Uint64(b[:])
}

func (d *decoder) bool() bool {
	if d.err != nil {
		return false
	}
	b, err := d.r.ReadByte()
	if err != nil {
		d.fail("bool")
		return false
	}
	return b != 0
}

func (d *decoder) blob() []byte {
	n := d.u32()
	if d.err != nil {
		return nil
	}
	// Cap up-front allocation so a corrupt length cannot OOM us.
	b := make([]byte, 0, min(int(n), 1<<20))
	var chunk [4096]byte
	remaining := int(n)
	for remaining > 0 {
		c := min(remaining, len(chunk))
		if _, err := io.ReadFull(d.r, chunk[:c]); err != nil {
			d.fail("blob")
			return nil
		}
		b = append(b, chunk[:c]...)
		remaining -= c
	}
	return b
}

func (d *decoder) str() string {
	return string(d.blob())
}

func (d *decoder) regs() Registers {
	var vals [19]uint64
	for i := range vals {
		vals[i] = d.u64()
	}
	var r Registers
	r.setSlice(vals[:])
	return r
}

func (r Registers) slice() []uint64 {
	return []uint64{
		r.Rax, r.Rbx, r.Rcx, r.Rdx,
		r.Rsi, r.Rdi, r.Rbp, r.Rsp,
		r.R8, r.R9, r.R10, r.R11,
		r.R12, r.R13, r.R14, r.R15,
		r.Rip, r.Rflags, r.FsBase,
	}
}

func (r *Registers) setSlice(v []uint64) {
	r.Rax, r.Rbx, r.Rcx, r.Rdx = v[0], v[1], v[2], v[3]
	r.Rsi, r.Rdi, r.Rbp, r.Rsp = v[4], v[5], v[6], v[7]
	r.R8, r.R9, r.R10, r.R11 = v[8], v[9], v[10], v[11]
	r.R12, r.R13, r.R14, r.R15 = v[12], v[13], v[14], v[15]
	r.Rip, r.Rflags, r.FsBase = v[16], v[17], v[18]
}
