package trace

import (
	"encoding/binary"
	"fmt"
)

// Raw packet opcodes. The capture stream is a compact, PT-like packet
// sequence: branch outcomes are packed as taken/not-taken bits and only
// indirect transfers carry a full target address.
const (
	PktSync     byte = 0x01 // seq u64, cpu i32, ip u64: buffer sync point
	PktTNT      byte = 0x02 // bits u8, n u8: up to 8 conditional outcomes, LSB first
	PktTIP      byte = 0x03 // ip u64: indirect branch/return target
	PktSyscall  byte = 0x04 // syscall record with captured write set
	PktRep      byte = 0x05 // ip u64, count u64
	PktVDSO     byte = 0x06 // entry u64, ret u64, retval u64
	PktMig      byte = 0x07 // seq u64, newcpu i32: execution left this CPU
	PktOverflow byte = 0x08 // lost u64, reason string
	PktEnd      byte = 0xFF // end of buffer
)

// Packet is one parsed raw capture packet.
type Packet struct {
	Type byte

	Seq uint64 // PktSync, PktMig
	CPU int32  // PktSync, PktMig (new CPU)
	IP  uint64 // PktSync, PktTIP, PktRep

	TNTBits uint8 // PktTNT
	TNTLen  uint8 // PktTNT

	Count uint64 // PktRep

	Sys Syscall // PktSyscall

	Entry, Ret, RetValue uint64 // PktVDSO

	Lost   uint64 // PktOverflow
	Reason string // PktOverflow
}

// PacketWriter builds the raw packet stream for one CPU buffer.
type PacketWriter struct {
	buf []byte
}

func (w *PacketWriter) u8(v uint8)   { w.buf = append(w.buf, v) }
func (w *PacketWriter) u32(v uint32) { w.buf = binary.LittleEndian.AppendUint32(w.buf, v) }
func (w *PacketWriter) u64(v uint64) { w.buf = binary.LittleEndian.AppendUint64(w.buf, v) }

// Bytes returns the accumulated stream.
func (w *PacketWriter) Bytes() []byte { return w.buf }

// Sync writes a sync point opening this buffer at seq, executing at ip.
func (w *PacketWriter) Sync(seq uint64, cpu int32, ip uint64) {
	w.u8(PktSync)
	w.u64(seq)
	w.u32(uint32(cpu))
	w.u64(ip)
}

// TNT writes up to 8 conditional branch outcomes, LSB first.
func (w *PacketWriter) TNT(bits uint8, n uint8) {
	w.u8(PktTNT)
	w.u8(bits)
	w.u8(n)
}

// TIP writes an indirect branch target.
func (w *PacketWriter) TIP(ip uint64) {
	w.u8(PktTIP)
	w.u64(ip)
}

// Syscall writes a syscall record.
func (w *PacketWriter) Syscall(s Syscall) {
	w.u8(PktSyscall)
	w.u64(s.IP)
	w.u64(s.Nr)
	for _, a := range s.Args {
		w.u64(a)
	}
	w.u64(s.Ret)
	if s.Unmodeled {
		w.u8(1)
	} else {
		w.u8(0)
	}
	w.u32(uint32(len(s.Writes)))
	for _, mw := range s.Writes {
		w.u64(mw.Addr)
		w.u32(uint32(len(mw.Data)))
		w.buf = append(w.buf, mw.Data...)
	}
}

// Rep writes a REP-prefixed string instruction record.
func (w *PacketWriter) Rep(ip, count uint64) {
	w.u8(PktRep)
	w.u64(ip)
	w.u64(count)
}

// VDSO writes a vdso entry/return record.
func (w *PacketWriter) VDSO(entry, ret, retValue uint64) {
	w.u8(PktVDSO)
	w.u64(entry)
	w.u64(ret)
	w.u64(retValue)
}

// Mig marks execution migrating away from this CPU. The buffer that
// continues the trace opens with a Sync carrying the same seq.
func (w *PacketWriter) Mig(seq uint64, newCPU int32) {
	w.u8(PktMig)
	w.u64(seq)
	w.u32(uint32(newCPU))
}

// Overflow records dropped capture data.
func (w *PacketWriter) Overflow(lost uint64, reason string) {
	w.u8(PktOverflow)
	w.u64(lost)
	w.u32(uint32(len(reason)))
	w.buf = append(w.buf, reason...)
}

// End terminates the buffer.
func (w *PacketWriter) End() {
	w.u8(PktEnd)
}

// PacketParser reads packets sequentially from one CPU buffer.
type PacketParser struct {
	data []byte
	off  int
}

// NewPacketParser returns a parser positioned at the start of data.
func NewPacketParser(data []byte) *PacketParser {
	return &PacketParser{data: data}
}

// Offset returns the current byte offset into the buffer.
func (p *PacketParser) Offset() int { return p.off }

// Reset rewinds the parser to the start of the buffer.
func (p *PacketParser) Reset() { p.off = 0 }

// Seek positions the parser at a byte offset previously obtained from
// Offset.
func (p *PacketParser) Seek(off int) error {
	if off < 0 || off > len(p.data) {
		return fmt.Errorf("%w: seek offset %d outside buffer", ErrMalformed, off)
	}
	p.off = off
	return nil
}

func (p *PacketParser) u8() (uint8, error) {
	if p.off+1 > len(p.data) {
		return 0, fmt.Errorf("%w: truncated packet at offset %d", ErrMalformed, p.off)
	}
	v := p.data[p.off]
	p.off++
	return v, nil
}

func (p *PacketParser) u32() (uint32, error) {
	if p.off+4 > len(p.data) {
		return 0, fmt.Errorf("%w: truncated packet at offset %d", ErrMalformed, p.off)
	}
	v := binary.LittleEndian.Uint32(p.data[p.off:])
	p.off += 4
	return v, nil
}

func (p *PacketParser) u64() (uint64, error) {
	if p.off+8 > len(p.data) {
		return 0, fmt.Errorf("%w: truncated packet at offset %d", ErrMalformed, p.off)
	}
	v := binary.LittleEndian.Uint64(p.data[p.off:])
	p.off += 8
	return v, nil
}

func (p *PacketParser) bytes(n int) ([]byte, error) {
	if n < 0 || p.off+n > len(p.data) {
		return nil, fmt.Errorf("%w: truncated packet at offset %d", ErrMalformed, p.off)
	}
	b := p.data[p.off : p.off+n]
	p.off += n
	return b, nil
}

// Next parses the next packet. It returns ErrMalformed-wrapped errors
// on truncation or unknown opcodes; the caller decides whether the
// stream is salvageable.
func (p *PacketParser) Next() (Packet, error) {
	t, err := p.u8()
	if err != nil {
		return Packet{}, err
	}
	pkt := Packet{Type: t}
	switch t {
	case PktSync:
		if pkt.Seq, err = p.u64(); err != nil {
			return Packet{}, err
		}
		cpu, err := p.u32()
		if err != nil {
			return Packet{}, err
		}
		pkt.CPU = int32(cpu)
		if pkt.IP, err = p.u64(); err != nil {
			return Packet{}, err
		}
	case PktTNT:
		if pkt.TNTBits, err = p.u8(); err != nil {
			return Packet{}, err
		}
		if pkt.TNTLen, err = p.u8(); err != nil {
			return Packet{}, err
		}
		if pkt.TNTLen == 0 || pkt.TNTLen > 8 {
			return Packet{}, fmt.Errorf("%w: TNT length %d", ErrMalformed, pkt.TNTLen)
		}
	case PktTIP:
		if pkt.IP, err = p.u64(); err != nil {
			return Packet{}, err
		}
	case PktSyscall:
		var s Syscall
		if s.IP, err = p.u64(); err != nil {
			return Packet{}, err
		}
		if s.Nr, err = p.u64(); err != nil {
			return Packet{}, err
		}
		for i := range s.Args {
			if s.Args[i], err = p.u64(); err != nil {
				return Packet{}, err
			}
		}
		if s.Ret, err = p.u64(); err != nil {
			return Packet{}, err
		}
		um, err := p.u8()
		if err != nil {
			return Packet{}, err
		}
		s.Unmodeled = um != 0
		nw, err := p.u32()
		if err != nil {
			return Packet{}, err
		}
		for i := uint32(0); i < nw; i++ {
			var mw MemWrite
			if mw.Addr, err = p.u64(); err != nil {
				return Packet{}, err
			}
			n, err := p.u32()
			if err != nil {
				return Packet{}, err
			}
			b, err := p.bytes(int(n))
			if err != nil {
				return Packet{}, err
			}
			mw.Data = append([]byte(nil), b...)
			s.Writes = append(s.Writes, mw)
		}
		pkt.Sys = s
	case PktRep:
		if pkt.IP, err = p.u64(); err != nil {
			return Packet{}, err
		}
		if pkt.Count, err = p.u64(); err != nil {
			return Packet{}, err
		}
	case PktVDSO:
		if pkt.Entry, err = p.u64(); err != nil {
			return Packet{}, err
		}
		if pkt.Ret, err = p.u64(); err != nil {
			return Packet{}, err
		}
		if pkt.RetValue, err = p.u64(); err != nil {
			return Packet{}, err
		}
	case PktMig:
		if pkt.Seq, err = p.u64(); err != nil {
			return Packet{}, err
		}
		cpu, err := p.u32()
		if err != nil {
			return Packet{}, err
		}
		pkt.CPU = int32(cpu)
	case PktOverflow:
		if pkt.Lost, err = p.u64(); err != nil {
			return Packet{}, err
		}
		n, err := p.u32()
		if err != nil {
			return Packet{}, err
		}
		b, err := p.bytes(int(n))
		if err != nil {
			return Packet{}, err
		}
		pkt.Reason = string(b)
	case PktEnd:
	default:
		return Packet{}, fmt.Errorf("%w: unknown packet opcode 0x%02x at offset %d", ErrMalformed, t, p.off-1)
	}
	return pkt, nil
}
