// Package decoder turns the raw per-CPU packet buffers of a recorded
// session into one ordered stream of trace events. Decoding is
// streaming: events are produced one at a time and the full sequence is
// never materialized.
package decoder

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/efeslab/hase/pkg/loader"
	"github.com/efeslab/hase/pkg/logx"
	"github.com/efeslab/hase/pkg/trace"
)

// ErrUnknownBranchTarget reports an indirect branch target that could
// not be attributed to any loaded module. Outside strict mode the
// decoder marks the event and continues instead of returning it.
var ErrUnknownBranchTarget = errors.New("decoder: unknown branch target")

// maxUserSpan is the size of the canonical x86-64 user address space,
// the upper bound on any single instruction's memory span.
const maxUserSpan = uint64(1) << 47

// Options configures a Decoder.
type Options struct {
	// Code supplies instruction bytes. If nil, the session's initial
	// memory regions are used.
	Code loader.CodeReader

	// Strict makes unresolvable indirect targets a hard error instead
	// of a marked event.
	Strict bool

	Log *logx.Logger
}

// Decoder decodes a session's raw buffers into events. Not safe for
// concurrent use; create one Decoder per consumer.
type Decoder struct {
	sess   *trace.Session
	mods   *loader.Map
	code   loader.CodeReader
	strict bool
	log    *logx.Logger
	ctx    context.Context

	parsers map[int32]*trace.PacketParser
	cpu     int32
	started bool

	ip      uint64
	ipValid bool

	queue []trace.Event
	index uint64
	done  bool
	fail  error
}

// New creates a decoder over a finalized session.
func New(ctx context.Context, sess *trace.Session, opts Options) *Decoder {
	code := opts.Code
	if code == nil {
		code = loader.NewImageCodeReader(sess.InitialMem)
	}
	log := opts.Log
	if log == nil {
		log = logx.Discard()
	}
	d := &Decoder{
		sess:   sess,
		mods:   loader.NewMap(sess.Mappings),
		code:   code,
		strict: opts.Strict,
		log:    log,
		ctx:    ctx,
	}
	d.Reset()
	return d
}

// Reset rewinds the decoder to the start of the trace.
func (d *Decoder) Reset() {
	d.parsers = make(map[int32]*trace.PacketParser)
	for _, b := range d.sess.Buffers {
		d.parsers[b.CPU] = trace.NewPacketParser(b.Data)
	}
	d.started = false
	d.ipValid = false
	d.queue = nil
	d.index = 0
	d.done = false
	d.fail = nil
}

// Index returns the logical offset of the next event Next will return.
func (d *Decoder) Index() uint64 { return d.index }

// Cursor is a plain-data snapshot of decoder progress. A checkpoint
// stores one so reconstruction can resume decoding mid-trace without
// re-scanning from the start.
type Cursor struct {
	Index   uint64
	CPU     int32
	IP      uint64
	IPValid bool
	Started bool
	Offsets map[int32]int
	Queue   []trace.Event
}

// Cursor captures the current decode position.
func (d *Decoder) Cursor() Cursor {
	c := Cursor{
		Index:   d.index,
		CPU:     d.cpu,
		IP:      d.ip,
		IPValid: d.ipValid,
		Started: d.started,
		Offsets: make(map[int32]int, len(d.parsers)),
		Queue:   append([]trace.Event(nil), d.queue...),
	}
	for cpu, p := range d.parsers {
		c.Offsets[cpu] = p.Offset()
	}
	return c
}

// Seek restores a position captured by Cursor on the same session.
func (d *Decoder) Seek(c Cursor) error {
	d.Reset()
	for cpu, off := range c.Offsets {
		p, ok := d.parsers[cpu]
		if !ok {
			return fmt.Errorf("%w: cursor references cpu %d with no buffer", trace.ErrMalformed, cpu)
		}
		if err := p.Seek(off); err != nil {
			return err
		}
	}
	d.index = c.Index
	d.cpu = c.CPU
	d.ip = c.IP
	d.ipValid = c.IPValid
	d.started = c.Started
	d.queue = append([]trace.Event(nil), c.Queue...)
	return nil
}

// Next returns the next event in logical execution order, io.EOF at the
// end of the trace, or an error. After a non-EOF error the decoder is
// stuck: events produced before the error remain valid, the rest of the
// stream does not.
func (d *Decoder) Next() (trace.Event, error) {
	for {
		if err := d.ctx.Err(); err != nil {
			return nil, err
		}
		if len(d.queue) > 0 {
			ev := d.queue[0]
			d.queue = d.queue[1:]
			d.index++
			return ev, nil
		}
		if d.done {
			if d.fail != nil {
				return nil, d.fail
			}
			return nil, io.EOF
		}
		if err := d.pump(); err != nil {
			if err != io.EOF {
				d.fail = err
			}
			d.done = true
		}
	}
}

// pump consumes one packet from the current buffer and appends any
// events it expands to.
func (d *Decoder) pump() error {
	if !d.started {
		if err := d.start(); err != nil {
			return err
		}
	}
	p, ok := d.parsers[d.cpu]
	if !ok {
		return fmt.Errorf("%w: no buffer for cpu %d", trace.ErrMalformed, d.cpu)
	}
	pkt, err := p.Next()
	if err != nil {
		return err
	}

	switch pkt.Type {
	case trace.PktSync:
		d.ip = pkt.IP
		d.ipValid = true

	case trace.PktTNT:
		return d.expandTNT(pkt)

	case trace.PktTIP:
		return d.applyTIP(pkt)

	case trace.PktSyscall:
		return d.applySyscall(pkt)

	case trace.PktRep:
		return d.applyRep(pkt)

	case trace.PktVDSO:
		return d.applyVDSO(pkt)

	case trace.PktMig:
		return d.migrate(pkt)

	case trace.PktOverflow:
		d.queue = append(d.queue, trace.Overflow{CPU: d.cpu, Lost: pkt.Lost, Reason: pkt.Reason})
		// State is unreliable until the next sync point.
		d.ipValid = false

	case trace.PktEnd:
		return io.EOF
	}
	return nil
}

// start finds the buffer holding the first sync point (sequence 0).
func (d *Decoder) start() error {
	for cpu, p := range d.parsers {
		pkt, err := p.Next()
		if err != nil {
			return err
		}
		if pkt.Type != trace.PktSync {
			return fmt.Errorf("%w: buffer for cpu %d does not open with a sync packet", trace.ErrMalformed, cpu)
		}
		p.Reset()
		if pkt.Seq == 0 {
			d.cpu = cpu
			d.started = true
		}
	}
	if !d.started {
		return fmt.Errorf("%w: no buffer opens the trace", trace.ErrMalformed)
	}
	return nil
}

func (d *Decoder) needIP() error {
	if !d.ipValid {
		return fmt.Errorf("%w: packet requires an instruction pointer but none is synchronized", trace.ErrMalformed)
	}
	return nil
}

// expandTNT expands packed taken/not-taken bits into branch events by
// following the code to each conditional branch in turn.
func (d *Decoder) expandTNT(pkt trace.Packet) error {
	if err := d.needIP(); err != nil {
		return err
	}
	for i := uint8(0); i < pkt.TNTLen; i++ {
		st, err := followCode(d.code, d.ip)
		if err != nil {
			return err
		}
		if st.Kind != stopCond {
			return fmt.Errorf("%w: TNT bit for non-conditional instruction at 0x%x", trace.ErrMalformed, st.IP)
		}
		taken := pkt.TNTBits&(1<<i) != 0
		ev := trace.Branch{IP: st.IP, Taken: taken, Target: st.Fallthrough}
		if taken {
			ev.Target = st.Target
		}
		d.queue = append(d.queue, ev)
		d.ip = ev.Target
	}
	return nil
}

// applyTIP resolves an indirect transfer to the recorded target.
func (d *Decoder) applyTIP(pkt trace.Packet) error {
	if err := d.needIP(); err != nil {
		return err
	}
	st, err := followCode(d.code, d.ip)
	if err != nil {
		return err
	}
	if st.Kind != stopIndirect {
		return fmt.Errorf("%w: TIP for non-indirect instruction at 0x%x", trace.ErrMalformed, st.IP)
	}
	ev := trace.Branch{IP: st.IP, Taken: true, Target: pkt.IP}
	if !d.mods.IsMapped(pkt.IP) {
		if d.strict {
			return fmt.Errorf("%w: 0x%x at branch 0x%x", ErrUnknownBranchTarget, pkt.IP, st.IP)
		}
		d.log.Warnf("indirect target 0x%x not in any module (branch at 0x%x)", pkt.IP, st.IP)
		ev.TargetUnknown = true
	}
	d.queue = append(d.queue, ev)
	// The numeric target is known even when unattributable, so
	// decoding continues there.
	d.ip = pkt.IP
	return nil
}

func (d *Decoder) applySyscall(pkt trace.Packet) error {
	if err := d.needIP(); err != nil {
		return err
	}
	st, err := followCode(d.code, d.ip)
	if err != nil {
		return err
	}
	if st.Kind != stopSyscall {
		return fmt.Errorf("%w: syscall record for non-syscall instruction at 0x%x", trace.ErrMalformed, st.IP)
	}
	sys := pkt.Sys
	sys.IP = st.IP
	d.queue = append(d.queue, sys)
	d.ip = st.IP + uint64(st.Len)
	return nil
}

func (d *Decoder) applyRep(pkt trace.Packet) error {
	if err := d.needIP(); err != nil {
		return err
	}
	st, err := followCode(d.code, d.ip)
	if err != nil {
		return err
	}
	if st.Kind != stopRep {
		return fmt.Errorf("%w: rep record for non-string instruction at 0x%x", trace.ErrMalformed, st.IP)
	}
	// Count times element width has to fit in the user address space;
	// anything larger is a corrupt record.
	if w := repOperandWidth(st.Inst); pkt.Count >= maxUserSpan/w {
		return fmt.Errorf("%w: rep count %d at 0x%x exceeds address space for %d-byte operands", trace.ErrMalformed, pkt.Count, st.IP, w)
	}
	d.queue = append(d.queue, trace.RepIteration{IP: st.IP, Count: pkt.Count})
	d.ip = st.IP + uint64(st.Len)
	return nil
}

// applyVDSO records a call into the vdso as a single opaque event. The
// vdso page is kernel-provided and possibly patched, so its bytes are
// never followed.
func (d *Decoder) applyVDSO(pkt trace.Packet) error {
	if err := d.needIP(); err != nil {
		return err
	}
	st, err := followCode(d.code, d.ip)
	if err != nil {
		return err
	}
	if st.Kind != stopIndirect {
		return fmt.Errorf("%w: vdso record for non-indirect instruction at 0x%x", trace.ErrMalformed, st.IP)
	}
	d.queue = append(d.queue, trace.VDSOEntry{Entry: pkt.Entry, Ret: pkt.Ret, RetValue: pkt.RetValue})
	d.ip = pkt.Ret
	return nil
}

// migrate switches to the buffer of the CPU execution moved to. The
// receiving buffer must open its segment with a sync packet carrying
// the same sequence number, which pins the merge order independently of
// wall-clock interleaving.
func (d *Decoder) migrate(pkt trace.Packet) error {
	next, ok := d.parsers[pkt.CPU]
	if !ok {
		return fmt.Errorf("%w: migration to cpu %d with no buffer", trace.ErrMalformed, pkt.CPU)
	}
	sync, err := next.Next()
	if err != nil {
		return err
	}
	if sync.Type != trace.PktSync || sync.Seq != pkt.Seq {
		return fmt.Errorf("%w: cpu %d buffer does not resume at sequence %d", trace.ErrMalformed, pkt.CPU, pkt.Seq)
	}
	d.queue = append(d.queue, trace.CPUMigration{OldCPU: d.cpu, NewCPU: pkt.CPU})
	d.cpu = pkt.CPU
	d.ip = sync.IP
	d.ipValid = true
	return nil
}

// Decode runs the decoder to completion and returns all events. It is
// a convenience for tests and small traces; production consumers should
// pull from Next instead.
func Decode(ctx context.Context, sess *trace.Session, opts Options) ([]trace.Event, error) {
	d := New(ctx, sess, opts)
	var events []trace.Event
	for {
		ev, err := d.Next()
		if err == io.EOF {
			return events, nil
		}
		if err != nil {
			return events, err
		}
		events = append(events, ev)
	}
}
