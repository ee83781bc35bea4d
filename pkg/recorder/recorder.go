// Package recorder captures native process executions into trace
// sessions: it stops the target under ptrace, snapshots its initial
// state, and drains per-CPU capture buffers until the target exits or
// an event limit cuts the recording short.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/efeslab/hase/pkg/logx"
	"github.com/efeslab/hase/pkg/trace"
)

var (
	// ErrAttachFailed reports that the target could not be spawned,
	// attached, or inspected.
	ErrAttachFailed = errors.New("recorder: attach failed")

	// ErrUnsupportedInstruction reports an instruction the capture
	// could not attribute a control transfer to.
	ErrUnsupportedInstruction = errors.New("recorder: unsupported instruction")

	// ErrBufferOverflow reports a capture overflow before any event
	// was recorded: the session would carry no information at all.
	ErrBufferOverflow = errors.New("recorder: capture buffer overflow")
)

// Options configures one recording.
type Options struct {
	// Target is the binary to spawn. Ignored when Pid is set.
	Target string
	Argv   []string

	// Pid attaches to a running process instead of spawning.
	Pid int

	// Limit bounds the number of trace events in the finalized
	// session; 0 means unbounded. A recording cut short by the limit
	// is marked Truncated.
	Limit uint64

	// AuxBufferPages sizes each per-CPU capture buffer.
	AuxBufferPages int

	// Source overrides the capture source. Defaults to hardware
	// branch capture plus the eBPF syscall tracer; substituted in
	// tests and on hosts without perf access.
	Source CaptureSource

	// NewTracee overrides process control, for tests.
	NewTracee func() (Tracee, error)

	Log *logx.Logger
}

// Record captures one execution of the target and returns a finalized
// session. The session is always well formed: on a mid-stream capture
// error the events drained so far are kept and the termination reason
// recorded.
func Record(ctx context.Context, opts Options) (*trace.Session, error) {
	log := opts.Log
	if log == nil {
		log = logx.Discard()
	}

	tracee, err := newTracee(opts)
	if err != nil {
		return nil, err
	}
	defer tracee.Kill()

	sess := &trace.Session{
		Format: trace.FormatVersion,
		Target: opts.Target,
		Argv:   opts.Argv,
		Limit:  opts.Limit,
	}
	if sess.StartRegs, err = tracee.Registers(); err != nil {
		return nil, err
	}
	if sess.Mappings, err = tracee.Mappings(); err != nil {
		return nil, err
	}
	if sess.InitialMem, err = tracee.Memory(); err != nil {
		return nil, err
	}

	source := opts.Source
	if source == nil {
		source = newSystemSource(tracee.Pid(), opts.AuxBufferPages, sess.StartRegs.Rip, log)
	}
	if err := source.Start(ctx); err != nil {
		return nil, err
	}

	if err := tracee.Resume(); err != nil {
		source.Stop()
		return nil, err
	}
	log.Infof("recording pid %d", tracee.Pid())

	// Drain raw capture data while the target runs.
	raw := make(map[int32][]byte)
	exited := make(chan waitResult, 1)
	go func() {
		status, err := tracee.Wait()
		exited <- waitResult{status, err}
	}()

	var reason trace.TerminationReason
drain:
	for {
		select {
		case <-ctx.Done():
			tracee.Kill()
			reason = trace.TerminatedCaptureError
			break drain
		case rec, ok := <-source.Records():
			if !ok {
				break drain
			}
			raw[rec.CPU] = append(raw[rec.CPU], rec.Data...)
		case res := <-exited:
			sess.ExitStatus = res.status
			if res.err != nil {
				log.Warnf("target wait: %v", res.err)
			}
			break drain
		}
	}
	if err := source.Stop(); err != nil {
		log.Warnf("stopping capture: %v", err)
	}
	// Stop flushes remaining records into the channel.
	for rec := range source.Records() {
		raw[rec.CPU] = append(raw[rec.CPU], rec.Data...)
	}

	buffers, truncated, err := finalize(raw, opts.Limit)
	if err != nil {
		return nil, err
	}
	sess.Buffers = buffers
	sess.Truncated = truncated
	switch {
	case truncated:
		sess.Terminated = trace.TerminatedLimit
	case reason != trace.TerminatedExit:
		sess.Terminated = reason
	default:
		sess.Terminated = trace.TerminatedExit
	}
	log.Infof("recorded %d cpu buffers (truncated=%v)", len(sess.Buffers), truncated)
	return sess, nil
}

type waitResult struct {
	status int
	err    error
}

func newTracee(opts Options) (Tracee, error) {
	if opts.NewTracee != nil {
		return opts.NewTracee()
	}
	if opts.Pid != 0 {
		return attach(opts.Pid)
	}
	if opts.Target == "" {
		return nil, fmt.Errorf("%w: no target and no pid", ErrAttachFailed)
	}
	return spawn(opts.Target, opts.Argv)
}

// eventWeight is the number of trace events a packet decodes into.
func eventWeight(pkt trace.Packet) uint64 {
	switch pkt.Type {
	case trace.PktTNT:
		return uint64(pkt.TNTLen)
	case trace.PktTIP, trace.PktSyscall, trace.PktRep, trace.PktVDSO,
		trace.PktMig, trace.PktOverflow:
		return 1
	}
	return 0
}

// finalize re-encodes the drained raw streams into well-formed per-CPU
// buffers, enforcing the event limit. Packets are walked in stream
// order, following migration markers across CPUs the way the decoder
// does; a TNT packet straddling the limit is split so the finalized
// session holds exactly limit events. Trailing bytes of a torn capture
// are dropped at the last whole packet.
func finalize(raw map[int32][]byte, limit uint64) ([]trace.CPUBuffer, bool, error) {
	if len(raw) == 0 {
		return nil, false, nil
	}

	parsers := make(map[int32]*trace.PacketParser, len(raw))
	for cpu, data := range raw {
		parsers[cpu] = trace.NewPacketParser(data)
	}
	writers := make(map[int32]*trace.PacketWriter)

	// The stream opens on the buffer whose sync point carries seq 0.
	cpu, err := openingCPU(raw)
	if err != nil {
		return nil, false, err
	}

	var count uint64
	truncated := false
	w := &trace.PacketWriter{}
	writers[cpu] = w
	p := parsers[cpu]

walk:
	for {
		pkt, err := p.Next()
		if err != nil {
			// Torn capture: keep everything before the torn packet.
			break
		}
		if limit > 0 && count+eventWeight(pkt) > limit {
			if pkt.Type == trace.PktTNT && count < limit {
				w.TNT(pkt.TNTBits, uint8(limit-count))
				count = limit
			}
			truncated = true
			break
		}
		count += eventWeight(pkt)

		switch pkt.Type {
		case trace.PktSync:
			w.Sync(pkt.Seq, pkt.CPU, pkt.IP)
		case trace.PktTNT:
			w.TNT(pkt.TNTBits, pkt.TNTLen)
		case trace.PktTIP:
			w.TIP(pkt.IP)
		case trace.PktSyscall:
			w.Syscall(pkt.Sys)
		case trace.PktRep:
			w.Rep(pkt.IP, pkt.Count)
		case trace.PktVDSO:
			w.VDSO(pkt.Entry, pkt.Ret, pkt.RetValue)
		case trace.PktOverflow:
			// An overflow with nothing recorded before it means the
			// whole capture was lost.
			if count == 1 {
				return nil, false, fmt.Errorf("%w: lost %d records before any event", ErrBufferOverflow, pkt.Lost)
			}
			w.Overflow(pkt.Lost, pkt.Reason)
		case trace.PktMig:
			w.Mig(pkt.Seq, pkt.CPU)
			next, ok := parsers[pkt.CPU]
			if !ok {
				break walk
			}
			nw, ok := writers[pkt.CPU]
			if !ok {
				nw = &trace.PacketWriter{}
				writers[pkt.CPU] = nw
			}
			p, w = next, nw
		case trace.PktEnd:
			break walk
		}
	}

	var buffers []trace.CPUBuffer
	for c, pw := range writers {
		pw.End()
		buffers = append(buffers, trace.CPUBuffer{CPU: c, Data: pw.Bytes()})
	}
	sortBuffers(buffers)
	return buffers, truncated, nil
}

// openingCPU finds the buffer holding the stream's first sync point.
func openingCPU(raw map[int32][]byte) (int32, error) {
	for cpu, data := range raw {
		p := trace.NewPacketParser(data)
		pkt, err := p.Next()
		if err != nil {
			continue
		}
		if pkt.Type == trace.PktSync && pkt.Seq == 0 {
			return cpu, nil
		}
	}
	return 0, fmt.Errorf("%w: no opening sync point in capture", trace.ErrMalformed)
}

func sortBuffers(buffers []trace.CPUBuffer) {
	sort.Slice(buffers, func(i, j int) bool { return buffers[i].CPU < buffers[j].CPU })
}
