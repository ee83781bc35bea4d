// Package inspect is an interactive front end over a recorded
// session: step through the event stream in either direction, stop at
// breakpoints and print reconstructed registers and memory at any
// point.
package inspect

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/efeslab/hase/pkg/decoder"
	"github.com/efeslab/hase/pkg/replay"
	"github.com/efeslab/hase/pkg/trace"
)

// Inspector drives one session. Position is an event offset into the
// decoded stream; state at the position comes from the replayer, so
// stepping backward is just a smaller offset.
type Inspector struct {
	sess   *trace.Session
	events []trace.Event
	rep    *replay.Replayer
	bps    *Breakpoints
	pos    uint64

	in   *bufio.Reader
	out  io.Writer
	done bool
}

// New decodes the session up front and prepares an inspector reading
// commands from in.
func New(ctx context.Context, sess *trace.Session, ropts replay.Options, in io.Reader, out io.Writer) (*Inspector, error) {
	events, err := decoder.Decode(ctx, sess, decoder.Options{Log: ropts.Log})
	if err != nil {
		return nil, err
	}
	rep, err := replay.New(sess, ropts)
	if err != nil {
		return nil, err
	}
	return &Inspector{
		sess:   sess,
		events: events,
		rep:    rep,
		bps:    NewBreakpoints(),
		in:     bufio.NewReader(in),
		out:    out,
	}, nil
}

// Run is the command loop. It returns when the user quits or input is
// exhausted.
func (ins *Inspector) Run(ctx context.Context) error {
	fmt.Fprintf(ins.out, "hase inspector: %d events from %s\n", len(ins.events), ins.sess.Target)
	ins.printHelp()

	for !ins.done {
		fmt.Fprint(ins.out, "(hase) ")
		line, err := ins.in.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		ins.handle(ctx, strings.TrimSpace(line))
	}
	return nil
}

func (ins *Inspector) printHelp() {
	fmt.Fprint(ins.out, `
commands:
  step (s)            step forward one event
  backstep (b)        step backward one event
  continue (c)        run forward to the next breakpoint or the end
  goto <offset>       jump to an absolute event offset
  regs (r)            print registers at the current offset
  mem <addr> [len]    print a memory window at the current offset
  events [n]          print the next n events (default 10)
  bp <spec>           add breakpoint: 0xADDR, branch, syscall, rep, vdso
  bp list             list breakpoints
  bp remove <id>      remove a breakpoint
  bp enable <id>      enable a breakpoint
  bp disable <id>     disable a breakpoint
  help (h)            this message
  quit (q)            exit
`)
}

func (ins *Inspector) handle(ctx context.Context, line string) {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return
	}
	cmd, args := parts[0], parts[1:]

	switch cmd {
	case "h", "help":
		ins.printHelp()
	case "s", "step":
		ins.goTo(ctx, ins.pos+1)
	case "b", "backstep":
		if ins.pos == 0 {
			fmt.Fprintln(ins.out, "already at the start")
			return
		}
		ins.goTo(ctx, ins.pos-1)
	case "c", "continue":
		ins.cont(ctx)
	case "goto":
		if len(args) != 1 {
			fmt.Fprintln(ins.out, "usage: goto <offset>")
			return
		}
		off, err := strconv.ParseUint(args[0], 0, 64)
		if err != nil {
			fmt.Fprintf(ins.out, "bad offset %q\n", args[0])
			return
		}
		ins.goTo(ctx, off)
	case "r", "regs", "i", "info":
		ins.printRegs(ctx)
	case "mem":
		ins.printMem(ctx, args)
	case "events":
		ins.printEvents(args)
	case "bp", "breakpoint":
		ins.handleBreakpoint(args)
	case "q", "quit", "exit":
		ins.done = true
	default:
		fmt.Fprintf(ins.out, "unknown command %q, try help\n", cmd)
	}
}

func (ins *Inspector) goTo(ctx context.Context, off uint64) {
	if off > uint64(len(ins.events)) {
		fmt.Fprintf(ins.out, "offset %d past the end (%d events)\n", off, len(ins.events))
		return
	}
	ins.pos = off
	if off == 0 {
		fmt.Fprintln(ins.out, "at initial snapshot")
		return
	}
	fmt.Fprintf(ins.out, "%8d  %s\n", off-1, ins.events[off-1])
}

// cont advances until an enabled breakpoint matches or the stream
// ends.
func (ins *Inspector) cont(ctx context.Context) {
	for off := ins.pos; off < uint64(len(ins.events)); off++ {
		if ins.bps.Matches(ins.events[off]) {
			ins.goTo(ctx, off+1)
			return
		}
	}
	ins.pos = uint64(len(ins.events))
	fmt.Fprintf(ins.out, "end of trace (%d events, %s)\n", len(ins.events), ins.sess.Terminated)
}

func (ins *Inspector) state(ctx context.Context) *replay.MachineState {
	st, err := ins.rep.StateAt(ctx, ins.pos)
	if err != nil {
		fmt.Fprintf(ins.out, "reconstruction failed: %v\n", err)
		return nil
	}
	return st
}

func (ins *Inspector) printRegs(ctx context.Context) {
	st := ins.state(ctx)
	if st == nil {
		return
	}
	regs := st.DWARFRegisters()
	names := make([]string, 0, len(regs))
	for name := range regs {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Fprintf(ins.out, "offset %d:\n", ins.pos)
	for _, name := range names {
		fmt.Fprintf(ins.out, "  %-6s = 0x%016x\n", name, regs[name])
	}
}

func (ins *Inspector) printMem(ctx context.Context, args []string) {
	if len(args) == 0 || len(args) > 2 {
		fmt.Fprintln(ins.out, "usage: mem <addr> [len]")
		return
	}
	addr, err := strconv.ParseUint(args[0], 0, 64)
	if err != nil {
		fmt.Fprintf(ins.out, "bad address %q\n", args[0])
		return
	}
	n := uint64(64)
	if len(args) == 2 {
		if n, err = strconv.ParseUint(args[1], 0, 16); err != nil {
			fmt.Fprintf(ins.out, "bad length %q\n", args[1])
			return
		}
	}
	st := ins.state(ctx)
	if st == nil {
		return
	}
	buf := make([]byte, n)
	if err := st.Mem.Read(addr, buf); err != nil {
		fmt.Fprintf(ins.out, "read 0x%x: %v\n", addr, err)
		return
	}
	for i := uint64(0); i < n; i += 16 {
		end := i + 16
		if end > n {
			end = n
		}
		fmt.Fprintf(ins.out, "  0x%016x  % x\n", addr+i, buf[i:end])
	}
}

func (ins *Inspector) printEvents(args []string) {
	n := 10
	if len(args) == 1 {
		if v, err := strconv.Atoi(args[0]); err == nil && v > 0 {
			n = v
		}
	}
	for off := ins.pos; off < uint64(len(ins.events)) && off < ins.pos+uint64(n); off++ {
		fmt.Fprintf(ins.out, "%8d  %s\n", off, ins.events[off])
	}
}

func (ins *Inspector) handleBreakpoint(args []string) {
	if len(args) == 0 {
		fmt.Fprintln(ins.out, "usage: bp <spec> | bp list | bp remove|enable|disable <id>")
		return
	}
	switch args[0] {
	case "list":
		if len(ins.bps.All()) == 0 {
			fmt.Fprintln(ins.out, "no breakpoints")
			return
		}
		for _, bp := range ins.bps.All() {
			fmt.Fprintf(ins.out, "  %s\n", bp)
		}
	case "remove", "enable", "disable":
		if len(args) != 2 {
			fmt.Fprintf(ins.out, "usage: bp %s <id>\n", args[0])
			return
		}
		id, err := strconv.Atoi(args[1])
		if err != nil {
			fmt.Fprintf(ins.out, "bad id %q\n", args[1])
			return
		}
		switch args[0] {
		case "remove":
			err = ins.bps.Remove(id)
		case "enable":
			err = ins.bps.SetEnabled(id, true)
		case "disable":
			err = ins.bps.SetEnabled(id, false)
		}
		if err != nil {
			fmt.Fprintln(ins.out, err)
		}
	default:
		bp, err := ins.bps.Add(args[0])
		if err != nil {
			fmt.Fprintln(ins.out, err)
			return
		}
		fmt.Fprintf(ins.out, "added %s\n", bp)
	}
}
