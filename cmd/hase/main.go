// Command hase records native process executions and answers replay
// and constraint queries over the resulting trace files.
//
//	hase record -out out.trace [-limit N] [-pid PID] [--] target [args...]
//	hase replay [-events] [-offset N] trace-file
//	hase query -offset N -expr QUERY trace-file
//
// Queries take the form "mem:ADDR[:WIDTH]" for a memory value at a
// reconstructed point, or "heap:REG" for whether a register points
// into a live heap allocation.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"

	"golang.org/x/sys/unix"

	"github.com/efeslab/hase/pkg/config"
	"github.com/efeslab/hase/pkg/decoder"
	"github.com/efeslab/hase/pkg/inspect"
	"github.com/efeslab/hase/pkg/logx"
	"github.com/efeslab/hase/pkg/recorder"
	"github.com/efeslab/hase/pkg/replay"
	"github.com/efeslab/hase/pkg/symbex"
	"github.com/efeslab/hase/pkg/symbex/z3"
	"github.com/efeslab/hase/pkg/trace"
	"github.com/efeslab/hase/pkg/version"
)

// Exit codes. Scripts driving hase dispatch on these.
const (
	exitOK          = 0
	exitUsage       = 1
	exitAttach      = 2
	exitUnsupported = 3
	exitOverflow    = 4
	exitMalformed   = 5
	exitReplay      = 6
	exitSolver      = 7
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return exitUsage
	}
	switch args[0] {
	case "record":
		return cmdRecord(args[1:])
	case "replay":
		return cmdReplay(args[1:])
	case "query":
		return cmdQuery(args[1:])
	case "inspect":
		return cmdInspect(args[1:])
	case "version", "-version", "--version":
		fmt.Println(version.String())
		return exitOK
	case "help", "-h", "-help", "--help":
		usage()
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "hase: unknown command %q\n", args[0])
		usage()
		return exitUsage
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `usage:
  hase record -out out.trace [-limit N] [-pid PID] [--] target [args...]
  hase replay [-events] [-offset N] trace-file
  hase query -offset N -expr QUERY trace-file
  hase inspect trace-file
  hase version
`)
}

// setup parses the flags shared by every subcommand and builds the
// logger and configuration.
func setup(fs *flag.FlagSet, args []string) (config.Config, *logx.Logger, int) {
	cfgPath := fs.String("config", "", "configuration file (YAML)")
	verbose := fs.Bool("v", false, "debug logging")
	if err := fs.Parse(args); err != nil {
		return config.Config{}, nil, exitUsage
	}
	log := logx.Default()
	if *verbose {
		log.SetLevel(logx.LevelDebug)
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Errorf("%v", err)
		return config.Config{}, nil, exitUsage
	}
	return cfg, log, -1
}

func cmdRecord(args []string) int {
	fs := flag.NewFlagSet("record", flag.ContinueOnError)
	out := fs.String("out", "out.trace", "output trace file")
	limit := fs.Uint64("limit", 0, "maximum trace events, 0 for unbounded")
	pid := fs.Int("pid", 0, "attach to a running process instead of spawning")
	cfg, log, rc := setup(fs, args)
	if rc >= 0 {
		return rc
	}
	target := fs.Args()
	if *pid == 0 && len(target) == 0 {
		fmt.Fprintln(os.Stderr, "hase record: no target and no -pid")
		return exitUsage
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
	defer stop()

	opts := recorder.Options{
		Pid:            *pid,
		Limit:          *limit,
		AuxBufferPages: cfg.AuxBufferPages,
		Log:            log,
	}
	if len(target) > 0 {
		opts.Target = target[0]
		opts.Argv = target[1:]
	}
	sess, err := recorder.Record(ctx, opts)
	if err != nil {
		log.Errorf("%v", err)
		return exitCode(err)
	}

	ct := trace.DefaultCompression
	if cfg.Compression == "none" {
		ct = trace.NoCompression
	}
	if err := trace.WriteFile(*out, sess, ct); err != nil {
		log.Errorf("writing %s: %v", *out, err)
		return exitUsage
	}
	log.Infof("wrote %s (%d cpu buffers, exit status %d)", *out, len(sess.Buffers), sess.ExitStatus)
	if sess.Truncated {
		log.Warnf("recording truncated at the %d event limit", sess.Limit)
	}
	return exitOK
}

func cmdReplay(args []string) int {
	fs := flag.NewFlagSet("replay", flag.ContinueOnError)
	events := fs.Bool("events", false, "dump the decoded event stream")
	at := fs.Uint64("offset", 0, "reconstruct and print state after OFFSET events")
	atSet := false
	cfg, log, rc := setup(fs, args)
	if rc >= 0 {
		return rc
	}
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "offset" {
			atSet = true
		}
	})
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "hase replay: exactly one trace file expected")
		return exitUsage
	}

	sess, err := trace.ReadFile(fs.Arg(0))
	if err != nil {
		log.Errorf("%v", err)
		return exitCode(err)
	}
	printSummary(sess)

	ctx := context.Background()
	if *events {
		evs, err := decoder.Decode(ctx, sess, decoder.Options{Log: log})
		if err != nil {
			log.Errorf("%v", err)
			return exitCode(err)
		}
		for i, ev := range evs {
			fmt.Printf("%8d  %s\n", i, ev)
		}
	}
	if atSet {
		r, err := replay.New(sess, replay.Options{
			CheckpointInterval: cfg.CheckpointInterval,
			CheckpointCache:    cfg.CheckpointCache,
			Log:                log,
		})
		if err != nil {
			log.Errorf("%v", err)
			return exitCode(err)
		}
		st, err := r.StateAt(ctx, *at)
		if err != nil {
			log.Errorf("%v", err)
			return exitCode(err)
		}
		printState(*at, st)
	}
	return exitOK
}

func cmdQuery(args []string) int {
	fs := flag.NewFlagSet("query", flag.ContinueOnError)
	at := fs.Uint64("offset", 0, "event offset the query is evaluated at")
	qs := fs.String("expr", "", "query, e.g. mem:0x601000:8 or heap:rax")
	cfg, log, rc := setup(fs, args)
	if rc >= 0 {
		return rc
	}
	if fs.NArg() != 1 || *qs == "" {
		fmt.Fprintln(os.Stderr, "hase query: need -expr QUERY and one trace file")
		return exitUsage
	}

	q, err := symbex.ParseQuery(*qs)
	if err != nil {
		log.Errorf("%v", err)
		return exitUsage
	}
	sess, err := trace.ReadFile(fs.Arg(0))
	if err != nil {
		log.Errorf("%v", err)
		return exitCode(err)
	}

	engine := symbex.NewEngine(z3.Solver{}, symbex.Options{
		Timeout: cfg.SolverTimeout,
		Replay: replay.Options{
			CheckpointInterval: cfg.CheckpointInterval,
			CheckpointCache:    cfg.CheckpointCache,
		},
		Log: log,
	})
	res, err := engine.Query(context.Background(), sess, *at, q)
	if err != nil {
		log.Errorf("%v", err)
		return exitCode(err)
	}
	fmt.Printf("%s @ %d: %s\n", q, *at, res.Status)
	if len(res.Model) > 0 {
		names := make([]string, 0, len(res.Model))
		for name := range res.Model {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Printf("  %s = 0x%x\n", name, res.Model[name])
		}
	}
	return exitOK
}

func cmdInspect(args []string) int {
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	cfg, log, rc := setup(fs, args)
	if rc >= 0 {
		return rc
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "hase inspect: exactly one trace file expected")
		return exitUsage
	}
	sess, err := trace.ReadFile(fs.Arg(0))
	if err != nil {
		log.Errorf("%v", err)
		return exitCode(err)
	}
	ctx := context.Background()
	ins, err := inspect.New(ctx, sess, replay.Options{
		CheckpointInterval: cfg.CheckpointInterval,
		CheckpointCache:    cfg.CheckpointCache,
		Log:                log,
	}, os.Stdin, os.Stdout)
	if err != nil {
		log.Errorf("%v", err)
		return exitCode(err)
	}
	if err := ins.Run(ctx); err != nil {
		log.Errorf("%v", err)
		return exitUsage
	}
	return exitOK
}

func printSummary(s *trace.Session) {
	fmt.Printf("target:     %s\n", s.Target)
	fmt.Printf("cpus:       %d\n", len(s.Buffers))
	fmt.Printf("terminated: %s (exit status %d)\n", s.Terminated, s.ExitStatus)
	if s.Truncated {
		fmt.Printf("truncated:  at %d event limit\n", s.Limit)
	}
}

func printState(offset uint64, st *replay.MachineState) {
	fmt.Printf("state after %d events:\n", offset)
	regs := st.DWARFRegisters()
	names := make([]string, 0, len(regs))
	for name := range regs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("  %-6s = 0x%016x\n", name, regs[name])
	}
}

// exitCode maps the package sentinel errors onto the documented exit
// codes.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, recorder.ErrAttachFailed):
		return exitAttach
	case errors.Is(err, recorder.ErrUnsupportedInstruction),
		errors.Is(err, replay.ErrUnmodeledInstruction):
		return exitUnsupported
	case errors.Is(err, recorder.ErrBufferOverflow):
		return exitOverflow
	case errors.Is(err, trace.ErrMalformed),
		errors.Is(err, trace.ErrUnsupportedVersion):
		return exitMalformed
	case errors.Is(err, replay.ErrUnmodeledSyscall),
		errors.Is(err, replay.ErrDiverged),
		errors.Is(err, replay.ErrUnknownTarget),
		errors.Is(err, replay.ErrOffsetOutOfRange),
		errors.Is(err, replay.ErrUnmappedMemory),
		errors.Is(err, decoder.ErrUnknownBranchTarget):
		return exitReplay
	case errors.Is(err, symbex.ErrSolver), errors.Is(err, symbex.ErrBadQuery):
		return exitSolver
	default:
		return exitUsage
	}
}
