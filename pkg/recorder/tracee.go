package recorder

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/efeslab/hase/pkg/loader"
	"github.com/efeslab/hase/pkg/trace"
)

// Tracee is a process stopped under the recorder's control. The real
// implementation uses ptrace; tests substitute a scripted one.
type Tracee interface {
	Pid() int

	// Registers reads the register file of the stopped process.
	Registers() (trace.Registers, error)

	// Mappings snapshots the address-space map.
	Mappings() ([]trace.Mapping, error)

	// Memory snapshots the memory regions replay needs: writable
	// regions in full, executable regions for instruction bytes.
	Memory() ([]trace.MemRegion, error)

	// Resume lets the process run.
	Resume() error

	// Wait blocks until the process exits and returns its status.
	Wait() (int, error)

	// Kill terminates the process if it is still running.
	Kill() error
}

// ptraceTracee drives a process with ptrace. All ptrace calls must
// come from the OS thread that attached, so methods lock the calling
// goroutine to its thread.
type ptraceTracee struct {
	pid int
	cmd *exec.Cmd
}

// spawn starts target stopped at its entry point.
func spawn(target string, argv []string) (*ptraceTracee, error) {
	runtime.LockOSThread()

	cmd := exec.Command(target, argv...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Ptrace: true}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: spawning %s: %v", ErrAttachFailed, target, err)
	}
	// The child stops with SIGTRAP before executing anything.
	var ws unix.WaitStatus
	if _, err := unix.Wait4(cmd.Process.Pid, &ws, 0, nil); err != nil {
		return nil, fmt.Errorf("%w: waiting for initial stop: %v", ErrAttachFailed, err)
	}
	if !ws.Stopped() {
		return nil, fmt.Errorf("%w: %s exited before initial stop", ErrAttachFailed, target)
	}
	return &ptraceTracee{pid: cmd.Process.Pid, cmd: cmd}, nil
}

// attach stops a running process.
func attach(pid int) (*ptraceTracee, error) {
	runtime.LockOSThread()

	if err := unix.PtraceAttach(pid); err != nil {
		if err == unix.EPERM {
			return nil, fmt.Errorf("%w: attaching to pid %d: %v (recording requires root)", ErrAttachFailed, pid, err)
		}
		return nil, fmt.Errorf("%w: attaching to pid %d: %v", ErrAttachFailed, pid, err)
	}
	var ws unix.WaitStatus
	if _, err := unix.Wait4(pid, &ws, 0, nil); err != nil {
		return nil, fmt.Errorf("%w: waiting for attach stop: %v", ErrAttachFailed, err)
	}
	return &ptraceTracee{pid: pid}, nil
}

func (t *ptraceTracee) Pid() int { return t.pid }

func (t *ptraceTracee) Registers() (trace.Registers, error) {
	var pr unix.PtraceRegs
	if err := unix.PtraceGetRegs(t.pid, &pr); err != nil {
		return trace.Registers{}, fmt.Errorf("%w: reading registers: %v", ErrAttachFailed, err)
	}
	return trace.Registers{
		Rax: pr.Rax, Rbx: pr.Rbx, Rcx: pr.Rcx, Rdx: pr.Rdx,
		Rsi: pr.Rsi, Rdi: pr.Rdi, Rbp: pr.Rbp, Rsp: pr.Rsp,
		R8: pr.R8, R9: pr.R9, R10: pr.R10, R11: pr.R11,
		R12: pr.R12, R13: pr.R13, R14: pr.R14, R15: pr.R15,
		Rip: pr.Rip, Rflags: pr.Eflags, FsBase: pr.Fs_base,
	}, nil
}

func (t *ptraceTracee) Mappings() ([]trace.Mapping, error) {
	m, err := loader.ReadProcessMap(t.pid)
	if err != nil {
		return nil, err
	}
	return m.Mappings(), nil
}

func (t *ptraceTracee) Memory() ([]trace.MemRegion, error) {
	mappings, err := t.Mappings()
	if err != nil {
		return nil, err
	}
	mem, err := os.Open(fmt.Sprintf("/proc/%d/mem", t.pid))
	if err != nil {
		return nil, fmt.Errorf("%w: opening target memory: %v", ErrAttachFailed, err)
	}
	defer mem.Close()

	var regions []trace.MemRegion
	for _, m := range mappings {
		if !wantRegion(m) {
			continue
		}
		data := make([]byte, m.End-m.Start)
		if _, err := mem.ReadAt(data, int64(m.Start)); err != nil {
			// Guard pages and vvar read as EIO; skip them.
			continue
		}
		regions = append(regions, trace.MemRegion{Addr: m.Start, Data: data})
	}
	return regions, nil
}

// wantRegion selects regions worth snapshotting: writable data,
// executable code, and the stack. Device mappings and vsyscall
// trampolines are not replayable state.
func wantRegion(m trace.Mapping) bool {
	switch m.Path {
	case "[vvar]", "[vsyscall]":
		return false
	}
	if len(m.Perms) < 2 {
		return false
	}
	return m.Perms[1] == 'w' || (len(m.Perms) > 2 && m.Perms[2] == 'x')
}

func (t *ptraceTracee) Resume() error {
	if err := unix.PtraceCont(t.pid, 0); err != nil {
		return fmt.Errorf("%w: resuming pid %d: %v", ErrAttachFailed, t.pid, err)
	}
	return nil
}

func (t *ptraceTracee) Wait() (int, error) {
	for {
		var ws unix.WaitStatus
		if _, err := unix.Wait4(t.pid, &ws, 0, nil); err != nil {
			return 0, fmt.Errorf("recorder: waiting for pid %d: %w", t.pid, err)
		}
		switch {
		case ws.Exited():
			return ws.ExitStatus(), nil
		case ws.Signaled():
			return 128 + int(ws.Signal()), nil
		case ws.Stopped():
			// Signal-delivery stop: forward and keep going.
			if err := unix.PtraceCont(t.pid, int(ws.StopSignal())); err != nil {
				return 0, fmt.Errorf("recorder: forwarding signal to pid %d: %w", t.pid, err)
			}
		}
	}
}

func (t *ptraceTracee) Kill() error {
	return unix.Kill(t.pid, unix.SIGKILL)
}
