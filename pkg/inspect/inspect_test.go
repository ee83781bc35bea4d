package inspect

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/efeslab/hase/pkg/replay"
	"github.com/efeslab/hase/pkg/trace"
)

func TestBreakpointsAdd(t *testing.T) {
	tests := []struct {
		spec     string
		wantKind BreakpointKind
		wantErr  bool
	}{
		{"0x401000", AddressBreakpoint, false},
		{"syscall", EventBreakpoint, false},
		{"branch", EventBreakpoint, false},
		{"rep", EventBreakpoint, false},
		{"vdso", EventBreakpoint, false},
		{"0xzz", 0, true},
		{"frobnicate", 0, true},
	}
	for _, tt := range tests {
		m := NewBreakpoints()
		bp, err := m.Add(tt.spec)
		if tt.wantErr {
			if err == nil {
				t.Errorf("Add(%q) succeeded, want error", tt.spec)
			}
			continue
		}
		if err != nil {
			t.Errorf("Add(%q): %v", tt.spec, err)
			continue
		}
		if bp.Kind != tt.wantKind {
			t.Errorf("Add(%q) kind = %v, want %v", tt.spec, bp.Kind, tt.wantKind)
		}
		if !bp.Enabled {
			t.Errorf("Add(%q) starts disabled", tt.spec)
		}
	}
}

func TestBreakpointsMatch(t *testing.T) {
	m := NewBreakpoints()
	addr, _ := m.Add("0x401005")
	if _, err := m.Add("syscall"); err != nil {
		t.Fatal(err)
	}

	if !m.Matches(trace.Branch{IP: 0x401005, Target: 0x401000, Taken: true}) {
		t.Error("address breakpoint missed its branch")
	}
	if m.Matches(trace.Branch{IP: 0x401007}) {
		t.Error("address breakpoint hit a different address")
	}
	if !m.Matches(trace.Syscall{Nr: 1, IP: 0x402000}) {
		t.Error("event breakpoint missed a syscall")
	}

	if err := m.SetEnabled(addr.ID, false); err != nil {
		t.Fatal(err)
	}
	if m.Matches(trace.Branch{IP: 0x401005, Taken: true}) {
		t.Error("disabled breakpoint still matches")
	}

	if err := m.Remove(addr.ID); err != nil {
		t.Fatal(err)
	}
	if err := m.Remove(addr.ID); err == nil {
		t.Error("double remove succeeded")
	}
	if len(m.All()) != 1 {
		t.Errorf("got %d breakpoints after remove, want 1", len(m.All()))
	}
}

// loopSession is a three-iteration countdown loop ending in a ret:
//
//	401000: b8 03 00 00 00    mov eax, 3
//	401005: 48 ff c8          dec rax
//	401008: 75 fb             jne 0x401005
//	40100a: c3                ret
func loopSession(t *testing.T) *trace.Session {
	t.Helper()
	code := []byte{0xb8, 0x03, 0x00, 0x00, 0x00, 0x48, 0xff, 0xc8, 0x75, 0xfb, 0xc3}
	w := &trace.PacketWriter{}
	w.Sync(0, 0, 0x401000)
	w.TNT(0b011, 3)
	w.TIP(0x401800)
	w.End()

	stack := make([]byte, 4096)
	stack[0] = 0x00
	return &trace.Session{
		Format: trace.FormatVersion,
		Target: "/bin/loopy",
		StartRegs: trace.Registers{
			Rip: 0x401000,
			Rsp: 0x7ffd1000,
		},
		Mappings: []trace.Mapping{
			{Start: 0x401000, End: 0x402000, Perms: "r-xp", Path: "/bin/loopy"},
		},
		InitialMem: []trace.MemRegion{
			{Addr: 0x401000, Data: code},
			{Addr: 0x7ffd1000, Data: stack},
		},
		Buffers: []trace.CPUBuffer{{CPU: 0, Data: w.Bytes()}},
	}
}

func TestInspectorSession(t *testing.T) {
	ctx := context.Background()
	in := strings.NewReader("events 10\nstep\nstep\nregs\nbackstep\ngoto 0\nquit\n")
	var out bytes.Buffer

	ins, err := New(ctx, loopSession(t), replay.Options{}, in, &out)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := ins.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := out.String()
	for _, want := range []string{
		"4 events",                    // 3 loop branches + the ret
		"branch 0x401008 -> 0x401005", // first event listed
		"Rip",                         // register dump reached
		"at initial snapshot",         // goto 0
	} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q\n---\n%s", want, got)
		}
	}
}

func TestInspectorContinueStopsAtBreakpoint(t *testing.T) {
	ctx := context.Background()
	in := strings.NewReader("bp 0x40100a\ncontinue\ncontinue\nquit\n")
	var out bytes.Buffer

	ins, err := New(ctx, loopSession(t), replay.Options{}, in, &out)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := ins.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := out.String()
	if !strings.Contains(got, "branch 0x40100a -> 0x401800") {
		t.Errorf("continue did not stop at the ret breakpoint\n---\n%s", got)
	}
	if !strings.Contains(got, "end of trace") {
		t.Errorf("second continue did not reach the end\n---\n%s", got)
	}
}

func TestInspectorMemWindow(t *testing.T) {
	ctx := context.Background()
	in := strings.NewReader("mem 0x401000 5\nquit\n")
	var out bytes.Buffer

	ins, err := New(ctx, loopSession(t), replay.Options{}, in, &out)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := ins.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(out.String(), "b8 03 00 00 00") {
		t.Errorf("memory window missing code bytes\n---\n%s", out.String())
	}
}
