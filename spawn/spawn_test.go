package spawn

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// recordingSink collects every line/exit event it receives, safe for
// concurrent use since the Spawner's event-loop goroutine delivers them.
type recordingSink struct {
	mu    sync.Mutex
	lines []string
	exits []ExitKind
}

func (r *recordingSink) OnLine(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, text)
}

func (r *recordingSink) OnExit(kind ExitKind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exits = append(r.exits, kind)
}

func (r *recordingSink) snapshot() ([]string, []ExitKind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	lines := append([]string(nil), r.lines...)
	exits := append([]ExitKind(nil), r.exits...)
	return lines, exits
}

func waitForExit(t *testing.T, sink *recordingSink, timeout time.Duration) ExitKind {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if _, exits := sink.snapshot(); len(exits) > 0 {
			return exits[0]
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for exit event")
	return ExitUnknown
}

func testdataScript(name string) string {
	return filepath.Join("testdata", name)
}

func TestHappyPath(t *testing.T) {
	sink := &recordingSink{}
	s := New(0, 20*time.Millisecond, 500*time.Millisecond, sink, nil)
	defer s.Close()

	if err := s.Launch([]string{testdataScript("happy.sh")}, nil); err != nil {
		t.Fatalf("Launch failed: %v", err)
	}

	kind := waitForExit(t, sink, 5*time.Second)
	if kind != ExitSuccess {
		t.Errorf("exit kind = %q, want %q", kind, ExitSuccess)
	}

	lines, exits := sink.snapshot()
	if len(lines) != 15 {
		t.Fatalf("got %d lines, want 15: %v", len(lines), lines)
	}
	for i, line := range lines {
		want := fmt.Sprintf("line %d", i+1)
		if line != want {
			t.Errorf("line %d = %q, want %q", i, line, want)
		}
	}
	if len(exits) != 1 {
		t.Fatalf("got %d exit events, want exactly 1", len(exits))
	}
}

func TestMissingBinary(t *testing.T) {
	sink := &recordingSink{}
	s := New(0, 20*time.Millisecond, 500*time.Millisecond, sink, nil)
	defer s.Close()

	err := s.Launch([]string{"pk-spawn-test-xxx-does-not-exist.sh"}, nil)
	if err == nil {
		t.Fatal("Launch of a missing binary should fail")
	}

	time.Sleep(100 * time.Millisecond)
	_, exits := sink.snapshot()
	if len(exits) != 0 {
		t.Errorf("no exit event should be emitted for a launch failure, got %v", exits)
	}
}

func TestSigkillPath(t *testing.T) {
	sink := &recordingSink{}
	s := New(0, 20*time.Millisecond, 200*time.Millisecond, sink, nil)
	defer s.Close()

	if err := s.Launch([]string{testdataScript("sigkill.sh")}, nil); err != nil {
		t.Fatalf("Launch failed: %v", err)
	}

	time.Sleep(300 * time.Millisecond)

	start := time.Now()
	if err := s.Kill(); err != nil {
		t.Fatalf("Kill failed: %v", err)
	}

	kind := waitForExit(t, sink, 2*time.Second)
	elapsed := time.Since(start)

	if kind != ExitSigKill {
		t.Errorf("exit kind = %q, want %q", kind, ExitSigKill)
	}
	if elapsed > time.Second {
		t.Errorf("sigkill escalation took %v, want well under 1s", elapsed)
	}
}

func TestSigquitPath(t *testing.T) {
	sink := &recordingSink{}
	s := New(0, 20*time.Millisecond, 500*time.Millisecond, sink, nil)
	defer s.Close()

	if err := s.Launch([]string{testdataScript("sigquit.sh")}, nil); err != nil {
		t.Fatalf("Launch failed: %v", err)
	}

	time.Sleep(300 * time.Millisecond)

	start := time.Now()
	if err := s.Kill(); err != nil {
		t.Fatalf("Kill failed: %v", err)
	}

	kind := waitForExit(t, sink, 2*time.Second)
	elapsed := time.Since(start)

	if kind != ExitSigQuit {
		t.Errorf("exit kind = %q, want %q", kind, ExitSigQuit)
	}
	if elapsed >= 500*time.Millisecond {
		t.Errorf("sigquit exit took %v, want well under the 500ms escalation window", elapsed)
	}
}

func TestDispatcherReuseAndGracefulExit(t *testing.T) {
	sink := &recordingSink{}
	s := New(0, 20*time.Millisecond, 500*time.Millisecond, sink, nil)
	defer s.Close()

	argv := []string{testdataScript("dispatcher.sh"), "search-name", "none", "power manager"}

	if err := s.Launch(argv, nil); err != nil {
		t.Fatalf("first launch failed: %v", err)
	}

	time.Sleep(200 * time.Millisecond)
	firstPid := s.pid()
	if firstPid <= 0 {
		t.Fatalf("expected a running child after first launch")
	}

	if err := s.Launch(argv, nil); err != nil {
		t.Fatalf("second launch (reuse) failed: %v", err)
	}

	time.Sleep(200 * time.Millisecond)
	secondPid := s.pid()
	if secondPid != firstPid {
		t.Errorf("reuse should not respawn: pid changed from %d to %d", firstPid, secondPid)
	}

	lines, exits := sink.snapshot()
	if len(lines) < 2 {
		t.Fatalf("expected at least 2 lines from two requests, got %v", lines)
	}
	if len(exits) != 0 {
		t.Fatalf("no exit expected while dispatcher is still running, got %v", exits)
	}

	if err := s.GracefulExit(); err != nil {
		t.Fatalf("GracefulExit failed: %v", err)
	}

	_, exits = sink.snapshot()
	if len(exits) != 1 || exits[0] != ExitDispatcherExit {
		t.Fatalf("exits = %v, want exactly [dispatcher_exit]", exits)
	}

	if err := s.GracefulExit(); err == nil {
		t.Error("second GracefulExit with no intervening launch should fail")
	}
}

func TestKillAfterFinishedFails(t *testing.T) {
	sink := &recordingSink{}
	s := New(0, 20*time.Millisecond, 500*time.Millisecond, sink, nil)
	defer s.Close()

	if err := s.Launch([]string{testdataScript("happy.sh")}, nil); err != nil {
		t.Fatalf("Launch failed: %v", err)
	}

	waitForExit(t, sink, 5*time.Second)

	if err := s.Kill(); err == nil {
		t.Error("Kill after the child has finished should fail")
	}
}

func TestProfilingThroughput(t *testing.T) {
	sink := &recordingSink{}
	s := New(0, 10*time.Millisecond, 500*time.Millisecond, sink, nil)
	defer s.Close()

	if err := s.Launch([]string{testdataScript("profiling.sh")}, nil); err != nil {
		t.Fatalf("Launch failed: %v", err)
	}

	kind := waitForExit(t, sink, 10*time.Second)
	if kind != ExitSuccess {
		t.Errorf("exit kind = %q, want %q", kind, ExitSuccess)
	}

	lines, _ := sink.snapshot()
	if len(lines) != 4000 {
		t.Fatalf("got %d lines, want 4000", len(lines))
	}
	for _, line := range lines {
		if line == "" {
			t.Fatalf("unexpected empty line in output")
		}
	}
}

func TestEnvpAbsentVsEmptyAreNotEqual(t *testing.T) {
	if envpEqual(nil, []string{}) {
		t.Error("nil envp must not equal an empty, non-nil envp")
	}
	if !envpEqual(nil, nil) {
		t.Error("nil envp must equal nil envp")
	}
	if !envpEqual([]string{"A=1"}, []string{"A=1"}) {
		t.Error("identical envp slices must be equal")
	}
	if envpEqual([]string{"A=1", "B=2"}, []string{"B=2", "A=1"}) {
		t.Error("envp comparison must be order-sensitive")
	}
}
