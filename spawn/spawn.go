// Package spawn implements a persistent helper-process dispatcher: it
// launches an external backend executable, streams its stdout line by
// line, and reuses an already-running helper across requests whose
// argv[0] and environment match.
package spawn

import (
	"bytes"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"pkgspawn/log"
)

const readChunkSize = 4096

// Spawner owns at most one dispatcher child at a time. All mutable state
// is touched only by its own event-loop goroutine; public methods hand
// work to that goroutine over a command channel rather than taking a
// lock, so there is never a data race to reason about and never a mutex
// to forget.
type Spawner struct {
	ops       chan func()
	quit      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once

	pollInterval time.Duration
	killDelay    time.Duration
	niceValue    int
	sink         EventSink
	logger       log.LibraryLogger

	// Everything below is owned exclusively by run's goroutine.
	cmd          *exec.Cmd
	stdin        *os.File
	stdout       *os.File
	waitResultCh chan error
	pollTicker   *time.Ticker
	pollC        <-chan time.Time
	killTimer    *time.Timer

	finished             bool
	isSendingExit        bool
	isChangingDispatcher bool
	exitKind             ExitKind
	stdoutBuffer         []byte
	lastArgv0            string
	lastEnvp             []string
	waitGate             chan struct{}
	pollTicks            int
}

// New creates a Spawner bound to sink and logger. niceValue is clamped to
// [-20, 19] per the renice contract; pollInterval/killDelay default to
// 50ms/500ms when zero.
func New(niceValue int, pollInterval, killDelay time.Duration, sink EventSink, logger log.LibraryLogger) *Spawner {
	if pollInterval <= 0 {
		pollInterval = 50 * time.Millisecond
	}
	if killDelay <= 0 {
		killDelay = 500 * time.Millisecond
	}
	if niceValue < -20 {
		niceValue = -20
	}
	if niceValue > 19 {
		niceValue = 19
	}
	if logger == nil {
		logger = log.NoOpLogger{}
	}

	s := &Spawner{
		ops:          make(chan func()),
		quit:         make(chan struct{}),
		stopped:      make(chan struct{}),
		pollInterval: pollInterval,
		killDelay:    killDelay,
		niceValue:    niceValue,
		sink:         sink,
		logger:       logger,
		exitKind:     ExitUnknown,
	}
	go s.run()
	return s
}

// enqueue hands fn to the event-loop goroutine, returning false instead of
// blocking or panicking if the Spawner has already been closed. Every
// sender of s.ops — submit, GracefulExit, and the kill-timer callback,
// which can all race against Close — must go through enqueue rather than
// writing to s.ops directly.
func (s *Spawner) enqueue(fn func()) bool {
	select {
	case s.ops <- fn:
		return true
	case <-s.stopped:
		return false
	}
}

// submit runs fn on the event-loop goroutine and waits for it to finish.
// fn must not block: it is executed inline between ticks. A no-op if the
// Spawner has already been closed.
func (s *Spawner) submit(fn func()) {
	done := make(chan struct{})
	if !s.enqueue(func() {
		fn()
		close(done)
	}) {
		return
	}
	select {
	case <-done:
	case <-s.stopped:
	}
}

func (s *Spawner) run() {
	defer close(s.stopped)
	for {
		select {
		case fn := <-s.ops:
			fn()
		case <-s.pollC:
			s.tick()
		case <-s.quit:
			return
		}
	}
}

func (s *Spawner) pid() int {
	if s.cmd != nil && s.cmd.Process != nil {
		return s.cmd.Process.Pid
	}
	return -1
}

func envpEqual(a, b []string) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Launch starts (or reuses) a dispatcher for argv/envp. argv must be
// non-empty; envp may be nil, meaning "inherit the caller's environment"
// — a nil envp is never equal to a non-nil, empty one for reuse purposes.
func (s *Spawner) Launch(argv []string, envp []string) error {
	if len(argv) == 0 {
		return &ProtocolMisuseError{Op: "launch", Reason: "argv must be non-empty"}
	}

	s.logger.Debug("launch requested argv=%v envp=%v", argv, envp)

	var wasRunning, reused bool
	var reuseErr error
	s.submit(func() {
		wasRunning = s.stdin != nil
		if wasRunning && argv[0] == s.lastArgv0 && envpEqual(envp, s.lastEnvp) {
			cmdLine := strings.Join(argv[1:], "\t")
			if err := s.writeStdin(cmdLine); err != nil {
				reuseErr = err
				return
			}
			reused = true
			s.logger.Info("reused dispatcher pid=%d", s.pid())
		}
	})

	if reused {
		return nil
	}
	if reuseErr != nil {
		s.logger.Warn("reuse write failed, respawning: %v", reuseErr)
	}

	if wasRunning {
		s.submit(func() { s.isChangingDispatcher = true })
		if err := s.GracefulExit(); err != nil {
			s.logger.Warn("graceful exit before respawn failed: %v", err)
		}
		s.submit(func() { s.isChangingDispatcher = false })
	}

	return s.spawnNew(argv, envp)
}

func (s *Spawner) spawnNew(argv, envp []string) error {
	path, err := exec.LookPath(argv[0])
	if err != nil {
		return &SpawnFailureError{Op: "launch", Err: err}
	}

	cmd := exec.Command(path, argv[1:]...)
	cmd.Env = envp
	cmd.Stderr = os.Stderr

	// cmd.StdinPipe()/StdoutPipe() hand pipe ownership to cmd.Wait(),
	// which closes the read end "after seeing the command exit" — racing
	// our own drain goroutine on fast-exiting children and silently
	// dropping buffered output. Own both ends ourselves with os.Pipe()
	// instead, exactly as the original's pk_spawn_check_child keeps
	// stdin_fd/stdout_fd under its own control and closes them only at
	// reap.
	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return &SpawnFailureError{Op: "launch", Err: err}
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		return &SpawnFailureError{Op: "launch", Err: err}
	}

	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW

	if err := cmd.Start(); err != nil {
		stdinR.Close()
		stdinW.Close()
		stdoutR.Close()
		stdoutW.Close()
		return &SpawnFailureError{Op: "launch", Err: err}
	}

	// The child now holds its own copies of the pipe ends; close the
	// parent's copies of the ends the child writes/reads so EOF behaves
	// correctly once the child exits.
	stdinR.Close()
	stdoutW.Close()

	stdin := stdinW
	stdout := stdoutR

	if s.niceValue != 0 {
		if err := unix.Setpriority(unix.PRIO_PROCESS, cmd.Process.Pid, s.niceValue); err != nil {
			s.logger.Warn("failed to renice pid=%d to %d: %v", cmd.Process.Pid, s.niceValue, err)
		}
	}

	waitResultCh := make(chan error, 1)
	go func() {
		waitResultCh <- cmd.Wait()
	}()

	s.submit(func() {
		if s.pollC != nil {
			panicInvariant("launch", "poll tick already installed")
		}
		s.cmd = cmd
		s.stdin = stdin
		s.stdout = stdout
		s.waitResultCh = waitResultCh
		s.finished = false
		s.exitKind = ExitUnknown
		s.isSendingExit = false
		s.isChangingDispatcher = false
		s.stdoutBuffer = s.stdoutBuffer[:0]
		s.lastArgv0 = argv[0]
		s.lastEnvp = envp
		s.waitGate = make(chan struct{})
		s.pollTicks = 0
		s.pollTicker = time.NewTicker(s.pollInterval)
		s.pollC = s.pollTicker.C

		s.logger.Info("spawned dispatcher pid=%d argv=%v", cmd.Process.Pid, argv)
	})

	return nil
}

// writeStdin writes command+"\n" to the running child's stdin. Callers
// must hold no external lock; writeStdin is only ever invoked from
// closures already running on the event-loop goroutine.
func (s *Spawner) writeStdin(command string) error {
	data := []byte(command + "\n")
	n, err := s.stdin.Write(data)
	if err != nil {
		return &WriteError{Op: "send_stdin", Err: err}
	}
	if n != len(data) {
		return &ShortWriteError{Op: "send_stdin", Wrote: n, Want: len(data)}
	}
	return nil
}

// Kill sends SIGQUIT and arms a SIGKILL escalation timer. Non-blocking.
func (s *Spawner) Kill() error {
	var callErr error
	s.submit(func() {
		if s.finished || s.stdin == nil {
			callErr = &ProtocolMisuseError{Op: "kill", Reason: "no running child"}
			return
		}
		if s.exitKind == ExitUnknown {
			s.exitKind = ExitSigQuit
		}
		if err := s.cmd.Process.Signal(syscall.SIGQUIT); err != nil {
			callErr = &SignalSendError{Op: "kill", Signal: "SIGQUIT", Err: err}
			return
		}
		if s.killTimer != nil {
			s.killTimer.Stop()
		}
		s.killTimer = time.AfterFunc(s.killDelay, func() {
			s.submit(s.killTimerFired)
		})
	})
	return callErr
}

// killTimerFired runs on the event-loop goroutine via submit, scheduled
// from the AfterFunc callback above.
func (s *Spawner) killTimerFired() {
	if s.finished {
		return
	}
	s.exitKind = ExitSigKill
	s.logger.Warn("dispatcher pid=%d did not exit after SIGQUIT, escalating to SIGKILL", s.pid())
	if s.cmd != nil && s.cmd.Process != nil {
		if err := s.cmd.Process.Signal(syscall.SIGKILL); err != nil {
			s.logger.Error("failed to send SIGKILL to pid=%d: %v", s.pid(), err)
		}
	}
}

// GracefulExit asks the running child to self-terminate by writing
// "exit\n", then blocks the calling goroutine (not the event loop) until
// the reap path releases the wait gate.
func (s *Spawner) GracefulExit() error {
	type result struct {
		err  error
		gate chan struct{}
	}
	resCh := make(chan result, 1)
	if !s.enqueue(func() {
		if s.isSendingExit {
			resCh <- result{err: &ProtocolMisuseError{Op: "graceful_exit", Reason: "already sending exit"}}
			return
		}
		if s.finished || s.stdin == nil {
			resCh <- result{err: &ProtocolMisuseError{Op: "graceful_exit", Reason: "no running child"}}
			return
		}
		s.isSendingExit = true
		if err := s.writeStdin("exit"); err != nil {
			s.isSendingExit = false
			resCh <- result{err: err}
			return
		}
		resCh <- result{gate: s.waitGate}
	}) {
		return &ProtocolMisuseError{Op: "graceful_exit", Reason: "spawner closed"}
	}

	select {
	case r := <-resCh:
		if r.err != nil {
			return r.err
		}
		select {
		case <-r.gate:
		case <-s.stopped:
		}
		return nil
	case <-s.stopped:
		return &ProtocolMisuseError{Op: "graceful_exit", Reason: "spawner closed"}
	}
}

// tick drains stdout, traces liveness every 20th tick, and reaps the
// child once its wait goroutine reports completion.
func (s *Spawner) tick() {
	if s.finished {
		panicInvariant("tick", "poll tick fired after reap")
	}

	s.drainStdout()

	s.pollTicks++
	if s.pollTicks%20 == 0 {
		s.logger.Debug("polling pid=%d", s.pid())
	}

	select {
	case waitErr := <-s.waitResultCh:
		s.reap(waitErr)
	default:
	}
}

// drainStdout performs non-blocking reads (via a zero read deadline, the
// idiomatic Go substitute for fcntl(O_NONBLOCK)) until no more bytes are
// immediately available, then emits every complete line in the
// accumulated buffer.
func (s *Spawner) drainStdout() {
	buf := make([]byte, readChunkSize)
	for {
		if err := s.stdout.SetReadDeadline(time.Now()); err != nil {
			break
		}
		n, err := s.stdout.Read(buf)
		if n > 0 {
			s.stdoutBuffer = append(s.stdoutBuffer, buf[:n]...)
		}
		if err != nil || n == 0 {
			break
		}
	}
	s.emitCompleteLines()
}

// drainStdoutToEOF reads whatever remains buffered in the pipe until EOF.
// It is only safe to call once the child has exited and every other
// writer-side copy of the pipe has been closed, since only then does the
// read end reliably return EOF instead of blocking. Called from reap, just
// before the pipe is closed, so no bytes the child wrote before exiting
// are lost to a tick that hadn't run yet.
func (s *Spawner) drainStdoutToEOF() {
	// drainStdout leaves an already-elapsed read deadline installed (it
	// is reset to time.Now() on every tick); clear it first so these
	// reads block until EOF instead of immediately timing out.
	s.stdout.SetReadDeadline(time.Time{})

	buf := make([]byte, readChunkSize)
	for {
		n, err := s.stdout.Read(buf)
		if n > 0 {
			s.stdoutBuffer = append(s.stdoutBuffer, buf[:n]...)
		}
		if err != nil {
			break
		}
	}
	s.emitCompleteLines()
}

// emitCompleteLines splits stdoutBuffer on newline, emits a line event for
// every complete line, and erases the emitted bytes (including their
// terminating newlines) from the buffer. Any trailing partial line is left
// in place.
func (s *Spawner) emitCompleteLines() {
	idx := bytes.LastIndexByte(s.stdoutBuffer, '\n')
	if idx < 0 {
		return
	}

	complete := s.stdoutBuffer[:idx+1]
	lines := bytes.Split(complete, []byte("\n"))
	lines = lines[:len(lines)-1] // complete ends in \n, so Split's last element is always ""
	for _, line := range lines {
		s.sink.OnLine(string(line))
	}
	s.stdoutBuffer = append([]byte(nil), s.stdoutBuffer[idx+1:]...)
}

// reap finalizes a terminated child: it releases OS handles, resolves
// the exit classification (default from waitErr, then reclassified once
// if a graceful exit or dispatcher swap was in progress), and emits
// exactly one exit event.
func (s *Spawner) reap(waitErr error) {
	if s.pollTicker != nil {
		s.pollTicker.Stop()
	}
	s.pollC = nil
	if s.killTimer != nil {
		s.killTimer.Stop()
	}

	pid := s.pid()

	// The child has already exited and our own copy of its stdout's
	// write end was closed right after Start, so any bytes it wrote
	// before exiting are sitting in the pipe buffer waiting to be read;
	// drain them before closing the read end so a fast-exiting child
	// never loses output to a poll tick that hadn't run yet.
	if s.stdout != nil {
		s.drainStdoutToEOF()
		s.stdout.Close()
	}
	if s.stdin != nil {
		s.stdin.Close()
	}

	if s.exitKind == ExitUnknown {
		if waitErr == nil {
			s.exitKind = ExitSuccess
		} else {
			s.exitKind = ExitFailed
		}
	}
	if s.isChangingDispatcher {
		s.exitKind = ExitDispatcherChanged
	} else if s.isSendingExit {
		s.exitKind = ExitDispatcherExit
	}

	kind := s.exitKind
	gate := s.waitGate

	s.cmd = nil
	s.stdin = nil
	s.stdout = nil
	s.finished = true
	s.isSendingExit = false

	s.logger.Info("dispatcher pid=%d exited kind=%s", pid, kind)
	if s.sink != nil {
		s.sink.OnExit(kind)
	}
	if gate != nil {
		close(gate)
	}
}

// Close tears the Spawner down: kills any running child, releases OS
// handles, and stops the event-loop goroutine. Safe to call on an idle,
// running, or already-finished Spawner.
func (s *Spawner) Close() error {
	s.submit(func() {
		if s.stdin == nil || s.finished {
			return
		}
		if s.pollTicker != nil {
			s.pollTicker.Stop()
		}
		s.pollC = nil
		if s.killTimer != nil {
			s.killTimer.Stop()
		}
		if s.cmd != nil && s.cmd.Process != nil {
			s.cmd.Process.Kill()
		}
		if s.stdin != nil {
			s.stdin.Close()
		}
		if s.stdout != nil {
			s.stdout.Close()
		}
		s.finished = true
	})
	// Signal the run loop to exit via s.quit rather than closing s.ops:
	// the kill-timer's AfterFunc callback (Kill, §4.3) can fire
	// concurrently with Close and still needs to enqueue onto s.ops
	// without racing a close of that same channel. closeOnce makes a
	// second Close a safe no-op instead of a double-close panic.
	s.closeOnce.Do(func() { close(s.quit) })
	<-s.stopped
	return nil
}
