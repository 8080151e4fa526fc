package main

import (
	"fmt"

	"pkgspawn/spawn"
)

// multiSink fans a single stream of events out to every sink it wraps, in
// order.
type multiSink []spawn.EventSink

func (m multiSink) OnLine(text string) {
	for _, s := range m {
		s.OnLine(text)
	}
}

func (m multiSink) OnExit(kind spawn.ExitKind) {
	for _, s := range m {
		s.OnExit(kind)
	}
}

// stdoutSink prints raw lines and the final exit kind to stdout, used
// when --watch is not requested.
type stdoutSink struct{}

func (stdoutSink) OnLine(text string) {
	fmt.Println(text)
}

func (stdoutSink) OnExit(kind spawn.ExitKind) {
	fmt.Printf("exit: %s\n", kind)
}

// exitWaiter lets run's main goroutine block until the dispatcher's
// terminal event arrives without polling the Spawner itself.
type exitWaiter struct {
	done chan spawn.ExitKind
}

func newExitWaiter() *exitWaiter {
	return &exitWaiter{done: make(chan spawn.ExitKind, 1)}
}

func (w *exitWaiter) OnLine(string) {}

func (w *exitWaiter) OnExit(kind spawn.ExitKind) {
	w.done <- kind
}

var (
	_ spawn.EventSink = multiSink(nil)
	_ spawn.EventSink = stdoutSink{}
	_ spawn.EventSink = (*exitWaiter)(nil)
)
