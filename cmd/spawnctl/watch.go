package main

import (
	"fmt"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"pkgspawn/spawn"
)

// watchMonitor renders a three-pane tview UI in place of raw stdout
// printing: a header naming the dispatcher's argv, a status line holding
// the current exit classification, and a scrolling events pane. Modeled
// on the teacher's three-pane ncurses build monitor.
type watchMonitor struct {
	app    *tview.Application
	status *tview.TextView
	events *tview.TextView
	onQuit func()
}

func newWatchMonitor(argv []string, onQuit func()) *watchMonitor {
	header := tview.NewTextView().SetDynamicColors(true)
	header.SetBorder(true).SetTitle("dispatcher")
	header.SetText(fmt.Sprintf("argv: %v", argv))

	status := tview.NewTextView().SetDynamicColors(true)
	status.SetBorder(true).SetTitle("status")
	status.SetText("running")

	events := tview.NewTextView().SetDynamicColors(true).SetScrollable(true)
	events.SetBorder(true).SetTitle("events")
	events.SetChangedFunc(func() {})

	flex := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(header, 3, 0, false).
		AddItem(status, 3, 0, false).
		AddItem(events, 0, 1, true)

	m := &watchMonitor{
		app:    tview.NewApplication().SetRoot(flex, true),
		status: status,
		events: events,
		onQuit: onQuit,
	}

	flex.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Key() == tcell.KeyCtrlC {
			m.quit()
			return nil
		}
		switch event.Rune() {
		case 'q', 'Q':
			m.quit()
			return nil
		}
		return event
	})

	return m
}

func (m *watchMonitor) quit() {
	if m.onQuit != nil {
		m.onQuit()
	}
	m.app.Stop()
}

// OnLine satisfies spawn.EventSink.
func (m *watchMonitor) OnLine(text string) {
	m.app.QueueUpdateDraw(func() {
		fmt.Fprintln(m.events, text)
	})
}

// OnExit satisfies spawn.EventSink.
func (m *watchMonitor) OnExit(kind spawn.ExitKind) {
	m.app.QueueUpdateDraw(func() {
		m.status.SetText(fmt.Sprintf("exited: %s", kind))
	})
}

// Run blocks until the UI is stopped, either by the user (q / Ctrl-C) or
// by a caller-initiated shutdown.
func (m *watchMonitor) Run() error {
	return m.app.Run()
}

var _ spawn.EventSink = (*watchMonitor)(nil)
