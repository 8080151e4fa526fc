package history

import (
	"sync"

	"pkgspawn/log"
	"pkgspawn/spawn"
)

// Recorder adapts a Store to spawn.EventSink's two-method shape so a
// Store can sit directly in (or alongside) a caller's own sink. Call
// Start before each Launch to open the run record that OnExit will
// close out.
type Recorder struct {
	store  *Store
	logger log.LibraryLogger

	mu        sync.Mutex
	currentID string
}

// NewRecorder wraps store as a spawn.EventSink. A nil logger discards
// end-of-run write failures, which OnExit cannot otherwise report since
// spawn.EventSink has no error return.
func NewRecorder(store *Store, logger log.LibraryLogger) *Recorder {
	if logger == nil {
		logger = log.NoOpLogger{}
	}
	return &Recorder{store: store, logger: logger}
}

// Start opens a new run record for argv, returning its ID.
func (r *Recorder) Start(argv []string) (string, error) {
	id, err := r.store.RecordStart(argv)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	r.currentID = id
	r.mu.Unlock()
	return id, nil
}

// OnLine satisfies spawn.EventSink; run history does not record line
// content.
func (r *Recorder) OnLine(string) {}

// OnExit closes out the current run record with kind.
func (r *Recorder) OnExit(kind spawn.ExitKind) {
	r.mu.Lock()
	id := r.currentID
	r.currentID = ""
	r.mu.Unlock()

	if id == "" {
		return
	}
	if err := r.store.RecordEnd(id, string(kind)); err != nil {
		r.logger.Error("failed to record run end for %s: %v", id, err)
	}
}

var _ spawn.EventSink = (*Recorder)(nil)
