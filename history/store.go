// Package history persists a record of every dispatcher run a Spawner
// makes, independent of the Spawner itself (spec.md's Spawner has no
// persistence of its own). It is a minimal collaborator exercising
// go.etcd.io/bbolt and github.com/google/uuid in the same shape the
// teacher's build-record store uses for build attempts.
package history

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var bucketRuns = []byte("runs")

// Run is one dispatcher launch-to-exit record.
type Run struct {
	ID        string    `json:"id"`
	Argv      []string  `json:"argv"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
	ExitKind  string    `json:"exit_kind,omitempty"`
}

// Store wraps a bbolt database holding Run records keyed by UUID.
type Store struct {
	db *bolt.DB
}

// OpenStore opens (creating if needed) a bbolt database at path and
// ensures its run bucket exists.
func OpenStore(path string) (*Store, error) {
	db, err := bolt.Open(path, 0644, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, &DatabaseError{Op: "open", Err: err}
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRuns)
		return err
	})
	if err != nil {
		db.Close()
		return nil, &DatabaseError{Op: "init", Err: err}
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordStart creates a new Run for argv and returns its UUID.
func (s *Store) RecordStart(argv []string) (string, error) {
	id := uuid.New().String()
	run := Run{ID: id, Argv: argv, StartedAt: time.Now()}
	if err := s.save(run); err != nil {
		return "", err
	}
	return id, nil
}

// RecordEnd stamps EndedAt and ExitKind on the run identified by id.
func (s *Store) RecordEnd(id, exitKind string) error {
	run, err := s.Get(id)
	if err != nil {
		return err
	}
	run.EndedAt = time.Now()
	run.ExitKind = exitKind
	return s.save(*run)
}

func (s *Store) save(run Run) error {
	data, err := json.Marshal(run)
	if err != nil {
		return &RecordError{Op: "encode", ID: run.ID, Err: err}
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRuns)
		return b.Put([]byte(run.ID), data)
	})
	if err != nil {
		return &RecordError{Op: "save", ID: run.ID, Err: err}
	}
	return nil
}

// Get returns the run with the given ID, or ErrRunNotFound.
func (s *Store) Get(id string) (*Run, error) {
	var run Run
	found := false

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRuns)
		data := b.Get([]byte(id))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &run)
	})
	if err != nil {
		return nil, &RecordError{Op: "decode", ID: id, Err: err}
	}
	if !found {
		return nil, ErrRunNotFound
	}
	return &run, nil
}

// Recent returns up to limit runs, most recently started first.
func (s *Store) Recent(limit int) ([]Run, error) {
	var runs []Run

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRuns)
		return b.ForEach(func(_, v []byte) error {
			var run Run
			if err := json.Unmarshal(v, &run); err != nil {
				return err
			}
			runs = append(runs, run)
			return nil
		})
	})
	if err != nil {
		return nil, &DatabaseError{Op: "scan", Err: err}
	}

	sortRunsByStartDesc(runs)
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

func sortRunsByStartDesc(runs []Run) {
	for i := 1; i < len(runs); i++ {
		for j := i; j > 0 && runs[j].StartedAt.After(runs[j-1].StartedAt); j-- {
			runs[j], runs[j-1] = runs[j-1], runs[j]
		}
	}
}
