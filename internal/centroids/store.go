// Package centroids implements the enrolled-speaker database: an immutable
// in-memory snapshot plus the stage, swap, backup and restore protocol that
// persists it through a storage.Backend.
//
// Three blobs exist per backend. CURRENT is authoritative and is what Load
// reads. STAGED holds a candidate written by Stage. BACKUP holds the CURRENT
// that the last Swap replaced. Swap writes BACKUP before it overwrites
// CURRENT, so an interruption leaves the old CURRENT in place.
package centroids

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"speaker-id/internal/embeddings"
	"speaker-id/internal/retry"
	"speaker-id/internal/storage"
)

// Blob names, shared by every backend.
const (
	CurrentBlob = "centroids_data_structure.json"
	StagedBlob  = "new_centroids_data_structure.json"
	BackupBlob  = "centroids_data_structure.json.bck"
)

// Options tune validation and retry behavior.
type Options struct {
	// Dims is the expected embedding length.
	Dims int
	// Strict makes Stage refuse data whose report has issues.
	Strict bool
	// Attempts bounds retries of backend writes and copies.
	Attempts int
	// Backoff is the base delay between attempts.
	Backoff time.Duration
}

// Store persists snapshots through a storage backend.
type Store struct {
	backend storage.Backend
	log     *slog.Logger
	opts    Options
}

// NewStore creates a Store. Zero options fall back to 512 dims and 3 attempts.
func NewStore(backend storage.Backend, log *slog.Logger, opts Options) *Store {
	if opts.Dims <= 0 {
		opts.Dims = embeddings.DefaultDims
	}
	if opts.Attempts <= 0 {
		opts.Attempts = 3
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 100 * time.Millisecond
	}
	return &Store{backend: backend, log: log, opts: opts}
}

// Dims returns the configured embedding length.
func (s *Store) Dims() int { return s.opts.Dims }

// Load reads and validates CURRENT. Validation findings are returned in the
// report, never as an error. A missing CURRENT is an empty database.
func (s *Store) Load(ctx context.Context) (*Snapshot, Report, error) {
	snap, report, err := s.load(ctx, CurrentBlob)
	if errors.Is(err, storage.ErrNotFound) {
		s.log.Warn("centroid file not found, starting with an empty database", "blob", CurrentBlob)
		return Empty(), Report{}, nil
	}
	return snap, report, err
}

// LoadStaged reads and validates STAGED without making it authoritative.
func (s *Store) LoadStaged(ctx context.Context) (*Snapshot, Report, error) {
	return s.load(ctx, StagedBlob)
}

func (s *Store) load(ctx context.Context, blob string) (*Snapshot, Report, error) {
	data, err := s.backend.Read(ctx, blob)
	if err != nil {
		return nil, Report{}, &PersistenceError{Op: "load", Blob: blob, Err: err}
	}
	return s.decode(blob, data)
}

func (s *Store) decode(blob string, data []byte) (*Snapshot, Report, error) {
	snap, shapeIssues, err := Decode(data)
	if err != nil {
		return nil, Report{}, err
	}
	report := Validate(snap, s.opts.Dims)
	report.Issues = append(shapeIssues, report.Issues...)
	s.logReport(blob, report)
	return snap, report, nil
}

// admit decodes data about to become CURRENT. In strict mode an invalid
// payload is refused before anything is written.
func (s *Store) admit(blob string, data []byte) error {
	_, report, err := s.decode(blob, data)
	if err != nil {
		return err
	}
	if s.opts.Strict && !report.Valid() {
		return report.Err()
	}
	return nil
}

// Stage validates snap and writes it to STAGED.
func (s *Store) Stage(ctx context.Context, snap *Snapshot) (Report, error) {
	report := Validate(snap, s.opts.Dims)
	s.logReport(StagedBlob, report)
	if s.opts.Strict && !report.Valid() {
		return report, report.Err()
	}
	data, err := Encode(snap)
	if err != nil {
		return report, err
	}
	if err := s.retry(ctx, func(ctx context.Context) error {
		return s.backend.Write(ctx, StagedBlob, data)
	}); err != nil {
		return report, &PersistenceError{Op: "stage", Blob: StagedBlob, Err: err}
	}
	s.log.Info("staged centroids", "entries", snap.Len())
	return report, nil
}

// Swap promotes STAGED to CURRENT after copying the previous CURRENT to
// BACKUP. CURRENT is only overwritten once BACKUP has been written. In strict
// mode an invalid STAGED is refused and nothing is touched.
func (s *Store) Swap(ctx context.Context) error {
	staged, err := s.backend.Read(ctx, StagedBlob)
	if err != nil {
		return &PersistenceError{Op: "swap", Blob: StagedBlob, Err: err}
	}
	if err := s.admit(StagedBlob, staged); err != nil {
		return err
	}

	s.log.Info("backup CURRENT as BACKUP")
	err = s.retry(ctx, func(ctx context.Context) error {
		return s.backend.Copy(ctx, CurrentBlob, BackupBlob)
	})
	switch {
	case errors.Is(err, storage.ErrNotFound):
		s.log.Warn("no current centroid file to back up", "blob", CurrentBlob)
	case err != nil:
		return &PersistenceError{Op: "backup", Blob: BackupBlob, Err: err}
	}

	s.log.Info("promote STAGED as CURRENT")
	if err := s.retry(ctx, func(ctx context.Context) error {
		return s.backend.Write(ctx, CurrentBlob, staged)
	}); err != nil {
		return &PersistenceError{Op: "swap", Blob: CurrentBlob, Err: err}
	}
	return nil
}

// Restore copies BACKUP over CURRENT. Only one generation is kept. In strict
// mode an invalid BACKUP leaves CURRENT unchanged.
func (s *Store) Restore(ctx context.Context) error {
	backup, err := s.backend.Read(ctx, BackupBlob)
	if err != nil {
		return &PersistenceError{Op: "restore", Blob: BackupBlob, Err: err}
	}
	if err := s.admit(BackupBlob, backup); err != nil {
		return err
	}

	s.log.Info("restore BACKUP as CURRENT")
	if err := s.retry(ctx, func(ctx context.Context) error {
		return s.backend.Copy(ctx, BackupBlob, CurrentBlob)
	}); err != nil {
		return &PersistenceError{Op: "restore", Blob: CurrentBlob, Err: err}
	}
	return nil
}

// retry runs fn with backoff. A missing blob is not retried.
func (s *Store) retry(ctx context.Context, fn func(context.Context) error) error {
	return retry.Do(ctx, s.opts.Attempts, s.opts.Backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if errors.Is(err, storage.ErrNotFound) {
			return &retry.Permanent{Err: err}
		}
		return err
	})
}

func (s *Store) logReport(blob string, r Report) {
	if r.Valid() {
		s.log.Debug("centroids validated", "blob", blob, "entries", r.Entries)
		return
	}
	for _, is := range r.Issues {
		s.log.Error("invalid centroid entry", "blob", blob, "speaker", is.Speaker, "kind", is.Kind, "detail", is.Detail)
	}
}
