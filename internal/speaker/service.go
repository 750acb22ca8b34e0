// Package speaker wires the matching engine and the centroid store into the
// operations exposed to clients: identify, verify, list, enroll, unenroll,
// reload and restore.
//
// Readers load the current snapshot through an atomic pointer and never block.
// Every write path (enroll, unenroll, restore) runs inside one critical section
// that stages, swaps and reloads before it releases the lock.
package speaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"speaker-id/internal/centroids"
	"speaker-id/internal/config"
	"speaker-id/internal/embeddings"
	"speaker-id/internal/match"
	"speaker-id/internal/notify"
	"speaker-id/internal/storage"
)

var (
	// ErrThresholdNotConfigured is returned by Verify when no threshold was set.
	ErrThresholdNotConfigured = fmt.Errorf("%w: verification threshold is not set", config.ErrConfiguration)
	// ErrInvalidName rejects speaker names that cannot be stored as a key.
	ErrInvalidName = errors.New("invalid speaker name")
)

// ArchivePrefix is where enrollment audio is kept when archiving is enabled.
const ArchivePrefix = "enrollments"

// Options configure a Service. Zero values are usable except Threshold, which
// Verify requires.
type Options struct {
	Threshold    *float64
	MaxResults   int
	ModelTimeout time.Duration
	Strict       bool
	Ranker       match.Ranker
	Notifier     notify.Notifier
	// Archive receives enrollment audio when non-nil.
	Archive storage.Backend
	// Origin identifies this process in published events.
	Origin string
}

// Verdict is the result of Verify.
type Verdict struct {
	Ranked     match.Ranked
	MatchFound bool
	Threshold  float64
}

// Service is safe for concurrent use.
type Service struct {
	store *centroids.Store
	model embeddings.Model
	log   *slog.Logger
	opts  Options

	current atomic.Pointer[centroids.Snapshot]
	report  atomic.Pointer[centroids.Report]

	mu      sync.Mutex
	reloads singleflight.Group
}

// New constructs a Service holding an empty snapshot. Call Reload to load CURRENT.
func New(store *centroids.Store, model embeddings.Model, log *slog.Logger, opts Options) *Service {
	if opts.Ranker == nil {
		opts.Ranker = match.NewLinearRanker(opts.MaxResults)
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.NoOp{}
	}
	if opts.ModelTimeout <= 0 {
		opts.ModelTimeout = 30 * time.Second
	}
	s := &Service{store: store, model: model, log: log, opts: opts}
	s.current.Store(centroids.Empty())
	s.report.Store(&centroids.Report{})
	return s
}

// Snapshot returns the snapshot currently used for matching.
func (s *Service) Snapshot() *centroids.Snapshot {
	return s.current.Load()
}

// Report returns the validation report of the last successful load.
func (s *Service) Report() centroids.Report {
	return *s.report.Load()
}

// Threshold returns the configured verification threshold.
func (s *Service) Threshold() (float64, bool) {
	if s.opts.Threshold == nil {
		return 0, false
	}
	return *s.opts.Threshold, true
}

// Identify ranks the enrolled speakers by distance to the audio's embedding.
func (s *Service) Identify(ctx context.Context, audio []byte) (match.Ranked, error) {
	vec, err := s.embed(ctx, audio)
	if err != nil {
		return nil, err
	}
	return s.opts.Ranker.Rank(vec, s.current.Load().Entries())
}

// Verify ranks like Identify and reports whether the closest speaker is
// strictly under the threshold.
func (s *Service) Verify(ctx context.Context, audio []byte) (Verdict, error) {
	threshold, ok := s.Threshold()
	if !ok {
		return Verdict{}, ErrThresholdNotConfigured
	}
	ranked, err := s.Identify(ctx, audio)
	if err != nil {
		return Verdict{}, err
	}
	return Verdict{
		Ranked:     ranked,
		MatchFound: match.Verify(ranked, threshold),
		Threshold:  threshold,
	}, nil
}

// Speakers lists the enrolled names in file order, or alphabetically.
func (s *Service) Speakers(sorted bool) []string {
	return s.current.Load().Names(sorted)
}

// StagedSpeakers lists the names held in STAGED.
func (s *Service) StagedSpeakers(ctx context.Context, sorted bool) ([]string, error) {
	snap, _, err := s.store.LoadStaged(ctx)
	if err != nil {
		return nil, err
	}
	return snap.Names(sorted), nil
}

// Enroll computes the embedding for audio and stores it under name,
// replacing any previous entry.
func (s *Service) Enroll(ctx context.Context, name string, audio []byte) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	vec, err := s.embed(ctx, audio)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.current.Load().With(name, vec)
	if err := s.commit(ctx, next); err != nil {
		return err
	}
	s.log.Info("speaker enrolled", "speaker", name, "entries", next.Len())
	s.archive(ctx, name, audio)
	s.publish(ctx, notify.KindSwap)
	return nil
}

// Unenroll removes name. Removing an unknown name succeeds without touching
// the backend; the returned bool reports whether anything was removed.
func (s *Service) Unenroll(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, ok := s.current.Load().Without(name)
	if !ok {
		s.log.Info("speaker not enrolled, nothing to delete", "speaker", name)
		return false, nil
	}
	if err := s.commit(ctx, next); err != nil {
		return false, err
	}
	s.log.Info("speaker deleted", "speaker", name, "entries", next.Len())
	s.publish(ctx, notify.KindSwap)
	return true, nil
}

// Restore replaces CURRENT with BACKUP and reloads.
func (s *Service) Restore(ctx context.Context) (centroids.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.Restore(ctx); err != nil {
		return centroids.Report{}, err
	}
	report, err := s.reloadLocked(ctx)
	if err != nil {
		return report, err
	}
	s.publish(ctx, notify.KindRestore)
	return report, nil
}

// Reload reads CURRENT and makes it the snapshot used for matching. Concurrent
// calls share one load. In strict mode a snapshot with validation issues is
// refused and the previous one stays in place.
func (s *Service) Reload(ctx context.Context) (centroids.Report, error) {
	v, err, _ := s.reloads.Do("reload", func() (any, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.reloadLocked(ctx)
	})
	report, _ := v.(centroids.Report)
	return report, err
}

func (s *Service) reloadLocked(ctx context.Context) (centroids.Report, error) {
	snap, report, err := s.store.Load(ctx)
	if err != nil {
		return report, err
	}
	if s.opts.Strict && !report.Valid() {
		return report, report.Err()
	}
	s.current.Store(snap)
	s.report.Store(&report)
	s.log.Info("centroids loaded", "entries", snap.Len(), "issues", len(report.Issues))
	return report, nil
}

// HandleEvent reloads when another process changed CURRENT.
func (s *Service) HandleEvent(ctx context.Context, ev notify.Event) error {
	s.log.Info("centroids changed elsewhere, reloading", "kind", ev.Kind, "origin", ev.Origin, "id", ev.ID)
	_, err := s.Reload(ctx)
	return err
}

// commit stages next, swaps it in and reloads. Callers hold s.mu.
// commit persists next and makes it current. Once the swap has succeeded the
// write is durable, so a failed reload falls back to next instead of failing.
func (s *Service) commit(ctx context.Context, next *centroids.Snapshot) error {
	staged, err := s.store.Stage(ctx, next)
	if err != nil {
		return err
	}
	if err := s.store.Swap(ctx); err != nil {
		return err
	}
	if _, err := s.reloadLocked(ctx); err != nil {
		s.log.Warn("reload after swap failed, using committed snapshot", "err", err)
		s.current.Store(next)
		s.report.Store(&staged)
	}
	return nil
}

func (s *Service) embed(ctx context.Context, audio []byte) (embeddings.Vector, error) {
	if _, err := embeddings.SniffAudio(audio); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.ModelTimeout)
	defer cancel()

	vec, err := s.model.Embed(ctx, audio)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: embedding timed out after %s", embeddings.ErrUnsupportedInput, s.opts.ModelTimeout)
		}
		return nil, err
	}
	if err := vec.Validate(s.store.Dims()); err != nil {
		s.log.Warn("model returned an invalid embedding", "err", err)
		return nil, err
	}
	return vec, nil
}

func (s *Service) archive(ctx context.Context, name string, audio []byte) {
	if s.opts.Archive == nil {
		return
	}
	blob := ArchivePrefix + "/" + name + ".wav"
	if err := s.opts.Archive.Write(ctx, blob, audio); err != nil {
		s.log.Warn("failed to archive enrollment audio", "speaker", name, "blob", blob, "err", err)
	}
}

func (s *Service) publish(ctx context.Context, kind notify.Kind) {
	ev := notify.Event{
		Kind:     kind,
		Origin:   s.opts.Origin,
		Speakers: s.current.Load().Len(),
		At:       time.Now().UTC(),
	}
	if err := notify.PublishWithRetry(ctx, s.opts.Notifier, ev, 3, 100*time.Millisecond); err != nil {
		s.log.Warn("failed to publish centroid event", "kind", kind, "err", err)
	}
}

// ValidateName rejects names that are empty or unsafe as a blob path segment.
func ValidateName(name string) error {
	switch {
	case strings.TrimSpace(name) == "":
		return fmt.Errorf("%w: empty", ErrInvalidName)
	case strings.ContainsAny(name, `/\`), name == ".", name == "..":
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}
