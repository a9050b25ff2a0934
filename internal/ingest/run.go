package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/samvad-hq/samvad-listing-ingest/internal/domain"
	"github.com/samvad-hq/samvad-listing-ingest/internal/storage"
)

// ErrRunFinalized is returned for progress or error writes after a run
// reached a terminal state. Finalized counters are never touched again.
var ErrRunFinalized = errors.New("ingest: run already finalized")

// RunTracker owns the state machine for one scraping run:
// running → completed | aborted. All mutations go through the tracker so the
// persisted run and the in-memory state cannot drift.
type RunTracker struct {
	mu    sync.Mutex
	store storage.Store
	run   *domain.ScrapingRun
}

// StartRun allocates and persists a new run in the running state, with a
// start timestamp and a snapshot of the configuration in effect.
func StartRun(ctx context.Context, store storage.Store, sourceID string, snapshot map[string]any) (*RunTracker, error) {
	run := &domain.ScrapingRun{
		SourceID:       sourceID,
		StartTime:      time.Now().UTC(),
		Status:         domain.RunStatusRunning,
		ConfigSnapshot: snapshot,
	}
	if err := store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("start run: %w", err)
	}
	return &RunTracker{store: store, run: run}, nil
}

// RunID returns the persisted run identifier.
func (t *RunTracker) RunID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.run.ID
}

// Run returns a copy of the current run state.
func (t *RunTracker) Run() domain.ScrapingRun {
	t.mu.Lock()
	defer t.mu.Unlock()
	return *t.run
}

// RecordProgress overwrites the items-processed counter. Idempotent and safe
// to call repeatedly with the same value.
func (t *RunTracker) RecordProgress(ctx context.Context, itemsProcessed int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.run.Finalized() {
		return ErrRunFinalized
	}
	t.run.ItemsProcessed = itemsProcessed
	if err := t.store.UpdateRun(ctx, t.run); err != nil {
		return fmt.Errorf("record progress: %w", err)
	}
	return nil
}

// RecordError appends a timestamped entry to the run's error log. Prior
// errors are never replaced.
func (t *RunTracker) RecordError(ctx context.Context, message string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.run.Finalized() {
		return ErrRunFinalized
	}
	t.run.Errors = append(t.run.Errors, domain.RunError{
		Timestamp: time.Now().UTC(),
		Message:   message,
	})
	if err := t.store.UpdateRun(ctx, t.run); err != nil {
		return fmt.Errorf("record error: %w", err)
	}
	return nil
}

// Complete finalizes the run as completed. A run that saw recoverable
// per-entry errors still completes; its error log tells the difference.
func (t *RunTracker) Complete(ctx context.Context, stats map[string]any) error {
	return t.finalize(ctx, domain.RunStatusCompleted, stats)
}

// Abort finalizes the run as aborted after a fatal, non-recoverable condition.
func (t *RunTracker) Abort(ctx context.Context, stats map[string]any) error {
	return t.finalize(ctx, domain.RunStatusAborted, stats)
}

func (t *RunTracker) finalize(ctx context.Context, status domain.RunStatus, stats map[string]any) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.run.Finalized() {
		return ErrRunFinalized
	}

	end := time.Now().UTC()
	t.run.EndTime = &end
	t.run.Status = status
	if stats != nil {
		t.run.Stats = stats
	}
	if err := t.store.UpdateRun(ctx, t.run); err != nil {
		// Keep the in-memory finalization: the run must not accept further
		// writes even when the final persist failed.
		return fmt.Errorf("finalize run as %s: %w", status, err)
	}
	return nil
}
