package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/samvad-hq/samvad-listing-ingest/internal/domain"
)

// Package storage provides the durable staged-record store behind the ingest
// pipeline. Both backends give single-entity / single-unit-of-work atomicity:
// each method is one transaction.

// ErrNotFound is returned when a lookup matches nothing.
var ErrNotFound = errors.New("storage: not found")

// ErrNotPending is returned when a raw record status transition is attempted
// on a record that already left pending. The transition happens exactly once.
var ErrNotPending = errors.New("storage: raw record is not pending")

// Counts summarizes stored record volumes.
type Counts struct {
	RawRecords     int
	CleanedRecords int
	Runs           int
}

// Store is the durable store for DataSource/Run/RawRecord/CleanedRecord
// entities. Raw and cleaned records are append-only; the only in-place
// mutations are the one-time raw processing-status transition and the run's
// own fields.
type Store interface {
	Close() error

	FindDataSourceByName(ctx context.Context, name string) (*domain.DataSource, error)
	CreateDataSource(ctx context.Context, src *domain.DataSource) error

	CreateRun(ctx context.Context, run *domain.ScrapingRun) error
	UpdateRun(ctx context.Context, run *domain.ScrapingRun) error
	GetRun(ctx context.Context, id string) (*domain.ScrapingRun, error)
	ListRuns(ctx context.Context, sourceID string, limit int) ([]domain.ScrapingRun, error)

	FindRawRecordByFingerprint(ctx context.Context, fingerprint string) (*domain.RawRecord, error)
	CreateRawRecord(ctx context.Context, rec *domain.RawRecord) error

	// CommitCleanedRecord marks the raw record processed and inserts the
	// cleaned record as one atomic unit.
	CommitCleanedRecord(ctx context.Context, rawID string, rec *domain.CleanedRecord) error

	// MarkRawRecordFailed marks the raw record failed and inserts the
	// error-marker record as one atomic unit.
	MarkRawRecordFailed(ctx context.Context, rawID string, marker *domain.RawRecord) error

	ListFailedRawRecords(ctx context.Context, runID string, limit int) ([]domain.RawRecord, error)
	Counts(ctx context.Context) (Counts, error)
}

// Options controls backend tuning knobs.
type Options struct {
	BusyTimeout time.Duration
}

const defaultBusyTimeout = 10 * time.Second

// NewStore creates the configured storage backend.
func NewStore(typ, path string, opts Options) (Store, error) {
	typ = strings.TrimSpace(strings.ToLower(typ))
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = defaultBusyTimeout
	}

	switch typ {
	case "", "sqlite":
		if strings.TrimSpace(path) == "" {
			return nil, fmt.Errorf("sqlite storage requires a path")
		}
		return openSQLite(path, opts)
	case "bbolt":
		if strings.TrimSpace(path) == "" {
			return nil, fmt.Errorf("bbolt storage requires a path")
		}
		return openBolt(path, opts)
	default:
		return nil, fmt.Errorf("unsupported storage type %q", typ)
	}
}
