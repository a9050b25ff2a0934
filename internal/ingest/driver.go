package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/samvad-hq/samvad-listing-ingest/internal/domain"
	"github.com/samvad-hq/samvad-listing-ingest/internal/logger"
	"github.com/samvad-hq/samvad-listing-ingest/internal/storage"
	"github.com/samvad-hq/samvad-listing-ingest/pkg/sources"
)

// Driver runs the crawl loop for one source: fetch page N, ingest its
// entries, then page N+1 until a page comes back empty. One logical cursor,
// no concurrency between pages.
type Driver struct {
	store    storage.Store
	fetchers sources.FetcherRegistry
	pipeline *Pipeline
	log      logger.Logger

	// ErrorThreshold aborts the run after this many consecutive
	// storage-level entry failures. Zero disables the escalation.
	ErrorThreshold int
}

// NewDriver wires a pagination driver.
func NewDriver(store storage.Store, fetchers sources.FetcherRegistry, pipeline *Pipeline, log logger.Logger) *Driver {
	if log == nil {
		log = &logger.NopLogger{}
	}
	return &Driver{store: store, fetchers: fetchers, pipeline: pipeline, log: log}
}

// Run executes one full ingestion run against the source and returns the
// finalized run record. Per-entry failures are absorbed; only fetch or
// extraction errors terminate the loop early.
func (d *Driver) Run(ctx context.Context, src sources.Source) (domain.ScrapingRun, error) {
	dataSource, err := d.ensureDataSource(ctx, src)
	if err != nil {
		return domain.ScrapingRun{}, err
	}

	fetcher, err := d.fetchers.FetcherFor(src)
	if err != nil {
		return domain.ScrapingRun{}, fmt.Errorf("resolve fetcher for source %s: %w", src.Name, err)
	}

	tracker, err := StartRun(ctx, d.store, dataSource.ID, src.Config)
	if err != nil {
		return domain.ScrapingRun{}, err
	}

	d.log.InfoObj("run started", "run_meta", map[string]any{
		"source": src.Name,
		"run_id": tracker.RunID(),
	})

	stats := &runStats{}
	err = d.crawl(ctx, src, fetcher, tracker, dataSource.ID, stats)

	// Finalization must survive a cancelled run context.
	finCtx := context.WithoutCancel(ctx)
	if err != nil {
		if recErr := tracker.RecordError(finCtx, err.Error()); recErr != nil && !errors.Is(recErr, ErrRunFinalized) {
			d.log.ErrorObj("run error not recorded", "error", recErr)
		}
		if abortErr := tracker.Abort(finCtx, stats.snapshot()); abortErr != nil && !errors.Is(abortErr, ErrRunFinalized) {
			d.log.ErrorObj("run abort not persisted", "error", abortErr)
		}
	} else {
		if compErr := tracker.Complete(finCtx, stats.snapshot()); compErr != nil {
			d.log.ErrorObj("run completion not persisted", "error", compErr)
		}
	}

	run := tracker.Run()
	d.log.InfoObj("run finished", "run_result", map[string]any{
		"source":          src.Name,
		"run_id":          run.ID,
		"status":          string(run.Status),
		"items_processed": run.ItemsProcessed,
		"stats":           run.Stats,
		"errors":          len(run.Errors),
	})
	return run, err
}

// crawl walks pages 1,2,3... and returns nil on normal termination (an empty
// page) or the fatal error that should abort the run.
func (d *Driver) crawl(ctx context.Context, src sources.Source, fetcher sources.PageFetcher, tracker *RunTracker, sourceID string, stats *runStats) error {
	consecutiveStorageErrs := 0

	for page := 1; ; page++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("run cancelled before page %d: %w", page, err)
		}

		fetched, err := fetcher.FetchPage(ctx, src, page)
		if err != nil {
			return err
		}
		entries, err := fetched.Entries()
		if err != nil {
			// Malformed page structure: abort rather than guess partial data.
			return &sources.FetchError{Page: page, Cause: err}
		}
		stats.pages = page

		if len(entries) == 0 {
			return nil
		}

		d.log.InfoObj("page extracted", "page_meta", map[string]any{
			"source":  src.Name,
			"page":    page,
			"entries": len(entries),
		})

		for _, fs := range entries {
			if err := ctx.Err(); err != nil {
				d.recordProgress(context.WithoutCancel(ctx), tracker, stats)
				return fmt.Errorf("run cancelled on page %d: %w", page, err)
			}

			res, err := d.pipeline.Ingest(ctx, fs, sourceID, tracker.RunID())
			if err != nil {
				// Storage error: the entry's unit of work was rolled back;
				// log it against the run and keep going.
				stats.storageErrs++
				consecutiveStorageErrs++
				if recErr := tracker.RecordError(ctx, err.Error()); recErr != nil {
					d.log.ErrorObj("entry error not recorded", "error", recErr)
				}
				if d.ErrorThreshold > 0 && consecutiveStorageErrs >= d.ErrorThreshold {
					d.recordProgress(ctx, tracker, stats)
					return fmt.Errorf("aborting after %d consecutive storage errors: %w", consecutiveStorageErrs, err)
				}
				continue
			}
			consecutiveStorageErrs = 0

			switch res.Outcome {
			case OutcomeProcessed:
				stats.processed++
			case OutcomeDuplicate:
				stats.duplicates++
			case OutcomeFailed:
				stats.failed++
				if recErr := tracker.RecordError(ctx, res.Reason); recErr != nil {
					d.log.ErrorObj("entry error not recorded", "error", recErr)
				}
			}
		}

		d.recordProgress(ctx, tracker, stats)

		if delay := src.RequestDelay(); delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("run cancelled after page %d: %w", page, ctx.Err())
			case <-timer.C:
			}
		}
	}
}

func (d *Driver) recordProgress(ctx context.Context, tracker *RunTracker, stats *runStats) {
	if err := tracker.RecordProgress(ctx, stats.processed); err != nil && !errors.Is(err, ErrRunFinalized) {
		d.log.ErrorObj("run progress not persisted", "error", err)
	}
}

// ensureDataSource gets or creates the data source record by name.
func (d *Driver) ensureDataSource(ctx context.Context, src sources.Source) (*domain.DataSource, error) {
	existing, err := d.store.FindDataSourceByName(ctx, src.Name)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("look up data source %s: %w", src.Name, err)
	}

	created := &domain.DataSource{
		Name:        src.Name,
		URL:         src.SourceURL,
		Description: src.Description,
		Config:      src.Config,
		IsActive:    src.Active == nil || *src.Active,
	}
	if err := d.store.CreateDataSource(ctx, created); err != nil {
		return nil, fmt.Errorf("create data source %s: %w", src.Name, err)
	}
	return created, nil
}

// runStats aggregates per-run counters persisted into the run's stats map.
type runStats struct {
	pages       int
	processed   int
	duplicates  int
	failed      int
	storageErrs int
}

func (s *runStats) snapshot() map[string]any {
	return map[string]any{
		"pages_fetched":  s.pages,
		"processed":      s.processed,
		"duplicates":     s.duplicates,
		"failed":         s.failed,
		"storage_errors": s.storageErrs,
	}
}
