package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/samvad-hq/samvad-listing-ingest/internal/domain"
	"github.com/samvad-hq/samvad-listing-ingest/internal/logger"
	"github.com/samvad-hq/samvad-listing-ingest/internal/storage"
	"github.com/samvad-hq/samvad-listing-ingest/pkg/publishers"
)

// Outcome classifies what the pipeline did with one entry.
type Outcome string

const (
	// OutcomeProcessed means a new raw record and its cleaned record were persisted.
	OutcomeProcessed Outcome = "processed"
	// OutcomeDuplicate means identical content was already stored; nothing was written.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeFailed means the raw record was persisted but transformation failed;
	// the record is marked failed and an error-marker record was written.
	OutcomeFailed Outcome = "failed"
)

// Result is the typed outcome of ingesting one entry.
type Result struct {
	Outcome Outcome
	Reason  string // set when Outcome is OutcomeFailed
}

// EventSink receives cleaned-record events for downstream consumers.
type EventSink interface {
	Publish(ctx context.Context, evt publishers.Event) (int, error)
}

// Pipeline is the deduplicating ingest pipeline: one entry in, one typed
// outcome out. Entry-level failures never escape as errors; only storage
// failures do, and those leave previously committed records untouched.
type Pipeline struct {
	store storage.Store
	sink  EventSink
	log   logger.Logger
}

// NewPipeline builds a pipeline over the given store. The sink is optional.
func NewPipeline(store storage.Store, sink EventSink, log logger.Logger) *Pipeline {
	if log == nil {
		log = &logger.NopLogger{}
	}
	return &Pipeline{store: store, sink: sink, log: log}
}

// Ingest runs one entry through fingerprint → dedup → raw persist → clean.
// Per call it performs exactly one fingerprint lookup, at most one raw
// insert, at most one error-marker insert, and at most one cleaned insert.
func (p *Pipeline) Ingest(ctx context.Context, fs domain.RawFieldSet, sourceID, runID string) (Result, error) {
	fingerprint, err := fs.Fingerprint()
	if err != nil {
		return Result{}, fmt.Errorf("fingerprint entry: %w", err)
	}

	existing, err := p.store.FindRawRecordByFingerprint(ctx, fingerprint)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return Result{}, fmt.Errorf("fingerprint lookup: %w", err)
	}
	if existing != nil {
		// Re-crawling already-seen content is a near-no-op: no write, no
		// error, no counter movement.
		p.log.DebugObj("duplicate content skipped", "dedup", map[string]any{
			"fingerprint": fingerprint,
			"url":         fs.URL,
		})
		return Result{Outcome: OutcomeDuplicate}, nil
	}

	raw := &domain.RawRecord{
		SourceID:         sourceID,
		RunID:            runID,
		URL:              fs.URL,
		Content:          fs,
		Fingerprint:      fingerprint,
		ProcessingStatus: domain.ProcessingPending,
	}
	if err := p.store.CreateRawRecord(ctx, raw); err != nil {
		return Result{}, fmt.Errorf("persist raw record: %w", err)
	}

	cleaned, cleanErr := cleanEntry(fs, raw.ID, sourceID)
	if cleanErr != nil {
		// The pending record stays as audit trail; a second failed record
		// captures the error text and keeps the failure separately queryable.
		marker := &domain.RawRecord{
			SourceID: sourceID,
			RunID:    runID,
			URL:      fs.URL,
			Content:  domain.ErrorMarker(cleanErr.Error()),
		}
		if err := p.store.MarkRawRecordFailed(ctx, raw.ID, marker); err != nil {
			return Result{}, fmt.Errorf("mark raw record failed: %w", err)
		}
		return Result{Outcome: OutcomeFailed, Reason: cleanErr.Error()}, nil
	}

	if err := p.store.CommitCleanedRecord(ctx, raw.ID, cleaned); err != nil {
		return Result{}, fmt.Errorf("commit cleaned record: %w", err)
	}

	p.publish(ctx, sourceID, runID, cleaned)
	return Result{Outcome: OutcomeProcessed}, nil
}

// publish emits the cleaned-record event. Delivery problems are logged and
// never fail the entry.
func (p *Pipeline) publish(ctx context.Context, sourceID, runID string, rec *domain.CleanedRecord) {
	if p.sink == nil {
		return
	}
	if _, err := p.sink.Publish(ctx, publishers.NewEvent(sourceID, runID, *rec)); err != nil {
		p.log.WarnObj("cleaned record event delivery failed", "publish_error", map[string]any{
			"record_id": rec.ID,
			"error":     err.Error(),
		})
	}
}

// cleanEntry maps a raw field set into the cleaned schema. A missing name is
// a transformation error; everything else degrades the validation status
// instead of failing the entry.
func cleanEntry(fs domain.RawFieldSet, rawID, sourceID string) (*domain.CleanedRecord, error) {
	if fs.Name == "" {
		return nil, fmt.Errorf("entry has no name")
	}

	rec := &domain.CleanedRecord{
		RawRecordID: rawID,
		SourceID:    sourceID,
		Name:        fs.Name,
		Category:    fs.Category,
		Address:     domain.Address{Street: fs.Street, City: fs.City},
		Contact:     domain.Contact{Phone: fs.Phone, Hours: fs.OpeningHours},
		Extra: map[string]any{
			"page_number": fs.PageNumber,
			"subtitle":    fs.Subtitle,
			"raw_html":    fs.HTML,
		},
	}
	for k, v := range fs.Extra {
		rec.Extra[k] = v
	}

	if fs.Street == "" && fs.City == "" && fs.Phone == "" {
		rec.ValidationStatus = domain.ValidationPartial
		rec.ValidationErrors = append(rec.ValidationErrors, "no address or phone")
	} else {
		rec.ValidationStatus = domain.ValidationValid
	}
	return rec, nil
}
