package ingest

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/samvad-hq/samvad-listing-ingest/internal/domain"
	"github.com/samvad-hq/samvad-listing-ingest/internal/logger"
	"github.com/samvad-hq/samvad-listing-ingest/internal/storage"
	"github.com/samvad-hq/samvad-listing-ingest/pkg/publishers"
)

func openIngestStore(t *testing.T) storage.Store {
	t.Helper()
	store, err := storage.NewStore("sqlite", filepath.Join(t.TempDir(), "ingest.db"), storage.Options{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func seedRun(t *testing.T, store storage.Store) (sourceID, runID string) {
	t.Helper()
	ctx := context.Background()

	src := &domain.DataSource{Name: "vet-directory", URL: "https://dir.example.test", IsActive: true}
	if err := store.CreateDataSource(ctx, src); err != nil {
		t.Fatalf("create data source: %v", err)
	}
	tracker, err := StartRun(ctx, store, src.ID, nil)
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	return src.ID, tracker.RunID()
}

func sampleFieldSet(name string) domain.RawFieldSet {
	return domain.RawFieldSet{
		Name:       name,
		Category:   "Tierarzt",
		Street:     "Musterstraße 12",
		City:       "12345 Musterstadt",
		Phone:      "0123 456789",
		URL:        "https://dir.example.test/entry/" + name,
		PageNumber: 1,
		HTML:       `<div class="hit">` + name + `</div>`,
	}
}

type capturingSink struct {
	events []publishers.Event
	err    error
}

func (s *capturingSink) Publish(_ context.Context, evt publishers.Event) (int, error) {
	s.events = append(s.events, evt)
	return 1, s.err
}

func TestIngestProcessesNewEntry(t *testing.T) {
	ctx := context.Background()
	store := openIngestStore(t)
	sourceID, runID := seedRun(t, store)

	sink := &capturingSink{}
	p := NewPipeline(store, sink, &logger.NopLogger{})

	fs := sampleFieldSet("Dr. Anna Beispiel")
	res, err := p.Ingest(ctx, fs, sourceID, runID)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if res.Outcome != OutcomeProcessed {
		t.Fatalf("outcome = %q, want processed", res.Outcome)
	}

	fingerprint, err := fs.Fingerprint()
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	raw, err := store.FindRawRecordByFingerprint(ctx, fingerprint)
	if err != nil {
		t.Fatalf("find raw record: %v", err)
	}
	if raw.ProcessingStatus != domain.ProcessingProcessed {
		t.Errorf("raw status = %q, want processed", raw.ProcessingStatus)
	}

	counts, err := store.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if counts.RawRecords != 1 || counts.CleanedRecords != 1 {
		t.Errorf("counts = %+v, want 1 raw / 1 cleaned", counts)
	}

	if len(sink.events) != 1 {
		t.Fatalf("published %d events, want 1", len(sink.events))
	}
	evt := sink.events[0]
	if evt.Type != publishers.EventTypeRecordCleaned {
		t.Errorf("event type = %q", evt.Type)
	}
	if evt.RunID != runID || evt.SourceID != sourceID {
		t.Errorf("event run/source = %q/%q", evt.RunID, evt.SourceID)
	}
	if evt.Record.Name != fs.Name {
		t.Errorf("event record name = %q", evt.Record.Name)
	}
}

func TestIngestSkipsDuplicateContent(t *testing.T) {
	ctx := context.Background()
	store := openIngestStore(t)
	sourceID, runID := seedRun(t, store)
	p := NewPipeline(store, nil, &logger.NopLogger{})

	fs := sampleFieldSet("Dr. Anna Beispiel")
	if _, err := p.Ingest(ctx, fs, sourceID, runID); err != nil {
		t.Fatalf("first ingest: %v", err)
	}

	// Same content fetched from a different URL still deduplicates.
	again := fs
	again.URL = "https://mirror.example.test/entry/anna"
	res, err := p.Ingest(ctx, again, sourceID, runID)
	if err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	if res.Outcome != OutcomeDuplicate {
		t.Fatalf("outcome = %q, want duplicate", res.Outcome)
	}

	counts, err := store.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if counts.RawRecords != 1 || counts.CleanedRecords != 1 {
		t.Errorf("duplicate wrote records: %+v", counts)
	}
}

func TestIngestMarksTransformFailure(t *testing.T) {
	ctx := context.Background()
	store := openIngestStore(t)
	sourceID, runID := seedRun(t, store)
	p := NewPipeline(store, nil, &logger.NopLogger{})

	fs := sampleFieldSet("")
	res, err := p.Ingest(ctx, fs, sourceID, runID)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if res.Outcome != OutcomeFailed {
		t.Fatalf("outcome = %q, want failed", res.Outcome)
	}
	if !strings.Contains(res.Reason, "no name") {
		t.Errorf("reason = %q", res.Reason)
	}

	failed, err := store.ListFailedRawRecords(ctx, runID, 10)
	if err != nil {
		t.Fatalf("list failed records: %v", err)
	}
	if len(failed) != 2 {
		t.Fatalf("failed records = %d, want original plus error marker", len(failed))
	}

	var markerSeen bool
	for _, rec := range failed {
		if rec.Content.Error != "" {
			markerSeen = true
			if !strings.Contains(rec.Content.Error, "no name") {
				t.Errorf("marker error = %q", rec.Content.Error)
			}
		}
	}
	if !markerSeen {
		t.Errorf("no error-marker record among failed records")
	}

	counts, err := store.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if counts.CleanedRecords != 0 {
		t.Errorf("failed entry produced cleaned record")
	}
}

func TestIngestFailureIsolation(t *testing.T) {
	ctx := context.Background()
	store := openIngestStore(t)
	sourceID, runID := seedRun(t, store)
	p := NewPipeline(store, nil, &logger.NopLogger{})

	if _, err := p.Ingest(ctx, sampleFieldSet("Dr. Erste"), sourceID, runID); err != nil {
		t.Fatalf("ingest first: %v", err)
	}
	if res, err := p.Ingest(ctx, sampleFieldSet(""), sourceID, runID); err != nil || res.Outcome != OutcomeFailed {
		t.Fatalf("ingest broken entry: res=%+v err=%v", res, err)
	}
	if res, err := p.Ingest(ctx, sampleFieldSet("Dr. Dritte"), sourceID, runID); err != nil || res.Outcome != OutcomeProcessed {
		t.Fatalf("ingest after failure: res=%+v err=%v", res, err)
	}

	counts, err := store.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if counts.CleanedRecords != 2 {
		t.Errorf("cleaned records = %d, want 2", counts.CleanedRecords)
	}
}

func TestIngestSinkFailureDoesNotFailEntry(t *testing.T) {
	ctx := context.Background()
	store := openIngestStore(t)
	sourceID, runID := seedRun(t, store)

	sink := &capturingSink{err: errors.New("broker unavailable")}
	p := NewPipeline(store, sink, &logger.NopLogger{})

	res, err := p.Ingest(ctx, sampleFieldSet("Dr. Anna Beispiel"), sourceID, runID)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if res.Outcome != OutcomeProcessed {
		t.Fatalf("outcome = %q, want processed", res.Outcome)
	}
}

func TestCleanEntryValidation(t *testing.T) {
	full := sampleFieldSet("Dr. Anna Beispiel")
	rec, err := cleanEntry(full, "raw-1", "src-1")
	if err != nil {
		t.Fatalf("cleanEntry: %v", err)
	}
	if rec.ValidationStatus != domain.ValidationValid {
		t.Errorf("status = %q, want valid", rec.ValidationStatus)
	}
	if rec.Address.Street != full.Street || rec.Contact.Phone != full.Phone {
		t.Errorf("cleaned fields not mapped: %+v", rec)
	}
	if rec.Extra["page_number"] != full.PageNumber {
		t.Errorf("extra page_number = %v", rec.Extra["page_number"])
	}

	bare := domain.RawFieldSet{Name: "Nur Name"}
	rec, err = cleanEntry(bare, "raw-2", "src-1")
	if err != nil {
		t.Fatalf("cleanEntry bare: %v", err)
	}
	if rec.ValidationStatus != domain.ValidationPartial {
		t.Errorf("status = %q, want partial", rec.ValidationStatus)
	}
	if len(rec.ValidationErrors) == 0 {
		t.Errorf("partial record has no validation errors")
	}

	if _, err := cleanEntry(domain.RawFieldSet{Street: "Weg 1"}, "raw-3", "src-1"); err == nil {
		t.Errorf("nameless entry did not fail")
	}
}
