package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/samvad-hq/samvad-listing-ingest/internal/domain"
	"github.com/samvad-hq/samvad-listing-ingest/internal/logger"
	"github.com/samvad-hq/samvad-listing-ingest/internal/storage"
	"github.com/samvad-hq/samvad-listing-ingest/pkg/extract"
	"github.com/samvad-hq/samvad-listing-ingest/pkg/sources"
)

const emptyListingHTML = `<html><body><div class="results"></div></body></html>`

// listingHTML builds a listing page with one entry card per name. An empty
// name renders a card with no name link.
func listingHTML(names ...string) string {
	var b strings.Builder
	b.WriteString("<html><body>")
	for _, name := range names {
		b.WriteString(`<div class="hit">`)
		if name != "" {
			fmt.Fprintf(&b, `<h2><a class="hitlnk_name" href="/praxis/%s">%s</a></h2>`, strings.ReplaceAll(name, " ", "-"), name)
		}
		b.WriteString(`<address>Musterstraße 12<br>12345 Musterstadt</address>`)
		b.WriteString(`<div class="phoneblock"><span>0123 456789</span></div>`)
		b.WriteString(`</div>`)
	}
	b.WriteString("</body></html>")
	return b.String()
}

// fakeFetcher serves canned pages by number. Pages beyond the map are served
// empty so crawls terminate.
type fakeFetcher struct {
	pages    map[int]string
	errOn    int
	cancelOn int
	cancel   context.CancelFunc
	fetched  []int
}

func (f *fakeFetcher) Type() string { return "fake" }

func (f *fakeFetcher) FetchPage(_ context.Context, src sources.Source, page int) (*extract.Page, error) {
	f.fetched = append(f.fetched, page)
	if f.errOn != 0 && page == f.errOn {
		return nil, &sources.FetchError{Page: page, Cause: errors.New("connection reset")}
	}
	if f.cancelOn != 0 && page == f.cancelOn && f.cancel != nil {
		f.cancel()
	}
	html, ok := f.pages[page]
	if !ok {
		html = emptyListingHTML
	}
	return extract.ParsePage([]byte(html), src.PageURL(page), page)
}

type fakeFetcherRegistry struct {
	fetcher sources.PageFetcher
}

func (r *fakeFetcherRegistry) FetcherFor(sources.Source) (sources.PageFetcher, error) {
	return r.fetcher, nil
}

func testSource() sources.Source {
	return sources.Source{
		Name:            "vet-directory",
		Type:            "paged_html",
		SourceURL:       "https://dir.example.test/Tierarzt.html",
		PageURLTemplate: "https://dir.example.test/Tierarzt-Seite-{page}.html",
		RequestDelayMs:  1,
	}
}

func newTestDriver(t *testing.T, fetcher *fakeFetcher) (*Driver, *fakeFetcher) {
	t.Helper()
	store := openIngestStore(t)
	pipeline := NewPipeline(store, nil, &logger.NopLogger{})
	d := NewDriver(store, &fakeFetcherRegistry{fetcher: fetcher}, pipeline, &logger.NopLogger{})
	return d, fetcher
}

func TestDriverStopsAtEmptyPage(t *testing.T) {
	d, fetcher := newTestDriver(t, &fakeFetcher{
		pages: map[int]string{
			1: listingHTML("Dr. Eins", "Dr. Zwei"),
			2: listingHTML("Dr. Drei"),
			3: emptyListingHTML,
		},
	})

	run, err := d.Run(context.Background(), testSource())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if run.Status != domain.RunStatusCompleted {
		t.Fatalf("status = %q, want completed", run.Status)
	}
	if run.EndTime == nil {
		t.Errorf("completed run has no end time")
	}
	if run.ItemsProcessed != 3 {
		t.Errorf("items processed = %d, want 3", run.ItemsProcessed)
	}

	want := []int{1, 2, 3}
	if len(fetcher.fetched) != len(want) {
		t.Fatalf("fetched pages %v, want %v", fetcher.fetched, want)
	}
	for i, p := range want {
		if fetcher.fetched[i] != p {
			t.Fatalf("fetched pages %v, want %v", fetcher.fetched, want)
		}
	}

	if got := run.Stats["processed"]; got != 3 {
		t.Errorf("stats processed = %v", got)
	}
	if got := run.Stats["pages_fetched"]; got != 3 {
		t.Errorf("stats pages_fetched = %v", got)
	}
}

func TestDriverCountsDuplicatesAndFailures(t *testing.T) {
	// Page 1 repeats an identical card and includes one nameless card, so of
	// four extracted entries two are processed, one is a duplicate and one
	// fails transformation.
	d, _ := newTestDriver(t, &fakeFetcher{
		pages: map[int]string{
			1: listingHTML("Dr. Eins", "Dr. Eins", "Dr. Zwei", ""),
		},
	})

	run, err := d.Run(context.Background(), testSource())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if run.Status != domain.RunStatusCompleted {
		t.Fatalf("status = %q, want completed", run.Status)
	}
	if run.ItemsProcessed != 2 {
		t.Errorf("items processed = %d, want extracted minus duplicates minus failures", run.ItemsProcessed)
	}
	if got := run.Stats["duplicates"]; got != 1 {
		t.Errorf("stats duplicates = %v", got)
	}
	if got := run.Stats["failed"]; got != 1 {
		t.Errorf("stats failed = %v", got)
	}
	if len(run.Errors) != 1 {
		t.Errorf("run errors = %d, want the transform failure", len(run.Errors))
	}
}

func TestDriverAbortsOnFetchError(t *testing.T) {
	d, fetcher := newTestDriver(t, &fakeFetcher{
		pages: map[int]string{
			1: listingHTML("Dr. Eins"),
			2: listingHTML("Dr. Zwei"),
		},
		errOn: 3,
	})

	run, err := d.Run(context.Background(), testSource())
	if err == nil {
		t.Fatalf("fetch error did not surface")
	}
	var fetchErr *sources.FetchError
	if !errors.As(err, &fetchErr) || fetchErr.Page != 3 {
		t.Errorf("error = %v", err)
	}

	if run.Status != domain.RunStatusAborted {
		t.Fatalf("status = %q, want aborted", run.Status)
	}
	if run.EndTime == nil {
		t.Errorf("aborted run has no end time")
	}
	if run.ItemsProcessed != 2 {
		t.Errorf("items processed = %d, want the two pages before the failure", run.ItemsProcessed)
	}
	if len(run.Errors) == 0 {
		t.Errorf("abort cause not recorded in run error log")
	}

	for _, p := range fetcher.fetched {
		if p > 3 {
			t.Errorf("page %d fetched after the fatal error", p)
		}
	}
}

func TestDriverAbortsOnCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fetcher := &fakeFetcher{
		pages: map[int]string{
			1: listingHTML("Dr. Eins", "Dr. Zwei"),
			2: listingHTML("Dr. Drei"),
		},
		cancelOn: 2,
		cancel:   cancel,
	}
	d, _ := newTestDriver(t, fetcher)

	run, err := d.Run(ctx, testSource())
	if err == nil {
		t.Fatalf("cancellation did not surface")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
	if run.Status != domain.RunStatusAborted {
		t.Fatalf("status = %q, want aborted", run.Status)
	}
	if run.EndTime == nil {
		t.Errorf("aborted run has no end time")
	}
	if run.ItemsProcessed != 2 {
		t.Errorf("items processed = %d, want progress up to cancellation", run.ItemsProcessed)
	}
}

func TestDriverReusesDataSource(t *testing.T) {
	store := openIngestStore(t)
	pipeline := NewPipeline(store, nil, &logger.NopLogger{})
	src := testSource()

	first := &fakeFetcher{pages: map[int]string{1: listingHTML("Dr. Eins")}}
	d := NewDriver(store, &fakeFetcherRegistry{fetcher: first}, pipeline, &logger.NopLogger{})
	runA, err := d.Run(context.Background(), src)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}

	second := &fakeFetcher{pages: map[int]string{1: listingHTML("Dr. Eins")}}
	d = NewDriver(store, &fakeFetcherRegistry{fetcher: second}, pipeline, &logger.NopLogger{})
	runB, err := d.Run(context.Background(), src)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}

	if runA.SourceID != runB.SourceID {
		t.Errorf("runs created separate data sources: %q vs %q", runA.SourceID, runB.SourceID)
	}
	if runB.ItemsProcessed != 0 {
		t.Errorf("re-crawl of identical content processed %d items", runB.ItemsProcessed)
	}
	if got := runB.Stats["duplicates"]; got != 1 {
		t.Errorf("second run duplicates = %v", got)
	}

	counts, err := store.Counts(context.Background())
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if counts.CleanedRecords != 1 {
		t.Errorf("cleaned records = %d, want 1 across both runs", counts.CleanedRecords)
	}
	if counts.Runs != 2 {
		t.Errorf("runs = %d, want 2", counts.Runs)
	}
}

func TestDriverErrorThreshold(t *testing.T) {
	store := openIngestStore(t)
	fetcher := &fakeFetcher{pages: map[int]string{
		1: listingHTML("Dr. Eins", "Dr. Zwei", "Dr. Drei", "Dr. Vier"),
	}}

	// The run bookkeeping goes to the real store; only the pipeline's
	// entry-level writes fail.
	brokenPipeline := NewPipeline(&failingStore{lookup: store}, nil, &logger.NopLogger{})
	d := NewDriver(store, &fakeFetcherRegistry{fetcher: fetcher}, brokenPipeline, &logger.NopLogger{})
	d.ErrorThreshold = 2

	run, err := d.Run(context.Background(), testSource())
	if err == nil || !strings.Contains(err.Error(), "consecutive storage errors") {
		t.Fatalf("error = %v, want threshold abort", err)
	}
	if run.Status != domain.RunStatusAborted {
		t.Fatalf("status = %q, want aborted", run.Status)
	}
	if got := run.Stats["storage_errors"]; got != 2 {
		t.Errorf("stats storage_errors = %v, want threshold count", got)
	}
}

// failingStore wraps a working store but rejects every raw-record write.
type failingStore struct {
	lookup storage.Store
}

func (f *failingStore) Close() error { return nil }

func (f *failingStore) FindDataSourceByName(context.Context, string) (*domain.DataSource, error) {
	return nil, errors.New("not used")
}

func (f *failingStore) CreateDataSource(context.Context, *domain.DataSource) error {
	return errors.New("not used")
}

func (f *failingStore) CreateRun(context.Context, *domain.ScrapingRun) error { return nil }

func (f *failingStore) UpdateRun(context.Context, *domain.ScrapingRun) error { return nil }

func (f *failingStore) GetRun(context.Context, string) (*domain.ScrapingRun, error) {
	return nil, errors.New("not used")
}

func (f *failingStore) ListRuns(context.Context, string, int) ([]domain.ScrapingRun, error) {
	return nil, nil
}

func (f *failingStore) FindRawRecordByFingerprint(ctx context.Context, fingerprint string) (*domain.RawRecord, error) {
	return f.lookup.FindRawRecordByFingerprint(ctx, fingerprint)
}

func (f *failingStore) CreateRawRecord(context.Context, *domain.RawRecord) error {
	return errors.New("disk full")
}

func (f *failingStore) CommitCleanedRecord(context.Context, string, *domain.CleanedRecord) error {
	return errors.New("disk full")
}

func (f *failingStore) MarkRawRecordFailed(context.Context, string, *domain.RawRecord) error {
	return errors.New("disk full")
}

func (f *failingStore) ListFailedRawRecords(context.Context, string, int) ([]domain.RawRecord, error) {
	return nil, nil
}

func (f *failingStore) Counts(context.Context) (storage.Counts, error) {
	return storage.Counts{}, nil
}
