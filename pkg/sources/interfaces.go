package sources

import (
	"context"
	"fmt"

	"github.com/samvad-hq/samvad-listing-ingest/pkg/extract"
	"github.com/samvad-hq/samvad-listing-ingest/pkg/httpclient"
)

// PageFetcher retrieves and parses one listing page for a source. Any error
// it returns is terminal for the run; retries happen inside the fetcher.
type PageFetcher interface {
	Type() string
	FetchPage(ctx context.Context, src Source, page int) (*extract.Page, error)
}

// FetcherRegistry resolves the fetcher implementation for a given source config.
type FetcherRegistry interface {
	FetcherFor(src Source) (PageFetcher, error)
}

// HTTPClient aliases the shared httpclient.Client interface for clarity within sources.
type HTTPClient = httpclient.Client

// FetchError is a terminal page-fetch failure with the page it happened on.
type FetchError struct {
	Page  int
	Cause error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch page %d: %v", e.Page, e.Cause)
}

func (e *FetchError) Unwrap() error { return e.Cause }
