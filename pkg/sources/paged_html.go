package sources

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/samvad-hq/samvad-listing-ingest/pkg/extract"
)

const TypePagedHTML = "paged_html"

// pagedHTMLFetcher fetches numbered listing pages built from a URL template.
type pagedHTMLFetcher struct {
	client HTTPClient
}

// NewPagedHTMLFetcher builds a fetcher for template-paginated HTML directories.
func NewPagedHTMLFetcher(client HTTPClient) PageFetcher {
	if client == nil {
		client = DefaultHTTPClient()
	}
	return &pagedHTMLFetcher{client: client}
}

func (f *pagedHTMLFetcher) Type() string { return TypePagedHTML }

func (f *pagedHTMLFetcher) FetchPage(ctx context.Context, src Source, page int) (*extract.Page, error) {
	if page < 1 {
		return nil, &FetchError{Page: page, Cause: fmt.Errorf("page number must be >= 1")}
	}

	url := src.PageURL(page)
	resp, err := f.client.Get(ctx, url, src.Headers)
	if err != nil {
		return nil, &FetchError{Page: page, Cause: err}
	}

	body := resp.Body()
	if resp.StatusCode() != http.StatusOK {
		return nil, &FetchError{
			Page:  page,
			Cause: fmt.Errorf("status %d body: %s", resp.StatusCode(), responseSnippet(body)),
		}
	}

	parsed, err := extract.ParsePage(body, url, page)
	if err != nil {
		return nil, &FetchError{Page: page, Cause: err}
	}
	return parsed, nil
}

func responseSnippet(body []byte) string {
	const maxLen = 512
	s := strings.TrimSpace(string(body))
	if len(s) > maxLen {
		return s[:maxLen] + "..."
	}
	if s == "" {
		return "<empty>"
	}
	return s
}
