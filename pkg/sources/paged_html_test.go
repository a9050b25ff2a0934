package sources

import (
	"context"
	"errors"
	"testing"

	"github.com/samvad-hq/samvad-listing-ingest/pkg/httpclient"
)

type fakeResponse struct {
	body   []byte
	status int
}

func (f *fakeResponse) Body() []byte    { return f.body }
func (f *fakeResponse) StatusCode() int { return f.status }

type fakeHTTPClient struct {
	urls   []string
	body   []byte
	status int
	err    error
}

func (f *fakeHTTPClient) Get(_ context.Context, url string, _ map[string]string) (httpclient.Response, error) {
	f.urls = append(f.urls, url)
	if f.err != nil {
		return nil, f.err
	}
	return &fakeResponse{body: f.body, status: f.status}, nil
}

func testSource() Source {
	return Source{
		Name:            "vet-directory",
		Type:            TypePagedHTML,
		SourceURL:       "https://example.test/Themen/Tierarzt.html",
		PageURLTemplate: "https://example.test/Themen/Tierarzt-Seite-{page}.html",
	}
}

func TestPagedHTMLFetcherFetchesTemplateURL(t *testing.T) {
	client := &fakeHTTPClient{
		body:   []byte(`<html><body><div class="hit"><h2><a class="hitlnk_name" href="/x">X</a></h2></div></body></html>`),
		status: 200,
	}
	f := NewPagedHTMLFetcher(client)

	page, err := f.FetchPage(context.Background(), testSource(), 2)
	if err != nil {
		t.Fatalf("FetchPage: %v", err)
	}
	if page.Number != 2 {
		t.Errorf("page number = %d", page.Number)
	}
	if len(client.urls) != 1 || client.urls[0] != "https://example.test/Themen/Tierarzt-Seite-2.html" {
		t.Errorf("requested urls = %v", client.urls)
	}

	entries, err := page.Entries()
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "X" {
		t.Errorf("entries = %#v", entries)
	}
}

func TestPagedHTMLFetcherWrapsTransportError(t *testing.T) {
	client := &fakeHTTPClient{err: errors.New("connection refused")}
	f := NewPagedHTMLFetcher(client)

	_, err := f.FetchPage(context.Background(), testSource(), 1)
	if err == nil {
		t.Fatalf("expected error")
	}
	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("expected FetchError, got %T", err)
	}
	if fe.Page != 1 {
		t.Errorf("FetchError.Page = %d", fe.Page)
	}
}

func TestPagedHTMLFetcherRejectsNonOKStatus(t *testing.T) {
	client := &fakeHTTPClient{body: []byte("gone"), status: 410}
	f := NewPagedHTMLFetcher(client)

	_, err := f.FetchPage(context.Background(), testSource(), 3)
	if err == nil {
		t.Fatalf("expected error for status 410")
	}
	var fe *FetchError
	if !errors.As(err, &fe) || fe.Page != 3 {
		t.Fatalf("expected FetchError for page 3, got %v", err)
	}
}
