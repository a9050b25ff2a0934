package sources

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sourcesYAML = `
sources:
  - name: vet-directory
    type: paged_html
    description: German veterinary directory
    source_url: https://example.test/Themen/Tierarzt.html
    page_url_template: https://example.test/Themen/Tierarzt-Seite-{page}.html
    request_delay_ms: 250
  - name: dormant
    type: paged_html
    source_url: https://example.test/other.html
    page_url_template: https://example.test/other-{page}.html
    active: false
`

func writeTempFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}

func TestLoadRegistry(t *testing.T) {
	reg, err := LoadRegistry(writeTempFile(t, "sources.yaml", sourcesYAML))
	if err != nil {
		t.Fatalf("LoadRegistry: %v", err)
	}

	if got := len(reg.All()); got != 2 {
		t.Fatalf("expected 2 sources, got %d", got)
	}
	if got := len(reg.Active()); got != 1 {
		t.Fatalf("expected 1 active source, got %d", got)
	}

	src, ok := reg.ByName("vet-directory")
	if !ok {
		t.Fatalf("vet-directory not found")
	}
	if src.RequestDelay() != 250*time.Millisecond {
		t.Errorf("RequestDelay = %v", src.RequestDelay())
	}
}

func TestLoadRegistryRejectsBadTemplate(t *testing.T) {
	bad := `
sources:
  - name: broken
    type: paged_html
    source_url: https://example.test/x.html
    page_url_template: https://example.test/x-2.html
`
	if _, err := LoadRegistry(writeTempFile(t, "sources.yaml", bad)); err == nil {
		t.Fatalf("expected error for template without {page} placeholder")
	}
}

func TestLoadRegistryRejectsDuplicateNames(t *testing.T) {
	dup := `
sources:
  - name: twin
    type: paged_html
    source_url: https://example.test/a.html
    page_url_template: https://example.test/a-{page}.html
  - name: twin
    type: paged_html
    source_url: https://example.test/b.html
    page_url_template: https://example.test/b-{page}.html
`
	if _, err := LoadRegistry(writeTempFile(t, "sources.yaml", dup)); err == nil {
		t.Fatalf("expected duplicate name error")
	}
}

func TestPageURL(t *testing.T) {
	src := Source{
		SourceURL:       "https://example.test/Themen/Tierarzt.html",
		PageURLTemplate: "https://example.test/Themen/Tierarzt-Seite-{page}.html",
	}
	if got := src.PageURL(1); got != src.SourceURL {
		t.Errorf("page 1 should use source_url, got %s", got)
	}
	if got := src.PageURL(4); got != "https://example.test/Themen/Tierarzt-Seite-4.html" {
		t.Errorf("PageURL(4) = %s", got)
	}
}

func TestFetcherRegistryResolvesByType(t *testing.T) {
	reg := DefaultFetcherRegistry(nil)

	f, err := reg.FetcherFor(Source{Name: "s", Type: "Paged_HTML"})
	if err != nil {
		t.Fatalf("FetcherFor: %v", err)
	}
	if f.Type() != TypePagedHTML {
		t.Fatalf("unexpected fetcher type %q", f.Type())
	}

	if _, err := reg.FetcherFor(Source{Name: "s", Type: "rss"}); err == nil {
		t.Fatalf("expected error for unregistered type")
	}
}
