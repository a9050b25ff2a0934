package sources

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/samvad-hq/samvad-listing-ingest/pkg/httpclient"
)

// fetcherRegistry implements FetcherRegistry keyed by source type.
type fetcherRegistry struct {
	fetchersByType map[string]PageFetcher
	mu             sync.RWMutex
}

// NewFetcherRegistry builds a registry for the provided fetcher implementations
// keyed by their Type().
func NewFetcherRegistry(fetchers ...PageFetcher) FetcherRegistry {
	reg := &fetcherRegistry{
		fetchersByType: make(map[string]PageFetcher),
	}
	for _, f := range fetchers {
		reg.register(f)
	}
	return reg
}

func (r *fetcherRegistry) register(f PageFetcher) {
	if f == nil {
		return
	}
	key := strings.ToLower(strings.TrimSpace(f.Type()))
	if key == "" {
		return
	}

	r.mu.Lock()
	r.fetchersByType[key] = f
	r.mu.Unlock()
}

// FetcherFor selects the fetcher for the given source based on its type.
func (r *fetcherRegistry) FetcherFor(src Source) (PageFetcher, error) {
	if r == nil {
		return nil, fmt.Errorf("fetcher registry is nil")
	}
	typeKey := strings.ToLower(strings.TrimSpace(src.Type))
	if typeKey == "" {
		return nil, fmt.Errorf("source %q has no type", src.Name)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if f, ok := r.fetchersByType[typeKey]; ok {
		return f, nil
	}
	return nil, fmt.Errorf("no fetcher registered for source %q (type %q)", src.Name, src.Type)
}

// DefaultHTTPClient returns a tuned http.Client for page fetchers.
func DefaultHTTPClient() HTTPClient {
	return httpclient.NewRestyClient(httpclient.Options{Timeout: 60 * time.Second, RetryCount: 5})
}

// DefaultFetcherRegistry wires up known page fetchers.
func DefaultFetcherRegistry(client HTTPClient) FetcherRegistry {
	if client == nil {
		client = DefaultHTTPClient()
	}
	return NewFetcherRegistry(NewPagedHTMLFetcher(client))
}
