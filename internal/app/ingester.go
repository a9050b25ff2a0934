package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/samvad-hq/samvad-listing-ingest/internal/config"
	"github.com/samvad-hq/samvad-listing-ingest/internal/domain"
	"github.com/samvad-hq/samvad-listing-ingest/internal/ingest"
	"github.com/samvad-hq/samvad-listing-ingest/internal/logger"
	"github.com/samvad-hq/samvad-listing-ingest/internal/storage"
	"github.com/samvad-hq/samvad-listing-ingest/pkg/httpclient"
	"github.com/samvad-hq/samvad-listing-ingest/pkg/publishers"
	"github.com/samvad-hq/samvad-listing-ingest/pkg/sources"
)

// Ingester represents the listing-ingest runtime. It owns the source and
// publisher registries, storage, and the pagination driver, and runs one
// ingestion run per active source.
type Ingester struct {
	cfg       *config.Config
	sourceReg *sources.Registry
	fanout    *publishers.Fanout
	driver    *ingest.Driver
	log       logger.Logger
	store     storage.Store
}

// NewIngester builds an ingester runtime from config files.
func NewIngester(ctx context.Context, cfg *config.Config, log logger.Logger) (*Ingester, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if log == nil {
		log = &logger.NopLogger{}
	}
	if ctx == nil {
		ctx = context.Background()
	}

	sourceReg, err := sources.LoadRegistry(cfg.SourcesFile)
	if err != nil {
		return nil, fmt.Errorf("load sources registry: %w", err)
	}
	activeSources := sourceReg.Active()
	sourceNames := make([]string, 0, len(activeSources))
	for _, s := range activeSources {
		sourceNames = append(sourceNames, s.Name)
	}
	log.InfoObj("sources registry loaded", "sources_meta", map[string]any{
		"active": len(sourceNames),
		"names":  sourceNames,
	})

	fanout, err := buildFanout(ctx, cfg.PublishersFile, log)
	if err != nil {
		return nil, err
	}

	store, err := storage.NewStore(cfg.StorageType, cfg.StoragePath, storage.Options{})
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}
	log.InfoObj("storage initialized", "storage_config", map[string]any{
		"type": cfg.StorageType,
		"path": cfg.StoragePath,
	})

	client := httpclient.NewRestyClient(httpclient.Options{
		Timeout:    cfg.FetchTimeout,
		RetryCount: cfg.FetchRetries,
		UserAgent:  cfg.UserAgent,
	})
	fetchers := sources.DefaultFetcherRegistry(client)

	var sink ingest.EventSink
	if fanout != nil && fanout.Size() > 0 {
		sink = fanout
	}
	pipeline := ingest.NewPipeline(store, sink, log)
	driver := ingest.NewDriver(store, fetchers, pipeline, log)
	driver.ErrorThreshold = cfg.ErrorThreshold

	return &Ingester{
		cfg:       cfg,
		sourceReg: sourceReg,
		fanout:    fanout,
		driver:    driver,
		log:       log,
		store:     store,
	}, nil
}

// buildFanout loads the publishers file and instantiates the enabled
// publishers. No publishers file or no enabled entries means events stay
// local, not an error.
func buildFanout(ctx context.Context, path string, log logger.Logger) (*publishers.Fanout, error) {
	if path == "" {
		return nil, nil
	}
	publisherReg, err := publishers.LoadRegistry(path)
	if err != nil {
		return nil, fmt.Errorf("load publishers registry: %w", err)
	}

	enabled := publisherReg.Enabled()
	if len(enabled) == 0 {
		log.WarnObj("no publishers enabled; cleaned-record events stay local", "publishers_file", path)
		return nil, nil
	}

	pubClients, err := publishers.BuildAll(ctx, publishers.DefaultRegistry(), enabled, log)
	if err != nil {
		return nil, fmt.Errorf("build publishers: %w", err)
	}

	summaries := make([]map[string]string, 0, len(enabled))
	for _, pubCfg := range enabled {
		summaries = append(summaries, map[string]string{
			"id":   pubCfg.ID,
			"type": pubCfg.Type,
		})
	}
	log.InfoObj("publishers registry loaded", "publishers_meta", map[string]any{
		"count":      len(summaries),
		"publishers": summaries,
	})
	return publishers.NewFanout(pubClients), nil
}

// Run executes one ingestion run per active source, sequentially, and
// returns the first fatal error after all sources had their turn.
func (i *Ingester) Run(ctx context.Context) error {
	if i == nil || i.driver == nil {
		return fmt.Errorf("ingester is not initialized")
	}
	defer i.closeStore()

	activeSources := i.sourceReg.Active()
	if len(activeSources) == 0 {
		i.log.WarnObj("no active sources configured", "sources_file", i.cfg.SourcesFile)
		return nil
	}

	start := time.Now()
	i.log.InfoObj("ingestion starting", "ingester_state", map[string]any{
		"sources_count": len(activeSources),
	})

	var runErrs []error
	runs := make([]domain.ScrapingRun, 0, len(activeSources))
	for _, src := range activeSources {
		run, err := i.driver.Run(ctx, src)
		runs = append(runs, run)
		if err != nil {
			runErrs = append(runErrs, fmt.Errorf("source %s: %w", src.Name, err))
		}
		if ctx.Err() != nil {
			break
		}
	}

	i.log.InfoObj("ingestion finished", "ingester_result", map[string]any{
		"sources_count": len(activeSources),
		"runs":          len(runs),
		"failed_runs":   len(runErrs),
		"elapsed_ms":    time.Since(start).Milliseconds(),
	})
	return errors.Join(runErrs...)
}

// closeStore safely closes the storage backend, logging any errors encountered.
func (i *Ingester) closeStore() {
	if i == nil || i.store == nil {
		return
	}
	if err := i.store.Close(); err != nil {
		i.log.ErrorObj("storage close failed", "error", err)
	}
}
