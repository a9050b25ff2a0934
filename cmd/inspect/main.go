package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/samvad-hq/samvad-listing-ingest/internal/config"
	"github.com/samvad-hq/samvad-listing-ingest/internal/domain"
	"github.com/samvad-hq/samvad-listing-ingest/internal/storage"
)

// inspect prints a human-readable report of what the ingest store contains:
// record counts, recent runs and failed raw records. It is the quick
// data-verification companion to the ingester binary.

const (
	recentRunsLimit    = 10
	failedRecordsLimit = 20
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "inspect failed: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.NewStore(cfg.StorageType, cfg.StoragePath, storage.Options{})
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	fmt.Printf("store: %s (%s)\n\n", cfg.StoragePath, cfg.StorageType)

	if err := printCounts(ctx, store); err != nil {
		return err
	}
	if err := printRuns(ctx, store); err != nil {
		return err
	}
	return printFailed(ctx, store)
}

func printCounts(ctx context.Context, store storage.Store) error {
	counts, err := store.Counts(ctx)
	if err != nil {
		return fmt.Errorf("read counts: %w", err)
	}
	fmt.Println("== record counts ==")
	fmt.Printf("  raw records:     %d\n", counts.RawRecords)
	fmt.Printf("  cleaned records: %d\n", counts.CleanedRecords)
	fmt.Printf("  runs:            %d\n\n", counts.Runs)
	return nil
}

func printRuns(ctx context.Context, store storage.Store) error {
	runs, err := store.ListRuns(ctx, "", recentRunsLimit)
	if err != nil {
		return fmt.Errorf("list runs: %w", err)
	}

	fmt.Printf("== recent runs (last %d) ==\n", recentRunsLimit)
	if len(runs) == 0 {
		fmt.Println("  none")
		fmt.Println()
		return nil
	}
	for _, run := range runs {
		fmt.Printf("  %s  %s  started %s  items=%d  errors=%d",
			run.ID, run.Status, run.StartTime.Format("2006-01-02 15:04:05"),
			run.ItemsProcessed, len(run.Errors))
		if run.EndTime != nil {
			fmt.Printf("  took %s", run.EndTime.Sub(run.StartTime).Round(time.Second))
		}
		fmt.Println()
		for key, val := range run.Stats {
			fmt.Printf("      %s=%v\n", key, val)
		}
	}
	fmt.Println()
	return nil
}

func printFailed(ctx context.Context, store storage.Store) error {
	failed, err := store.ListFailedRawRecords(ctx, "", failedRecordsLimit)
	if err != nil {
		return fmt.Errorf("list failed records: %w", err)
	}

	fmt.Printf("== failed raw records (last %d) ==\n", failedRecordsLimit)
	if len(failed) == 0 {
		fmt.Println("  none")
		return nil
	}
	for _, rec := range failed {
		fmt.Printf("  %s  run=%s  %s\n", rec.ID, rec.RunID, describeFailure(rec))
	}
	return nil
}

// describeFailure prefers the error-marker text; for the original record the
// best available hint is its URL or name.
func describeFailure(rec domain.RawRecord) string {
	if rec.Content.Error != "" {
		return "error: " + rec.Content.Error
	}
	var parts []string
	if rec.Content.Name != "" {
		parts = append(parts, "name="+rec.Content.Name)
	}
	if rec.URL != "" {
		parts = append(parts, "url="+rec.URL)
	}
	if len(parts) == 0 {
		return "no details"
	}
	return strings.Join(parts, " ")
}
