package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/samvad-hq/samvad-listing-ingest/internal/domain"
)

const (
	sourcesBucket      = "data_sources"
	sourceNamesBucket  = "data_source_names"
	runsBucket         = "scraping_runs"
	rawBucket          = "raw_records"
	fingerprintsBucket = "raw_fingerprints"
	cleanedBucket      = "cleaned_records"
	cleanedByRawBucket = "cleaned_by_raw"
)

var boltBuckets = []string{
	sourcesBucket, sourceNamesBucket, runsBucket,
	rawBucket, fingerprintsBucket, cleanedBucket, cleanedByRawBucket,
}

// boltStore implements Store backed by BoltDB. Every method runs inside a
// single bolt transaction, which gives the per-unit-of-work atomicity the
// pipeline relies on.
type boltStore struct {
	db *bolt.DB
}

// openBolt initializes a BoltDB-backed Store.
func openBolt(path string, opts Options) (Store, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage directory: %w", err)
		}
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: opts.BusyTimeout})
	if err != nil {
		return nil, fmt.Errorf("open bbolt db: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range boltBuckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("init buckets: %w", err)
	}

	return &boltStore{db: db}, nil
}

func (b *boltStore) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func bucketOf(tx *bolt.Tx, name string) (*bolt.Bucket, error) {
	bkt := tx.Bucket([]byte(name))
	if bkt == nil {
		return nil, fmt.Errorf("bucket %s missing", name)
	}
	return bkt, nil
}

func putJSON(bkt *bolt.Bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %T: %w", v, err)
	}
	return bkt.Put([]byte(key), data)
}

func getJSON(bkt *bolt.Bucket, key string, v any) error {
	data := bkt.Get([]byte(key))
	if data == nil {
		return ErrNotFound
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %T: %w", v, err)
	}
	return nil
}

func (b *boltStore) FindDataSourceByName(_ context.Context, name string) (*domain.DataSource, error) {
	var src domain.DataSource
	err := b.db.View(func(tx *bolt.Tx) error {
		names, err := bucketOf(tx, sourceNamesBucket)
		if err != nil {
			return err
		}
		id := names.Get([]byte(name))
		if id == nil {
			return ErrNotFound
		}
		srcs, err := bucketOf(tx, sourcesBucket)
		if err != nil {
			return err
		}
		return getJSON(srcs, string(id), &src)
	})
	if err != nil {
		return nil, err
	}
	return &src, nil
}

func (b *boltStore) CreateDataSource(_ context.Context, src *domain.DataSource) error {
	src.ID = ensureID(src.ID)
	now := time.Now().UTC()
	if src.CreatedAt.IsZero() {
		src.CreatedAt = now
	}
	src.UpdatedAt = now

	return b.db.Update(func(tx *bolt.Tx) error {
		names, err := bucketOf(tx, sourceNamesBucket)
		if err != nil {
			return err
		}
		if names.Get([]byte(src.Name)) != nil {
			return fmt.Errorf("data source %q already exists", src.Name)
		}
		srcs, err := bucketOf(tx, sourcesBucket)
		if err != nil {
			return err
		}
		if err := putJSON(srcs, src.ID, src); err != nil {
			return err
		}
		return names.Put([]byte(src.Name), []byte(src.ID))
	})
}

func (b *boltStore) CreateRun(_ context.Context, run *domain.ScrapingRun) error {
	run.ID = ensureID(run.ID)
	if run.StartTime.IsZero() {
		run.StartTime = time.Now().UTC()
	}
	if run.Status == "" {
		run.Status = domain.RunStatusRunning
	}

	return b.db.Update(func(tx *bolt.Tx) error {
		runs, err := bucketOf(tx, runsBucket)
		if err != nil {
			return err
		}
		return putJSON(runs, run.ID, run)
	})
}

func (b *boltStore) UpdateRun(_ context.Context, run *domain.ScrapingRun) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		runs, err := bucketOf(tx, runsBucket)
		if err != nil {
			return err
		}
		if runs.Get([]byte(run.ID)) == nil {
			return ErrNotFound
		}
		return putJSON(runs, run.ID, run)
	})
}

func (b *boltStore) GetRun(_ context.Context, id string) (*domain.ScrapingRun, error) {
	var run domain.ScrapingRun
	err := b.db.View(func(tx *bolt.Tx) error {
		runs, err := bucketOf(tx, runsBucket)
		if err != nil {
			return err
		}
		return getJSON(runs, id, &run)
	})
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (b *boltStore) ListRuns(_ context.Context, sourceID string, limit int) ([]domain.ScrapingRun, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []domain.ScrapingRun
	err := b.db.View(func(tx *bolt.Tx) error {
		runs, err := bucketOf(tx, runsBucket)
		if err != nil {
			return err
		}
		return runs.ForEach(func(_, v []byte) error {
			var run domain.ScrapingRun
			if err := json.Unmarshal(v, &run); err != nil {
				return fmt.Errorf("decode run: %w", err)
			}
			if sourceID == "" || run.SourceID == sourceID {
				out = append(out, run)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.After(out[j].StartTime) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (b *boltStore) FindRawRecordByFingerprint(_ context.Context, fingerprint string) (*domain.RawRecord, error) {
	if fingerprint == "" {
		return nil, ErrNotFound
	}
	var rec domain.RawRecord
	err := b.db.View(func(tx *bolt.Tx) error {
		fps, err := bucketOf(tx, fingerprintsBucket)
		if err != nil {
			return err
		}
		id := fps.Get([]byte(fingerprint))
		if id == nil {
			return ErrNotFound
		}
		raws, err := bucketOf(tx, rawBucket)
		if err != nil {
			return err
		}
		return getJSON(raws, string(id), &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (b *boltStore) CreateRawRecord(_ context.Context, rec *domain.RawRecord) error {
	rec.ID = ensureID(rec.ID)
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.ProcessingStatus == "" {
		rec.ProcessingStatus = domain.ProcessingPending
	}

	return b.db.Update(func(tx *bolt.Tx) error {
		return b.insertRaw(tx, rec)
	})
}

// insertRaw writes the record and, when it carries a fingerprint, claims the
// fingerprint index entry. The check-then-insert is serialized by bolt's
// single writer, so identical content can never produce two records.
func (b *boltStore) insertRaw(tx *bolt.Tx, rec *domain.RawRecord) error {
	raws, err := bucketOf(tx, rawBucket)
	if err != nil {
		return err
	}
	if rec.Fingerprint != "" {
		fps, err := bucketOf(tx, fingerprintsBucket)
		if err != nil {
			return err
		}
		if fps.Get([]byte(rec.Fingerprint)) != nil {
			return fmt.Errorf("raw record with fingerprint %s already exists", rec.Fingerprint)
		}
		if err := fps.Put([]byte(rec.Fingerprint), []byte(rec.ID)); err != nil {
			return err
		}
	}
	return putJSON(raws, rec.ID, rec)
}

func (b *boltStore) CommitCleanedRecord(_ context.Context, rawID string, rec *domain.CleanedRecord) error {
	rec.ID = ensureID(rec.ID)
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	return b.db.Update(func(tx *bolt.Tx) error {
		if err := b.transitionRaw(tx, rawID, domain.ProcessingProcessed); err != nil {
			return err
		}

		byRaw, err := bucketOf(tx, cleanedByRawBucket)
		if err != nil {
			return err
		}
		if byRaw.Get([]byte(rawID)) != nil {
			return fmt.Errorf("cleaned record for raw %s already exists", rawID)
		}

		cleaned, err := bucketOf(tx, cleanedBucket)
		if err != nil {
			return err
		}
		if err := putJSON(cleaned, rec.ID, rec); err != nil {
			return err
		}
		return byRaw.Put([]byte(rawID), []byte(rec.ID))
	})
}

func (b *boltStore) MarkRawRecordFailed(_ context.Context, rawID string, marker *domain.RawRecord) error {
	marker.ID = ensureID(marker.ID)
	if marker.CreatedAt.IsZero() {
		marker.CreatedAt = time.Now().UTC()
	}
	marker.ProcessingStatus = domain.ProcessingFailed
	marker.Fingerprint = ""

	return b.db.Update(func(tx *bolt.Tx) error {
		if err := b.transitionRaw(tx, rawID, domain.ProcessingFailed); err != nil {
			return err
		}
		return b.insertRaw(tx, marker)
	})
}

// transitionRaw moves a raw record out of pending exactly once.
func (b *boltStore) transitionRaw(tx *bolt.Tx, rawID string, to domain.ProcessingStatus) error {
	raws, err := bucketOf(tx, rawBucket)
	if err != nil {
		return err
	}
	var rec domain.RawRecord
	if err := getJSON(raws, rawID, &rec); err != nil {
		return err
	}
	if rec.ProcessingStatus != domain.ProcessingPending {
		return ErrNotPending
	}
	rec.ProcessingStatus = to
	return putJSON(raws, rawID, &rec)
}

func (b *boltStore) ListFailedRawRecords(_ context.Context, runID string, limit int) ([]domain.RawRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []domain.RawRecord
	err := b.db.View(func(tx *bolt.Tx) error {
		raws, err := bucketOf(tx, rawBucket)
		if err != nil {
			return err
		}
		return raws.ForEach(func(_, v []byte) error {
			var rec domain.RawRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode raw record: %w", err)
			}
			if rec.ProcessingStatus != domain.ProcessingFailed {
				return nil
			}
			if runID == "" || rec.RunID == runID {
				out = append(out, rec)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (b *boltStore) Counts(_ context.Context) (Counts, error) {
	var c Counts
	err := b.db.View(func(tx *bolt.Tx) error {
		for name, dst := range map[string]*int{
			rawBucket:     &c.RawRecords,
			cleanedBucket: &c.CleanedRecords,
			runsBucket:    &c.Runs,
		} {
			bkt, err := bucketOf(tx, name)
			if err != nil {
				return err
			}
			*dst = bkt.Stats().KeyN
		}
		return nil
	})
	if err != nil {
		return Counts{}, err
	}
	return c, nil
}
