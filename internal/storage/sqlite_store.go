package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/samvad-hq/samvad-listing-ingest/internal/domain"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS data_sources (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL UNIQUE,
	url         TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	config      TEXT NOT NULL DEFAULT '{}',
	is_active   INTEGER NOT NULL DEFAULT 1,
	created_at  TEXT NOT NULL,
	updated_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS scraping_runs (
	id              TEXT PRIMARY KEY,
	source_id       TEXT NOT NULL REFERENCES data_sources(id),
	start_time      TEXT NOT NULL,
	end_time        TEXT,
	status          TEXT NOT NULL,
	items_processed INTEGER NOT NULL DEFAULT 0,
	errors          TEXT NOT NULL DEFAULT '[]',
	stats           TEXT NOT NULL DEFAULT '{}',
	config_snapshot TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS raw_records (
	id                TEXT PRIMARY KEY,
	source_id         TEXT NOT NULL,
	run_id            TEXT NOT NULL,
	url               TEXT NOT NULL DEFAULT '',
	content           TEXT NOT NULL,
	fingerprint       TEXT NOT NULL DEFAULT '',
	processing_status TEXT NOT NULL,
	created_at        TEXT NOT NULL
);

-- Error-marker records carry no fingerprint; uniqueness applies to content only.
CREATE UNIQUE INDEX IF NOT EXISTS idx_raw_records_fingerprint
	ON raw_records(fingerprint) WHERE fingerprint != '';

CREATE TABLE IF NOT EXISTS cleaned_records (
	id                TEXT PRIMARY KEY,
	raw_record_id     TEXT NOT NULL UNIQUE REFERENCES raw_records(id),
	source_id         TEXT NOT NULL,
	name              TEXT NOT NULL DEFAULT '',
	category          TEXT NOT NULL DEFAULT '',
	address           TEXT NOT NULL DEFAULT '{}',
	contact           TEXT NOT NULL DEFAULT '{}',
	extra             TEXT NOT NULL DEFAULT '{}',
	validation_status TEXT NOT NULL,
	validation_errors TEXT NOT NULL DEFAULT '[]',
	created_at        TEXT NOT NULL
);
`

// sqliteStore implements Store on modernc.org/sqlite via database/sql.
type sqliteStore struct {
	db *sql.DB
}

// openSQLite opens the database with WAL and the usual production pragmas
// applied via EXEC, then ensures the schema.
func openSQLite(path string, opts Options) (Store, error) {
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create storage directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		fmt.Sprintf("PRAGMA busy_timeout = %d", opts.BusyTimeout.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", p, err)
		}
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return &sqliteStore{db: db}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// marshalJSON encodes v, treating nil maps/slices as their empty literals so
// columns never hold SQL NULLs.
func marshalJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode json column: %w", err)
	}
	out := string(data)
	if out == "null" {
		out = "{}"
	}
	return out, nil
}

func ensureID(id string) string {
	if id != "" {
		return id
	}
	return uuid.NewString()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func (s *sqliteStore) FindDataSourceByName(ctx context.Context, name string) (*domain.DataSource, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, url, description, config, is_active, created_at, updated_at
		FROM data_sources WHERE name = ?`, name)

	var (
		src                  domain.DataSource
		config               string
		active               int
		createdAt, updatedAt string
	)
	err := row.Scan(&src.ID, &src.Name, &src.URL, &src.Description, &config, &active, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find data source %q: %w", name, err)
	}

	if err := json.Unmarshal([]byte(config), &src.Config); err != nil {
		return nil, fmt.Errorf("decode data source config: %w", err)
	}
	src.IsActive = active != 0
	src.CreatedAt = parseTime(createdAt)
	src.UpdatedAt = parseTime(updatedAt)
	return &src, nil
}

func (s *sqliteStore) CreateDataSource(ctx context.Context, src *domain.DataSource) error {
	src.ID = ensureID(src.ID)
	now := time.Now().UTC()
	if src.CreatedAt.IsZero() {
		src.CreatedAt = now
	}
	src.UpdatedAt = now

	config, err := marshalJSON(src.Config)
	if err != nil {
		return err
	}

	active := 0
	if src.IsActive {
		active = 1
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO data_sources (id, name, url, description, config, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		src.ID, src.Name, src.URL, src.Description, config, active,
		formatTime(src.CreatedAt), formatTime(src.UpdatedAt))
	if err != nil {
		return fmt.Errorf("create data source %q: %w", src.Name, err)
	}
	return nil
}

func (s *sqliteStore) CreateRun(ctx context.Context, run *domain.ScrapingRun) error {
	run.ID = ensureID(run.ID)
	if run.StartTime.IsZero() {
		run.StartTime = time.Now().UTC()
	}
	if run.Status == "" {
		run.Status = domain.RunStatusRunning
	}

	errsJSON, err := marshalJSON(run.Errors)
	if err != nil {
		return err
	}
	if errsJSON == "{}" {
		errsJSON = "[]"
	}
	stats, err := marshalJSON(run.Stats)
	if err != nil {
		return err
	}
	snapshot, err := marshalJSON(run.ConfigSnapshot)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO scraping_runs (id, source_id, start_time, end_time, status, items_processed, errors, stats, config_snapshot)
		VALUES (?, ?, ?, NULL, ?, ?, ?, ?, ?)`,
		run.ID, run.SourceID, formatTime(run.StartTime), string(run.Status),
		run.ItemsProcessed, errsJSON, stats, snapshot)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

func (s *sqliteStore) UpdateRun(ctx context.Context, run *domain.ScrapingRun) error {
	errsJSON, err := marshalJSON(run.Errors)
	if err != nil {
		return err
	}
	if errsJSON == "{}" {
		errsJSON = "[]"
	}
	stats, err := marshalJSON(run.Stats)
	if err != nil {
		return err
	}

	var endTime any
	if run.EndTime != nil {
		endTime = formatTime(*run.EndTime)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE scraping_runs
		SET end_time = ?, status = ?, items_processed = ?, errors = ?, stats = ?
		WHERE id = ?`,
		endTime, string(run.Status), run.ItemsProcessed, errsJSON, stats, run.ID)
	if err != nil {
		return fmt.Errorf("update run %s: %w", run.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) GetRun(ctx context.Context, id string) (*domain.ScrapingRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, source_id, start_time, end_time, status, items_processed, errors, stats, config_snapshot
		FROM scraping_runs WHERE id = ?`, id)
	run, err := scanRun(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return run, err
}

func (s *sqliteStore) ListRuns(ctx context.Context, sourceID string, limit int) ([]domain.ScrapingRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source_id, start_time, end_time, status, items_processed, errors, stats, config_snapshot
		FROM scraping_runs
		WHERE (? = '' OR source_id = ?)
		ORDER BY start_time DESC LIMIT ?`, sourceID, sourceID, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []domain.ScrapingRun
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *run)
	}
	return out, rows.Err()
}

func scanRun(scan func(...any) error) (*domain.ScrapingRun, error) {
	var (
		run             domain.ScrapingRun
		startTime       string
		endTime         sql.NullString
		status          string
		errsJSON        string
		stats, snapshot string
	)
	if err := scan(&run.ID, &run.SourceID, &startTime, &endTime, &status,
		&run.ItemsProcessed, &errsJSON, &stats, &snapshot); err != nil {
		return nil, err
	}

	run.StartTime = parseTime(startTime)
	if endTime.Valid {
		t := parseTime(endTime.String)
		run.EndTime = &t
	}
	run.Status = domain.RunStatus(status)
	if err := json.Unmarshal([]byte(errsJSON), &run.Errors); err != nil {
		return nil, fmt.Errorf("decode run errors: %w", err)
	}
	if err := json.Unmarshal([]byte(stats), &run.Stats); err != nil {
		return nil, fmt.Errorf("decode run stats: %w", err)
	}
	if err := json.Unmarshal([]byte(snapshot), &run.ConfigSnapshot); err != nil {
		return nil, fmt.Errorf("decode run config snapshot: %w", err)
	}
	return &run, nil
}

func (s *sqliteStore) FindRawRecordByFingerprint(ctx context.Context, fingerprint string) (*domain.RawRecord, error) {
	if fingerprint == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT id, source_id, run_id, url, content, fingerprint, processing_status, created_at
		FROM raw_records WHERE fingerprint = ?`, fingerprint)
	rec, err := scanRawRecord(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

func (s *sqliteStore) CreateRawRecord(ctx context.Context, rec *domain.RawRecord) error {
	rec.ID = ensureID(rec.ID)
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.ProcessingStatus == "" {
		rec.ProcessingStatus = domain.ProcessingPending
	}

	content, err := json.Marshal(rec.Content)
	if err != nil {
		return fmt.Errorf("encode raw content: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO raw_records (id, source_id, run_id, url, content, fingerprint, processing_status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.SourceID, rec.RunID, rec.URL, string(content),
		rec.Fingerprint, string(rec.ProcessingStatus), formatTime(rec.CreatedAt))
	if err != nil {
		return fmt.Errorf("create raw record: %w", err)
	}
	return nil
}

func (s *sqliteStore) CommitCleanedRecord(ctx context.Context, rawID string, rec *domain.CleanedRecord) error {
	rec.ID = ensureID(rec.ID)
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	address, err := marshalJSON(rec.Address)
	if err != nil {
		return err
	}
	contact, err := marshalJSON(rec.Contact)
	if err != nil {
		return err
	}
	extra, err := marshalJSON(rec.Extra)
	if err != nil {
		return err
	}
	validationErrs, err := marshalJSON(rec.ValidationErrors)
	if err != nil {
		return err
	}
	if validationErrs == "{}" {
		validationErrs = "[]"
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := transitionRaw(ctx, tx, rawID, domain.ProcessingProcessed); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO cleaned_records (id, raw_record_id, source_id, name, category, address, contact, extra, validation_status, validation_errors, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.ID, rawID, rec.SourceID, rec.Name, rec.Category, address, contact, extra,
			string(rec.ValidationStatus), validationErrs, formatTime(rec.CreatedAt))
		if err != nil {
			return fmt.Errorf("create cleaned record: %w", err)
		}
		return nil
	})
}

func (s *sqliteStore) MarkRawRecordFailed(ctx context.Context, rawID string, marker *domain.RawRecord) error {
	marker.ID = ensureID(marker.ID)
	if marker.CreatedAt.IsZero() {
		marker.CreatedAt = time.Now().UTC()
	}
	marker.ProcessingStatus = domain.ProcessingFailed

	content, err := json.Marshal(marker.Content)
	if err != nil {
		return fmt.Errorf("encode marker content: %w", err)
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := transitionRaw(ctx, tx, rawID, domain.ProcessingFailed); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO raw_records (id, source_id, run_id, url, content, fingerprint, processing_status, created_at)
			VALUES (?, ?, ?, ?, ?, '', ?, ?)`,
			marker.ID, marker.SourceID, marker.RunID, marker.URL, string(content),
			string(marker.ProcessingStatus), formatTime(marker.CreatedAt))
		if err != nil {
			return fmt.Errorf("create error-marker record: %w", err)
		}
		return nil
	})
}

// transitionRaw moves a raw record out of pending exactly once.
func transitionRaw(ctx context.Context, tx *sql.Tx, rawID string, to domain.ProcessingStatus) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE raw_records SET processing_status = ?
		WHERE id = ? AND processing_status = ?`,
		string(to), rawID, string(domain.ProcessingPending))
	if err != nil {
		return fmt.Errorf("transition raw record %s: %w", rawID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotPending
	}
	return nil
}

func (s *sqliteStore) ListFailedRawRecords(ctx context.Context, runID string, limit int) ([]domain.RawRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source_id, run_id, url, content, fingerprint, processing_status, created_at
		FROM raw_records
		WHERE processing_status = ? AND (? = '' OR run_id = ?)
		ORDER BY created_at DESC LIMIT ?`,
		string(domain.ProcessingFailed), runID, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("list failed raw records: %w", err)
	}
	defer rows.Close()

	var out []domain.RawRecord
	for rows.Next() {
		rec, err := scanRawRecord(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func scanRawRecord(scan func(...any) error) (*domain.RawRecord, error) {
	var (
		rec       domain.RawRecord
		content   string
		status    string
		createdAt string
	)
	if err := scan(&rec.ID, &rec.SourceID, &rec.RunID, &rec.URL, &content,
		&rec.Fingerprint, &status, &createdAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(content), &rec.Content); err != nil {
		return nil, fmt.Errorf("decode raw content: %w", err)
	}
	rec.ProcessingStatus = domain.ProcessingStatus(status)
	rec.CreatedAt = parseTime(createdAt)
	return &rec, nil
}

func (s *sqliteStore) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	row := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM raw_records),
			(SELECT COUNT(*) FROM cleaned_records),
			(SELECT COUNT(*) FROM scraping_runs)`)
	if err := row.Scan(&c.RawRecords, &c.CleanedRecords, &c.Runs); err != nil {
		return Counts{}, fmt.Errorf("count records: %w", err)
	}
	return c, nil
}

func (s *sqliteStore) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
