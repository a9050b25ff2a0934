package domain

import "time"

// Domain contains the staged-record entities shared across packages.

// RunStatus tracks the lifecycle of one scraping run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusAborted   RunStatus = "aborted"
)

// ProcessingStatus tracks what happened to a raw record after persistence.
type ProcessingStatus string

const (
	ProcessingPending   ProcessingStatus = "pending"
	ProcessingProcessed ProcessingStatus = "processed"
	ProcessingFailed    ProcessingStatus = "failed"
)

// ValidationStatus classifies how complete a cleaned record is.
type ValidationStatus string

const (
	ValidationValid   ValidationStatus = "valid"
	ValidationPartial ValidationStatus = "partial"
	ValidationInvalid ValidationStatus = "invalid"
)

// DataSource identifies one logical scrape target. Created idempotently by
// name before a run starts; never deleted by this core.
type DataSource struct {
	ID          string
	Name        string
	URL         string
	Description string
	Config      map[string]any
	IsActive    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// RunError is one entry in a run's append-only error log.
type RunError struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"error"`
}

// ScrapingRun is one execution of the pagination loop against a DataSource.
type ScrapingRun struct {
	ID             string
	SourceID       string
	StartTime      time.Time
	EndTime        *time.Time
	Status         RunStatus
	ItemsProcessed int
	Errors         []RunError
	Stats          map[string]any
	ConfigSnapshot map[string]any
}

// Finalized reports whether the run has reached a terminal state.
func (r *ScrapingRun) Finalized() bool {
	return r != nil && r.EndTime != nil
}

// RawRecord is one fetched listing entry, pre-transformation.
type RawRecord struct {
	ID               string
	SourceID         string
	RunID            string
	URL              string
	Content          RawFieldSet
	Fingerprint      string
	ProcessingStatus ProcessingStatus
	CreatedAt        time.Time
}

// Address is the structured location block of a cleaned record.
type Address struct {
	Street string `json:"street"`
	City   string `json:"city"`
}

// Contact is the structured contact block of a cleaned record.
type Contact struct {
	Phone string `json:"phone"`
	Hours string `json:"hours"`
}

// CleanedRecord is the normalized projection of one RawRecord. Immutable
// after creation; re-ingestion of changed content produces a new record.
type CleanedRecord struct {
	ID               string
	RawRecordID      string
	SourceID         string
	Name             string
	Category         string
	Address          Address
	Contact          Contact
	Extra            map[string]any
	ValidationStatus ValidationStatus
	ValidationErrors []string
	CreatedAt        time.Time
}
