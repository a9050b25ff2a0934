package publishers

import (
	"time"

	"github.com/samvad-hq/samvad-listing-ingest/internal/domain"
)

// EventTypeRecordCleaned is emitted once per newly persisted cleaned record.
const EventTypeRecordCleaned = "record.cleaned"

// Event is the payload published downstream when the pipeline persists a
// cleaned record. Enrichment and reporting consumers hang off this.
type Event struct {
	Type      string               `json:"type"`
	SourceID  string               `json:"source_id"`
	RunID     string               `json:"run_id"`
	Record    domain.CleanedRecord `json:"record"`
	EmittedAt time.Time            `json:"emitted_at"`
}

// NewEvent constructs a record.cleaned event for the given source + run.
func NewEvent(sourceID, runID string, record domain.CleanedRecord) Event {
	return Event{
		Type:      EventTypeRecordCleaned,
		SourceID:  sourceID,
		RunID:     runID,
		Record:    record,
		EmittedAt: time.Now().UTC(),
	}
}
