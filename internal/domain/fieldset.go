package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// RawFieldSet is the fixed schema for one extracted listing entry. Unmodeled
// fields go into Extra so canonical serialization never depends on runtime
// map iteration order for the modeled part.
type RawFieldSet struct {
	Name         string            `json:"name"`
	Subtitle     string            `json:"subtitle"`
	Category     string            `json:"category"`
	Street       string            `json:"street"`
	City         string            `json:"city"`
	Phone        string            `json:"phone"`
	OpeningHours string            `json:"opening_hours"`
	URL          string            `json:"url"`
	PageNumber   int               `json:"page_number"`
	HTML         string            `json:"html"`
	Extra        map[string]string `json:"extra,omitempty"`
	Error        string            `json:"error,omitempty"`
}

// ErrorMarker builds the field set persisted as the audit-trail record for a
// failed transformation.
func ErrorMarker(msg string) RawFieldSet {
	return RawFieldSet{Error: msg}
}

// canonicalContent is the raw-content sub-structure that participates in
// fingerprinting. The entry URL identifies where the content came from, not
// what it is, so it stays out of the hash.
func (fs RawFieldSet) canonicalContent() map[string]any {
	content := map[string]any{
		"name":     fs.Name,
		"subtitle": fs.Subtitle,
		"category": fs.Category,
		"address": map[string]any{
			"street": fs.Street,
			"city":   fs.City,
		},
		"phone":         fs.Phone,
		"opening_hours": fs.OpeningHours,
		"page_number":   fs.PageNumber,
		"html":          fs.HTML,
	}
	if len(fs.Extra) > 0 {
		extra := make(map[string]any, len(fs.Extra))
		for k, v := range fs.Extra {
			extra[k] = v
		}
		content["extra"] = extra
	}
	if fs.Error != "" {
		content["error"] = fs.Error
	}
	return content
}

// Fingerprint returns the deterministic content hash used for deduplication:
// sha256 over the key-sorted JSON serialization of the raw content.
// encoding/json emits map keys in sorted order, which makes the result
// independent of field insertion order.
func (fs RawFieldSet) Fingerprint() (string, error) {
	payload, err := json.Marshal(fs.canonicalContent())
	if err != nil {
		return "", fmt.Errorf("serialize raw content: %w", err)
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}
