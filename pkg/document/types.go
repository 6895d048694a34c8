// ABOUTME: Document data model for tracked legal files
// ABOUTME: Defines Document, Classification and ErrorRecord structures

package document

import "time"

// Document represents one tracked legal file, identified by content
// fingerprint rather than filename.
type Document struct {
	ID               string            // Stable identifier derived from the fingerprint
	Fingerprint      string            // SHA-256 of the file bytes, hex encoded
	SourcePath       string            // Path the file was admitted from
	OriginalFilename string            // Filename at admission time
	State            State             // Current pipeline state
	StageOutputs     map[string]string // Stage name -> persisted artifact path
	Classification   *Classification   // Nil until the classify stage ran
	Entities         Entities          // Extracted legal references
	Pages            int               // Page count reported by OCR
	ErrorHistory     []ErrorRecord     // Ordered, oldest first
	ReceivedAt       time.Time
	IndexedAt        time.Time // Zero until the document reaches StateIndexed
	UpdatedAt        time.Time
}

// Classification is the output of the classify stage.
type Classification struct {
	Type       string   // Document type label (e.g. "sentencia", "amparo")
	Confidence float64  // 0..1 rule score
	Tags       []string // Rule-supplied tags
}

// Entities holds structured legal references recovered during
// classification. Consumed by the presentation layer only.
type Entities struct {
	Dockets    []string `json:"dockets,omitempty"`    // Case/docket numbers
	Parties    []string `json:"parties,omitempty"`    // Plaintiffs, defendants, complainants
	Courts     []string `json:"courts,omitempty"`     // Courts and tribunals
	Dates      []string `json:"dates,omitempty"`      // Dates found in the header region
	Statutes   []string `json:"statutes,omitempty"`   // Cited statutes and codes
	Resolution []string `json:"resolution,omitempty"` // Ruling sense (granted, denied, ...)
}

// ErrorRecord is one entry of a document's error history.
type ErrorRecord struct {
	Stage     string    // Pipeline stage the error occurred in
	Kind      string    // Error kind ("transient", "permanent", "conflict")
	Message   string    // Human-readable reason
	Attempt   int       // 1-based attempt number within the stage
	Timestamp time.Time
}

// Snapshot is the minimal per-document view pushed to notification
// subscribers and returned by list operations.
type Snapshot struct {
	DocumentID string    `json:"document_id"`
	State      State     `json:"state"`
	Filename   string    `json:"filename,omitempty"`
	Type       string    `json:"type,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}
