package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrAlreadyExists is returned when inserting a record whose id is taken.
var ErrAlreadyExists = errors.New("already exists")

// ErrVersionConflict is returned when a compare-and-swap update loses to a
// concurrent writer. The caller must re-read and retry with the new version.
var ErrVersionConflict = errors.New("version conflict")

// InvestigationRecord is the durable row for one investigation. Settings and
// progress are opaque JSON blobs at this layer; the investigation package
// owns their schema.
type InvestigationRecord struct {
	ID           string
	OwnerID      string
	Stage        string
	Status       string
	SettingsJSON string
	ProgressJSON string
	Error        string
	Version      int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
	LastAccessed time.Time
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}

// EvidenceDoc is an uploaded evidence document awaiting (or past) text
// extraction. Content holds plain text, or base64 for binary uploads.
type EvidenceDoc struct {
	ID              string
	InvestigationID string
	Title           string
	Source          string
	ContentType     string // "text" or "pdf"
	Content         string
	CreatedAt       time.Time
}
