// Package investigation implements the investigation lifecycle state machine
// on top of the SQLite store: closed stage/status enumerations, write-once
// settings, monotonic progress merges, and optimistic concurrency via the
// store's version compare-and-swap.
package investigation

import (
	"errors"
	"time"

	"github.com/kalambet/caseline/internal/fusion"
)

// Stage is the coarse lifecycle phase of an investigation.
type Stage string

const (
	StageCreated    Stage = "CREATED"
	StageSettings   Stage = "SETTINGS"
	StageInProgress Stage = "IN_PROGRESS"
	StageCompleted  Stage = "COMPLETED"
)

// Status is the operational outcome. It is a superset of Stage so terminal
// failure and cancellation can be captured independent of phase.
type Status string

const (
	StatusCreated    Status = "CREATED"
	StatusSettings   Status = "SETTINGS"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusError      Status = "ERROR"
	StatusCancelled  Status = "CANCELLED"
)

// Terminal reports whether no further mutation is permitted.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError || s == StatusCancelled
}

// Domain finding statuses.
const (
	FindingOK                   = "OK"
	FindingInsufficientEvidence = "INSUFFICIENT_EVIDENCE"
)

// Sentinel errors surfaced by the Service. Retry policy belongs to the
// caller: only the caller knows whether its mutation intent is still valid
// after a conflict.
var (
	ErrAlreadyExists     = errors.New("investigation already exists")
	ErrNotFound          = errors.New("investigation not found")
	ErrVersionConflict   = errors.New("version conflict; re-read and retry")
	ErrInvalidTransition = errors.New("invalid lifecycle transition")
	ErrTerminalState     = errors.New("investigation already in a terminal state")
	ErrNotCompleted      = errors.New("investigation not completed")
	ErrSettingsMissing   = errors.New("settings not attached")
)

const progressSchemaVersion = 1

// Settings is the write-once configuration attached before analysis starts.
type Settings struct {
	SchemaVersion int               `json:"schema_version"`
	EntityID      string            `json:"entity_id"`
	EntityType    string            `json:"entity_type"`
	Domains       []string          `json:"domains,omitempty"`
	Scope         map[string]string `json:"scope,omitempty"`
}

// EvidenceItem is one piece of evidence backing a domain finding.
type EvidenceItem struct {
	ID          string `json:"id"`
	Source      string `json:"source"`
	Description string `json:"description"`
}

// DomainFinding is the normalized output of one domain analyzer.
// RiskScore is nil when the analyzer could not produce a score.
type DomainFinding struct {
	RiskScore  *float64       `json:"risk_score"`
	Confidence float64        `json:"confidence"`
	Evidence   []EvidenceItem `json:"evidence,omitempty"`
	Status     string         `json:"status"`
	Error      string         `json:"error,omitempty"`
	DurationMs int64          `json:"duration_ms,omitempty"`
}

// PhaseEvent records one phase change for the results timeline.
type PhaseEvent struct {
	Phase string    `json:"phase"`
	At    time.Time `json:"at"`
}

// Progress is the mutable analysis payload. Findings are upserted by domain
// key; percentage never regresses; phase changes append to the timeline.
type Progress struct {
	SchemaVersion      int                      `json:"schema_version"`
	CurrentPhase       string                   `json:"current_phase,omitempty"`
	ProgressPercentage float64                  `json:"progress_percentage"`
	Findings           map[string]DomainFinding `json:"findings,omitempty"`
	FusedRisk          *fusion.Result           `json:"fused_risk,omitempty"`
	Timeline           []PhaseEvent             `json:"timeline,omitempty"`
}

// ProgressPatch is a partial progress update. Nil fields are left untouched.
type ProgressPatch struct {
	CurrentPhase       string                   `json:"current_phase,omitempty"`
	ProgressPercentage *float64                 `json:"progress_percentage,omitempty"`
	Findings           map[string]DomainFinding `json:"findings,omitempty"`
	FusedRisk          *fusion.Result           `json:"fused_risk,omitempty"`
}

// Investigation is the decoded durable record.
type Investigation struct {
	ID           string    `json:"investigation_id"`
	OwnerID      string    `json:"owner_id"`
	Stage        Stage     `json:"lifecycle_stage"`
	Status       Status    `json:"status"`
	Settings     *Settings `json:"settings,omitempty"`
	Progress     Progress  `json:"progress"`
	Error        string    `json:"error,omitempty"`
	Version      int64     `json:"version"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	LastAccessed time.Time `json:"last_accessed"`
}
