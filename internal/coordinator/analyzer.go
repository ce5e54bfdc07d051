// Package coordinator fans an investigation out to domain analyzers, merges
// their findings into progress through the version compare-and-swap, and
// closes the run with an evidence-gated fused verdict.
package coordinator

import (
	"context"

	"github.com/kalambet/caseline/internal/investigation"
)

// Target identifies the entity under investigation after context repair.
type Target struct {
	EntityID   string            `json:"entity_id"`
	EntityType string            `json:"entity_type"`
	Scope      map[string]string `json:"scope,omitempty"`
}

// Report is one analyzer's raw output before normalization. Score and
// Confidence are clamped to [0, 1] by the coordinator.
type Report struct {
	Score      float64                      `json:"score"`
	Confidence float64                      `json:"confidence"`
	Evidence   []investigation.EvidenceItem `json:"evidence,omitempty"`
}

// Analyzer inspects one risk domain of a target. Implementations should
// honor ctx cancellation; an error is recorded as an insufficient-evidence
// finding, it never aborts the investigation.
type Analyzer interface {
	Domain() string
	Analyze(ctx context.Context, target Target) (Report, error)
}
