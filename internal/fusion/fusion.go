// Package fusion combines an internal domain-aggregate risk score with
// external threat-intelligence corroboration into a single gated verdict.
//
// The engine is pure: no I/O, no errors. Out-of-range inputs are clamped
// rather than rejected so the orchestration pipeline never blocks on a
// malformed score. The central invariant is anti-overconfidence: a high
// internal score backed by thin, uncorroborated evidence must never be
// published as a near-certain verdict.
package fusion

import (
	"fmt"
	"math"
)

// Level is the coarse external threat-intelligence level.
type Level string

const (
	LevelMinimal Level = "MINIMAL"
	LevelLow     Level = "LOW"
	LevelMedium  Level = "MEDIUM"
	LevelHigh    Level = "HIGH"
)

// Fusion status values attached to every Result.
const (
	StatusOK            = "ok"
	StatusCapped        = "capped_for_low_evidence"
	StatusNeedsEvidence = "needs_more_evidence"
)

const (
	internalWeight = 0.7
	externalWeight = 0.3

	// lowEvidenceCap bounds the published score whenever the evidence
	// gate trips. A single corroborating event at minimal external level
	// must not let a 0.9 internal score through unattenuated.
	lowEvidenceCap = 0.40

	// strengthFloor is the evidence strength below which results are capped.
	strengthFloor = 0.5

	// discordanceThreshold marks an internal score "high" for the purpose
	// of the discordance check.
	discordanceThreshold = 0.7

	// Saturation points for the evidence strength curve.
	sourcesSaturation = 3
	eventsSaturation  = 10
)

// Result is the publish-safe outcome of a fusion pass.
// Final is nil when there was no evidence to score at all.
type Result struct {
	Final            *float64 `json:"final"`
	Display          string   `json:"display"`
	Status           string   `json:"status"`
	EvidenceStrength float64  `json:"evidence_strength"`
}

// Inputs carries everything Finalize needs. Internal must be the aggregate
// over domain findings; it is never a single upstream classifier score.
type Inputs struct {
	Internal  float64
	External  float64
	ExtLevel  Level
	Events    int // corroborating external events
	Sources   int // independent evidence sources behind Internal
	Agreement float64
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Fuse combines the internal and external scores with a fixed 0.7/0.3
// weighting. The internal signal dominates because it is derived from
// richer, queryable evidence; external intel corroborates only.
func Fuse(internal, external float64) float64 {
	return internalWeight*clamp01(internal) + externalWeight*clamp01(external)
}

// EvidenceStrength maps (sources, events, agreement) to [0,1]. The curve is
// a weighted average of three saturating terms: sources saturate at 3,
// events at 10, agreement is used directly. Monotone in every argument.
func EvidenceStrength(sources, events int, agreement float64) float64 {
	if sources < 0 {
		sources = 0
	}
	if events < 0 {
		events = 0
	}
	srcScore := math.Min(float64(sources)/sourcesSaturation, 1)
	evScore := math.Min(float64(events)/eventsSaturation, 1)
	return 0.4*srcScore + 0.3*evScore + 0.3*clamp01(agreement)
}

// IsDiscordant reports whether the internal signal and external intel
// disagree in the one pattern the gate exists for: a high internal score
// with minimal external level and at most one corroborating event.
// Multiple events or any non-minimal level clear discordance regardless
// of internal magnitude.
func IsDiscordant(internal float64, extLevel Level, events int) bool {
	return clamp01(internal) >= discordanceThreshold &&
		extLevel == LevelMinimal &&
		events <= 1
}

// Finalize runs the full gated fusion: raw weighted score, evidence
// strength, and the anti-overconfidence cap. It never fails.
func Finalize(in Inputs) Result {
	raw := Fuse(in.Internal, in.External)
	strength := EvidenceStrength(in.Sources, in.Events, clamp01(in.Agreement))

	final := raw
	status := StatusOK
	if IsDiscordant(in.Internal, in.ExtLevel, in.Events) || strength < strengthFloor {
		final = math.Min(raw, lowEvidenceCap)
		status = StatusCapped
	}

	return Result{
		Final:            &final,
		Display:          Publish(&final),
		Status:           status,
		EvidenceStrength: strength,
	}
}

// NoEvidence is the result when no domain produced a scorable finding.
// Absence of data is visibly unknown, never silently zero risk.
func NoEvidence() Result {
	return Result{
		Final:            nil,
		Display:          Publish(nil),
		Status:           StatusNeedsEvidence,
		EvidenceStrength: 0,
	}
}

// Publish renders a final score for display. A nil score is "N/A" — it is
// never coerced to "0.00".
func Publish(final *float64) string {
	if final == nil {
		return "N/A"
	}
	return fmt.Sprintf("%.2f", clamp01(*final))
}
