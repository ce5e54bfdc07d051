package investigation

import (
	"fmt"
	"sort"
	"time"
)

// Results is the final-results view served once an investigation completes.
type Results struct {
	InvestigationID string           `json:"investigation_id"`
	RiskScore       *float64         `json:"risk_score"`
	RiskDisplay     string           `json:"risk_display"`
	RiskLevel       string           `json:"risk_level"`
	FusionStatus    string           `json:"fusion_status"`
	Findings        []ResultFinding  `json:"findings"`
	Evidence        []EvidenceItem   `json:"evidence"`
	Recommendations []string         `json:"recommendations"`
	Timeline        []PhaseEvent     `json:"timeline"`
	Metadata        ResultsMetadata  `json:"metadata"`
}

// ResultFinding is one domain's contribution, flattened for the report.
type ResultFinding struct {
	Domain     string   `json:"domain"`
	RiskScore  *float64 `json:"risk_score"`
	Confidence float64  `json:"confidence"`
	Status     string   `json:"status"`
	Evidence   int      `json:"evidence_count"`
}

type ResultsMetadata struct {
	EntityID         string    `json:"entity_id,omitempty"`
	EntityType       string    `json:"entity_type,omitempty"`
	EvidenceStrength float64   `json:"evidence_strength"`
	CompletedAt      time.Time `json:"completed_at"`
	Version          int64     `json:"version"`
}

// Results assembles the final report. Only COMPLETED investigations have
// results; anything else is ErrNotCompleted.
func (s *Service) Results(id, callerID string) (Results, error) {
	inv, err := s.Get(id, callerID)
	if err != nil {
		return Results{}, err
	}
	if inv.Status != StatusCompleted {
		return Results{}, ErrNotCompleted
	}

	res := Results{
		InvestigationID: inv.ID,
		RiskDisplay:     "N/A",
		RiskLevel:       "unknown",
		Timeline:        inv.Progress.Timeline,
		Metadata: ResultsMetadata{
			CompletedAt: inv.UpdatedAt,
			Version:     inv.Version,
		},
	}
	if inv.Settings != nil {
		res.Metadata.EntityID = inv.Settings.EntityID
		res.Metadata.EntityType = inv.Settings.EntityType
	}

	if fused := inv.Progress.FusedRisk; fused != nil {
		res.RiskScore = fused.Final
		res.RiskDisplay = fused.Display
		res.FusionStatus = fused.Status
		res.Metadata.EvidenceStrength = fused.EvidenceStrength
		if fused.Final != nil {
			res.RiskLevel = riskLevel(*fused.Final)
		}
	}

	domains := make([]string, 0, len(inv.Progress.Findings))
	for domain := range inv.Progress.Findings {
		domains = append(domains, domain)
	}
	sort.Strings(domains)
	for _, domain := range domains {
		finding := inv.Progress.Findings[domain]
		res.Findings = append(res.Findings, ResultFinding{
			Domain:     domain,
			RiskScore:  finding.RiskScore,
			Confidence: finding.Confidence,
			Status:     finding.Status,
			Evidence:   len(finding.Evidence),
		})
		res.Evidence = append(res.Evidence, finding.Evidence...)
	}

	res.Recommendations = recommendations(res)
	return res, nil
}

// riskLevel bands a [0,1] score into a coarse severity label.
func riskLevel(score float64) string {
	switch {
	case score < 0.25:
		return "low"
	case score < 0.5:
		return "medium"
	case score < 0.75:
		return "high"
	default:
		return "critical"
	}
}

func recommendations(res Results) []string {
	var recs []string
	switch res.FusionStatus {
	case "capped_for_low_evidence":
		recs = append(recs, "risk verdict was capped for low evidence; collect additional corroborating sources before acting")
	case "needs_more_evidence":
		recs = append(recs, "no scorable evidence was produced; re-run analysis with a broader scope")
	}
	for _, f := range res.Findings {
		if f.Status == FindingInsufficientEvidence {
			recs = append(recs, fmt.Sprintf("domain %q produced insufficient evidence; consider re-running it", f.Domain))
		}
	}
	switch res.RiskLevel {
	case "critical", "high":
		recs = append(recs, "escalate to a human fraud analyst for review")
	}
	return recs
}
