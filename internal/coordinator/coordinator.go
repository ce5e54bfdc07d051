package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/caseline/internal/fusion"
	"github.com/kalambet/caseline/internal/intel"
	"github.com/kalambet/caseline/internal/investigation"
	"github.com/kalambet/caseline/internal/observability"
	"github.com/kalambet/caseline/internal/timing"
)

const (
	defaultMaxConcurrent   = 4
	defaultAnalyzerTimeout = 30 * time.Second

	// maxMergeAttempts bounds CAS retries for a single progress merge. Each
	// retry re-reads the record, so losing repeatedly means heavy writer
	// contention, not a logic error.
	maxMergeAttempts = 5

	// analysisShare is the progress ceiling while analyzers run; fusion and
	// completion account for the rest.
	analysisShare = 90.0
)

// IntelSource is the external corroboration lookup. *intel.Client satisfies
// it; tests substitute a canned signal.
type IntelSource interface {
	Lookup(ctx context.Context, entityID, entityType string) (intel.Signal, error)
}

// Config tunes the fan-out.
type Config struct {
	MaxConcurrent   int
	AnalyzerTimeout time.Duration
}

// Coordinator runs the analysis phase of investigations. It owns no state of
// its own; all coordination happens through the investigation service's
// optimistic writes, so several coordinator replicas can share a store.
type Coordinator struct {
	svc       *investigation.Service
	source    IntelSource
	metrics   *observability.Metrics
	logger    *slog.Logger
	analyzers []Analyzer
	cfg       Config
}

// New assembles a coordinator over the given analyzers.
func New(svc *investigation.Service, source IntelSource, metrics *observability.Metrics, logger *slog.Logger, cfg Config, analyzers ...Analyzer) *Coordinator {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}
	if cfg.AnalyzerTimeout <= 0 {
		cfg.AnalyzerTimeout = defaultAnalyzerTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		svc:       svc,
		source:    source,
		metrics:   metrics,
		logger:    logger,
		analyzers: analyzers,
		cfg:       cfg,
	}
}

// Run executes the full analysis for one IN_PROGRESS investigation: bounded
// analyzer fan-out, per-domain progress merges, intel corroboration, fusion,
// and completion. Cancellation from another caller is cooperative: the run
// observes the terminal status on its next write and stops without error.
func (c *Coordinator) Run(ctx context.Context, id, callerID string) (investigation.Investigation, error) {
	inv, err := c.svc.Get(id, callerID)
	if err != nil {
		return investigation.Investigation{}, err
	}
	if inv.Status.Terminal() {
		return investigation.Investigation{}, investigation.ErrTerminalState
	}
	if inv.Stage != investigation.StageInProgress {
		return investigation.Investigation{}, fmt.Errorf("%w: run from %s", investigation.ErrInvalidTransition, inv.Stage)
	}

	target, err := repairTarget(inv)
	if err != nil {
		return investigation.Investigation{}, err
	}
	active := c.selectAnalyzers(inv.Settings.Domains)
	if len(active) == 0 {
		return investigation.Investigation{}, fmt.Errorf("no analyzers available for investigation %s", id)
	}

	c.metrics.InvestigationsStarted.Inc()
	c.logger.Info("investigation run started",
		"investigation_id", id, "entity_id", target.EntityID, "domains", len(active))

	if stopped, err := c.fanOut(ctx, id, callerID, target, active); err != nil {
		return c.abort(id, callerID, err)
	} else if stopped {
		return c.svc.Get(id, callerID)
	}

	return c.fuseAndComplete(ctx, id, callerID, target)
}

// fanOut runs analyzers with bounded concurrency, merging each finding as it
// lands. Returns stopped=true when the investigation turned terminal mid-run.
func (c *Coordinator) fanOut(ctx context.Context, id, callerID string, target Target, active []Analyzer) (stopped bool, err error) {
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(c.cfg.MaxConcurrent)

	var done atomic.Int64
	total := int64(len(active))
	for _, analyzer := range active {
		group.Go(func() error {
			finding := c.analyze(groupCtx, analyzer, target)
			pct := timing.SafeDivide(float64(done.Add(1)), float64(total), 0) * analysisShare
			patch := investigation.ProgressPatch{
				ProgressPercentage: &pct,
				Findings:           map[string]investigation.DomainFinding{analyzer.Domain(): finding},
			}
			if err := c.merge(id, callerID, patch); err != nil {
				return fmt.Errorf("merging %s finding: %w", analyzer.Domain(), err)
			}
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		if errors.Is(err, investigation.ErrTerminalState) {
			c.logger.Info("investigation turned terminal mid-run, stopping", "investigation_id", id)
			return true, nil
		}
		return false, err
	}
	return false, nil
}

// analyze invokes one analyzer under its timeout and normalizes the result.
// Analyzer errors become degraded findings; wall time is always recorded.
func (c *Coordinator) analyze(ctx context.Context, analyzer Analyzer, target Target) investigation.DomainFinding {
	domain := analyzer.Domain()
	actx, cancel := context.WithTimeout(ctx, c.cfg.AnalyzerTimeout)
	defer cancel()

	var report Report
	var rec timing.Record
	err := timing.Track(&rec, func() error {
		var aerr error
		report, aerr = analyzer.Analyze(actx, target)
		return aerr
	})
	c.metrics.AnalyzerDuration.WithLabelValues(domain).Observe(timing.SafeDurationSeconds(&rec.TotalDurationMs, 0))

	if err != nil {
		c.metrics.AnalyzerFailures.WithLabelValues(domain).Inc()
		c.logger.Warn("analyzer degraded", "domain", domain, "error", err)
		return investigation.DomainFinding{
			Status:     investigation.FindingInsufficientEvidence,
			Error:      err.Error(),
			DurationMs: rec.TotalDurationMs,
		}
	}

	score := clamp01(report.Score)
	return investigation.DomainFinding{
		RiskScore:  &score,
		Confidence: clamp01(report.Confidence),
		Evidence:   report.Evidence,
		Status:     investigation.FindingOK,
		DurationMs: rec.TotalDurationMs,
	}
}

// merge applies a progress patch with re-read-and-retry on version conflicts.
// A terminal status stops retrying immediately.
func (c *Coordinator) merge(id, callerID string, patch investigation.ProgressPatch) error {
	for attempt := 0; attempt < maxMergeAttempts; attempt++ {
		inv, err := c.svc.Get(id, callerID)
		if err != nil {
			return err
		}
		if inv.Status.Terminal() {
			return investigation.ErrTerminalState
		}
		if _, err := c.svc.UpdateProgress(id, callerID, patch, inv.Version); err != nil {
			if errors.Is(err, investigation.ErrVersionConflict) {
				c.metrics.MergeConflicts.Inc()
				continue
			}
			return err
		}
		return nil
	}
	return fmt.Errorf("progress merge for %s exhausted retries: %w", id, investigation.ErrVersionConflict)
}

// fuseAndComplete looks up external corroboration, fuses the collected
// findings, and drives the investigation to COMPLETED.
func (c *Coordinator) fuseAndComplete(ctx context.Context, id, callerID string, target Target) (investigation.Investigation, error) {
	signal, err := c.source.Lookup(ctx, target.EntityID, target.EntityType)
	if err != nil {
		// Degraded corroboration lowers evidence strength; it never fails a run.
		c.logger.Warn("intel lookup degraded", "investigation_id", id, "error", err)
	}

	for attempt := 0; attempt < maxMergeAttempts; attempt++ {
		inv, err := c.svc.Get(id, callerID)
		if err != nil {
			return investigation.Investigation{}, err
		}
		if inv.Status.Terminal() {
			return inv, nil
		}

		result := fuseFindings(inv.Progress.Findings, signal)
		final, err := c.svc.Complete(id, callerID, inv.Version, &result)
		if err != nil {
			if errors.Is(err, investigation.ErrVersionConflict) {
				c.metrics.MergeConflicts.Inc()
				continue
			}
			if errors.Is(err, investigation.ErrTerminalState) {
				return c.svc.Get(id, callerID)
			}
			return investigation.Investigation{}, err
		}
		c.metrics.FusionVerdicts.WithLabelValues(result.Status).Inc()
		c.metrics.InvestigationsFinished.WithLabelValues(string(investigation.StatusCompleted)).Inc()
		c.logger.Info("investigation completed",
			"investigation_id", id, "risk", fusion.Publish(result.Final), "fusion_status", result.Status)
		return final, nil
	}
	return investigation.Investigation{}, fmt.Errorf("completing %s exhausted retries: %w", id, investigation.ErrVersionConflict)
}

// abort records a run failure on the investigation and surfaces the cause.
func (c *Coordinator) abort(id, callerID string, cause error) (investigation.Investigation, error) {
	inv, err := c.svc.Get(id, callerID)
	if err != nil {
		return investigation.Investigation{}, errors.Join(cause, err)
	}
	if inv.Status.Terminal() {
		return inv, nil
	}
	if _, err := c.svc.Fail(id, callerID, inv.Version, cause.Error()); err != nil &&
		!errors.Is(err, investigation.ErrTerminalState) {
		c.logger.Error("recording run failure", "investigation_id", id, "error", err)
	}
	c.metrics.InvestigationsFinished.WithLabelValues(string(investigation.StatusError)).Inc()
	return investigation.Investigation{}, cause
}

// selectAnalyzers filters the configured analyzers down to the requested
// domains. An empty request means all of them.
func (c *Coordinator) selectAnalyzers(domains []string) []Analyzer {
	if len(domains) == 0 {
		return c.analyzers
	}
	wanted := make(map[string]bool, len(domains))
	for _, d := range domains {
		wanted[d] = true
	}
	var active []Analyzer
	for _, a := range c.analyzers {
		if wanted[a.Domain()] {
			active = append(active, a)
		}
	}
	return active
}

// repairTarget recovers the entity identity from settings, falling back to
// scope entries when the top-level fields were left blank.
func repairTarget(inv investigation.Investigation) (Target, error) {
	if inv.Settings == nil {
		return Target{}, investigation.ErrSettingsMissing
	}
	target := Target{
		EntityID:   inv.Settings.EntityID,
		EntityType: inv.Settings.EntityType,
		Scope:      inv.Settings.Scope,
	}
	if target.EntityID == "" {
		target.EntityID = inv.Settings.Scope["entity_id"]
	}
	if target.EntityType == "" {
		target.EntityType = inv.Settings.Scope["entity_type"]
	}
	if target.EntityID == "" {
		return Target{}, fmt.Errorf("cannot repair entity identity for investigation %s", inv.ID)
	}
	if target.EntityType == "" {
		target.EntityType = "unknown"
	}
	return target, nil
}

// fuseFindings produces the verdict for the collected findings. When no
// domain scored at all there is nothing to fuse: the verdict is the unknown
// result, never a number derived from absent data.
func fuseFindings(findings map[string]investigation.DomainFinding, signal intel.Signal) fusion.Result {
	in, scored := fusionInputs(findings, signal)
	if scored == 0 {
		return fusion.NoEvidence()
	}
	return fusion.Finalize(in)
}

// fusionInputs derives the fusion inputs from collected findings plus the
// external signal, along with how many findings carried a score. Internal
// risk is the confidence-weighted mean over scored OK findings; sources
// counts OK findings backed by at least one evidence item; agreement
// measures how close internal and external assessments sit.
func fusionInputs(findings map[string]investigation.DomainFinding, signal intel.Signal) (fusion.Inputs, int) {
	domains := make([]string, 0, len(findings))
	for domain := range findings {
		domains = append(domains, domain)
	}
	sort.Strings(domains)

	var weightedSum, weightTotal, plainSum float64
	var scored, sources int
	totalEvents := signal.EventCount
	for _, domain := range domains {
		finding := findings[domain]
		if finding.Status != investigation.FindingOK {
			continue
		}
		// Evidence counts even from unscored findings (uploaded documents).
		if len(finding.Evidence) > 0 {
			sources++
			totalEvents += len(finding.Evidence)
		}
		if finding.RiskScore == nil {
			continue
		}
		scored++
		weightedSum += *finding.RiskScore * finding.Confidence
		weightTotal += finding.Confidence
		plainSum += *finding.RiskScore
	}

	internal := timing.SafeDivide(weightedSum, weightTotal, 0)
	if weightTotal == 0 && scored > 0 {
		// All confidences zero: fall back to the plain mean.
		internal = timing.SafeDivide(plainSum, float64(scored), 0)
	}
	return fusion.Inputs{
		Internal:  internal,
		External:  signal.Score,
		ExtLevel:  signal.Level,
		Events:    totalEvents,
		Sources:   sources,
		Agreement: 1 - math.Abs(internal-signal.Score),
	}, scored
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
