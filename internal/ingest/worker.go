package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/caseline/internal/investigation"
	"github.com/kalambet/caseline/internal/storage"
)

// JobType is the queue type this worker consumes.
const JobType = "evidence_extract"

// documentsDomain is the findings key uploaded documents contribute to.
const documentsDomain = "documents"

const maxMergeAttempts = 5

// JobStore abstracts the queue and document operations.
type JobStore interface {
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
	GetEvidenceDoc(id string) (storage.EvidenceDoc, error)
	GetInvestigation(id string) (storage.InvestigationRecord, error)
}

// ProgressUpdater merges extracted evidence into investigation progress.
// *investigation.Service satisfies it.
type ProgressUpdater interface {
	Get(id, callerID string) (investigation.Investigation, error)
	UpdateProgress(id, callerID string, patch investigation.ProgressPatch, expectedVersion int64) (investigation.Investigation, error)
}

// Worker processes evidence_extract jobs from the SQLite job queue.
type Worker struct {
	store   JobStore
	updater ProgressUpdater
	poll    time.Duration
	logger  *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store JobStore, updater ProgressUpdater, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:   store,
		updater: updater,
		poll:    pollInterval,
		logger:  slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single extraction job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob([]string{JobType})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "error", err)
		if failErr := w.store.FailJob(job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

// ExtractPayload is the queue payload for one extraction job.
type ExtractPayload struct {
	EvidenceDocID string `json:"evidence_doc_id"`
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var payload ExtractPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}

	doc, err := w.store.GetEvidenceDoc(payload.EvidenceDocID)
	if err != nil {
		return fmt.Errorf("loading evidence doc %s: %w", payload.EvidenceDocID, err)
	}

	rec, err := w.store.GetInvestigation(doc.InvestigationID)
	if err != nil {
		return fmt.Errorf("loading investigation %s: %w", doc.InvestigationID, err)
	}

	text, err := ExtractText(doc.ContentType, doc.Content)
	if err != nil {
		return fmt.Errorf("extracting %s: %w", doc.ID, err)
	}

	items := buildItems(doc, SplitFragments(text))
	if len(items) == 0 {
		w.logger.Info("document yielded no evidence", "doc_id", doc.ID)
		return nil
	}

	return w.mergeEvidence(doc.InvestigationID, rec.OwnerID, items)
}

func buildItems(doc storage.EvidenceDoc, fragments []string) []investigation.EvidenceItem {
	items := make([]investigation.EvidenceItem, 0, len(fragments))
	for i, fragment := range fragments {
		items = append(items, investigation.EvidenceItem{
			ID:          fmt.Sprintf("%s-%d", doc.ID, i),
			Source:      doc.Source,
			Description: fragment,
		})
	}
	return items
}

// mergeEvidence appends the items to the documents finding with re-read and
// retry on version conflicts. A terminal investigation keeps the raw document
// but accepts no new evidence; the job still succeeds.
func (w *Worker) mergeEvidence(investigationID, ownerID string, items []investigation.EvidenceItem) error {
	for attempt := 0; attempt < maxMergeAttempts; attempt++ {
		inv, err := w.updater.Get(investigationID, ownerID)
		if err != nil {
			return fmt.Errorf("reading investigation %s: %w", investigationID, err)
		}
		if inv.Status.Terminal() {
			w.logger.Info("investigation terminal, evidence not merged", "investigation_id", investigationID)
			return nil
		}

		finding := inv.Progress.Findings[documentsDomain]
		if finding.Status == "" {
			finding.Status = investigation.FindingOK
		}
		finding.Evidence = append(finding.Evidence, items...)

		patch := investigation.ProgressPatch{
			Findings: map[string]investigation.DomainFinding{documentsDomain: finding},
		}
		if _, err := w.updater.UpdateProgress(investigationID, ownerID, patch, inv.Version); err != nil {
			if errors.Is(err, investigation.ErrVersionConflict) {
				continue
			}
			if errors.Is(err, investigation.ErrTerminalState) {
				return nil
			}
			return fmt.Errorf("merging evidence into %s: %w", investigationID, err)
		}
		return nil
	}
	return fmt.Errorf("merging evidence into %s exhausted retries: %w", investigationID, investigation.ErrVersionConflict)
}
