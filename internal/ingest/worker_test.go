package ingest

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/caseline/internal/investigation"
	"github.com/kalambet/caseline/internal/storage"
)

const testOwner = "analyst-1"

func newTestWorker(t *testing.T) (*Worker, *storage.Store, *investigation.Service) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	svc := investigation.NewService(store)
	return NewWorker(store, svc, 10*time.Millisecond), store, svc
}

func createActiveInvestigation(t *testing.T, svc *investigation.Service, id string) investigation.Investigation {
	t.Helper()
	inv, err := svc.Create(id, testOwner)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	inv, err = svc.AttachSettings(id, testOwner, investigation.Settings{EntityID: "acct-9", EntityType: "account"}, inv.Version)
	if err != nil {
		t.Fatalf("AttachSettings: %v", err)
	}
	inv, err = svc.AdvanceToInProgress(id, testOwner, inv.Version)
	if err != nil {
		t.Fatalf("AdvanceToInProgress: %v", err)
	}
	return inv
}

func enqueueDoc(t *testing.T, store *storage.Store, doc storage.EvidenceDoc) {
	t.Helper()
	doc.CreatedAt = time.Now().UTC()
	if err := store.SaveEvidenceDoc(doc); err != nil {
		t.Fatalf("SaveEvidenceDoc: %v", err)
	}
	payload, _ := json.Marshal(ExtractPayload{EvidenceDocID: doc.ID})
	if err := store.EnqueueJob(storage.Job{ID: "job-" + doc.ID, Type: JobType, PayloadJSON: string(payload)}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
}

func TestRunOnceExtractsTextIntoFindings(t *testing.T) {
	w, store, svc := newTestWorker(t)
	createActiveInvestigation(t, svc, "inv-1")
	enqueueDoc(t, store, storage.EvidenceDoc{
		ID:              "doc-1",
		InvestigationID: "inv-1",
		Title:           "chargeback log",
		Source:          "payments",
		ContentType:     "text",
		Content:         "Three chargebacks within 24 hours.\n\nCard testing pattern on merchant 42.",
	})

	done, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if !done {
		t.Fatal("RunOnce found no job")
	}

	inv, err := svc.Get("inv-1", testOwner)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	finding, ok := inv.Progress.Findings[documentsDomain]
	if !ok {
		t.Fatal("documents finding missing")
	}
	if len(finding.Evidence) != 2 {
		t.Fatalf("evidence items = %d, want 2 (one per paragraph)", len(finding.Evidence))
	}
	if finding.Evidence[0].Source != "payments" {
		t.Errorf("evidence source = %q, want payments", finding.Evidence[0].Source)
	}
	if finding.Status != investigation.FindingOK {
		t.Errorf("finding status = %q, want OK", finding.Status)
	}
}

func TestRunOnceAppendsToExistingEvidence(t *testing.T) {
	w, store, svc := newTestWorker(t)
	createActiveInvestigation(t, svc, "inv-1")

	enqueueDoc(t, store, storage.EvidenceDoc{
		ID: "doc-1", InvestigationID: "inv-1", Source: "payments",
		ContentType: "text", Content: "first fragment",
	})
	enqueueDoc(t, store, storage.EvidenceDoc{
		ID: "doc-2", InvestigationID: "inv-1", Source: "support",
		ContentType: "text", Content: "second fragment",
	})

	for i := 0; i < 2; i++ {
		if done, err := w.RunOnce(context.Background()); err != nil || !done {
			t.Fatalf("RunOnce #%d = (%v, %v)", i, done, err)
		}
	}

	inv, _ := svc.Get("inv-1", testOwner)
	if got := len(inv.Progress.Findings[documentsDomain].Evidence); got != 2 {
		t.Errorf("evidence items = %d, want 2 accumulated across docs", got)
	}
}

func TestRunOnceTerminalInvestigationCompletesJobWithoutMerge(t *testing.T) {
	w, store, svc := newTestWorker(t)
	inv := createActiveInvestigation(t, svc, "inv-1")
	if _, err := svc.Cancel("inv-1", testOwner, inv.Version); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	enqueueDoc(t, store, storage.EvidenceDoc{
		ID: "doc-1", InvestigationID: "inv-1", Source: "payments",
		ContentType: "text", Content: "late evidence",
	})

	if done, err := w.RunOnce(context.Background()); err != nil || !done {
		t.Fatalf("RunOnce = (%v, %v)", done, err)
	}

	got, _ := svc.Get("inv-1", testOwner)
	if len(got.Progress.Findings[documentsDomain].Evidence) != 0 {
		t.Error("evidence merged into a terminal investigation")
	}
	// The job must not be retried forever.
	if job, err := store.ClaimNextJob([]string{JobType}); err != nil || job != nil {
		t.Errorf("job still claimable = (%v, %v), want completed", job, err)
	}
}

func TestRunOnceBadContentTypeFailsJob(t *testing.T) {
	w, store, svc := newTestWorker(t)
	createActiveInvestigation(t, svc, "inv-1")
	enqueueDoc(t, store, storage.EvidenceDoc{
		ID: "doc-1", InvestigationID: "inv-1", Source: "payments",
		ContentType: "spreadsheet", Content: "cells",
	})

	if done, err := w.RunOnce(context.Background()); err != nil || !done {
		t.Fatalf("RunOnce = (%v, %v)", done, err)
	}

	inv, _ := svc.Get("inv-1", testOwner)
	if len(inv.Progress.Findings) != 0 {
		t.Error("unparseable document produced findings")
	}
}

func TestRunOnceNoJobs(t *testing.T) {
	w, _, _ := newTestWorker(t)
	if done, err := w.RunOnce(context.Background()); err != nil || done {
		t.Errorf("RunOnce on empty queue = (%v, %v), want (false, nil)", done, err)
	}
}

func TestExtractTextPassthrough(t *testing.T) {
	got, err := ExtractText("text", "plain content")
	if err != nil || got != "plain content" {
		t.Errorf("ExtractText(text) = (%q, %v)", got, err)
	}
}

func TestExtractTextRejectsUnknownType(t *testing.T) {
	if _, err := ExtractText("docx", "blob"); err == nil {
		t.Error("unknown content type accepted")
	}
}

func TestExtractTextRejectsBadBase64PDF(t *testing.T) {
	if _, err := ExtractText("pdf", "not-base64!!!"); err == nil {
		t.Error("invalid base64 pdf accepted")
	}
}

func TestSplitFragments(t *testing.T) {
	text := "first para\nsecond line\n\n  \n\nthird para"
	fragments := SplitFragments(text)
	if len(fragments) != 2 {
		t.Fatalf("fragments = %d, want 2", len(fragments))
	}
	if fragments[0] != "first para second line" {
		t.Errorf("fragment[0] = %q", fragments[0])
	}
}

func TestSplitFragmentsCapsCountAndLength(t *testing.T) {
	long := strings.Repeat("x", 500)
	text := strings.Repeat(long+"\n\n", 30)
	fragments := SplitFragments(text)
	if len(fragments) != maxItemsPerDoc {
		t.Errorf("fragments = %d, want %d", len(fragments), maxItemsPerDoc)
	}
	for _, f := range fragments {
		if len(f) > maxDescriptionLen {
			t.Errorf("fragment length %d exceeds %d", len(f), maxDescriptionLen)
		}
	}
}
