package storage

import (
	"errors"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func insertTestInvestigation(t *testing.T, s *Store, id string) InvestigationRecord {
	t.Helper()
	rec := InvestigationRecord{
		ID:           id,
		OwnerID:      "analyst-1",
		Stage:        "CREATED",
		Status:       "CREATED",
		ProgressJSON: "{}",
	}
	if err := s.InsertInvestigation(rec); err != nil {
		t.Fatalf("InsertInvestigation(%s): %v", id, err)
	}
	got, err := s.GetInvestigation(id)
	if err != nil {
		t.Fatalf("GetInvestigation(%s): %v", id, err)
	}
	return got
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema_version count stays correct (migration not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}

	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}

	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

// TestIndexesExist verifies the migration created the expected indexes.
func TestIndexesExist(t *testing.T) {
	s := openTestStore(t)

	indexes := []string{"idx_investigations_owner", "idx_investigations_status", "idx_jobs_status_run_after", "idx_evidence_docs_investigation"}
	for _, idx := range indexes {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&count)
		if err != nil {
			t.Fatalf("querying sqlite_master for %q: %v", idx, err)
		}
		if count != 1 {
			t.Errorf("index %q not found in sqlite_master", idx)
		}
	}
}

func TestInsertInvestigationDuplicate(t *testing.T) {
	s := openTestStore(t)
	insertTestInvestigation(t, s, "inv-1")

	err := s.InsertInvestigation(InvestigationRecord{ID: "inv-1", OwnerID: "other", Stage: "CREATED", Status: "CREATED"})
	if !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("duplicate insert error = %v, want ErrAlreadyExists", err)
	}
}

func TestInvestigationStartsAtVersionOne(t *testing.T) {
	s := openTestStore(t)
	rec := insertTestInvestigation(t, s, "inv-1")
	if rec.Version != 1 {
		t.Errorf("new investigation version = %d, want 1", rec.Version)
	}
}

func TestCompareAndSwapBumpsVersion(t *testing.T) {
	s := openTestStore(t)
	rec := insertTestInvestigation(t, s, "inv-1")

	rec.Stage = "SETTINGS"
	rec.Status = "SETTINGS"
	rec.SettingsJSON = `{"entity_id":"acct-9"}`
	v, err := s.CompareAndSwapInvestigation(rec, rec.Version)
	if err != nil {
		t.Fatalf("CompareAndSwapInvestigation: %v", err)
	}
	if v != 2 {
		t.Errorf("new version = %d, want 2", v)
	}

	got, err := s.GetInvestigation("inv-1")
	if err != nil {
		t.Fatalf("GetInvestigation: %v", err)
	}
	if got.Version != 2 || got.Stage != "SETTINGS" {
		t.Errorf("stored record = version %d stage %q, want 2/SETTINGS", got.Version, got.Stage)
	}
}

func TestCompareAndSwapStaleVersion(t *testing.T) {
	s := openTestStore(t)
	rec := insertTestInvestigation(t, s, "inv-1")

	// First writer wins.
	first := rec
	first.Status = "SETTINGS"
	if _, err := s.CompareAndSwapInvestigation(first, rec.Version); err != nil {
		t.Fatalf("first CAS: %v", err)
	}

	// Second writer with the same expected version loses.
	second := rec
	second.Status = "ERROR"
	_, err := s.CompareAndSwapInvestigation(second, rec.Version)
	if !errors.Is(err, ErrVersionConflict) {
		t.Errorf("stale CAS error = %v, want ErrVersionConflict", err)
	}

	// Retrying against the fresh version succeeds.
	fresh, err := s.GetInvestigation("inv-1")
	if err != nil {
		t.Fatalf("GetInvestigation: %v", err)
	}
	if _, err := s.CompareAndSwapInvestigation(fresh, fresh.Version); err != nil {
		t.Errorf("CAS against fresh version: %v", err)
	}
}

func TestCompareAndSwapUnknownID(t *testing.T) {
	s := openTestStore(t)
	_, err := s.CompareAndSwapInvestigation(InvestigationRecord{ID: "ghost"}, 1)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("CAS on unknown id = %v, want ErrNotFound", err)
	}
}

func TestTouchInvestigationDoesNotBumpVersion(t *testing.T) {
	s := openTestStore(t)
	rec := insertTestInvestigation(t, s, "inv-1")

	if err := s.TouchInvestigation("inv-1", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("TouchInvestigation: %v", err)
	}
	got, err := s.GetInvestigation("inv-1")
	if err != nil {
		t.Fatalf("GetInvestigation: %v", err)
	}
	if got.Version != rec.Version {
		t.Errorf("version changed on touch: %d -> %d", rec.Version, got.Version)
	}
	if !got.LastAccessed.After(rec.LastAccessed) {
		t.Error("last_accessed not advanced")
	}
}

func TestEvidenceDocRoundTrip(t *testing.T) {
	s := openTestStore(t)
	insertTestInvestigation(t, s, "inv-1")

	doc := EvidenceDoc{
		ID:              "doc-1",
		InvestigationID: "inv-1",
		Title:           "wire transfer log",
		Source:          "upload",
		ContentType:     "text",
		Content:         "2026-01-02 transfer $9,900",
		CreatedAt:       time.Now().UTC(),
	}
	if err := s.SaveEvidenceDoc(doc); err != nil {
		t.Fatalf("SaveEvidenceDoc: %v", err)
	}

	got, err := s.GetEvidenceDoc("doc-1")
	if err != nil {
		t.Fatalf("GetEvidenceDoc: %v", err)
	}
	if got.Content != doc.Content || got.InvestigationID != "inv-1" {
		t.Errorf("round trip mismatch: %+v", got)
	}

	docs, err := s.ListEvidenceDocs("inv-1", 10)
	if err != nil {
		t.Fatalf("ListEvidenceDocs: %v", err)
	}
	if len(docs) != 1 {
		t.Errorf("ListEvidenceDocs returned %d docs, want 1", len(docs))
	}
}

func TestJobClaimLifecycle(t *testing.T) {
	s := openTestStore(t)

	job := Job{ID: "job-1", Type: "evidence_extract", PayloadJSON: `{"doc_id":"doc-1"}`}
	if err := s.EnqueueJob(job); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	claimed, err := s.ClaimNextJob([]string{"evidence_extract"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if claimed == nil || claimed.ID != "job-1" {
		t.Fatalf("claimed = %+v, want job-1", claimed)
	}
	if claimed.Status != "running" {
		t.Errorf("claimed status = %q, want running", claimed.Status)
	}

	// A second claim finds nothing.
	again, err := s.ClaimNextJob([]string{"evidence_extract"})
	if err != nil {
		t.Fatalf("second ClaimNextJob: %v", err)
	}
	if again != nil {
		t.Errorf("second claim returned %+v, want nil", again)
	}

	if err := s.CompleteJob("job-1"); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}
}

func TestFailJobRetriesWithBackoff(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueJob(Job{ID: "job-1", Type: "evidence_extract", MaxAttempts: 2}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := s.ClaimNextJob([]string{"evidence_extract"}); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}

	// First failure reschedules.
	if err := s.FailJob("job-1", "extraction error"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}
	var status string
	if err := s.db.QueryRow(`SELECT status FROM jobs WHERE id = 'job-1'`).Scan(&status); err != nil {
		t.Fatalf("querying job status: %v", err)
	}
	if status != "pending" {
		t.Errorf("status after first failure = %q, want pending", status)
	}

	// Second failure exhausts attempts.
	if err := s.FailJob("job-1", "extraction error"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}
	if err := s.db.QueryRow(`SELECT status FROM jobs WHERE id = 'job-1'`).Scan(&status); err != nil {
		t.Fatalf("querying job status: %v", err)
	}
	if status != "failed" {
		t.Errorf("status after exhausting attempts = %q, want failed", status)
	}
}
