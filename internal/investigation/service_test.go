package investigation

import (
	"errors"
	"sync"
	"testing"

	"github.com/kalambet/caseline/internal/fusion"
	"github.com/kalambet/caseline/internal/storage"
)

const testOwner = "analyst-1"

func newTestService(t *testing.T) *Service {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return NewService(s)
}

func createConfigured(t *testing.T, svc *Service, id string) Investigation {
	t.Helper()
	inv, err := svc.Create(id, testOwner)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	inv, err = svc.AttachSettings(id, testOwner, Settings{EntityID: "acct-9", EntityType: "account"}, inv.Version)
	if err != nil {
		t.Fatalf("AttachSettings: %v", err)
	}
	return inv
}

func createInProgress(t *testing.T, svc *Service, id string) Investigation {
	t.Helper()
	inv := createConfigured(t, svc, id)
	inv, err := svc.AdvanceToInProgress(id, testOwner, inv.Version)
	if err != nil {
		t.Fatalf("AdvanceToInProgress: %v", err)
	}
	return inv
}

func TestCreateAndGet(t *testing.T) {
	svc := newTestService(t)

	inv, err := svc.Create("inv-1", testOwner)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if inv.Stage != StageCreated || inv.Status != StatusCreated {
		t.Errorf("new investigation = %s/%s, want CREATED/CREATED", inv.Stage, inv.Status)
	}
	if inv.Version != 1 {
		t.Errorf("version = %d, want 1", inv.Version)
	}

	if _, err := svc.Create("inv-1", testOwner); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("duplicate Create = %v, want ErrAlreadyExists", err)
	}
}

func TestGetCollapsesUnauthorizedToNotFound(t *testing.T) {
	svc := newTestService(t)
	if _, err := svc.Create("inv-1", testOwner); err != nil {
		t.Fatalf("Create: %v", err)
	}

	_, unknownErr := svc.Get("ghost", testOwner)
	_, foreignErr := svc.Get("inv-1", "someone-else")
	if !errors.Is(unknownErr, ErrNotFound) || !errors.Is(foreignErr, ErrNotFound) {
		t.Errorf("unknown=%v foreign=%v, both want ErrNotFound", unknownErr, foreignErr)
	}
}

func TestLifecycleHappyPath(t *testing.T) {
	svc := newTestService(t)

	inv, err := svc.Create("inv-1", testOwner)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	inv, err = svc.AttachSettings("inv-1", testOwner, Settings{EntityID: "acct-9"}, inv.Version)
	if err != nil {
		t.Fatalf("AttachSettings: %v", err)
	}
	if inv.Stage != StageSettings || inv.Version != 2 {
		t.Errorf("after settings: %s v%d, want SETTINGS v2", inv.Stage, inv.Version)
	}

	inv, err = svc.AdvanceToInProgress("inv-1", testOwner, inv.Version)
	if err != nil {
		t.Fatalf("AdvanceToInProgress: %v", err)
	}
	if inv.Stage != StageInProgress || inv.Version != 3 {
		t.Errorf("after advance: %s v%d, want IN_PROGRESS v3", inv.Stage, inv.Version)
	}

	inv, err = svc.Complete("inv-1", testOwner, inv.Version, nil)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if inv.Status != StatusCompleted || inv.Progress.ProgressPercentage != 100 {
		t.Errorf("after complete: %s %.0f%%, want COMPLETED 100%%", inv.Status, inv.Progress.ProgressPercentage)
	}
}

func TestOutOfOrderTransitions(t *testing.T) {
	svc := newTestService(t)

	inv, err := svc.Create("inv-1", testOwner)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Advance before settings.
	if _, err := svc.AdvanceToInProgress("inv-1", testOwner, inv.Version); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("advance from CREATED = %v, want ErrInvalidTransition", err)
	}

	// Settings twice.
	inv, err = svc.AttachSettings("inv-1", testOwner, Settings{EntityID: "acct-9"}, inv.Version)
	if err != nil {
		t.Fatalf("AttachSettings: %v", err)
	}
	if _, err := svc.AttachSettings("inv-1", testOwner, Settings{EntityID: "acct-2"}, inv.Version); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("second AttachSettings = %v, want ErrInvalidTransition", err)
	}
}

func TestVersionConflictOnStaleWrite(t *testing.T) {
	svc := newTestService(t)
	inv := createInProgress(t, svc, "inv-1")

	pct := 10.0
	if _, err := svc.UpdateProgress("inv-1", testOwner, ProgressPatch{ProgressPercentage: &pct}, inv.Version); err != nil {
		t.Fatalf("first UpdateProgress: %v", err)
	}

	// Same expected version again: lost update detected.
	_, err := svc.UpdateProgress("inv-1", testOwner, ProgressPatch{ProgressPercentage: &pct}, inv.Version)
	if !errors.Is(err, ErrVersionConflict) {
		t.Errorf("stale UpdateProgress = %v, want ErrVersionConflict", err)
	}

	// Re-read and retry succeeds.
	fresh, err := svc.Get("inv-1", testOwner)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, err := svc.UpdateProgress("inv-1", testOwner, ProgressPatch{CurrentPhase: "retry"}, fresh.Version); err != nil {
		t.Errorf("retry after re-read: %v", err)
	}
}

func TestConcurrentProgressWritersExactlyOneWins(t *testing.T) {
	svc := newTestService(t)
	inv := createInProgress(t, svc, "inv-1")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			pct := float64(20 + i)
			_, errs[i] = svc.UpdateProgress("inv-1", testOwner, ProgressPatch{ProgressPercentage: &pct}, inv.Version)
		}(i)
	}
	wg.Wait()

	var conflicts, successes int
	for _, err := range errs {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, ErrVersionConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if successes != 1 || conflicts != 1 {
		t.Errorf("successes=%d conflicts=%d, want exactly one of each", successes, conflicts)
	}
}

func TestProgressMergeSemantics(t *testing.T) {
	svc := newTestService(t)
	inv := createInProgress(t, svc, "inv-1")

	score := 0.4
	inv, err := svc.UpdateProgress("inv-1", testOwner, ProgressPatch{
		CurrentPhase: "network-analysis",
		Findings: map[string]DomainFinding{
			"network": {RiskScore: &score, Confidence: 0.8, Status: FindingOK},
		},
	}, inv.Version)
	if err != nil {
		t.Fatalf("UpdateProgress: %v", err)
	}

	// Second domain upserts alongside, not replacing.
	devScore := 0.6
	inv, err = svc.UpdateProgress("inv-1", testOwner, ProgressPatch{
		Findings: map[string]DomainFinding{
			"device": {RiskScore: &devScore, Confidence: 0.5, Status: FindingOK},
		},
	}, inv.Version)
	if err != nil {
		t.Fatalf("second UpdateProgress: %v", err)
	}
	if len(inv.Progress.Findings) != 2 {
		t.Errorf("findings count = %d, want 2", len(inv.Progress.Findings))
	}

	// Percentage never regresses.
	high, low := 80.0, 30.0
	inv, err = svc.UpdateProgress("inv-1", testOwner, ProgressPatch{ProgressPercentage: &high}, inv.Version)
	if err != nil {
		t.Fatalf("UpdateProgress: %v", err)
	}
	inv, err = svc.UpdateProgress("inv-1", testOwner, ProgressPatch{ProgressPercentage: &low}, inv.Version)
	if err != nil {
		t.Fatalf("UpdateProgress: %v", err)
	}
	if inv.Progress.ProgressPercentage != 80 {
		t.Errorf("percentage regressed to %.0f, want 80", inv.Progress.ProgressPercentage)
	}
}

func TestTerminalStateFreezesProgress(t *testing.T) {
	svc := newTestService(t)
	inv := createInProgress(t, svc, "inv-1")

	inv, err := svc.Cancel("inv-1", testOwner, inv.Version)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	pct := 50.0
	if _, err := svc.UpdateProgress("inv-1", testOwner, ProgressPatch{ProgressPercentage: &pct}, inv.Version); !errors.Is(err, ErrTerminalState) {
		t.Errorf("UpdateProgress after cancel = %v, want ErrTerminalState", err)
	}
}

func TestTerminalIdempotency(t *testing.T) {
	svc := newTestService(t)
	inv := createInProgress(t, svc, "inv-1")

	done, err := svc.Cancel("inv-1", testOwner, inv.Version)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	// Same terminal target again: no-op, no version bump.
	again, err := svc.Cancel("inv-1", testOwner, done.Version)
	if err != nil {
		t.Fatalf("idempotent Cancel: %v", err)
	}
	if again.Version != done.Version {
		t.Errorf("version bumped on idempotent cancel: %d -> %d", done.Version, again.Version)
	}

	// Different terminal target: conflict.
	if _, err := svc.Fail("inv-1", testOwner, done.Version, "oops"); !errors.Is(err, ErrTerminalState) {
		t.Errorf("Fail after Cancel = %v, want ErrTerminalState", err)
	}
}

func TestResultsRequireCompletion(t *testing.T) {
	svc := newTestService(t)
	inv := createInProgress(t, svc, "inv-1")

	if _, err := svc.Results("inv-1", testOwner); !errors.Is(err, ErrNotCompleted) {
		t.Errorf("Results before completion = %v, want ErrNotCompleted", err)
	}

	final := fusion.Finalize(fusion.Inputs{
		Internal: 0.9, External: 0.1, ExtLevel: fusion.LevelMinimal,
		Events: 1, Sources: 1, Agreement: 0.2,
	})
	score := 0.9
	inv, err := svc.UpdateProgress("inv-1", testOwner, ProgressPatch{
		Findings: map[string]DomainFinding{
			"device": {RiskScore: &score, Confidence: 0.9, Status: FindingOK},
		},
	}, inv.Version)
	if err != nil {
		t.Fatalf("UpdateProgress: %v", err)
	}
	if _, err = svc.Complete("inv-1", testOwner, inv.Version, &final); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	res, err := svc.Results("inv-1", testOwner)
	if err != nil {
		t.Fatalf("Results: %v", err)
	}
	if res.FusionStatus != fusion.StatusCapped {
		t.Errorf("FusionStatus = %q, want capped", res.FusionStatus)
	}
	if res.RiskScore == nil || *res.RiskScore > 0.40 {
		t.Errorf("RiskScore = %v, want capped at <= 0.40", res.RiskScore)
	}
	if len(res.Findings) != 1 || res.Findings[0].Domain != "device" {
		t.Errorf("Findings = %+v, want single device finding", res.Findings)
	}
	if len(res.Recommendations) == 0 {
		t.Error("expected recommendations for a capped verdict")
	}
}

func TestRiskLevelBands(t *testing.T) {
	cases := []struct {
		score float64
		want  string
	}{
		{0.1, "low"},
		{0.3, "medium"},
		{0.6, "high"},
		{0.9, "critical"},
	}
	for _, c := range cases {
		if got := riskLevel(c.score); got != c.want {
			t.Errorf("riskLevel(%v) = %q, want %q", c.score, got, c.want)
		}
	}
}
