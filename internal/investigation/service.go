package investigation

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kalambet/caseline/internal/fusion"
	"github.com/kalambet/caseline/internal/storage"
)

// Service is the state machine over the durable store. All mutations go
// through the store's version compare-and-swap; the service never retries
// internally.
type Service struct {
	store *storage.Store
}

// NewService creates a Service backed by the given store.
func NewService(store *storage.Store) *Service {
	return &Service{store: store}
}

// Create registers a new investigation in CREATED at version 1.
func (s *Service) Create(id, ownerID string) (Investigation, error) {
	if id == "" {
		return Investigation{}, fmt.Errorf("investigation id is required")
	}
	if ownerID == "" {
		return Investigation{}, fmt.Errorf("owner id is required")
	}

	progress := Progress{SchemaVersion: progressSchemaVersion, CurrentPhase: "created"}
	progressJSON, err := json.Marshal(progress)
	if err != nil {
		return Investigation{}, fmt.Errorf("encoding progress: %w", err)
	}

	rec := storage.InvestigationRecord{
		ID:           id,
		OwnerID:      ownerID,
		Stage:        string(StageCreated),
		Status:       string(StatusCreated),
		ProgressJSON: string(progressJSON),
	}
	if err := s.store.InsertInvestigation(rec); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return Investigation{}, ErrAlreadyExists
		}
		return Investigation{}, fmt.Errorf("inserting investigation: %w", err)
	}
	return s.Get(id, ownerID)
}

// Get fetches an investigation, enforcing ownership. Unknown ids and foreign
// callers produce the same ErrNotFound so existence is never leaked.
func (s *Service) Get(id, callerID string) (Investigation, error) {
	rec, err := s.store.GetInvestigation(id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Investigation{}, ErrNotFound
		}
		return Investigation{}, fmt.Errorf("fetching investigation: %w", err)
	}
	if rec.OwnerID != callerID {
		return Investigation{}, ErrNotFound
	}
	if err := s.store.TouchInvestigation(id, time.Now().UTC()); err != nil {
		// Best effort; reads must not fail because a touch lost a race.
		if !errors.Is(err, storage.ErrNotFound) {
			return Investigation{}, fmt.Errorf("touching investigation: %w", err)
		}
	}
	return decode(rec)
}

// AttachSettings moves CREATED -> SETTINGS and stores the write-once settings.
func (s *Service) AttachSettings(id, callerID string, settings Settings, expectedVersion int64) (Investigation, error) {
	inv, err := s.Get(id, callerID)
	if err != nil {
		return Investigation{}, err
	}
	if inv.Status.Terminal() {
		return Investigation{}, ErrTerminalState
	}
	if inv.Stage != StageCreated {
		return Investigation{}, fmt.Errorf("%w: attach_settings from %s", ErrInvalidTransition, inv.Stage)
	}
	if settings.EntityID == "" {
		return Investigation{}, fmt.Errorf("settings entity_id is required")
	}
	if settings.SchemaVersion == 0 {
		settings.SchemaVersion = progressSchemaVersion
	}

	inv.Stage = StageSettings
	inv.Status = StatusSettings
	inv.Settings = &settings
	inv.Progress.CurrentPhase = "configured"
	inv.Progress.Timeline = append(inv.Progress.Timeline, PhaseEvent{Phase: "configured", At: time.Now().UTC()})
	return s.swap(inv, expectedVersion)
}

// AdvanceToInProgress moves SETTINGS -> IN_PROGRESS. Settings must be present.
func (s *Service) AdvanceToInProgress(id, callerID string, expectedVersion int64) (Investigation, error) {
	inv, err := s.Get(id, callerID)
	if err != nil {
		return Investigation{}, err
	}
	if inv.Status.Terminal() {
		return Investigation{}, ErrTerminalState
	}
	if inv.Stage != StageSettings {
		return Investigation{}, fmt.Errorf("%w: advance_to_in_progress from %s", ErrInvalidTransition, inv.Stage)
	}
	if inv.Settings == nil {
		return Investigation{}, ErrSettingsMissing
	}

	inv.Stage = StageInProgress
	inv.Status = StatusInProgress
	inv.Progress.CurrentPhase = "analysis"
	inv.Progress.Timeline = append(inv.Progress.Timeline, PhaseEvent{Phase: "analysis", At: time.Now().UTC()})
	return s.swap(inv, expectedVersion)
}

// UpdateProgress merges a patch into progress: findings upsert by domain key,
// phase and percentage replace (percentage never regresses). Rejected once
// the status is terminal.
func (s *Service) UpdateProgress(id, callerID string, patch ProgressPatch, expectedVersion int64) (Investigation, error) {
	inv, err := s.Get(id, callerID)
	if err != nil {
		return Investigation{}, err
	}
	if inv.Status.Terminal() {
		return Investigation{}, ErrTerminalState
	}

	if patch.CurrentPhase != "" && patch.CurrentPhase != inv.Progress.CurrentPhase {
		inv.Progress.CurrentPhase = patch.CurrentPhase
		inv.Progress.Timeline = append(inv.Progress.Timeline, PhaseEvent{Phase: patch.CurrentPhase, At: time.Now().UTC()})
	}
	if patch.ProgressPercentage != nil && *patch.ProgressPercentage > inv.Progress.ProgressPercentage {
		pct := *patch.ProgressPercentage
		if pct > 100 {
			pct = 100
		}
		inv.Progress.ProgressPercentage = pct
	}
	if len(patch.Findings) > 0 {
		if inv.Progress.Findings == nil {
			inv.Progress.Findings = make(map[string]DomainFinding, len(patch.Findings))
		}
		for domain, finding := range patch.Findings {
			inv.Progress.Findings[domain] = finding
		}
	}
	if patch.FusedRisk != nil {
		inv.Progress.FusedRisk = patch.FusedRisk
	}

	return s.swap(inv, expectedVersion)
}

// Complete moves the investigation to COMPLETED with its final fused result.
// Retrying a completed investigation is an idempotent no-op.
func (s *Service) Complete(id, callerID string, expectedVersion int64, final *fusion.Result) (Investigation, error) {
	return s.finish(id, callerID, expectedVersion, StatusCompleted, "", final)
}

// Fail moves the investigation to ERROR, recording the failure reason.
func (s *Service) Fail(id, callerID string, expectedVersion int64, reason string) (Investigation, error) {
	return s.finish(id, callerID, expectedVersion, StatusError, reason, nil)
}

// Cancel moves the investigation to CANCELLED. In-flight analyzer merges will
// observe the terminal state on their next write attempt and stop.
func (s *Service) Cancel(id, callerID string, expectedVersion int64) (Investigation, error) {
	return s.finish(id, callerID, expectedVersion, StatusCancelled, "", nil)
}

func (s *Service) finish(id, callerID string, expectedVersion int64, target Status, reason string, final *fusion.Result) (Investigation, error) {
	inv, err := s.Get(id, callerID)
	if err != nil {
		return Investigation{}, err
	}
	if inv.Status.Terminal() {
		if inv.Status == target {
			return inv, nil
		}
		return Investigation{}, ErrTerminalState
	}

	inv.Status = target
	if target == StatusCompleted {
		inv.Stage = StageCompleted
		inv.Progress.ProgressPercentage = 100
	}
	inv.Error = reason
	if final != nil {
		inv.Progress.FusedRisk = final
	}
	phase := map[Status]string{
		StatusCompleted: "completed",
		StatusError:     "failed",
		StatusCancelled: "cancelled",
	}[target]
	inv.Progress.CurrentPhase = phase
	inv.Progress.Timeline = append(inv.Progress.Timeline, PhaseEvent{Phase: phase, At: time.Now().UTC()})
	return s.swap(inv, expectedVersion)
}

// swap encodes and writes the investigation through the store CAS.
func (s *Service) swap(inv Investigation, expectedVersion int64) (Investigation, error) {
	rec, err := encode(inv)
	if err != nil {
		return Investigation{}, err
	}
	newVersion, err := s.store.CompareAndSwapInvestigation(rec, expectedVersion)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrVersionConflict):
			return Investigation{}, ErrVersionConflict
		case errors.Is(err, storage.ErrNotFound):
			return Investigation{}, ErrNotFound
		}
		return Investigation{}, fmt.Errorf("writing investigation: %w", err)
	}
	inv.Version = newVersion
	inv.UpdatedAt = time.Now().UTC()
	return inv, nil
}

func encode(inv Investigation) (storage.InvestigationRecord, error) {
	settingsJSON := ""
	if inv.Settings != nil {
		data, err := json.Marshal(inv.Settings)
		if err != nil {
			return storage.InvestigationRecord{}, fmt.Errorf("encoding settings: %w", err)
		}
		settingsJSON = string(data)
	}
	if inv.Progress.SchemaVersion == 0 {
		inv.Progress.SchemaVersion = progressSchemaVersion
	}
	progressJSON, err := json.Marshal(inv.Progress)
	if err != nil {
		return storage.InvestigationRecord{}, fmt.Errorf("encoding progress: %w", err)
	}
	return storage.InvestigationRecord{
		ID:           inv.ID,
		OwnerID:      inv.OwnerID,
		Stage:        string(inv.Stage),
		Status:       string(inv.Status),
		SettingsJSON: settingsJSON,
		ProgressJSON: string(progressJSON),
		Error:        inv.Error,
		Version:      inv.Version,
	}, nil
}

func decode(rec storage.InvestigationRecord) (Investigation, error) {
	inv := Investigation{
		ID:           rec.ID,
		OwnerID:      rec.OwnerID,
		Stage:        Stage(rec.Stage),
		Status:       Status(rec.Status),
		Error:        rec.Error,
		Version:      rec.Version,
		CreatedAt:    rec.CreatedAt,
		UpdatedAt:    rec.UpdatedAt,
		LastAccessed: rec.LastAccessed,
	}
	if rec.SettingsJSON != "" {
		var settings Settings
		if err := json.Unmarshal([]byte(rec.SettingsJSON), &settings); err != nil {
			return Investigation{}, fmt.Errorf("decoding settings for %s: %w", rec.ID, err)
		}
		inv.Settings = &settings
	}
	if rec.ProgressJSON != "" {
		if err := json.Unmarshal([]byte(rec.ProgressJSON), &inv.Progress); err != nil {
			return Investigation{}, fmt.Errorf("decoding progress for %s: %w", rec.ID, err)
		}
	}
	if inv.Progress.SchemaVersion == 0 {
		inv.Progress.SchemaVersion = progressSchemaVersion
	}
	return inv, nil
}
