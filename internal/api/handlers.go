// Package api exposes the investigation coordination engine over HTTP and
// MCP. The HTTP surface is built for agent swarms that poll aggressively:
// status reads are served through a short-TTL cache with ETag revalidation
// and every response carries a recommended polling interval.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kalambet/caseline/internal/fusion"
	"github.com/kalambet/caseline/internal/ingest"
	"github.com/kalambet/caseline/internal/investigation"
	"github.com/kalambet/caseline/internal/observability"
	"github.com/kalambet/caseline/internal/polling"
	"github.com/kalambet/caseline/internal/storage"
)

const maxRequestBodySize = 1 << 20   // 1MB
const maxEvidenceBodySize = 10 << 20 // 10MB

// Runner starts the analysis phase for an investigation. The coordinator
// satisfies it; tests substitute a no-op.
type Runner interface {
	Run(ctx context.Context, id, callerID string) (investigation.Investigation, error)
}

type AppDeps struct {
	Service *investigation.Service
	Store   *storage.Store
	Cache   *polling.StatusCache
	Metrics *observability.Metrics
	Token   string
	Runner  Runner // optional; if nil, advancing does not auto-start analysis
	Logger  *slog.Logger
}

func NewAppHandler(deps AppDeps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Get("/health", handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))
		r.Post("/investigations", handleCreate(deps))
		r.Get("/investigations/{id}/status", handleStatus(deps))
		r.Get("/investigations/{id}/results", handleResults(deps))
		r.Post("/investigations/{id}/settings", handleSettings(deps))
		r.Post("/investigations/{id}/advance", handleAdvance(deps))
		r.Post("/investigations/{id}/progress", handleProgress(deps))
		r.Post("/investigations/{id}/complete", handleComplete(deps))
		r.Post("/investigations/{id}/fail", handleFail(deps))
		r.Post("/investigations/{id}/cancel", handleCancel(deps))
		r.Post("/investigations/{id}/evidence", handleEvidence(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

type createRequest struct {
	InvestigationID string `json:"investigation_id"`
}

func handleCreate(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := callerID(w, r)
		if !ok {
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req createRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && r.ContentLength > 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.InvestigationID == "" {
			req.InvestigationID = uuid.New().String()
		}

		inv, err := deps.Service.Create(req.InvestigationID, caller)
		if err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, inv)
	}
}

// statusResponse is the poll payload. The ETag travels in the header; the
// version is repeated in the body so clients can build their next
// conditional or compare-and-swap request without parsing headers.
type statusResponse struct {
	InvestigationID           string         `json:"investigation_id"`
	Stage                     string         `json:"lifecycle_stage"`
	Status                    string         `json:"status"`
	CurrentPhase              string         `json:"current_phase,omitempty"`
	ProgressPercentage        float64        `json:"progress_percentage"`
	FusedRisk                 *fusion.Result `json:"fused_risk,omitempty"`
	Error                     string         `json:"error,omitempty"`
	Version                   int64          `json:"version"`
	RecommendedPollIntervalMs int64          `json:"recommended_poll_interval_ms"`
}

type cachedStatus struct {
	resp    statusResponse
	etag    string
	version int64
}

func handleStatus(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := callerID(w, r)
		if !ok {
			return
		}
		id := chi.URLParam(r, "id")

		if value, ok := deps.Cache.Get(id, caller); ok {
			deps.Metrics.StatusCacheHits.Inc()
			writeStatus(w, r, value.(cachedStatus))
			return
		}
		deps.Metrics.StatusCacheMisses.Inc()

		inv, err := deps.Service.Get(id, caller)
		if err != nil {
			serviceError(w, err)
			return
		}

		entry := cachedStatus{
			resp: statusResponse{
				InvestigationID:    inv.ID,
				Stage:              string(inv.Stage),
				Status:             string(inv.Status),
				CurrentPhase:       inv.Progress.CurrentPhase,
				ProgressPercentage: inv.Progress.ProgressPercentage,
				FusedRisk:          inv.Progress.FusedRisk,
				Error:              inv.Error,
				Version:            inv.Version,
				RecommendedPollIntervalMs: polling.RecommendedInterval(
					inv.Status, inv.Stage, time.Since(inv.UpdatedAt),
				).Milliseconds(),
			},
			etag:    polling.ETag(inv.ID, inv.Version),
			version: inv.Version,
		}
		deps.Cache.Set(id, caller, entry)
		writeStatus(w, r, entry)
	}
}

func writeStatus(w http.ResponseWriter, r *http.Request, entry cachedStatus) {
	w.Header().Set("ETag", entry.etag)
	if match := r.Header.Get("If-None-Match"); match != "" && polling.ETagMatches(entry.version, match) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	writeJSON(w, http.StatusOK, entry.resp)
}

func handleResults(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := callerID(w, r)
		if !ok {
			return
		}
		res, err := deps.Service.Results(chi.URLParam(r, "id"), caller)
		if err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

type settingsRequest struct {
	Settings        investigation.Settings `json:"settings"`
	ExpectedVersion int64                  `json:"expected_version"`
}

func handleSettings(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := callerID(w, r)
		if !ok {
			return
		}
		id := chi.URLParam(r, "id")
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req settingsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Settings.EntityID == "" && req.Settings.Scope["entity_id"] == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "settings.entity_id is required")
			return
		}
		if req.Settings.EntityID == "" {
			req.Settings.EntityID = req.Settings.Scope["entity_id"]
		}

		inv, err := deps.Service.AttachSettings(id, caller, req.Settings, req.ExpectedVersion)
		if err != nil {
			serviceError(w, err)
			return
		}
		deps.Cache.Invalidate(id)
		writeJSON(w, http.StatusOK, inv)
	}
}

type versionRequest struct {
	ExpectedVersion int64 `json:"expected_version"`
}

func decodeVersion(w http.ResponseWriter, r *http.Request) (int64, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var req versionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return 0, false
	}
	return req.ExpectedVersion, true
}

func handleAdvance(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := callerID(w, r)
		if !ok {
			return
		}
		id := chi.URLParam(r, "id")
		expected, ok := decodeVersion(w, r)
		if !ok {
			return
		}

		inv, err := deps.Service.AdvanceToInProgress(id, caller, expected)
		if err != nil {
			serviceError(w, err)
			return
		}
		deps.Cache.Invalidate(id)

		if deps.Runner != nil {
			go func() {
				if _, err := deps.Runner.Run(context.Background(), id, caller); err != nil {
					deps.Logger.Error("analysis run failed", "investigation_id", id, "error", err)
				}
			}()
		}
		writeJSON(w, http.StatusOK, inv)
	}
}

type progressRequest struct {
	investigation.ProgressPatch
	ExpectedVersion int64 `json:"expected_version"`
}

func handleProgress(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := callerID(w, r)
		if !ok {
			return
		}
		id := chi.URLParam(r, "id")
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req progressRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		inv, err := deps.Service.UpdateProgress(id, caller, req.ProgressPatch, req.ExpectedVersion)
		if err != nil {
			serviceError(w, err)
			return
		}
		deps.Cache.Invalidate(id)
		writeJSON(w, http.StatusOK, inv)
	}
}

func handleComplete(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := callerID(w, r)
		if !ok {
			return
		}
		id := chi.URLParam(r, "id")
		expected, ok := decodeVersion(w, r)
		if !ok {
			return
		}
		inv, err := deps.Service.Complete(id, caller, expected, nil)
		if err != nil {
			serviceError(w, err)
			return
		}
		deps.Cache.Invalidate(id)
		writeJSON(w, http.StatusOK, inv)
	}
}

type failRequest struct {
	ExpectedVersion int64  `json:"expected_version"`
	Reason          string `json:"reason"`
}

func handleFail(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := callerID(w, r)
		if !ok {
			return
		}
		id := chi.URLParam(r, "id")
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req failRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Reason == "" {
			req.Reason = "failed by caller"
		}

		inv, err := deps.Service.Fail(id, caller, req.ExpectedVersion, req.Reason)
		if err != nil {
			serviceError(w, err)
			return
		}
		deps.Cache.Invalidate(id)
		writeJSON(w, http.StatusOK, inv)
	}
}

func handleCancel(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := callerID(w, r)
		if !ok {
			return
		}
		id := chi.URLParam(r, "id")
		expected, ok := decodeVersion(w, r)
		if !ok {
			return
		}
		inv, err := deps.Service.Cancel(id, caller, expected)
		if err != nil {
			serviceError(w, err)
			return
		}
		deps.Cache.Invalidate(id)
		writeJSON(w, http.StatusOK, inv)
	}
}

type evidenceRequest struct {
	Title       string `json:"title"`
	Source      string `json:"source"`
	ContentType string `json:"content_type"`
	Content     string `json:"content"`
}

func handleEvidence(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := callerID(w, r)
		if !ok {
			return
		}
		id := chi.URLParam(r, "id")
		r.Body = http.MaxBytesReader(w, r.Body, maxEvidenceBodySize)
		var req evidenceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Source == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "source is required")
			return
		}
		if req.Content == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "content is required")
			return
		}
		if req.ContentType == "" {
			req.ContentType = "text"
		}
		if req.ContentType != "text" && req.ContentType != "pdf" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "content_type must be text or pdf")
			return
		}

		// Ownership check before accepting the upload.
		inv, err := deps.Service.Get(id, caller)
		if err != nil {
			serviceError(w, err)
			return
		}
		if inv.Status.Terminal() {
			serviceError(w, investigation.ErrTerminalState)
			return
		}

		doc := storage.EvidenceDoc{
			ID:              uuid.New().String(),
			InvestigationID: id,
			Title:           req.Title,
			Source:          req.Source,
			ContentType:     req.ContentType,
			Content:         req.Content,
			CreatedAt:       time.Now().UTC(),
		}
		if err := deps.Store.SaveEvidenceDoc(doc); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to save document: %v", err)
			return
		}

		payload, err := json.Marshal(ingest.ExtractPayload{EvidenceDocID: doc.ID})
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to create job payload: %v", err)
			return
		}
		job := storage.Job{
			ID:          uuid.New().String(),
			Type:        ingest.JobType,
			PayloadJSON: string(payload),
		}
		if err := deps.Store.EnqueueJob(job); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to enqueue job: %v", err)
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]string{
			"id":     doc.ID,
			"status": "queued",
		})
	}
}
