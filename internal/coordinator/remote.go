package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kalambet/caseline/internal/investigation"
)

const (
	remoteTimeout    = 30 * time.Second
	maxAnalyzerBytes = 4 << 20 // 4MB
)

// RemoteAnalyzer calls an external domain-analysis service over HTTP. One
// instance per configured domain endpoint.
type RemoteAnalyzer struct {
	domain     string
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewRemoteAnalyzer creates an analyzer for one domain service endpoint.
func NewRemoteAnalyzer(domain, baseURL, apiKey string) *RemoteAnalyzer {
	return &RemoteAnalyzer{
		domain:     domain,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: remoteTimeout},
	}
}

// Domain returns the risk domain this analyzer covers.
func (a *RemoteAnalyzer) Domain() string { return a.domain }

type remoteRequest struct {
	EntityID   string            `json:"entity_id"`
	EntityType string            `json:"entity_type"`
	Scope      map[string]string `json:"scope,omitempty"`
}

type remoteResponse struct {
	Score      float64                      `json:"score"`
	Confidence float64                      `json:"confidence"`
	Evidence   []investigation.EvidenceItem `json:"evidence,omitempty"`
}

// Analyze posts the target to the service and decodes its report. Score and
// confidence clamping happens in the coordinator, not here.
func (a *RemoteAnalyzer) Analyze(ctx context.Context, target Target) (Report, error) {
	payload, err := json.Marshal(remoteRequest{
		EntityID:   target.EntityID,
		EntityType: target.EntityType,
		Scope:      target.Scope,
	})
	if err != nil {
		return Report{}, fmt.Errorf("encoding %s request: %w", a.domain, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/analyze", bytes.NewReader(payload))
	if err != nil {
		return Report{}, fmt.Errorf("building %s request: %w", a.domain, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.apiKey)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return Report{}, fmt.Errorf("%s analyzer: %w", a.domain, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Report{}, fmt.Errorf("%s analyzer returned %d: %s", a.domain, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var wire remoteResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxAnalyzerBytes)).Decode(&wire); err != nil {
		return Report{}, fmt.Errorf("decoding %s response: %w", a.domain, err)
	}
	return Report{Score: wire.Score, Confidence: wire.Confidence, Evidence: wire.Evidence}, nil
}
