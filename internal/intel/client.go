// Package intel queries an external threat-intelligence service and
// normalizes its response to the coarse level/event-count signal the fusion
// engine consumes. Transport failures degrade to a MINIMAL signal rather
// than failing the investigation.
package intel

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kalambet/caseline/internal/fusion"
)

const (
	defaultTimeout   = 15 * time.Second
	maxResponseBytes = 1 << 20 // 1MB
)

// Signal is the normalized external threat-intelligence reading.
type Signal struct {
	Level      fusion.Level `json:"level"`
	EventCount int          `json:"event_count"`
	Score      float64      `json:"score"`
}

// Minimal is the degraded signal used when the lookup fails or the service
// is not configured: no corroboration, lowest level.
func Minimal() Signal {
	return Signal{Level: fusion.LevelMinimal, EventCount: 0, Score: 0}
}

// Client talks to the threat-intelligence HTTP API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a threat-intel client. An empty baseURL yields a client
// whose lookups always return the minimal signal.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
}

// lookupResponse is the upstream wire format.
type lookupResponse struct {
	ThreatLevel string  `json:"threat_level"`
	EventCount  int     `json:"event_count"`
	Score       float64 `json:"score"`
}

// Lookup fetches corroboration for an entity. The returned error is
// informational; callers treat any error as a degraded minimal signal.
func (c *Client) Lookup(ctx context.Context, entityID, entityType string) (Signal, error) {
	if c.baseURL == "" {
		return Minimal(), fmt.Errorf("threat intel not configured")
	}

	query := url.Values{}
	query.Set("entity_id", entityID)
	query.Set("entity_type", entityType)
	lookupURL := c.baseURL + "/v1/lookup?" + query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, lookupURL, nil)
	if err != nil {
		return Minimal(), fmt.Errorf("building intel request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Minimal(), fmt.Errorf("intel lookup: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Minimal(), fmt.Errorf("intel lookup returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var wire lookupResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&wire); err != nil {
		return Minimal(), fmt.Errorf("decoding intel response: %w", err)
	}

	return normalize(wire), nil
}

// normalize maps the upstream payload onto the closed Level enumeration.
// Unknown levels fall back to MINIMAL so a misbehaving upstream can only
// lower confidence, never inflate it.
func normalize(wire lookupResponse) Signal {
	level := fusion.LevelMinimal
	switch strings.ToUpper(strings.TrimSpace(wire.ThreatLevel)) {
	case "LOW":
		level = fusion.LevelLow
	case "MEDIUM", "MODERATE":
		level = fusion.LevelMedium
	case "HIGH", "CRITICAL", "SEVERE":
		level = fusion.LevelHigh
	}

	events := wire.EventCount
	if events < 0 {
		events = 0
	}
	score := wire.Score
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return Signal{Level: level, EventCount: events, Score: score}
}
