// Package config loads engine configuration from the platform-native
// backend, environment variables, and the platform secret store.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Config struct {
	Server      ServerConfig
	Storage     StorageConfig
	Log         LogConfig
	Intel       IntelConfig
	Coordinator CoordinatorConfig
	Polling     PollingConfig
}

type ServerConfig struct {
	Port     int
	MaxConns int
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

type IntelConfig struct {
	BaseURL string
	APIKey  string
}

type CoordinatorConfig struct {
	MaxConcurrent   int
	AnalyzerTimeout string
	// Analyzers is a JSON object of domain -> service base URL.
	Analyzers string
	// AnalyzerAPIKey authenticates against the analyzer services. It is a
	// separate credential from the threat-intel key so the two rotate
	// independently.
	AnalyzerAPIKey string
}

type PollingConfig struct {
	CacheTTL string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:     4700,
			MaxConns: 256,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
		Coordinator: CoordinatorConfig{
			MaxConcurrent:   4,
			AnalyzerTimeout: "30s",
		},
		Polling: PollingConfig{
			CacheTTL: "2s",
		},
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.caseline.app) and secrets
// fall back to macOS Keychain.
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/caseline/config.json
// and secrets live in a mode-0600 file under $XDG_DATA_HOME/caseline.
//
// Environment variables (CASELINE_*) override backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), NewKeychain())
}

func loadWith(b ConfigBackend, kc SecretStore) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	// Secrets are optional; the secret store is only consulted when a key
	// was not provided elsewhere.
	if cfg.Intel.APIKey == "" {
		if key, err := kc.Get(secretService, intelKeyAccount); err == nil && key != "" {
			cfg.Intel.APIKey = key
		}
	}
	if cfg.Coordinator.AnalyzerAPIKey == "" {
		if key, err := kc.Get(secretService, analyzerKeyAccount); err == nil && key != "" {
			cfg.Coordinator.AnalyzerAPIKey = key
		}
	}

	return cfg, nil
}

// AnalyzerTimeoutDuration parses the analyzer timeout, falling back to 30s.
func (c Config) AnalyzerTimeoutDuration() time.Duration {
	return parseDuration(c.Coordinator.AnalyzerTimeout, 30*time.Second)
}

// CacheTTLDuration parses the status cache TTL, falling back to 2s.
func (c Config) CacheTTLDuration() time.Duration {
	return parseDuration(c.Polling.CacheTTL, 2*time.Second)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		fmt.Fprintf(os.Stderr, "[WARN] invalid duration %q, using %s\n", s, fallback)
		return fallback
	}
	return d
}

// AnalyzerEndpoints decodes the configured domain -> base URL map.
func (c Config) AnalyzerEndpoints() (map[string]string, error) {
	if strings.TrimSpace(c.Coordinator.Analyzers) == "" {
		return nil, nil
	}
	endpoints := make(map[string]string)
	if err := json.Unmarshal([]byte(c.Coordinator.Analyzers), &endpoints); err != nil {
		return nil, fmt.Errorf("parsing coordinator.analyzers: %w", err)
	}
	return endpoints, nil
}

const (
	secretService      = "caseline"
	tokenAccount       = "api_token"
	intelKeyAccount    = "intel_api_key"
	analyzerKeyAccount = "analyzer_api_key"
)

// SecretStore abstracts the platform secret store.
type SecretStore interface {
	Get(service, account string) (string, error)
	Set(service, account, value string) error
}

type platformKeychain struct{}

// NewKeychain returns the platform secret store: macOS Keychain via the
// security CLI, a mode-0600 JSON file elsewhere.
func NewKeychain() SecretStore { return platformKeychain{} }

func (platformKeychain) Get(service, account string) (string, error) {
	out, err := keychainFetch(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func (platformKeychain) Set(service, account, value string) error {
	return keychainStore(service, account, value)
}

// GetAPIToken returns the local API bearer token, generating and persisting
// one on first use. CASELINE_API_TOKEN overrides the stored token.
func GetAPIToken(kc SecretStore) (string, error) {
	if tok := os.Getenv("CASELINE_API_TOKEN"); tok != "" {
		return tok, nil
	}
	if tok, err := kc.Get(secretService, tokenAccount); err == nil && tok != "" {
		return tok, nil
	}
	tok := uuid.New().String()
	if err := kc.Set(secretService, tokenAccount, tok); err != nil {
		return "", fmt.Errorf("persisting generated api token: %w", err)
	}
	return tok, nil
}
