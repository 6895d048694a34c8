// Package config centralizes engine configuration. All settings are
// read from environment variables with defaults that work for a local
// deployment; numeric thresholds are tunables, not contracts.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds every operator-tunable setting of the engine.
type Config struct {
	// Directories
	WatchDir    string // Incoming files land here
	ArtifactDir string // Per-document stage artifacts
	DBPath      string // SQLite state store

	// Admission
	AcceptedExtensions []string      // Lowercase, dot included (".pdf")
	StabilityInterval  time.Duration // Sampling interval for the stability detector
	StabilitySamples   int           // Consecutive unchanged samples required
	PendingTimeout     time.Duration // Empty/never-stable files go to review after this
	QueueBound         int           // Admission queue capacity (backpressure beyond)

	// Pipeline
	Workers      int           // Concurrent document workers
	MaxRetries   int           // Per-stage transient retry budget
	StageTimeout time.Duration // Per external stage call
	RetryBackoff time.Duration // Base backoff, scaled by attempt number
	ForceIndex   bool          // Index even when classification wants review

	// Classification
	RulesPath string // YAML classification rules

	// OCR service
	OCREndpoint string
	OCRModel    string
	OCRAPIKey   string

	// Observability
	MetricsAddr string // Prometheus /metrics listen address
	LogLevel    string
	LogPretty   bool
}

// Load builds a Config from the environment. baseDir anchors the
// default directory layout.
func Load(baseDir string) Config {
	return Config{
		WatchDir:    env("LEX_WATCH_DIR", filepath.Join(baseDir, "input")),
		ArtifactDir: env("LEX_ARTIFACT_DIR", filepath.Join(baseDir, "artifacts")),
		DBPath:      env("LEX_DB_PATH", filepath.Join(baseDir, "db", "lexengine.db")),

		AcceptedExtensions: splitList(env("LEX_EXTENSIONS", ".pdf")),
		StabilityInterval:  envDuration("LEX_STABILITY_INTERVAL", time.Second),
		StabilitySamples:   envInt("LEX_STABILITY_SAMPLES", 3),
		PendingTimeout:     envDuration("LEX_PENDING_TIMEOUT", 60*time.Second),
		QueueBound:         envInt("LEX_QUEUE_BOUND", 64),

		Workers:      envInt("LEX_WORKERS", 4),
		MaxRetries:   envInt("LEX_MAX_RETRIES", 3),
		StageTimeout: envDuration("LEX_STAGE_TIMEOUT", 120*time.Second),
		RetryBackoff: envDuration("LEX_RETRY_BACKOFF", 2*time.Second),
		ForceIndex:   envBool("LEX_FORCE_INDEXING", true),

		RulesPath: env("LEX_RULES_PATH", filepath.Join(baseDir, "rules.yaml")),

		OCREndpoint: env("LEX_OCR_ENDPOINT", "https://api.mistral.ai/v1/ocr"),
		OCRModel:    env("LEX_OCR_MODEL", "mistral-ocr-2512"),
		OCRAPIKey:   env("LEX_OCR_API_KEY", ""),

		MetricsAddr: env("LEX_METRICS_ADDR", ":9090"),
		LogLevel:    env("LEX_LOG_LEVEL", "info"),
		LogPretty:   envBool("LEX_LOG_PRETTY", true),
	}
}

// EnsureDirs creates the configured directories.
func (c Config) EnsureDirs() error {
	for _, d := range []string{c.WatchDir, c.ArtifactDir, filepath.Dir(c.DBPath)} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return err
		}
	}
	return nil
}

// Accepts reports whether a filename's extension is admitted.
func (c Config) Accepts(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range c.AcceptedExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

func env(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		return strings.EqualFold(v, "true") || v == "1"
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			out = append(out, p)
		}
	}
	return out
}
