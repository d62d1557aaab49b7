// Package config loads service configuration from the environment.
package config

import (
	"os"
	"strings"
	"time"
)

// Config holds service configuration.
type Config struct {
	Port        string
	LogLevel    string
	DatabaseURL string // empty means lite mode (sqlite under DataDir)
	DataDir     string

	// Evaluator endpoints by agent role, parsed from
	// PROBANZA_EVALUATORS="role=url,role=url".
	EvaluatorEndpoints map[string]string

	// Redis status cache. Empty address disables it.
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	CacheTTL      time.Duration

	// Exception policy.
	ExceptionIssuer     string
	ExceptionSigningKey string

	// Paths to YAML overrides for the phase plan and rule catalog.
	PhasePlanPath   string
	RuleCatalogPath string

	// Telemetry.
	OTLPEndpoint     string
	TelemetryEnabled bool

	// Defense archive. Bucket empty means filesystem archive under DataDir.
	ArchiveBucket   string
	ArchiveRegion   string
	ArchiveEndpoint string
}

// Load loads configuration from environment variables.
func Load() *Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	dataDir := os.Getenv("PROBANZA_DATA_DIR")
	if dataDir == "" {
		dataDir = "data"
	}

	cacheTTL := time.Hour
	if v := os.Getenv("PROBANZA_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cacheTTL = d
		}
	}

	return &Config{
		Port:                port,
		LogLevel:            logLevel,
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		DataDir:             dataDir,
		EvaluatorEndpoints:  parseEvaluators(os.Getenv("PROBANZA_EVALUATORS")),
		RedisAddr:           os.Getenv("REDIS_ADDR"),
		RedisPassword:       os.Getenv("REDIS_PASSWORD"),
		RedisDB:             0,
		CacheTTL:            cacheTTL,
		ExceptionIssuer:     os.Getenv("PROBANZA_EXCEPTION_ISSUER"),
		ExceptionSigningKey: os.Getenv("PROBANZA_EXCEPTION_KEY"),
		PhasePlanPath:       os.Getenv("PROBANZA_PHASE_PLAN"),
		RuleCatalogPath:     os.Getenv("PROBANZA_RULE_CATALOG"),
		OTLPEndpoint:        os.Getenv("OTLP_ENDPOINT"),
		TelemetryEnabled:    os.Getenv("PROBANZA_TELEMETRY") == "true",
		ArchiveBucket:       os.Getenv("PROBANZA_ARCHIVE_BUCKET"),
		ArchiveRegion:       os.Getenv("PROBANZA_ARCHIVE_REGION"),
		ArchiveEndpoint:     os.Getenv("PROBANZA_ARCHIVE_ENDPOINT"),
	}
}

// parseEvaluators parses "role=url,role=url". Malformed entries are
// skipped, not fatal.
func parseEvaluators(raw string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		role, url, ok := strings.Cut(pair, "=")
		if !ok || role == "" || url == "" {
			continue
		}
		out[strings.TrimSpace(role)] = strings.TrimSpace(url)
	}
	return out
}
