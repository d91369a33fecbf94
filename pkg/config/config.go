package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds runtime configuration for the marketplace server, loaded
// from environment variables rather than a process-global, per
// spec.md §9. Store backend, canary thresholds, and export checkpoint
// TTL are the domain additions over the teacher's Port/LogLevel/
// DatabaseURL baseline.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Config struct {
	Port        string
	LogLevel    string
	StoreBackend string // "json_file" | "sqlite_wal"
	StorePath   string
	SigningKeyID string

	CanarySampleEveryN     int
	CanaryDeltaEpsilon     float64
	CanaryMinEngineVersion string
	ExportCheckpointTTL    time.Duration

	CORSOrigins []string

	// KMSKeystorePath is where the local encryption-key manager persists
	// its versioned keys. Only consulted when DATABASE_URL is set, since
	// partner credential storage requires Postgres.
	KMSKeystorePath string
}

// Load loads configuration from environment variables, applying the
// same sane-default-in-dev-mode posture as the teacher's config.Load.
func Load() *Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	storeBackend := os.Getenv("STORE_BACKEND")
	if storeBackend == "" {
		storeBackend = "json_file"
	}

	storePath := os.Getenv("STORE_PATH")
	if storePath == "" {
		if storeBackend == "sqlite_wal" {
			storePath = "data/marketd.sqlite"
		} else {
			storePath = "data/marketd.json"
		}
	}

	signingKeyID := os.Getenv("SIGNING_KEY_ID")
	if signingKeyID == "" {
		signingKeyID = "marketd-primary"
	}

	canarySampleEveryN := envInt("CANARY_SAMPLE_EVERY_N", 0)
	canaryDeltaEpsilon := envFloat("CANARY_DELTA_EPSILON", 0.02)

	canaryMinEngineVersion := os.Getenv("CANARY_MIN_ENGINE_VERSION")
	if canaryMinEngineVersion == "" {
		canaryMinEngineVersion = "2.0.0"
	}

	checkpointTTL := envDuration("EXPORT_CHECKPOINT_TTL", 24*time.Hour)

	var corsOrigins []string
	if raw := os.Getenv("CORS_ORIGINS"); raw != "" {
		corsOrigins = splitTrimmed(raw)
	}

	kmsKeystorePath := os.Getenv("KMS_KEYSTORE_PATH")
	if kmsKeystorePath == "" {
		kmsKeystorePath = "data/kms-keystore.json"
	}

	return &Config{
		Port:                   port,
		LogLevel:               logLevel,
		StoreBackend:           storeBackend,
		StorePath:              storePath,
		SigningKeyID:           signingKeyID,
		CanarySampleEveryN:     canarySampleEveryN,
		CanaryDeltaEpsilon:     canaryDeltaEpsilon,
		CanaryMinEngineVersion: canaryMinEngineVersion,
		ExportCheckpointTTL:    checkpointTTL,
		CORSOrigins:            corsOrigins,
		KMSKeystorePath:        kmsKeystorePath,
	}
}

func envInt(key string, def int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func envFloat(key string, def float64) float64 {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return v
}

func envDuration(key string, def time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return v
}

func splitTrimmed(raw string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(raw); i++ {
		if i == len(raw) || raw[i] == ',' {
			if i > start {
				out = append(out, trimSpace(raw[start:i]))
			}
			start = i + 1
		}
	}
	return out
}

func trimSpace(s string) string {
	start, end := 0, len(s)
	for start < end && (s[start] == ' ' || s[start] == '\t') {
		start++
	}
	for end > start && (s[end-1] == ' ' || s[end-1] == '\t') {
		end--
	}
	return s[start:end]
}
