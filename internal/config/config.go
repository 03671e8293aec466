// Package config loads gateway and runner configuration from the
// environment, with an optional .env file for local development.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// DefaultAllowedCommands is the built-in command allowlist. A submitted
// command matches an entry if it equals the entry or starts with the entry
// followed by a space. EXTRA_ALLOWED_COMMANDS appends to this list.
var DefaultAllowedCommands = []string{
	"npm test", "npm run", "git diff", "git status", "git log",
	"ls", "ll", "dir", "cd", "pwd", "cat",
}

// Gateway holds all gateway-side configuration.
type Gateway struct {
	Port            int
	HMACSecret      string
	DataDir         string
	DatabasePath    string
	ArtifactsDir    string
	MaxArtifactSize int64
	AllowedCommands []string
	RedisAddr       string
	LogLevel        string
	LogJSON         bool
	AdminUsername   string
	AdminPassword   string
	IngestRateLimit int // wrapper ingest requests per minute per run
	RedactPatterns  []string
}

// Runner holds all worker-host supervisor configuration.
type Runner struct {
	GatewayURL           string
	HMACSecret           string
	ClientToken          string
	DataDir              string
	PollInterval         time.Duration
	HeartbeatInterval    time.Duration
	AllowSelfSignedCerts bool
	AllowedCommands      []string
	LogLevel             string
	LogJSON              bool
	RedactPatterns       []string
}

// patternFile is the yaml shape of REDACT_PATTERNS_FILE.
type patternFile struct {
	Patterns []string `yaml:"patterns"`
}

// LoadGateway builds gateway configuration from the environment. A .env in
// the working directory is loaded first, best effort.
func LoadGateway() (*Gateway, error) {
	_ = godotenv.Load()

	secret := os.Getenv("HMAC_SECRET")
	if secret == "" {
		return nil, fmt.Errorf("HMAC_SECRET must be set")
	}

	dataDir := envOr("DATA_DIR", "./data")
	cfg := &Gateway{
		Port:            envInt("PORT", 8443),
		HMACSecret:      secret,
		DataDir:         dataDir,
		DatabasePath:    envOr("DATABASE_PATH", filepath.Join(dataDir, "db.sqlite")),
		ArtifactsDir:    envOr("ARTIFACTS_DIR", filepath.Join(dataDir, "artifacts")),
		MaxArtifactSize: int64(envInt("MAX_ARTIFACT_SIZE", 50*1024*1024)),
		AllowedCommands: allowedCommands(),
		RedisAddr:       os.Getenv("REDIS_ADDR"),
		LogLevel:        envOr("LOG_LEVEL", "info"),
		LogJSON:         envBool("LOG_JSON", false),
		AdminUsername:   envOr("ADMIN_USERNAME", "admin"),
		AdminPassword:   os.Getenv("ADMIN_PASSWORD"),
		IngestRateLimit: envInt("INGEST_RATE_LIMIT", 600),
	}

	patterns, err := extraRedactPatterns()
	if err != nil {
		return nil, err
	}
	cfg.RedactPatterns = patterns

	return cfg, nil
}

// LoadRunner builds runner configuration from the environment.
func LoadRunner() (*Runner, error) {
	_ = godotenv.Load()

	secret := os.Getenv("HMAC_SECRET")
	if secret == "" {
		return nil, fmt.Errorf("HMAC_SECRET must be set")
	}
	gatewayURL := os.Getenv("GATEWAY_URL")
	if gatewayURL == "" {
		return nil, fmt.Errorf("GATEWAY_URL must be set")
	}

	cfg := &Runner{
		GatewayURL:           strings.TrimRight(gatewayURL, "/"),
		HMACSecret:           secret,
		ClientToken:          os.Getenv("CLIENT_TOKEN"),
		DataDir:              envOr("DATA_DIR", "./data"),
		PollInterval:         envDuration("POLL_INTERVAL_MS", 1000*time.Millisecond),
		HeartbeatInterval:    envDuration("HEARTBEAT_INTERVAL_MS", 10*time.Second),
		AllowSelfSignedCerts: envBool("ALLOW_SELF_SIGNED_CERTS", false),
		AllowedCommands:      allowedCommands(),
		LogLevel:             envOr("LOG_LEVEL", "info"),
		LogJSON:              envBool("LOG_JSON", false),
	}

	patterns, err := extraRedactPatterns()
	if err != nil {
		return nil, err
	}
	cfg.RedactPatterns = patterns

	return cfg, nil
}

func allowedCommands() []string {
	out := make([]string, len(DefaultAllowedCommands))
	copy(out, DefaultAllowedCommands)
	for _, c := range strings.Split(os.Getenv("EXTRA_ALLOWED_COMMANDS"), ",") {
		c = strings.TrimSpace(c)
		if c != "" {
			out = append(out, c)
		}
	}
	return out
}

func extraRedactPatterns() ([]string, error) {
	path := os.Getenv("REDACT_PATTERNS_FILE")
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read redact patterns file: %w", err)
	}
	var pf patternFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parse redact patterns file: %w", err)
	}
	return pf.Patterns, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return def
}
