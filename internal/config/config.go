// Package config provides application configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Engine kinds.
const (
	EngineProcess = "process"
	EngineGRPC    = "grpc"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string
	Engine      EngineConfig
	Sessions    SessionsConfig
	SSE         SSEConfig
	RateLimit   RateLimitConfig
	Journal     JournalConfig
	Sandbox     SandboxConfig
	Timeout     TimeoutConfig
	Retry       RetryConfig
}

// EngineConfig selects and configures the execution engine.
type EngineConfig struct {
	Kind           string
	Command        string
	Args           []string
	GRPCAddress    string
	ConnectTimeout time.Duration
}

// SessionsConfig holds session defaults and lifecycle timings.
type SessionsConfig struct {
	DefaultPattern       string
	MaxIdleTime          time.Duration
	MaxLifetime          time.Duration
	MaxBudgetUSD         float64
	MaxTurns             int
	StopEscalationWindow time.Duration
	StopGrace            time.Duration
	EphemeralDeleteDelay time.Duration
	ReaperInterval       time.Duration
	DrainTimeout         time.Duration
}

// SSEConfig controls event streaming to clients.
type SSEConfig struct {
	KeepaliveInterval time.Duration
	RetryMs           int
	ReplaySize        int
}

// RateLimitConfig limits run requests per client.
type RateLimitConfig struct {
	Requests int
	Window   time.Duration
}

// JournalConfig controls the NDJSON event journal.
type JournalConfig struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// SandboxConfig controls Docker reclamation of engine containers on force-kill.
type SandboxConfig struct {
	Enabled         bool
	Label           string
	StopTimeoutSecs int
}

// TimeoutConfig holds HTTP server timeouts.
type TimeoutConfig struct {
	Read     time.Duration
	Idle     time.Duration
	Shutdown time.Duration
}

// RetryConfig controls SQLite busy/locked retries.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("JOURNAL_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/rigger.db"),
		Engine: EngineConfig{
			Kind:           getEnv("ENGINE_KIND", EngineProcess),
			Command:        getEnv("ENGINE_COMMAND", "claude"),
			Args:           getEnvList("ENGINE_ARGS", []string{"-p", "--output-format", "stream-json", "--verbose", "--include-partial-messages"}),
			GRPCAddress:    getEnv("ENGINE_GRPC_ADDR", ""),
			ConnectTimeout: getEnvDuration("ENGINE_CONNECT_TIMEOUT", 10*time.Second),
		},
		Sessions: SessionsConfig{
			DefaultPattern:       getEnv("SESSION_DEFAULT_PATTERN", "long_running"),
			MaxIdleTime:          getEnvDuration("SESSION_MAX_IDLE_TIME", 30*time.Minute),
			MaxLifetime:          getEnvDuration("SESSION_MAX_LIFETIME", 0),
			MaxBudgetUSD:         getEnvFloat("SESSION_MAX_BUDGET_USD", 0),
			MaxTurns:             getEnvInt("SESSION_MAX_TURNS", 0),
			StopEscalationWindow: getEnvDuration("STOP_ESCALATION_WINDOW", 5*time.Second),
			StopGrace:            getEnvDuration("STOP_GRACE", 30*time.Second),
			EphemeralDeleteDelay: getEnvDuration("EPHEMERAL_DELETE_DELAY", 5*time.Minute),
			ReaperInterval:       getEnvDuration("REAPER_INTERVAL", 60*time.Second),
			DrainTimeout:         getEnvDuration("STREAM_DRAIN_TIMEOUT", 2*time.Second),
		},
		SSE: SSEConfig{
			KeepaliveInterval: getEnvDuration("SSE_KEEPALIVE_INTERVAL", 10*time.Second),
			RetryMs:           getEnvInt("SSE_RETRY_MS", 3000),
			ReplaySize:        getEnvInt("SSE_REPLAY_SIZE", 512),
		},
		RateLimit: RateLimitConfig{
			Requests: getEnvInt("RATE_LIMIT_REQUESTS", 30),
			Window:   getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		Journal: JournalConfig{
			Enabled:   getEnvBool("JOURNAL_ENABLED", true),
			Dir:       getEnv("JOURNAL_DIR", "./data/journal"),
			QueueSize: queueSize,
		},
		Sandbox: SandboxConfig{
			Enabled:         getEnvBool("SANDBOX_RECLAIM_ENABLED", false),
			Label:           getEnv("SANDBOX_LABEL", "rigger.session_id"),
			StopTimeoutSecs: getEnvInt("SANDBOX_STOP_TIMEOUT_SECS", 5),
		},
		Timeout: TimeoutConfig{
			Read:     getEnvDuration("HTTP_READ_TIMEOUT", 30*time.Second),
			Idle:     getEnvDuration("HTTP_IDLE_TIMEOUT", 120*time.Second),
			Shutdown: getEnvDuration("SHUTDOWN_TIMEOUT", 15*time.Second),
		},
		Retry: RetryConfig{
			MaxAttempts: getEnvInt("DB_RETRY_ATTEMPTS", 3),
			BaseDelay:   getEnvDuration("DB_RETRY_BASE_DELAY", 50*time.Millisecond),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	var errs []error
	if c.Port == "" {
		errs = append(errs, errors.New("PORT cannot be empty"))
	}
	if c.DBPath == "" {
		errs = append(errs, errors.New("DB_PATH cannot be empty"))
	}
	switch c.Engine.Kind {
	case EngineProcess:
		if c.Engine.Command == "" {
			errs = append(errs, errors.New("ENGINE_COMMAND cannot be empty for the process engine"))
		}
	case EngineGRPC:
		if c.Engine.GRPCAddress == "" {
			errs = append(errs, errors.New("ENGINE_GRPC_ADDR cannot be empty for the grpc engine"))
		}
	default:
		errs = append(errs, fmt.Errorf("ENGINE_KIND must be %q or %q, got %q", EngineProcess, EngineGRPC, c.Engine.Kind))
	}
	if p := c.Sessions.DefaultPattern; p != "long_running" && p != "ephemeral" {
		errs = append(errs, fmt.Errorf("SESSION_DEFAULT_PATTERN must be long_running or ephemeral, got %q", p))
	}
	if c.Sessions.StopEscalationWindow <= 0 {
		errs = append(errs, errors.New("STOP_ESCALATION_WINDOW must be > 0"))
	}
	if c.Sessions.ReaperInterval <= 0 {
		errs = append(errs, errors.New("REAPER_INTERVAL must be > 0"))
	}
	if c.Sessions.MaxBudgetUSD < 0 || c.Sessions.MaxTurns < 0 {
		errs = append(errs, errors.New("session limits cannot be negative"))
	}
	if c.SSE.KeepaliveInterval <= 0 {
		errs = append(errs, errors.New("SSE_KEEPALIVE_INTERVAL must be > 0"))
	}
	if c.RateLimit.Requests < 0 || (c.RateLimit.Requests > 0 && c.RateLimit.Window <= 0) {
		errs = append(errs, errors.New("RATE_LIMIT_WINDOW must be > 0 when RATE_LIMIT_REQUESTS is set"))
	}
	if c.Journal.Enabled && c.Journal.Dir == "" {
		errs = append(errs, errors.New("JOURNAL_DIR cannot be empty"))
	}
	if c.Journal.QueueSize <= 0 {
		errs = append(errs, errors.New("JOURNAL_QUEUE_SIZE must be > 0"))
	}
	return errors.Join(errs...)
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// AllowedOrigins returns the CORS origins for the configured frontend.
func (c *Config) AllowedOrigins() []string {
	if c.IsDevelopment() {
		return []string{"*"}
	}
	return []string{c.FrontendURL}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

// getEnvDuration accepts Go durations ("90s") or plain milliseconds ("90000").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	return strings.Fields(value)
}
