// Package config defines the forge configuration document, its defaults,
// and its validation pipeline. The file format is JSON; unknown fields are
// rejected at decode time.
package config

import (
	"fmt"
	"net/url"
	"strings"
)

// Auth modes.
const (
	AuthModeVerify = "verify"
	AuthModeTrust  = "trust"
)

// HITL levels, ordered from least to most conservative.
const (
	HitlAutonomous = "autonomous"
	HitlCautious   = "cautious"
	HitlStandard   = "standard"
	HitlParanoid   = "paranoid"
)

// Conversation store backends.
const (
	StoreSQLite   = "sqlite"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

// Config is the root configuration document.
type Config struct {
	Auth                 AuthConfig          `json:"auth,omitempty" jsonschema:"title=Auth,description=JWT authentication settings"`
	DefaultModel         string              `json:"defaultModel,omitempty" jsonschema:"title=Default Model,default=claude-sonnet-4-6"`
	DefaultHitlLevel     string              `json:"defaultHitlLevel,omitempty" jsonschema:"title=Default HITL Level,enum=autonomous,enum=cautious,enum=standard,enum=paranoid,default=cautious"`
	AllowUserModelSelect bool                `json:"allowUserModelSelect,omitempty" jsonschema:"title=Allow User Model Select,default=false"`
	AllowUserHitlConfig  bool                `json:"allowUserHitlConfig,omitempty" jsonschema:"title=Allow User HITL Config,default=false"`
	AdminKey             string              `json:"adminKey,omitempty" jsonschema:"title=Admin Key,description=Bearer key gating /forge-admin routes"`
	Conversation         ConversationConfig  `json:"conversation,omitempty" jsonschema:"title=Conversation Store"`
	Sidecar              SidecarConfig       `json:"sidecar,omitempty" jsonschema:"title=Sidecar Mode"`
	Drift                DriftConfig         `json:"drift,omitempty" jsonschema:"title=Drift Monitor"`
	API                  APIConfig           `json:"api,omitempty" jsonschema:"title=Backend API"`
	DB                   DBConfig            `json:"db,omitempty" jsonschema:"title=Database"`
	HITL                 HitlConfig          `json:"hitl,omitempty" jsonschema:"title=HITL Engine"`
	Verifiers            VerifiersConfig     `json:"verifiers,omitempty" jsonschema:"title=Verifiers"`
	Widget               WidgetConfig        `json:"widget,omitempty" jsonschema:"title=Widget"`
	Observability        ObservabilityConfig `json:"observability,omitempty" jsonschema:"title=Observability"`

	// Populated from the environment by the loader, never from the file.
	DatabaseURL string `json:"-"`
	RedisURL    string `json:"-"`
}

// AuthConfig controls how caller JWTs are handled.
type AuthConfig struct {
	// Mode is "verify" (check signatures) or "trust" (decode only).
	Mode string `json:"mode,omitempty" jsonschema:"title=Mode,enum=verify,enum=trust,default=trust"`
	// SigningKey is the HS256 secret or RS256 PEM public key. Required
	// when Mode is "verify".
	SigningKey string `json:"signingKey,omitempty" jsonschema:"title=Signing Key"`
	// ClaimsPath is the dotted path to the userId claim.
	ClaimsPath string `json:"claimsPath,omitempty" jsonschema:"title=Claims Path,default=sub"`
}

// ConversationConfig selects the conversation store backend.
type ConversationConfig struct {
	Store  string `json:"store,omitempty" jsonschema:"title=Store,enum=sqlite,enum=redis,enum=postgres,default=sqlite"`
	Window int    `json:"window,omitempty" jsonschema:"title=Window,description=Most recent messages presented to the model,default=25"`
}

// SidecarConfig controls the long-running deployment mode.
type SidecarConfig struct {
	Enabled bool `json:"enabled,omitempty" jsonschema:"title=Enabled,default=false"`
	Port    int  `json:"port,omitempty" jsonschema:"title=Port,default=8001"`
}

// DriftConfig tunes the drift monitor.
type DriftConfig struct {
	Threshold  float64 `json:"threshold,omitempty" jsonschema:"title=Threshold,default=0.1"`
	WindowSize int     `json:"windowSize,omitempty" jsonschema:"title=Window Size,default=5"`
	IntervalMs int     `json:"intervalMs,omitempty" jsonschema:"title=Tick Interval (ms),default=300000"`
}

// APIConfig locates the backend API that tools execute against.
type APIConfig struct {
	BaseURL string `json:"baseUrl,omitempty" jsonschema:"title=Base URL,default=http://localhost:3000"`
}

// DBConfig locates the service's own SQLite database.
type DBConfig struct {
	Path string `json:"path,omitempty" jsonschema:"title=Path,default=forge.db"`
}

// HitlConfig tunes the pause/resume engine.
type HitlConfig struct {
	TTLMs int `json:"ttlMs,omitempty" jsonschema:"title=Pending TTL (ms),default=300000"`
}

// VerifiersConfig locates custom verifier binaries.
type VerifiersConfig struct {
	Dir string `json:"dir,omitempty" jsonschema:"title=Directory,default=verifiers"`
}

// WidgetConfig locates static widget assets.
type WidgetConfig struct {
	Dir string `json:"dir,omitempty" jsonschema:"title=Directory,default=widget"`
}

// ObservabilityConfig toggles tracing and metrics.
type ObservabilityConfig struct {
	Enabled     bool `json:"enabled,omitempty" jsonschema:"title=Enabled,default=false"`
	TraceStdout bool `json:"traceStdout,omitempty" jsonschema:"title=Trace to Stdout,default=false"`
}

// SetDefaults applies defaults to every sub-config.
func (c *Config) SetDefaults() {
	if c.Auth.Mode == "" {
		c.Auth.Mode = AuthModeTrust
	}
	if c.Auth.ClaimsPath == "" {
		c.Auth.ClaimsPath = "sub"
	}
	if c.DefaultModel == "" {
		c.DefaultModel = "claude-sonnet-4-6"
	}
	if c.DefaultHitlLevel == "" {
		c.DefaultHitlLevel = HitlCautious
	}
	if c.Conversation.Store == "" {
		c.Conversation.Store = StoreSQLite
	}
	if c.Conversation.Window == 0 {
		c.Conversation.Window = 25
	}
	if c.Sidecar.Port == 0 {
		c.Sidecar.Port = 8001
	}
	if c.Drift.Threshold == 0 {
		c.Drift.Threshold = 0.1
	}
	if c.Drift.WindowSize == 0 {
		c.Drift.WindowSize = 5
	}
	if c.Drift.IntervalMs == 0 {
		c.Drift.IntervalMs = 300000
	}
	if c.API.BaseURL == "" {
		c.API.BaseURL = "http://localhost:3000"
	}
	if c.DB.Path == "" {
		c.DB.Path = "forge.db"
	}
	if c.HITL.TTLMs == 0 {
		c.HITL.TTLMs = 300000
	}
	if c.Verifiers.Dir == "" {
		c.Verifiers.Dir = "verifiers"
	}
	if c.Widget.Dir == "" {
		c.Widget.Dir = "widget"
	}
}

// Validate checks every field against its stated domain.
func (c *Config) Validate() error {
	switch c.Auth.Mode {
	case AuthModeVerify, AuthModeTrust:
	default:
		return fmt.Errorf("auth.mode: invalid value %q (valid: verify, trust)", c.Auth.Mode)
	}
	if c.Auth.Mode == AuthModeVerify && c.Auth.SigningKey == "" {
		return fmt.Errorf("auth.signingKey is required when auth.mode is %q", AuthModeVerify)
	}
	if c.Auth.ClaimsPath == "" {
		return fmt.Errorf("auth.claimsPath must not be empty")
	}

	switch c.DefaultHitlLevel {
	case HitlAutonomous, HitlCautious, HitlStandard, HitlParanoid:
	default:
		return fmt.Errorf("defaultHitlLevel: invalid value %q (valid: autonomous, cautious, standard, paranoid)", c.DefaultHitlLevel)
	}

	switch c.Conversation.Store {
	case StoreSQLite, StoreRedis, StorePostgres:
	default:
		return fmt.Errorf("conversation.store: invalid value %q (valid: sqlite, redis, postgres)", c.Conversation.Store)
	}
	if c.Conversation.Window <= 0 {
		return fmt.Errorf("conversation.window must be a positive integer, got %d", c.Conversation.Window)
	}

	if c.Sidecar.Port < 1 || c.Sidecar.Port > 65535 {
		return fmt.Errorf("sidecar.port must be in 1..65535, got %d", c.Sidecar.Port)
	}

	if c.Drift.Threshold <= 0 || c.Drift.Threshold > 1 {
		return fmt.Errorf("drift.threshold must be in (0, 1], got %v", c.Drift.Threshold)
	}
	if c.Drift.WindowSize <= 0 {
		return fmt.Errorf("drift.windowSize must be a positive integer, got %d", c.Drift.WindowSize)
	}
	if c.Drift.IntervalMs <= 0 {
		return fmt.Errorf("drift.intervalMs must be a positive integer, got %d", c.Drift.IntervalMs)
	}

	if c.API.BaseURL == "" {
		return fmt.Errorf("api.baseUrl must not be empty")
	}
	if _, err := url.Parse(c.API.BaseURL); err != nil {
		return fmt.Errorf("api.baseUrl: %w", err)
	}

	if c.DB.Path == "" {
		return fmt.Errorf("db.path must not be empty")
	}
	if c.HITL.TTLMs <= 0 {
		return fmt.Errorf("hitl.ttlMs must be a positive integer, got %d", c.HITL.TTLMs)
	}
	if c.Verifiers.Dir == "" {
		return fmt.Errorf("verifiers.dir must not be empty")
	}
	if c.Widget.Dir == "" {
		return fmt.Errorf("widget.dir must not be empty")
	}
	return nil
}

// APIBase returns api.baseUrl with any trailing slashes stripped.
func (c *Config) APIBase() string {
	return strings.TrimRight(c.API.BaseURL, "/")
}
