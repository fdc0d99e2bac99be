package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// DefaultPath is read when no config path is given.
const DefaultPath = "toolflow.toml"

type Config struct {
	Model    ModelConfig    `toml:"model"`
	Session  SessionConfig  `toml:"session"`
	Approval ApprovalConfig `toml:"approval"`
	Store    StoreConfig    `toml:"store"`
	Shell    ShellConfig    `toml:"shell"`
	Observer ObserverConfig `toml:"observer"`
	Log      LogConfig      `toml:"log"`
}

type ModelConfig struct {
	Provider    string   `toml:"provider"`
	BaseURL     string   `toml:"base_url"`
	Model       string   `toml:"model"`
	APIKey      string   `toml:"api_key"`
	Stream      bool     `toml:"stream"`
	Temperature *float64 `toml:"temperature"`
	MaxTokens   int      `toml:"max_tokens"`
	MaxRetries  int      `toml:"max_retries"`
	// RPM and TPM cap model turns and tokens per minute. Zero disables.
	RPM         int      `toml:"rpm"`
	TPM         int      `toml:"tpm"`
}

type SessionConfig struct {
	Workspace      string        `toml:"workspace"`
	SystemPrompt   string        `toml:"system_prompt"`
	MaxIter        int           `toml:"max_iter"`
	MaxParallel    int           `toml:"max_parallel"`
	CallTimeout    time.Duration `toml:"call_timeout"`
	MaxOutputRunes int           `toml:"max_output_runes"`
	MaxRetries     int           `toml:"max_retries"`
	LoopWindow     int           `toml:"loop_window"`
	LoopThreshold  int           `toml:"loop_threshold"`
	AutoApprove    []string      `toml:"auto_approve"`
}

type ApprovalConfig struct {
	Transport  string `toml:"transport"`
	HTTPAddr   string `toml:"http_addr"`
	NATSURL    string `toml:"nats_url"`
	NATSPrefix string `toml:"nats_prefix"`
}

type StoreConfig struct {
	Driver      string `toml:"driver"`
	Path        string `toml:"path"`
	DSN         string `toml:"dsn"`
	TablePrefix string `toml:"table_prefix"`
}

type ShellConfig struct {
	Timeout   time.Duration `toml:"timeout"`
	Blocklist []string      `toml:"blocklist"`
}

type ObserverConfig struct {
	Enabled     bool                       `toml:"enabled"`
	ServiceName string                     `toml:"service_name"`
	Pricing     map[string]ObserverPricing `toml:"pricing"`
}

type ObserverPricing struct {
	Input  float64 `toml:"input"`
	Output float64 `toml:"output"`
}

type LogConfig struct {
	Level string `toml:"level"`
}

// Approval transports.
const (
	TransportStdin = "stdin"
	TransportHTTP  = "http"
	TransportNATS  = "nats"
)

// Store drivers.
const (
	DriverNone     = "none"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

var approvalClasses = []string{"none", "edit", "dangerous", "terminal"}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Model: ModelConfig{
			Provider:   "openai",
			BaseURL:    "https://api.openai.com/v1",
			Model:      "gpt-4o-mini",
			Stream:     true,
			MaxRetries: 3,
		},
		Session: SessionConfig{
			Workspace:      ".",
			MaxIter:        25,
			MaxParallel:    10,
			CallTimeout:    2 * time.Minute,
			MaxOutputRunes: 30_000,
			MaxRetries:     3,
			LoopWindow:     8,
			LoopThreshold:  4,
		},
		Approval: ApprovalConfig{
			Transport:  TransportStdin,
			HTTPAddr:   "127.0.0.1:8740",
			NATSURL:    "nats://127.0.0.1:4222",
			NATSPrefix: "toolflow",
		},
		Store:    StoreConfig{Driver: DriverNone, Path: "toolflow.db"},
		Shell:    ShellConfig{Timeout: 30 * time.Second},
		Observer: ObserverConfig{ServiceName: "toolflow"},
		Log:      LogConfig{Level: "info"},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins). A missing
// file is not an error; a malformed one is.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = DefaultPath
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case !errors.Is(err, os.ErrNotExist):
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}

	applyEnv(&cfg)

	// Fallbacks
	if cfg.Model.APIKey == "" {
		cfg.Model.APIKey = os.Getenv("OPENAI_API_KEY")
	}

	return cfg, cfg.Validate()
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("TOOLFLOW_MODEL_API_KEY"); v != "" {
		cfg.Model.APIKey = v
	}
	if v := os.Getenv("TOOLFLOW_MODEL_BASE_URL"); v != "" {
		cfg.Model.BaseURL = v
	}
	if v := os.Getenv("TOOLFLOW_MODEL"); v != "" {
		cfg.Model.Model = v
	}
	if v := os.Getenv("TOOLFLOW_WORKSPACE"); v != "" {
		cfg.Session.Workspace = v
	}
	if v := os.Getenv("TOOLFLOW_APPROVAL_TRANSPORT"); v != "" {
		cfg.Approval.Transport = v
	}
	if v := os.Getenv("TOOLFLOW_NATS_URL"); v != "" {
		cfg.Approval.NATSURL = v
	}
	if v := os.Getenv("TOOLFLOW_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("TOOLFLOW_STORE_DSN"); v != "" {
		cfg.Store.DSN = v
	}
	if v := os.Getenv("TOOLFLOW_MAX_ITER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Session.MaxIter = n
		}
	}
	if v := os.Getenv("TOOLFLOW_AUTO_APPROVE"); v != "" {
		cfg.Session.AutoApprove = SplitList(v)
	}
	if v := os.Getenv("TOOLFLOW_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("TOOLFLOW_OBSERVER_ENABLED"); v == "true" || v == "1" {
		cfg.Observer.Enabled = true
	}
}

// Validate reports the first setting that cannot work.
func (c Config) Validate() error {
	switch c.Approval.Transport {
	case TransportStdin, TransportHTTP, TransportNATS:
	default:
		return fmt.Errorf("approval.transport: unknown transport %q", c.Approval.Transport)
	}
	switch c.Store.Driver {
	case DriverNone, DriverSQLite:
	case DriverPostgres:
		if c.Store.DSN == "" {
			return errors.New("store.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("store.driver: unknown driver %q", c.Store.Driver)
	}
	for _, cl := range c.Session.AutoApprove {
		if !slices.Contains(approvalClasses, cl) {
			return fmt.Errorf("session.auto_approve: unknown class %q", cl)
		}
	}
	if c.Session.LoopThreshold > c.Session.LoopWindow {
		return fmt.Errorf("session.loop_threshold (%d) exceeds loop_window (%d)", c.Session.LoopThreshold, c.Session.LoopWindow)
	}
	return nil
}

// SplitList splits a comma-separated list, dropping blanks.
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
