package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// NetworkMode gates tools that reach out to external APIs.
type NetworkMode string

const (
	NetworkOnline  NetworkMode = "online"
	NetworkOffline NetworkMode = "offline"
)

// Config is the single typed configuration struct loaded at startup. Feature
// flags live here and nowhere else; runtime changes go through explicit APIs.
type Config struct {
	Port    string
	DataDir string

	// LLM connectivity.
	LLMEndpoints      []string
	LLMModel          string
	LLMAPIKey         string
	EndpointParallel  int // concurrent requests per endpoint
	LLMRequestTimeout time.Duration

	// Workspace.
	WorkspaceRoot string

	// Network policy.
	NetworkMode NetworkMode

	// Engine limits.
	MaxParallelStages       int
	MaxActiveWorkflows      int
	MaxRetries              int
	MaxPlanRevisions        int
	MaxRefinementIterations int
	StageTimeout            time.Duration
	WorkflowDeadline        time.Duration
	HITLTimeout             time.Duration

	// Shared context caps.
	ContextMaxEntries int
	ContextMaxBytes   int64

	// Per-workflow transient memory budget (shared context + buffered artifacts).
	WorkflowMemoryBudget int64

	// Event bus.
	SubscriberBuffer int

	// Session store cache.
	MaxSessionsCached int
	SessionTTL        time.Duration

	// Feature flags.
	EnableDynamicHITL bool
	EnablePauseButton bool

	// Optional YAML file extending the security gate's rule set.
	SecurityRulesFile string

	// Tracing: "" (off) or "stdout".
	TraceExporter string
}

// Default returns the built-in defaults before any file or env overrides.
func Default() Config {
	return Config{
		Port:                    "8080",
		DataDir:                 "~/.maestro",
		LLMEndpoints:            nil,
		LLMModel:                "",
		EndpointParallel:        2,
		LLMRequestTimeout:       120 * time.Second,
		WorkspaceRoot:           "~/maestro-workspace",
		NetworkMode:             NetworkOnline,
		MaxParallelStages:       2,
		MaxActiveWorkflows:      10,
		MaxRetries:              1,
		MaxPlanRevisions:        1,
		MaxRefinementIterations: 3,
		StageTimeout:            120 * time.Second,
		WorkflowDeadline:        30 * time.Minute,
		HITLTimeout:             0, // no deadline unless a request carries one
		ContextMaxEntries:       256,
		ContextMaxBytes:         4 << 20,
		WorkflowMemoryBudget:    64 << 20,
		SubscriberBuffer:        256,
		MaxSessionsCached:       100,
		SessionTTL:              time.Hour,
	}
}

// Load builds the configuration: defaults, then the optional config file
// (maestro-config.yaml in $HOME or cwd), then environment variables. A .env
// file in the working directory is honored first so local development matches
// deployment.
func Load() (Config, error) {
	_ = godotenv.Load() // missing .env is fine

	v := viper.New()
	v.SetConfigName("maestro-config")
	v.SetConfigType("yaml")
	v.AddConfigPath("$HOME")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errorsAs(err, &notFound) {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}
	v.AutomaticEnv()

	cfg := Default()

	if s := str(v, "MAESTRO_PORT", "port"); s != "" {
		cfg.Port = s
	}
	if s := str(v, "MAESTRO_DATA_DIR", "data_dir"); s != "" {
		cfg.DataDir = s
	}
	if s := str(v, "LLM_ENDPOINTS", "llm_endpoints"); s != "" {
		for _, ep := range strings.Split(s, ",") {
			if ep = strings.TrimSpace(ep); ep != "" {
				cfg.LLMEndpoints = append(cfg.LLMEndpoints, ep)
			}
		}
	} else if s := str(v, "LLM_ENDPOINT", "llm_endpoint"); s != "" {
		cfg.LLMEndpoints = []string{s}
	}
	if s := str(v, "LLM_MODEL", "llm_model"); s != "" {
		cfg.LLMModel = s
	}
	if s := str(v, "LLM_API_KEY", "llm_api_key"); s != "" {
		cfg.LLMAPIKey = s
	}
	if s := str(v, "DEFAULT_WORKSPACE", "workspace_root"); s != "" {
		cfg.WorkspaceRoot = s
	}
	if s := str(v, "NETWORK_MODE", "network_mode"); s != "" {
		cfg.NetworkMode = NetworkMode(strings.ToLower(s))
	}
	if n := integer(v, "MAX_PARALLEL_AGENTS", "max_parallel_stages"); n > 0 {
		cfg.MaxParallelStages = n
	}
	if n := integer(v, "MAX_ACTIVE_WORKFLOWS", "max_active_workflows"); n > 0 {
		cfg.MaxActiveWorkflows = n
	}
	cfg.EnableDynamicHITL = boolean(v, "ENABLE_DYNAMIC_HITL", "enable_dynamic_hitl")
	cfg.EnablePauseButton = boolean(v, "ENABLE_PAUSE_BUTTON", "enable_pause_button")
	if s := str(v, "MAESTRO_TRACE", "trace_exporter"); s != "" {
		cfg.TraceExporter = strings.ToLower(s)
	}
	if s := str(v, "MAESTRO_SECURITY_RULES", "security_rules_file"); s != "" {
		cfg.SecurityRulesFile = s
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the server cannot start with.
func (c Config) Validate() error {
	switch c.NetworkMode {
	case NetworkOnline, NetworkOffline:
	default:
		return fmt.Errorf("invalid NETWORK_MODE %q: must be online or offline", c.NetworkMode)
	}
	if c.MaxParallelStages < 1 {
		return fmt.Errorf("max_parallel_stages must be >= 1")
	}
	if c.MaxActiveWorkflows < 1 {
		return fmt.Errorf("max_active_workflows must be >= 1")
	}
	if c.ContextMaxEntries < 1 || c.ContextMaxBytes < 1 {
		return fmt.Errorf("shared context caps must be positive")
	}
	if c.SubscriberBuffer < 1 {
		return fmt.Errorf("subscriber buffer must be positive")
	}
	switch c.TraceExporter {
	case "", "stdout":
	default:
		return fmt.Errorf("unsupported trace exporter %q", c.TraceExporter)
	}
	return nil
}

func str(v *viper.Viper, envKey, fileKey string) string {
	if s := strings.TrimSpace(v.GetString(envKey)); s != "" {
		return s
	}
	return strings.TrimSpace(v.GetString(fileKey))
}

func integer(v *viper.Viper, envKey, fileKey string) int {
	if n := v.GetInt(envKey); n != 0 {
		return n
	}
	return v.GetInt(fileKey)
}

func boolean(v *viper.Viper, envKey, fileKey string) bool {
	return v.GetBool(envKey) || v.GetBool(fileKey)
}

// errorsAs is a tiny indirection so the viper sentinel check reads cleanly.
func errorsAs(err error, target *viper.ConfigFileNotFoundError) bool {
	if e, ok := err.(viper.ConfigFileNotFoundError); ok {
		*target = e
		return true
	}
	return false
}
