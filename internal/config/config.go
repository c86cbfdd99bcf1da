// Package config loads the YAML configuration for an MXF server process:
// env-var expansion before parsing, strict unknown-field decoding,
// post-load defaulting, and a collected-issues validation error rather
// than fail-fast.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for an mxfd process.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Tracing    TracingConfig    `yaml:"tracing"`
	Sessions   SessionsConfig   `yaml:"sessions"`
	Tools      ToolsConfig      `yaml:"tools"`
	ToolServers []ToolServerConfig `yaml:"tool_servers"`
	Validation ValidationConfig `yaml:"validation"`
	DAG        DAGConfig        `yaml:"dag"`
	Memory     MemoryConfig     `yaml:"memory"`
	LLM        LLMConfig        `yaml:"llm"`
	Redis      RedisConfig      `yaml:"redis"`
}

// ServerConfig configures the websocket listener.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// LoggingConfig configures structured logging (spec's ambient stack).
type LoggingConfig struct {
	Level     string   `yaml:"level"`
	Format    string   `yaml:"format"`
	AddSource bool     `yaml:"add_source"`
}

// MetricsConfig configures the Prometheus exporter.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
	Port    int    `yaml:"port"`
}

// TracingConfig configures OpenTelemetry tracing export.
type TracingConfig struct {
	Enabled        bool   `yaml:"enabled"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	ServiceName    string `yaml:"service_name"`
}

// SessionsConfig configures the session registry's heartbeat sweep.
type SessionsConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
	OutboundQueueSize int           `yaml:"outbound_queue_size"`
	BackpressureBlock time.Duration `yaml:"backpressure_block"`
}

// ToolsConfig configures the tool registry.
type ToolsConfig struct {
	RegistryChangeDebounce time.Duration `yaml:"registry_change_debounce"`
}

// ToolServerConfig is the YAML shape of one external tool server entry.
type ToolServerConfig struct {
	ID             string            `yaml:"id"`
	Name           string            `yaml:"name"`
	Transport      string            `yaml:"transport"`
	Command        string            `yaml:"command"`
	Args           []string          `yaml:"args"`
	Env            map[string]string `yaml:"env"`
	WorkDir        string            `yaml:"workdir"`
	URL            string            `yaml:"url"`
	Timeout        time.Duration     `yaml:"timeout"`
	AutoStart      bool              `yaml:"auto_start"`
	HealthInterval time.Duration     `yaml:"health_interval"`

	// MaxConsecutiveFailures is how many consecutive failed health probes
	// are tolerated before the server is declared unhealthy and a restart
	// is attempted. Default 3.
	MaxConsecutiveFailures int `yaml:"max_consecutive_failures"`
	// MaxRestartAttempts caps how many times the server will be restarted
	// after being declared unhealthy before it is given up on and left
	// stopped. Default 3.
	MaxRestartAttempts int `yaml:"max_restart_attempts"`
}

// ValidationConfig configures the tool-call validation pipeline.
type ValidationConfig struct {
	CacheTTL        time.Duration `yaml:"cache_ttl"`
	AsyncThreshold  float64       `yaml:"async_threshold"`
	BlockThreshold  float64       `yaml:"block_threshold"`
	AutoCorrect     bool          `yaml:"auto_correct"`
	MLPrediction    bool          `yaml:"ml_prediction"`
}

// DAGConfig configures the task scheduler.
type DAGConfig struct {
	MaxTasksPerChannel int `yaml:"max_tasks_per_channel"`
}

// MemoryConfig configures the memory/utility-learning layer.
type MemoryConfig struct {
	HybridRatio           float64            `yaml:"hybrid_ratio"` // rho
	PhaseUtilityWeight    map[string]float64 `yaml:"phase_utility_weight"` // lambda(phase)
	// RewardPhaseWeight is w(phase) in the reward-attribution TD update:
	// Q <- Q + alpha*(reward*w(phase) - Q). Distinct from
	// PhaseUtilityWeight, which blends similarity vs. utility at
	// retrieval time rather than weighting reward at attribution time.
	RewardPhaseWeight     map[string]float64 `yaml:"reward_phase_weight"`
	QValueMin             float64            `yaml:"qvalue_min"`
	QValueMax             float64            `yaml:"qvalue_max"`
	LearningRate          float64            `yaml:"learning_rate"`
	ConsolidationInterval time.Duration      `yaml:"consolidation_interval"`
	RetrievalTopK         int                `yaml:"retrieval_top_k"`
	EmbeddingDimension    int                `yaml:"embedding_dimension"`
	// SurpriseThreshold gates the ORPAR coordinator's surprise-injection
	// path: a retrieval whose best candidate similarity falls below
	// 1-SurpriseThreshold is surprising enough to queue an additional
	// observation.
	SurpriseThreshold float64 `yaml:"surprise_threshold"`
	// ConsolidationPromoteUsage is the usage-count threshold at or above which
	// a high-Q episodic record is promoted to semantic.
	ConsolidationPromoteUsage int `yaml:"consolidation_promote_usage"`
	// ConsolidationPromoteQ is the Q-value threshold (post-normalization,
	// [0,1]) a record must clear to be eligible for promotion.
	ConsolidationPromoteQ float64 `yaml:"consolidation_promote_q"`
	// ConsolidationDemoteAfter archives/demotes records unaccessed for
	// longer than this duration.
	ConsolidationDemoteAfter time.Duration `yaml:"consolidation_demote_after"`
}

// LLMConfig configures the LLM provider used for memory consolidation.
type LLMConfig struct {
	Provider     string `yaml:"provider"`
	APIKey       string `yaml:"api_key"`
	DefaultModel string `yaml:"default_model"`
}

// RedisConfig configures the L2 validation cache.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Load reads, expands, and parses path, then applies defaults and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 7470
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9464
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "mxf"
	}
	if cfg.Sessions.HeartbeatInterval == 0 {
		cfg.Sessions.HeartbeatInterval = 30 * time.Second
	}
	if cfg.Sessions.HeartbeatTimeout == 0 {
		cfg.Sessions.HeartbeatTimeout = 5 * cfg.Sessions.HeartbeatInterval
	}
	if cfg.Sessions.OutboundQueueSize == 0 {
		cfg.Sessions.OutboundQueueSize = 256
	}
	if cfg.Sessions.BackpressureBlock == 0 {
		cfg.Sessions.BackpressureBlock = 2 * time.Second
	}
	if cfg.Tools.RegistryChangeDebounce == 0 {
		cfg.Tools.RegistryChangeDebounce = 500 * time.Millisecond
	}
	if cfg.Validation.CacheTTL == 0 {
		cfg.Validation.CacheTTL = 10 * time.Minute
	}
	if cfg.Validation.AsyncThreshold == 0 {
		cfg.Validation.AsyncThreshold = 0.3
	}
	if cfg.Validation.BlockThreshold == 0 {
		cfg.Validation.BlockThreshold = 0.7
	}
	if cfg.DAG.MaxTasksPerChannel == 0 {
		cfg.DAG.MaxTasksPerChannel = 10000
	}
	if cfg.Memory.HybridRatio == 0 {
		cfg.Memory.HybridRatio = 0.5
	}
	if len(cfg.Memory.PhaseUtilityWeight) == 0 {
		cfg.Memory.PhaseUtilityWeight = map[string]float64{
			"observe": 0.1, "reason": 0.2, "plan": 0.2, "act": 0.3, "reflect": 0.2,
		}
	}
	if cfg.Memory.QValueMax == 0 {
		cfg.Memory.QValueMin = -1
		cfg.Memory.QValueMax = 1
	}
	if cfg.Memory.LearningRate == 0 {
		cfg.Memory.LearningRate = 0.1
	}
	if cfg.Memory.ConsolidationInterval == 0 {
		cfg.Memory.ConsolidationInterval = 1 * time.Hour
	}
	if cfg.Memory.RetrievalTopK == 0 {
		cfg.Memory.RetrievalTopK = 10
	}
	if len(cfg.Memory.RewardPhaseWeight) == 0 {
		cfg.Memory.RewardPhaseWeight = map[string]float64{
			"observe": 0.3, "reason": 0.8, "plan": 0.9, "act": 1.0, "reflect": 0.5,
		}
	}
	if cfg.Memory.EmbeddingDimension == 0 {
		cfg.Memory.EmbeddingDimension = 256
	}
	if cfg.Memory.SurpriseThreshold == 0 {
		cfg.Memory.SurpriseThreshold = 0.7
	}
	if cfg.Memory.ConsolidationPromoteUsage == 0 {
		cfg.Memory.ConsolidationPromoteUsage = 3
	}
	if cfg.Memory.ConsolidationPromoteQ == 0 {
		cfg.Memory.ConsolidationPromoteQ = 0.7
	}
	if cfg.Memory.ConsolidationDemoteAfter == 0 {
		cfg.Memory.ConsolidationDemoteAfter = 30 * 24 * time.Hour
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "anthropic"
	}
	if cfg.LLM.DefaultModel == "" {
		cfg.LLM.DefaultModel = "claude-sonnet-4-5"
	}
	for i := range cfg.ToolServers {
		if cfg.ToolServers[i].HealthInterval == 0 {
			cfg.ToolServers[i].HealthInterval = 30 * time.Second
		}
		if cfg.ToolServers[i].Transport == "" {
			cfg.ToolServers[i].Transport = "stdio"
		}
		if cfg.ToolServers[i].MaxConsecutiveFailures == 0 {
			cfg.ToolServers[i].MaxConsecutiveFailures = 3
		}
		if cfg.ToolServers[i].MaxRestartAttempts == 0 {
			cfg.ToolServers[i].MaxRestartAttempts = 3
		}
	}
}

// ValidationError collects every issue found, in the same style as a
// ConfigValidationError.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return "config validation failed:\n- " + strings.Join(e.Issues, "\n- ")
}

func validate(cfg *Config) error {
	var issues []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		issues = append(issues, "server.port must be between 1 and 65535")
	}
	if cfg.Validation.AsyncThreshold < 0 || cfg.Validation.AsyncThreshold > 1 {
		issues = append(issues, "validation.async_threshold must be between 0 and 1")
	}
	if cfg.Validation.BlockThreshold < cfg.Validation.AsyncThreshold {
		issues = append(issues, "validation.block_threshold must be >= validation.async_threshold")
	}
	if cfg.Memory.HybridRatio < 0 || cfg.Memory.HybridRatio > 1 {
		issues = append(issues, "memory.hybrid_ratio must be between 0 and 1")
	}
	if cfg.Memory.QValueMin >= cfg.Memory.QValueMax {
		issues = append(issues, "memory.qvalue_min must be less than memory.qvalue_max")
	}
	for name, w := range cfg.Memory.PhaseUtilityWeight {
		if w < 0 || w > 1 {
			issues = append(issues, fmt.Sprintf("memory.phase_utility_weight[%s] must be between 0 and 1", name))
		}
	}
	for name, w := range cfg.Memory.RewardPhaseWeight {
		if w < 0 || w > 1 {
			issues = append(issues, fmt.Sprintf("memory.reward_phase_weight[%s] must be between 0 and 1", name))
		}
	}
	if cfg.Memory.SurpriseThreshold < 0 || cfg.Memory.SurpriseThreshold > 1 {
		issues = append(issues, "memory.surprise_threshold must be between 0 and 1")
	}
	seen := map[string]bool{}
	for i, s := range cfg.ToolServers {
		if s.ID == "" {
			issues = append(issues, fmt.Sprintf("tool_servers[%d].id is required", i))
			continue
		}
		if seen[s.ID] {
			issues = append(issues, fmt.Sprintf("tool_servers[%d].id %q is duplicated", i, s.ID))
		}
		seen[s.ID] = true
	}

	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}
