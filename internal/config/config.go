// Package config loads the swarm configuration. Precedence, highest first:
// SWARM_* environment variables, the YAML file passed to Load, built-in
// defaults. Nested keys map to env names with dots replaced by underscores
// (health.grace_period is SWARM_HEALTH_GRACE_PERIOD).
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/jedarden/swebench-swarm/internal/agent"
	"github.com/jedarden/swebench-swarm/internal/coordination"
	"github.com/jedarden/swebench-swarm/internal/domain"
	"github.com/jedarden/swebench-swarm/internal/health"
	"github.com/jedarden/swebench-swarm/internal/orchestrator"
	"github.com/jedarden/swebench-swarm/internal/task"
)

const envPrefix = "SWARM"

type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Log          LogConfig          `mapstructure:"log"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Postgres     PostgresConfig     `mapstructure:"postgres"`
	NATS         NATSConfig         `mapstructure:"nats"`
	Registry     RegistryConfig     `mapstructure:"registry"`
	Planner      PlannerConfig      `mapstructure:"planner"`
	Coordination CoordinationConfig `mapstructure:"coordination"`
	Health       HealthConfig       `mapstructure:"health"`
	Recovery     RecoveryConfig     `mapstructure:"recovery"`
	Solver       SolverConfig       `mapstructure:"solver"`
	Flow         FlowConfig         `mapstructure:"flow"`
	Alerts       AlertsConfig       `mapstructure:"alerts"`
	Worker       WorkerConfig       `mapstructure:"worker"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// DefaultMaxAgents caps sessions that do not set their own limit.
	DefaultMaxAgents int `mapstructure:"default_max_agents"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type RedisConfig struct {
	Addr string `mapstructure:"addr"`
}

// PostgresConfig enables the history store when DSN is set.
type PostgresConfig struct {
	DSN     string `mapstructure:"dsn"`
	Migrate bool   `mapstructure:"migrate"`
}

// NATSConfig enables event export when URL is set.
type NATSConfig struct {
	URL string `mapstructure:"url"`
}

type RegistryConfig struct {
	MaxAgents            int           `mapstructure:"max_agents"`
	SampleInterval       time.Duration `mapstructure:"sample_interval"`
	CPUAlertThreshold    float64       `mapstructure:"cpu_alert_threshold"`
	MemoryAlertThreshold float64       `mapstructure:"memory_alert_threshold"`
	// Seed for the simulated resource sampler; 0 seeds from the clock.
	SamplerSeed int64 `mapstructure:"sampler_seed"`
}

type PlannerConfig struct {
	Research         time.Duration `mapstructure:"research"`
	Implementation   time.Duration `mapstructure:"implementation"`
	Testing          time.Duration `mapstructure:"testing"`
	Review           time.Duration `mapstructure:"review"`
	LowMultiplier    float64       `mapstructure:"low_multiplier"`
	MediumMultiplier float64       `mapstructure:"medium_multiplier"`
	HighMultiplier   float64       `mapstructure:"high_multiplier"`
}

type CoordinationConfig struct {
	CPUBudget      float64       `mapstructure:"cpu_budget"`
	MemoryBudget   float64       `mapstructure:"memory_budget"`
	StallRatio     float64       `mapstructure:"stall_ratio"`
	CPUPercent     float64       `mapstructure:"cpu_percent"`
	MemoryPercent  float64       `mapstructure:"memory_percent"`
	LatencyCeiling time.Duration `mapstructure:"latency_ceiling"`
}

type HealthConfig struct {
	SampleInterval   time.Duration `mapstructure:"sample_interval"`
	GracePeriod      time.Duration `mapstructure:"grace_period"`
	RetainedSessions int           `mapstructure:"retained_sessions"`
	AlertBuffer      int           `mapstructure:"alert_buffer"`
	ErrorRateWarn    float64       `mapstructure:"error_rate_warn"`
	ErrorRateCrit    float64       `mapstructure:"error_rate_crit"`
	UtilizationWarn  float64       `mapstructure:"utilization_warn"`
	UtilizationCrit  float64       `mapstructure:"utilization_crit"`
	LatencyWarn      time.Duration `mapstructure:"latency_warn"`
	LatencyCrit      time.Duration `mapstructure:"latency_crit"`
	EfficiencyWarn   float64       `mapstructure:"efficiency_warn"`
	EfficiencyCrit   float64       `mapstructure:"efficiency_crit"`
	QualityFloor     float64       `mapstructure:"quality_floor"`
}

type RecoveryConfig struct {
	ReplacementDelay   time.Duration `mapstructure:"replacement_delay"`
	NoReplacementDelay time.Duration `mapstructure:"no_replacement_delay"`
}

// SolverConfig describes the external solver and evaluation harness.
// Workers are only started when Command is set.
type SolverConfig struct {
	Command          []string      `mapstructure:"command"`
	EvaluatorCommand []string      `mapstructure:"evaluator_command"`
	Timeout          time.Duration `mapstructure:"timeout"`
	EvaluatorTimeout time.Duration `mapstructure:"evaluator_timeout"`
	Instances        int           `mapstructure:"instances"`
	WorkDir          string        `mapstructure:"work_dir"`
	Model            string        `mapstructure:"model"`
}

type FlowConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Command []string      `mapstructure:"command"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// AlertsConfig enables e-mail delivery of health alerts when APIKey is set.
type AlertsConfig struct {
	SendGridAPIKey string   `mapstructure:"sendgrid_api_key"`
	FromName       string   `mapstructure:"from_name"`
	FromAddress    string   `mapstructure:"from_address"`
	To             []string `mapstructure:"to"`
	MinSeverity    string   `mapstructure:"min_severity"`
}

type WorkerConfig struct {
	Count        int           `mapstructure:"count"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	ServerURL    string        `mapstructure:"server_url"`
}

// Load reads defaults, then path (when non-empty), then the environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, domain.Wrap(domain.CodeInvalidConfiguration, err, "reading config from %s", path)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, domain.Wrap(domain.CodeInvalidConfiguration, err, "unmarshaling config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.default_max_agents", 20)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("redis.addr", "localhost:6379")

	v.SetDefault("postgres.dsn", "")
	v.SetDefault("postgres.migrate", true)

	v.SetDefault("nats.url", "")

	registry := agent.DefaultConfig()
	v.SetDefault("registry.max_agents", registry.MaxAgents)
	v.SetDefault("registry.sample_interval", registry.SampleInterval)
	v.SetDefault("registry.cpu_alert_threshold", registry.CPUAlertThreshold)
	v.SetDefault("registry.memory_alert_threshold", registry.MemoryAlertThreshold)
	v.SetDefault("registry.sampler_seed", 0)

	planner := task.DefaultPlannerConfig()
	v.SetDefault("planner.research", planner.BaseDurations[task.TypeResearch])
	v.SetDefault("planner.implementation", planner.BaseDurations[task.TypeImplementation])
	v.SetDefault("planner.testing", planner.BaseDurations[task.TypeTesting])
	v.SetDefault("planner.review", planner.BaseDurations[task.TypeReview])
	v.SetDefault("planner.low_multiplier", planner.ComplexityMultipliers[task.ComplexityLow])
	v.SetDefault("planner.medium_multiplier", planner.ComplexityMultipliers[task.ComplexityMedium])
	v.SetDefault("planner.high_multiplier", planner.ComplexityMultipliers[task.ComplexityHigh])

	coord := coordination.DefaultConfig()
	v.SetDefault("coordination.cpu_budget", coord.Budget.CPU)
	v.SetDefault("coordination.memory_budget", coord.Budget.Memory)
	v.SetDefault("coordination.stall_ratio", coord.Thresholds.StallRatio)
	v.SetDefault("coordination.cpu_percent", coord.Thresholds.CPUPercent)
	v.SetDefault("coordination.memory_percent", coord.Thresholds.MemoryPercent)
	v.SetDefault("coordination.latency_ceiling", coord.Thresholds.LatencyCeiling)

	hc := health.DefaultConfig()
	v.SetDefault("health.sample_interval", hc.SampleInterval)
	v.SetDefault("health.grace_period", hc.GracePeriod)
	v.SetDefault("health.retained_sessions", hc.RetainedSessions)
	v.SetDefault("health.alert_buffer", hc.AlertBuffer)
	v.SetDefault("health.error_rate_warn", hc.ErrorRateWarn)
	v.SetDefault("health.error_rate_crit", hc.ErrorRateCrit)
	v.SetDefault("health.utilization_warn", hc.UtilizationWarn)
	v.SetDefault("health.utilization_crit", hc.UtilizationCrit)
	v.SetDefault("health.latency_warn", hc.LatencyWarn)
	v.SetDefault("health.latency_crit", hc.LatencyCrit)
	v.SetDefault("health.efficiency_warn", hc.EfficiencyWarn)
	v.SetDefault("health.efficiency_crit", hc.EfficiencyCrit)
	v.SetDefault("health.quality_floor", hc.QualityFloor)

	recovery := orchestrator.DefaultConfig().Recovery
	v.SetDefault("recovery.replacement_delay", recovery.ReplacementDelay)
	v.SetDefault("recovery.no_replacement_delay", recovery.NoReplacementDelay)

	v.SetDefault("solver.command", []string{})
	v.SetDefault("solver.evaluator_command", []string{})
	v.SetDefault("solver.timeout", "10m")
	v.SetDefault("solver.evaluator_timeout", "30m")
	v.SetDefault("solver.instances", 4)
	v.SetDefault("solver.work_dir", "")
	v.SetDefault("solver.model", "swebench-swarm")

	v.SetDefault("flow.enabled", false)
	v.SetDefault("flow.command", []string{"npx", "claude-flow@alpha"})
	v.SetDefault("flow.timeout", "30s")

	v.SetDefault("alerts.sendgrid_api_key", "")
	v.SetDefault("alerts.from_name", "Swarm")
	v.SetDefault("alerts.from_address", "")
	v.SetDefault("alerts.to", []string{})
	v.SetDefault("alerts.min_severity", string(health.LevelCritical))

	v.SetDefault("worker.count", 4)
	v.SetDefault("worker.poll_interval", "1s")
	v.SetDefault("worker.server_url", "http://localhost:8080")
}

// Validate reports every problem at once as one InvalidConfiguration error.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Server.Addr != "", "server.addr is empty")
	check(c.Server.DefaultMaxAgents > 0, "server.default_max_agents must be positive")
	check(c.Server.DefaultMaxAgents <= c.Registry.MaxAgents,
		"server.default_max_agents %d exceeds registry.max_agents %d", c.Server.DefaultMaxAgents, c.Registry.MaxAgents)
	_, levelErr := parseLevel(c.Log.Level)
	check(levelErr == nil, "log.level %q is not one of debug, info, warn, error", c.Log.Level)
	check(c.Log.Format == "json" || c.Log.Format == "text", "log.format %q is not json or text", c.Log.Format)
	check(c.Redis.Addr != "", "redis.addr is empty")

	check(c.Registry.MaxAgents > 0, "registry.max_agents must be positive")
	check(c.Registry.SampleInterval > 0, "registry.sample_interval must be positive")

	for name, d := range map[string]time.Duration{
		"research":       c.Planner.Research,
		"implementation": c.Planner.Implementation,
		"testing":        c.Planner.Testing,
		"review":         c.Planner.Review,
	} {
		check(d > 0, "planner.%s must be positive", name)
	}
	check(c.Planner.LowMultiplier > 0 && c.Planner.MediumMultiplier > 0 && c.Planner.HighMultiplier > 0,
		"planner multipliers must be positive")

	check(c.Coordination.CPUBudget > 0 && c.Coordination.MemoryBudget > 0, "coordination budgets must be positive")
	check(c.Coordination.StallRatio > 0 && c.Coordination.StallRatio <= 1, "coordination.stall_ratio must be in (0, 1]")

	check(c.Health.SampleInterval > 0, "health.sample_interval must be positive")
	check(c.Health.GracePeriod >= 0, "health.grace_period must not be negative")
	check(c.Health.RetainedSessions > 0, "health.retained_sessions must be positive")
	check(c.Health.ErrorRateWarn <= c.Health.ErrorRateCrit, "health.error_rate_warn exceeds health.error_rate_crit")
	check(c.Health.UtilizationWarn <= c.Health.UtilizationCrit, "health.utilization_warn exceeds health.utilization_crit")
	check(c.Health.LatencyWarn <= c.Health.LatencyCrit, "health.latency_warn exceeds health.latency_crit")
	check(c.Health.EfficiencyWarn >= c.Health.EfficiencyCrit, "health.efficiency_warn is below health.efficiency_crit")

	check(c.Recovery.ReplacementDelay > 0 && c.Recovery.NoReplacementDelay > 0, "recovery delays must be positive")

	check(c.Solver.Instances > 0, "solver.instances must be positive")
	check(len(c.Solver.Command) == 0 || len(c.Solver.EvaluatorCommand) > 0,
		"solver.evaluator_command is required when solver.command is set")
	check(!c.Flow.Enabled || len(c.Flow.Command) > 0, "flow.command is required when flow is enabled")

	if c.Alerts.SendGridAPIKey != "" {
		check(c.Alerts.FromAddress != "", "alerts.from_address is required when alerts are enabled")
		check(len(c.Alerts.To) > 0, "alerts.to is required when alerts are enabled")
	}
	switch health.Level(c.Alerts.MinSeverity) {
	case health.LevelWarning, health.LevelCritical:
	default:
		errs = append(errs, fmt.Errorf("alerts.min_severity %q is not warning or critical", c.Alerts.MinSeverity))
	}

	check(c.Worker.Count >= 0, "worker.count must not be negative")
	check(c.Worker.PollInterval > 0, "worker.poll_interval must be positive")

	if len(errs) > 0 {
		return domain.Wrap(domain.CodeInvalidConfiguration, errors.Join(errs...), "invalid configuration")
	}
	return nil
}

// OrchestratorConfig converts the policy sections into the orchestrator's
// typed configuration.
func (c *Config) OrchestratorConfig() orchestrator.Config {
	coord := coordination.DefaultConfig()
	coord.Budget = coordination.Budget{CPU: c.Coordination.CPUBudget, Memory: c.Coordination.MemoryBudget}
	coord.Thresholds = coordination.Thresholds{
		StallRatio:     c.Coordination.StallRatio,
		CPUPercent:     c.Coordination.CPUPercent,
		MemoryPercent:  c.Coordination.MemoryPercent,
		LatencyCeiling: c.Coordination.LatencyCeiling,
	}

	return orchestrator.Config{
		Registry: agent.Config{
			MaxAgents:            c.Registry.MaxAgents,
			SampleInterval:       c.Registry.SampleInterval,
			CPUAlertThreshold:    c.Registry.CPUAlertThreshold,
			MemoryAlertThreshold: c.Registry.MemoryAlertThreshold,
		},
		Planner: task.PlannerConfig{
			BaseDurations: map[task.SubtaskType]time.Duration{
				task.TypeResearch:       c.Planner.Research,
				task.TypeImplementation: c.Planner.Implementation,
				task.TypeTesting:        c.Planner.Testing,
				task.TypeReview:         c.Planner.Review,
			},
			ComplexityMultipliers: map[task.Complexity]float64{
				task.ComplexityLow:    c.Planner.LowMultiplier,
				task.ComplexityMedium: c.Planner.MediumMultiplier,
				task.ComplexityHigh:   c.Planner.HighMultiplier,
			},
		},
		Coordination: coord,
		Recovery: orchestrator.RecoveryConfig{
			ReplacementDelay:   c.Recovery.ReplacementDelay,
			NoReplacementDelay: c.Recovery.NoReplacementDelay,
		},
	}
}

func (c *Config) HealthConfig() health.Config {
	return health.Config{
		SampleInterval:   c.Health.SampleInterval,
		GracePeriod:      c.Health.GracePeriod,
		RetainedSessions: c.Health.RetainedSessions,
		AlertBuffer:      c.Health.AlertBuffer,
		ErrorRateWarn:    c.Health.ErrorRateWarn,
		ErrorRateCrit:    c.Health.ErrorRateCrit,
		UtilizationWarn:  c.Health.UtilizationWarn,
		UtilizationCrit:  c.Health.UtilizationCrit,
		LatencyWarn:      c.Health.LatencyWarn,
		LatencyCrit:      c.Health.LatencyCrit,
		EfficiencyWarn:   c.Health.EfficiencyWarn,
		EfficiencyCrit:   c.Health.EfficiencyCrit,
		QualityFloor:     c.Health.QualityFloor,
	}
}

// NewLogger builds the process logger for the log section.
func NewLogger(cfg LogConfig, w io.Writer) *slog.Logger {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	err := level.UnmarshalText([]byte(s))
	return level, err
}
