package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/artifact-guard/internal/budget"
	"github.com/sells-group/artifact-guard/internal/guard"
	"github.com/sells-group/artifact-guard/internal/resilience"
	"github.com/sells-group/artifact-guard/pkg/nlm"
)

// Config holds the full application configuration.
type Config struct {
	NLM        NLMConfig        `yaml:"nlm" mapstructure:"nlm"`
	Plan       PlanConfig       `yaml:"plan" mapstructure:"plan"`
	Budget     BudgetConfig     `yaml:"budget" mapstructure:"budget"`
	Breaker    BreakerConfig    `yaml:"breaker" mapstructure:"breaker"`
	State      StateConfig      `yaml:"state" mapstructure:"state"`
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// NLMConfig configures the notebook CLI subprocess.
type NLMConfig struct {
	Bin                string `yaml:"bin" mapstructure:"bin"`
	Profile            string `yaml:"profile" mapstructure:"profile"`
	CreateTimeoutSecs  int    `yaml:"create_timeout_secs" mapstructure:"create_timeout_secs"`
	QueryTimeoutSecs   int    `yaml:"query_timeout_secs" mapstructure:"query_timeout_secs"`
	VersionTimeoutSecs int    `yaml:"version_timeout_secs" mapstructure:"version_timeout_secs"`
	AuthTimeoutSecs    int    `yaml:"auth_timeout_secs" mapstructure:"auth_timeout_secs"`
	AutoRefreshAuth    bool   `yaml:"auto_refresh_auth" mapstructure:"auto_refresh_auth"`
	RefreshProvider    string `yaml:"refresh_provider" mapstructure:"refresh_provider"`
	CDPURL             string `yaml:"cdp_url" mapstructure:"cdp_url"`
	RetryAttempts      int    `yaml:"retry_attempts" mapstructure:"retry_attempts"`
	RetryBackoffMs     int    `yaml:"retry_backoff_ms" mapstructure:"retry_backoff_ms"`
}

// PlanConfig configures the fallback plan and completion polling.
type PlanConfig struct {
	Artifacts    string `yaml:"artifacts" mapstructure:"artifacts"`
	Target       int    `yaml:"target" mapstructure:"target"`
	Profile      string `yaml:"profile" mapstructure:"profile"`
	ProfilesFile string `yaml:"profiles_file" mapstructure:"profiles_file"`
	PollSeconds  int    `yaml:"poll_seconds" mapstructure:"poll_seconds"`
	MaxPolls     int    `yaml:"max_polls" mapstructure:"max_polls"`
}

// BudgetConfig holds daily attempt caps. Zero or negative means unlimited.
type BudgetConfig struct {
	DailyTotal int    `yaml:"daily_total" mapstructure:"daily_total"`
	PerType    string `yaml:"per_type" mapstructure:"per_type"`
}

// BreakerConfig configures the per-type circuit breaker.
type BreakerConfig struct {
	ConsecutiveFailures int `yaml:"consecutive_failures" mapstructure:"consecutive_failures"`
	OpenMinutes         int `yaml:"open_minutes" mapstructure:"open_minutes"`
}

// StateConfig locates the persisted snapshot and event log.
type StateConfig struct {
	StateFile       string `yaml:"state_file" mapstructure:"state_file"`
	EventsFile      string `yaml:"events_file" mapstructure:"events_file"`
	LockTimeoutSecs int    `yaml:"lock_timeout_secs" mapstructure:"lock_timeout_secs"`
}

// StoreConfig configures the optional event index. An empty driver disables it.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// MonitoringConfig configures alerting.
type MonitoringConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
}

// ServerConfig configures the read-only status server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

const stateDir = "~/.openclaw/state/notebooklm-guarded-generator"

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("GUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("nlm.bin", "nlm")
	v.SetDefault("nlm.profile", "default")
	v.SetDefault("nlm.create_timeout_secs", 300)
	v.SetDefault("nlm.query_timeout_secs", 120)
	v.SetDefault("nlm.version_timeout_secs", 30)
	v.SetDefault("nlm.auth_timeout_secs", 90)
	v.SetDefault("nlm.auto_refresh_auth", true)
	v.SetDefault("nlm.refresh_provider", "openclaw")
	v.SetDefault("nlm.cdp_url", "http://127.0.0.1:18800")
	v.SetDefault("nlm.retry_attempts", 3)
	v.SetDefault("nlm.retry_backoff_ms", 2000)
	v.SetDefault("plan.artifacts", guard.DefaultPlan)
	v.SetDefault("plan.target", 1)
	v.SetDefault("plan.profile", "")
	v.SetDefault("plan.profiles_file", "")
	v.SetDefault("plan.poll_seconds", 15)
	v.SetDefault("plan.max_polls", 40)
	v.SetDefault("budget.daily_total", 40)
	v.SetDefault("budget.per_type", "infographic:10,slides:10,report:12,audio:12")
	v.SetDefault("breaker.consecutive_failures", 3)
	v.SetDefault("breaker.open_minutes", 90)
	v.SetDefault("state.state_file", stateDir+"/state.json")
	v.SetDefault("state.events_file", stateDir+"/events.jsonl")
	v.SetDefault("state.lock_timeout_secs", 10)
	v.SetDefault("store.driver", "")
	v.SetDefault("store.database_url", "")
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("monitoring.failure_rate_threshold", 0.5)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate rejects configurations that must not reach the state store.
func (c *Config) Validate() error {
	if _, err := guard.ParsePlan(c.Plan.Artifacts); err != nil {
		return eris.Wrap(err, "config: plan.artifacts")
	}
	switch {
	case c.Plan.Target < 0:
		return eris.Errorf("config: plan.target must be >= 0, got %d", c.Plan.Target)
	case c.Plan.PollSeconds < 0:
		return eris.Errorf("config: plan.poll_seconds must be >= 0, got %d", c.Plan.PollSeconds)
	case c.Plan.MaxPolls < 0:
		return eris.Errorf("config: plan.max_polls must be >= 0, got %d", c.Plan.MaxPolls)
	case c.Breaker.ConsecutiveFailures < 0:
		return eris.Errorf("config: breaker.consecutive_failures must be >= 0, got %d", c.Breaker.ConsecutiveFailures)
	case c.Breaker.OpenMinutes < 0:
		return eris.Errorf("config: breaker.open_minutes must be >= 0, got %d", c.Breaker.OpenMinutes)
	case c.State.StateFile == "":
		return eris.New("config: state.state_file is required")
	case c.State.EventsFile == "":
		return eris.New("config: state.events_file is required")
	}
	switch c.Store.Driver {
	case "", "sqlite", "postgres":
	default:
		return eris.Errorf("config: unsupported store.driver %q", c.Store.Driver)
	}
	return nil
}

// NLMClientConfig maps the nlm section onto the CLI adapter's config.
func (c *Config) NLMClientConfig() nlm.Config {
	return nlm.Config{
		Bin:             c.NLM.Bin,
		Profile:         c.NLM.Profile,
		CreateTimeout:   seconds(c.NLM.CreateTimeoutSecs),
		QueryTimeout:    seconds(c.NLM.QueryTimeoutSecs),
		VersionTimeout:  seconds(c.NLM.VersionTimeoutSecs),
		AuthTimeout:     seconds(c.NLM.AuthTimeoutSecs),
		RefreshProvider: c.NLM.RefreshProvider,
		CDPURL:          c.NLM.CDPURL,
		AutoRefreshAuth: c.NLM.AutoRefreshAuth,
		Retry:           resilience.FromRetryConfig(c.NLM.RetryAttempts, c.NLM.RetryBackoffMs),
	}
}

// Limits returns the configured daily budget caps.
func (c *Config) Limits() budget.Limits {
	return budget.Limits{
		Total:   c.Budget.DailyTotal,
		PerType: budget.ParsePerType(c.Budget.PerType, guard.NormalizeType),
	}
}

// BreakerSettings returns the circuit breaker settings.
func (c *Config) BreakerSettings() resilience.CircuitBreakerConfig {
	return resilience.FromCircuitConfig(c.Breaker.ConsecutiveFailures, c.Breaker.OpenMinutes)
}

// GuardConfig assembles the orchestrator settings.
func (c *Config) GuardConfig() guard.Config {
	return guard.Config{
		Limits:  c.Limits(),
		Breaker: c.BreakerSettings(),
		Poll: guard.PollConfig{
			Interval: seconds(c.Plan.PollSeconds),
			MaxPolls: c.Plan.MaxPolls,
		},
	}
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// InitLogger initializes the global zap logger. Output goes to stderr so
// stdout stays reserved for machine-readable results.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}
	zapCfg.OutputPaths = []string{"stderr"}
	zapCfg.ErrorOutputPaths = []string{"stderr"}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
