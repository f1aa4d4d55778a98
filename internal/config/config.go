package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Log        LogConfig        `mapstructure:"log"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Polymarket PolymarketConfig `mapstructure:"polymarket"`
	Portfolio  PortfolioConfig  `mapstructure:"portfolio"`
	Signals    SignalsConfig    `mapstructure:"signals"`
	Sizing     SizingConfig     `mapstructure:"sizing"`
	Risk       RiskConfig       `mapstructure:"risk"`
	Approval   ApprovalConfig   `mapstructure:"approval"`
	Execution  ExecutionConfig  `mapstructure:"execution"`
	Hedge      HedgeConfig      `mapstructure:"hedge"`
	Feedback   FeedbackConfig   `mapstructure:"feedback"`
	Markets    []MarketConfig   `mapstructure:"markets"`
}

type ServerConfig struct {
	Port     string `mapstructure:"port"`
	ReadOnly bool   `mapstructure:"read_only"`
	// Ops API write budget, requests per second. 0 disables limiting.
	WriteRate  float64 `mapstructure:"write_rate"`
	WriteBurst int     `mapstructure:"write_burst"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type AuthConfig struct {
	AdminKey string `mapstructure:"admin_key"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

type RedisConfig struct {
	Addr          string `mapstructure:"addr"`
	Password      string `mapstructure:"password"`
	DB            int    `mapstructure:"db"`
	CheckpointKey string `mapstructure:"checkpoint_key"`
	AuditListKey  string `mapstructure:"audit_list_key"`
	AuditListMax  int    `mapstructure:"audit_list_max"`
}

type CheckpointConfig struct {
	// 本地文件兜底: Redis 和 Postgres 都不可用时使用
	File   string `mapstructure:"file"`
	LogDir string `mapstructure:"log_dir"`
}

type PolymarketConfig struct {
	// Empty api_key switches the process to the paper exchange.
	ApiKey        string `mapstructure:"api_key"`
	ApiSecret     string `mapstructure:"api_secret"`
	ApiPassphrase string `mapstructure:"api_passphrase"`
	PrivateKey    string `mapstructure:"private_key"`

	MarketWSURL string `mapstructure:"market_ws_url"`
	UserWSURL   string `mapstructure:"user_ws_url"`

	BuilderApiKey        string `mapstructure:"builder_api_key"`
	BuilderApiSecret     string `mapstructure:"builder_api_secret"`
	BuilderApiPassphrase string `mapstructure:"builder_api_passphrase"`
}

type PortfolioConfig struct {
	InitialCash  float64       `mapstructure:"initial_cash"`
	MarkInterval time.Duration `mapstructure:"mark_interval"`
	// Number of fill keys remembered for duplicate suppression.
	DedupeWindow int `mapstructure:"dedupe_window"`
}

type SignalsConfig struct {
	MinResolutionHorizon time.Duration `mapstructure:"min_resolution_horizon"`
}

type SizingConfig struct {
	KellyFraction             float64 `mapstructure:"kelly_fraction"`               // 0.25 = quarter Kelly
	MaxSinglePositionNotional float64 `mapstructure:"max_single_position_notional"` // USDC
	DefaultVariance           float64 `mapstructure:"default_variance"`             // used when a signal carries none
	MaxSlippage               float64 `mapstructure:"max_slippage"`                 // price band around reference
}

type RiskConfig struct {
	MaxExposureRatio         float64 `mapstructure:"max_exposure_ratio"`
	MaxVaRRatio              float64 `mapstructure:"max_var_ratio"`
	VaRVolatility            float64 `mapstructure:"var_volatility"`
	VaRZScore                float64 `mapstructure:"var_z_score"`
	CorrelationThreshold     float64 `mapstructure:"correlation_threshold"`
	CorrelationShrinkFactor  float64 `mapstructure:"correlation_shrink_factor"`
	GroupCorrelation         float64 `mapstructure:"group_correlation"`
	PortfolioCorrelationWarn float64 `mapstructure:"portfolio_correlation_warn"`
	MaxPlatformRatio         float64 `mapstructure:"max_platform_ratio"`
	HumanApprovalThreshold   float64 `mapstructure:"human_approval_threshold"`
	MinOrderNotional         float64 `mapstructure:"min_order_notional"`

	Correlations []CorrelationConfig `mapstructure:"correlations"`
}

type CorrelationConfig struct {
	A   string  `mapstructure:"a"`
	B   string  `mapstructure:"b"`
	Rho float64 `mapstructure:"rho"`
}

type ApprovalConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

type ExecutionConfig struct {
	TickSize             float64       `mapstructure:"tick_size"`
	ImproveTicks         int           `mapstructure:"improve_ticks"`
	SnipeWindow          time.Duration `mapstructure:"snipe_window"`
	SnipePoll            time.Duration `mapstructure:"snipe_poll"`
	MaxSubmissionRetries int           `mapstructure:"max_submission_retries"`
	RetryBackoff         time.Duration `mapstructure:"retry_backoff"`
	SubmitRate           float64       `mapstructure:"submit_rate"` // orders per second
	SubmitBurst          int           `mapstructure:"submit_burst"`
	FillWaitHorizon      time.Duration `mapstructure:"fill_wait_horizon"`
	MaxReassessments     int           `mapstructure:"max_reassessments"`
	FillEpsilon          float64       `mapstructure:"fill_epsilon"`
	FeeRate              float64       `mapstructure:"fee_rate"`
	BookStaleAfter       time.Duration `mapstructure:"book_stale_after"`
}

type HedgeConfig struct {
	MarketID  string  `mapstructure:"market_id"`
	Outcome   string  `mapstructure:"outcome"`
	Threshold float64 `mapstructure:"threshold"`
	Ratio     float64 `mapstructure:"ratio"`
}

type FeedbackConfig struct {
	Window          int     `mapstructure:"window"`
	DriftWinRate    float64 `mapstructure:"drift_win_rate"`
	DriftMinSamples int     `mapstructure:"drift_min_samples"`
}

type MarketConfig struct {
	ID             string            `mapstructure:"id"`
	Question       string            `mapstructure:"question"`
	Platform       string            `mapstructure:"platform"`
	Group          string            `mapstructure:"group"`
	ResolutionTime time.Time         `mapstructure:"resolution_time"`
	TokenIDs       map[string]string `mapstructure:"token_ids"` // outcome -> CLOB token id
}

// SetDefaults registers every default on v. Tests use it with a fresh viper instance.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.write_rate", 20.0)
	v.SetDefault("server.write_burst", 40)
	v.SetDefault("log.level", "info")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("redis.checkpoint_key", "polyloop:portfolio:checkpoint")
	v.SetDefault("redis.audit_list_key", "polyloop:intent_audit")
	v.SetDefault("redis.audit_list_max", 10000)
	v.SetDefault("checkpoint.file", "./data/portfolio.json")
	v.SetDefault("checkpoint.log_dir", "./logs")

	v.SetDefault("polymarket.market_ws_url", "wss://ws-subscriptions-clob.polymarket.com/ws/market")
	v.SetDefault("polymarket.user_ws_url", "wss://ws-subscriptions-clob.polymarket.com/ws/user")

	v.SetDefault("portfolio.initial_cash", 10000.0)
	v.SetDefault("portfolio.mark_interval", 30*time.Second)
	v.SetDefault("portfolio.dedupe_window", 10000)

	v.SetDefault("signals.min_resolution_horizon", time.Hour)

	v.SetDefault("sizing.kelly_fraction", 0.25)
	v.SetDefault("sizing.max_single_position_notional", 5000.0)
	v.SetDefault("sizing.default_variance", 0.25)
	v.SetDefault("sizing.max_slippage", 0.05)

	v.SetDefault("risk.max_exposure_ratio", 0.8)
	v.SetDefault("risk.max_var_ratio", 0.10)
	v.SetDefault("risk.var_volatility", 0.15)
	v.SetDefault("risk.var_z_score", 1.645)
	v.SetDefault("risk.correlation_threshold", 0.5)
	v.SetDefault("risk.correlation_shrink_factor", 0.5)
	v.SetDefault("risk.group_correlation", 0.6)
	v.SetDefault("risk.portfolio_correlation_warn", 0.6)
	v.SetDefault("risk.max_platform_ratio", 0.8)
	v.SetDefault("risk.human_approval_threshold", 2000.0)
	v.SetDefault("risk.min_order_notional", 1.0)

	v.SetDefault("approval.timeout", 5*time.Minute)

	v.SetDefault("execution.tick_size", 0.01)
	v.SetDefault("execution.improve_ticks", 1)
	v.SetDefault("execution.snipe_window", 2*time.Second)
	v.SetDefault("execution.snipe_poll", 250*time.Millisecond)
	v.SetDefault("execution.max_submission_retries", 3)
	v.SetDefault("execution.retry_backoff", 200*time.Millisecond)
	v.SetDefault("execution.submit_rate", 5.0)
	v.SetDefault("execution.submit_burst", 5)
	v.SetDefault("execution.fill_wait_horizon", 30*time.Second)
	v.SetDefault("execution.max_reassessments", 2)
	v.SetDefault("execution.fill_epsilon", 0.01)
	v.SetDefault("execution.fee_rate", 0.002)
	v.SetDefault("execution.book_stale_after", 10*time.Second)

	v.SetDefault("hedge.outcome", "NO")
	v.SetDefault("hedge.threshold", 3000.0)
	v.SetDefault("hedge.ratio", 0.2)

	v.SetDefault("feedback.window", 20)
	v.SetDefault("feedback.drift_win_rate", 0.5)
	v.SetDefault("feedback.drift_min_samples", 5)
}

func Load() (*Config, error) {
	v := viper.GetViper()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")

	// Environment variables support
	// e.g. POLYLOOP_RISK_MAX_EXPOSURE_RATIO
	v.SetEnvPrefix("polyloop")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Println("No config file found, using defaults and env vars")
		} else {
			return nil, err
		}
	}

	return Decode(v)
}

// Decode unmarshals and validates the settings held by v.
func Decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		mapstructure.StringToTimeHookFunc(time.RFC3339),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Sizing.KellyFraction <= 0 || c.Sizing.KellyFraction > 1 {
		return fmt.Errorf("sizing.kelly_fraction must be in (0,1], got %v", c.Sizing.KellyFraction)
	}
	ratios := map[string]float64{
		"risk.max_exposure_ratio": c.Risk.MaxExposureRatio,
		"risk.max_var_ratio":      c.Risk.MaxVaRRatio,
		"risk.max_platform_ratio": c.Risk.MaxPlatformRatio,
	}
	for name, val := range ratios {
		if val <= 0 || val > 1 {
			return fmt.Errorf("%s must be in (0,1], got %v", name, val)
		}
	}
	if c.Risk.CorrelationShrinkFactor < 0 || c.Risk.CorrelationShrinkFactor > 1 {
		return fmt.Errorf("risk.correlation_shrink_factor must be in [0,1], got %v", c.Risk.CorrelationShrinkFactor)
	}
	if c.Sizing.MaxSinglePositionNotional <= 0 {
		return fmt.Errorf("sizing.max_single_position_notional must be positive")
	}
	if c.Execution.MaxSubmissionRetries < 0 {
		return fmt.Errorf("execution.max_submission_retries must not be negative")
	}
	if c.Execution.TickSize <= 0 || c.Execution.TickSize >= 1 {
		return fmt.Errorf("execution.tick_size must be in (0,1), got %v", c.Execution.TickSize)
	}
	if c.Approval.Timeout <= 0 {
		return fmt.Errorf("approval.timeout must be positive")
	}
	if c.Execution.FillWaitHorizon <= 0 {
		return fmt.Errorf("execution.fill_wait_horizon must be positive")
	}
	for _, m := range c.Markets {
		if strings.TrimSpace(m.ID) == "" {
			return fmt.Errorf("markets: entry with empty id")
		}
	}
	return nil
}
