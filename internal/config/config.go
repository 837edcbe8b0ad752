package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/gridbill/invoice-pipeline/internal/model"
)

// Config holds the full application configuration. It is loaded once per
// command and passed by value into each pipeline run at creation, so a
// running pipeline never observes a mid-flight configuration change.
type Config struct {
	Store       StoreConfig       `yaml:"store" mapstructure:"store"`
	ObjectStore ObjectStoreConfig `yaml:"object_store" mapstructure:"object_store"`
	Engines     EnginesConfig     `yaml:"engines" mapstructure:"engines"`
	ABTest      ABTestConfig      `yaml:"ab_test" mapstructure:"ab_test"`
	Validation  ValidationConfig  `yaml:"validation" mapstructure:"validation"`
	Pipeline    PipelineConfig    `yaml:"pipeline" mapstructure:"pipeline"`
	Learning    LearningConfig    `yaml:"learning" mapstructure:"learning"`
	Notify      NotifyConfig      `yaml:"notify" mapstructure:"notify"`
	Anthropic   AnthropicConfig   `yaml:"anthropic" mapstructure:"anthropic"`
	OpenAI      OpenAIConfig      `yaml:"openai" mapstructure:"openai"`
	HTTPOCR     HTTPOCRConfig     `yaml:"httpocr" mapstructure:"httpocr"`
	Server      ServerConfig      `yaml:"server" mapstructure:"server"`
	Log         LogConfig         `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// ObjectStoreConfig configures the raw-document blob store.
type ObjectStoreConfig struct {
	Root string `yaml:"root" mapstructure:"root"`
}

// EnginesConfig holds the engine profile set. Profiles may come inline from
// the main config or from a separate engines file (file wins when set).
type EnginesConfig struct {
	File     string                `yaml:"file" mapstructure:"file"`
	Profiles []model.EngineProfile `yaml:"profiles" mapstructure:"profiles"`
}

// ABTestConfig configures comparative engine trials.
type ABTestConfig struct {
	Enabled             bool    `yaml:"enabled" mapstructure:"enabled"`
	SplitPercent        float64 `yaml:"split_percent" mapstructure:"split_percent"`
	ComparisonCriterion string  `yaml:"comparison_criterion" mapstructure:"comparison_criterion"`
}

// ValidationConfig holds thresholds and tolerances for the validation engine.
type ValidationConfig struct {
	ConfidenceThreshold    float64   `yaml:"confidence_threshold" mapstructure:"confidence_threshold"`
	ReviewScoreThreshold   float64   `yaml:"review_score_threshold" mapstructure:"review_score_threshold"`
	AnomalyWarnZ           float64   `yaml:"anomaly_warn_z" mapstructure:"anomaly_warn_z"`
	AnomalyCriticalZ       float64   `yaml:"anomaly_critical_z" mapstructure:"anomaly_critical_z"`
	MinHistoricalSamples   int       `yaml:"min_historical_samples" mapstructure:"min_historical_samples"`
	HistoryWindow          int       `yaml:"history_window" mapstructure:"history_window"`
	AnomalyFields          []string  `yaml:"anomaly_fields" mapstructure:"anomaly_fields"`
	ArithmeticAbsTolerance float64   `yaml:"arithmetic_abs_tolerance" mapstructure:"arithmetic_abs_tolerance"`
	ArithmeticPctTolerance float64   `yaml:"arithmetic_pct_tolerance" mapstructure:"arithmetic_pct_tolerance"`
	ICMSRateSchedule       []float64 `yaml:"icms_rate_schedule" mapstructure:"icms_rate_schedule"`
	PenaltyInfo            float64   `yaml:"penalty_info" mapstructure:"penalty_info"`
	PenaltyWarning         float64   `yaml:"penalty_warning" mapstructure:"penalty_warning"`
	PenaltyError           float64   `yaml:"penalty_error" mapstructure:"penalty_error"`
	PenaltyCritical        float64   `yaml:"penalty_critical" mapstructure:"penalty_critical"`
}

// PipelineConfig configures run execution.
type PipelineConfig struct {
	EngineTimeoutSecs        int     `yaml:"engine_timeout_secs" mapstructure:"engine_timeout_secs"`
	MaxFallbackDepth         int     `yaml:"max_fallback_depth" mapstructure:"max_fallback_depth"`
	MaxConcurrentEngineCalls int64   `yaml:"max_concurrent_engine_calls" mapstructure:"max_concurrent_engine_calls"`
	EngineCallsPerSec        float64 `yaml:"engine_calls_per_sec" mapstructure:"engine_calls_per_sec"`
	WallClockMarginSecs      int     `yaml:"wall_clock_margin_secs" mapstructure:"wall_clock_margin_secs"`
	AdvisoryDisagreeProb     float64 `yaml:"advisory_disagree_prob" mapstructure:"advisory_disagree_prob"`
	AdvisoryMinConfidence    float64 `yaml:"advisory_min_confidence" mapstructure:"advisory_min_confidence"`
}

// LearningConfig configures the continuous-learning feed.
type LearningConfig struct {
	Enabled    bool `yaml:"enabled" mapstructure:"enabled"`
	BufferSize int  `yaml:"buffer_size" mapstructure:"buffer_size"`
}

// NotifyConfig configures terminal-outcome notification sinks.
type NotifyConfig struct {
	WebhookURL    string `yaml:"webhook_url" mapstructure:"webhook_url"`
	NATSURL       string `yaml:"nats_url" mapstructure:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix" mapstructure:"subject_prefix"`
}

// AnthropicConfig holds Anthropic engine settings.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// OpenAIConfig holds OpenAI engine settings.
type OpenAIConfig struct {
	Key   string `yaml:"key" mapstructure:"key"`
	Model string `yaml:"model" mapstructure:"model"`
}

// HTTPOCRConfig holds settings for the generic REST OCR engine.
type HTTPOCRConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// ServerConfig configures the webhook server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("INVOICE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "invoice-pipeline.db")
	v.SetDefault("object_store.root", "./documents")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("ab_test.enabled", false)
	v.SetDefault("ab_test.split_percent", 10.0)
	v.SetDefault("ab_test.comparison_criterion", "confidence_score")
	v.SetDefault("validation.confidence_threshold", 0.85)
	v.SetDefault("validation.review_score_threshold", 0.85)
	v.SetDefault("validation.anomaly_warn_z", 2.5)
	v.SetDefault("validation.anomaly_critical_z", 4.0)
	v.SetDefault("validation.min_historical_samples", 3)
	v.SetDefault("validation.history_window", 12)
	v.SetDefault("validation.anomaly_fields", []string{"energy_kwh", "demand_kw", "reactive_energy_kvarh", "total_rs"})
	v.SetDefault("validation.arithmetic_abs_tolerance", 10.0)
	v.SetDefault("validation.arithmetic_pct_tolerance", 1.0)
	v.SetDefault("validation.icms_rate_schedule", []float64{0, 4, 7, 12, 17, 18, 20, 25, 27, 30})
	v.SetDefault("validation.penalty_info", 0.0)
	v.SetDefault("validation.penalty_warning", 0.05)
	v.SetDefault("validation.penalty_error", 0.25)
	v.SetDefault("validation.penalty_critical", 0.6)
	v.SetDefault("pipeline.engine_timeout_secs", 60)
	v.SetDefault("pipeline.max_fallback_depth", 2)
	v.SetDefault("pipeline.max_concurrent_engine_calls", 8)
	v.SetDefault("pipeline.engine_calls_per_sec", 4.0)
	v.SetDefault("pipeline.wall_clock_margin_secs", 30)
	v.SetDefault("pipeline.advisory_disagree_prob", 0.25)
	v.SetDefault("pipeline.advisory_min_confidence", 0.7)
	v.SetDefault("learning.enabled", true)
	v.SetDefault("learning.buffer_size", 256)
	v.SetDefault("notify.subject_prefix", "invoices.pipeline")
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 4096)
	v.SetDefault("openai.model", "gpt-4o-mini")

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

	// Engine profiles file overrides the inline list when present.
	if cfg.Engines.File != "" {
		profiles, err := LoadEngineProfiles(cfg.Engines.File)
		if err != nil {
			return nil, err
		}
		cfg.Engines.Profiles = profiles
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

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
