package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	domainerrors "github.com/davidleathers/guardian-core/internal/domain/errors"
)

// EnvPrefix is stripped from environment overrides, e.g. GUARDIAN_LOCKDOWN_COOLDOWN_WINDOW
const EnvPrefix = "GUARDIAN_"

// DefaultPath is read when no explicit config path is given
const DefaultPath = "configs/guardian.yaml"

type Config struct {
	Version     string `koanf:"version"`
	Environment string `koanf:"environment" validate:"required"`
	LogLevel    string `koanf:"log_level" validate:"oneof=debug info warn warning error"`

	Lockdown   LockdownConfig   `koanf:"lockdown"`
	Analyzer   AnalyzerConfig   `koanf:"analyzer"`
	Predictor  PredictorConfig  `koanf:"predictor"`
	Auth       AuthConfig       `koanf:"auth"`
	Automation AutomationConfig `koanf:"automation"`
	Pipeline   PipelineConfig   `koanf:"pipeline"`
	Monitor    MonitorConfig    `koanf:"monitor"`
	Storage    StorageConfig    `koanf:"storage"`
	Redis      RedisConfig      `koanf:"redis"`
	Telemetry  TelemetryConfig  `koanf:"telemetry"`
}

type LockdownConfig struct {
	ElevatedThreshold float64       `koanf:"elevated_threshold" validate:"gt=0,lte=1"`
	LockedThreshold   float64       `koanf:"locked_threshold" validate:"gt=0,lte=1,gtefield=ElevatedThreshold"`
	ConfidenceFloor   float64       `koanf:"confidence_floor" validate:"gte=0,lte=1"`
	CooldownWindow    time.Duration `koanf:"cooldown_window" validate:"gt=0"`
	MaxFailedAttempts int           `koanf:"max_failed_attempts" validate:"gte=1"`
	SuspiciousStreak  int           `koanf:"suspicious_streak" validate:"gte=1"`
	RecoveryTimeout   time.Duration `koanf:"recovery_timeout" validate:"gt=0"`
}

type AnalyzerConfig struct {
	WindowSize     int           `koanf:"window_size" validate:"gte=1"`
	WindowDuration time.Duration `koanf:"window_duration" validate:"gte=0"`
	NoveltyWindows int           `koanf:"novelty_windows" validate:"gte=1"`
	BurstThreshold int           `koanf:"burst_threshold" validate:"gte=0"`
	// BaselineTransitions are "from>to" category pairs that are never anomalous
	BaselineTransitions []string `koanf:"baseline_transitions" validate:"dive,contains=>"`
	IgnoreCategories    []string `koanf:"ignore_categories"`
}

type PredictorConfig struct {
	HistorySize          int     `koanf:"history_size" validate:"gte=2"`
	TrendGain            float64 `koanf:"trend_gain" validate:"gte=0"`
	ConfidenceSaturation float64 `koanf:"confidence_saturation" validate:"gt=0"`
	NoveltyWeight        float64 `koanf:"novelty_weight" validate:"gte=0"`
	SequenceWeight       float64 `koanf:"sequence_weight" validate:"gte=0"`
	SuspiciousWeight     float64 `koanf:"suspicious_weight" validate:"gte=0"`
	CriticalWeight       float64 `koanf:"critical_weight" validate:"gte=0"`
	BurstWeight          float64 `koanf:"burst_weight" validate:"gte=0"`
}

type AuthConfig struct {
	Subject       string        `koanf:"subject" validate:"required"`
	MaxAttempts   int           `koanf:"max_attempts" validate:"gte=1"`
	AttemptWindow time.Duration `koanf:"attempt_window" validate:"gt=0"`
	VerifyTimeout time.Duration `koanf:"verify_timeout" validate:"gt=0"`
	// Limiter selects the attempt limiter backend: local or redis
	Limiter string `koanf:"limiter" validate:"oneof=local redis"`
	// PINHash and SecondaryHash are bcrypt hashes (see "guardian hash-pin")
	PINHash       string `koanf:"pin_hash"`
	SecondaryHash string `koanf:"secondary_hash"`
}

type AutomationConfig struct {
	ActionTimeout time.Duration `koanf:"action_timeout" validate:"gt=0"`
}

type PipelineConfig struct {
	MinInputConfidence float64 `koanf:"min_input_confidence" validate:"gte=0,lte=1"`
}

// MonitorConfig tunes the monitor loop. An empty ProtectedPaths disables the
// folder watcher; a zero WatchReportsPerMinute reports every change.
type MonitorConfig struct {
	IngestBuffer          int           `koanf:"ingest_buffer" validate:"gte=1"`
	TickInterval          time.Duration `koanf:"tick_interval" validate:"gt=0"`
	ProtectedPaths        []string      `koanf:"protected_paths" validate:"dive,required"`
	WatchDebounce         time.Duration `koanf:"watch_debounce" validate:"gt=0"`
	WatchReportsPerMinute int           `koanf:"watch_reports_per_minute" validate:"gte=0"`
}

type StorageConfig struct {
	// Driver selects the activity sink: memory, file or postgres
	Driver      string `koanf:"driver" validate:"oneof=memory file postgres"`
	FilePath    string `koanf:"file_path" validate:"required_if=Driver file"`
	DatabaseURL string `koanf:"database_url" validate:"required_if=Driver postgres"`
	MaxConns    int32  `koanf:"max_conns" validate:"gte=1"`
	// Retain bounds the in-memory tail kept for analysis
	Retain int `koanf:"retain" validate:"gte=1"`
}

type RedisConfig struct {
	URL          string        `koanf:"url"`
	Password     string        `koanf:"password"`
	DB           int           `koanf:"db" validate:"gte=0"`
	DialTimeout  time.Duration `koanf:"dial_timeout"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
}

type TelemetryConfig struct {
	Enabled      bool    `koanf:"enabled"`
	OTLPEndpoint string  `koanf:"otlp_endpoint"`
	SamplingRate float64 `koanf:"sampling_rate" validate:"gte=0,lte=1"`
	MetricsAddr  string  `koanf:"metrics_addr"`
}

// Defaults returns the safe default configuration
func Defaults() *Config {
	return &Config{
		Version:     "dev",
		Environment: "development",
		LogLevel:    "info",
		Lockdown: LockdownConfig{
			ElevatedThreshold: 0.5,
			LockedThreshold:   0.8,
			ConfidenceFloor:   0.6,
			CooldownWindow:    5 * time.Minute,
			MaxFailedAttempts: 3,
			SuspiciousStreak:  3,
			RecoveryTimeout:   2 * time.Minute,
		},
		Analyzer: AnalyzerConfig{
			WindowSize:       50,
			NoveltyWindows:   3,
			BurstThreshold:   20,
			IgnoreCategories: []string{"lockdown.transition"},
		},
		Predictor: PredictorConfig{
			HistorySize:          5,
			TrendGain:            2.0,
			ConfidenceSaturation: 10,
			NoveltyWeight:        0.15,
			SequenceWeight:       0.10,
			SuspiciousWeight:     0.20,
			CriticalWeight:       0.60,
			BurstWeight:          0.10,
		},
		Auth: AuthConfig{
			Subject:       "owner",
			MaxAttempts:   5,
			AttemptWindow: time.Minute,
			VerifyTimeout: 10 * time.Second,
			Limiter:       "local",
		},
		Automation: AutomationConfig{
			ActionTimeout: 30 * time.Second,
		},
		Pipeline: PipelineConfig{
			MinInputConfidence: 0.5,
		},
		Monitor: MonitorConfig{
			IngestBuffer:          256,
			TickInterval:          time.Second,
			WatchDebounce:         500 * time.Millisecond,
			WatchReportsPerMinute: 30,
		},
		Storage: StorageConfig{
			Driver:   "memory",
			MaxConns: 4,
			Retain:   1000,
		},
		Redis: RedisConfig{
			URL:          "localhost:6379",
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint: "localhost:4317",
			SamplingRate: 1.0,
			MetricsAddr:  ":9464",
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file and
// GUARDIAN_ environment variables, then validates it. An empty path falls
// back to DefaultPath when that file exists.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Defaults(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		// Only an explicitly requested file must exist
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, domainerrors.NewConfigurationError("reading config file " + path).WithCause(err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, domainerrors.NewConfigurationError("unmarshaling config").WithCause(err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// envKey maps GUARDIAN_LOCKDOWN_COOLDOWN_WINDOW to lockdown.cooldown_window.
// Only the first underscore separates the section from the field name.
func envKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	if section, field, ok := strings.Cut(key, "_"); ok && isSection(section) {
		return section + "." + field
	}
	return key
}

func isSection(s string) bool {
	switch s {
	case "lockdown", "analyzer", "predictor", "auth", "automation", "pipeline", "monitor", "storage", "redis", "telemetry":
		return true
	default:
		return false
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate rejects invalid values instead of clamping them
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
			}
			return domainerrors.NewConfigurationError("invalid configuration: " + strings.Join(fields, ", ")).
				WithDetails(map[string]interface{}{"fields": fields})
		}
		return domainerrors.NewConfigurationError("invalid configuration").WithCause(err)
	}
	return nil
}
