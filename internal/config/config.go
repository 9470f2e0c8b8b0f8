// Package config defines all configuration for the surveillance pipeline.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via SURGE_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Broker    BrokerConfig    `mapstructure:"broker"`
	Universe  UniverseConfig  `mapstructure:"universe"`
	Session   SessionConfig   `mapstructure:"session"`
	Poll      PollConfig      `mapstructure:"poll"`
	Stream    StreamConfig    `mapstructure:"stream"`
	Planner   PlannerConfig   `mapstructure:"planner"`
	Features  FeaturesConfig  `mapstructure:"features"`
	Breaker   BreakerConfig   `mapstructure:"breaker"`
	Backoff   BackoffConfig   `mapstructure:"backoff"`
	Inference InferenceConfig `mapstructure:"inference"`
	History   HistoryConfig   `mapstructure:"history"`
	Models    ModelsConfig    `mapstructure:"models"`
	Labeler   LabelerConfig   `mapstructure:"labeler"`
	Trainer   TrainerConfig   `mapstructure:"trainer"`
	Sched     SchedConfig     `mapstructure:"sched"`
	Sink      SinkConfig      `mapstructure:"sink"`
	Ops       OpsConfig       `mapstructure:"ops"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Shutdown  ShutdownConfig  `mapstructure:"shutdown"`
}

// BrokerConfig holds endpoints, credentials, and request budgets for the
// market-data broker. AppKey/AppSecret come from SURGE_APP_KEY/SURGE_APP_SECRET.
type BrokerConfig struct {
	RESTBaseURL string `mapstructure:"rest_base_url"`
	WSURL       string `mapstructure:"ws_url"`
	AppKey      string `mapstructure:"app_key"`
	AppSecret   string `mapstructure:"app_secret"`

	// RESTRate sizes the process-wide token bucket (requests per second).
	RESTRate   float64 `mapstructure:"rest_rate"`
	RESTBurst  int     `mapstructure:"rest_burst"`
	MaxRetries int     `mapstructure:"max_retries"`

	RESTTimeout       time.Duration `mapstructure:"rest_timeout"`
	StreamSendTimeout time.Duration `mapstructure:"stream_send_timeout"`
	TokenTimeout      time.Duration `mapstructure:"token_timeout"`
}

// UniverseConfig selects the symbols the pipeline watches. Symbols may be
// listed inline or loaded from a file with one symbol per line; both may be set.
type UniverseConfig struct {
	Symbols []string `mapstructure:"symbols"`
	File    string   `mapstructure:"file"`
	Size    int      `mapstructure:"size"`
}

// SessionConfig describes the trading session clock.
type SessionConfig struct {
	Open     string `mapstructure:"open"`     // "09:00"
	Close    string `mapstructure:"close"`    // "15:30"
	Timezone string `mapstructure:"timezone"` // IANA name
}

// PollConfig sets REST polling cadence. DegradedInterval applies while the
// stream session is down and polling has to compensate.
type PollConfig struct {
	Interval         time.Duration `mapstructure:"interval"`
	DegradedInterval time.Duration `mapstructure:"degraded_interval"`
}

// StreamConfig tunes the broker stream session.
//
//   - SubscriptionCap: broker-imposed session-wide slot limit; each
//     (symbol, channel) pair consumes one slot.
//   - AckTimeout: how long to wait for a subscribe/unsubscribe acknowledgement.
//   - FrameBuffer: bounded dispatch queue between the read loop and the store.
//   - ReplayRate: re-subscriptions per second when replaying the registry
//     after a reconnect.
type StreamConfig struct {
	SubscriptionCap int           `mapstructure:"subscription_cap"`
	AckTimeout      time.Duration `mapstructure:"ack_timeout"`
	FrameBuffer     int           `mapstructure:"frame_buffer"`
	ReplayRate      float64       `mapstructure:"replay_rate"`
}

// PlannerConfig controls subscription rotation.
type PlannerConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	TopK        int           `mapstructure:"top_k"` // per channel
	SettleDelay time.Duration `mapstructure:"settle_delay"`
	RetryDelay  time.Duration `mapstructure:"retry_delay"`
}

// FeaturesConfig tunes feature computation granularity and staleness.
// The staleness bound is StalenessFactor × Poll.Interval.
type FeaturesConfig struct {
	Granularity     time.Duration `mapstructure:"granularity"`
	BarInterval     time.Duration `mapstructure:"bar_interval"`
	StalenessFactor int           `mapstructure:"staleness_factor"`
}

// BreakerConfig tunes the stream circuit breaker.
type BreakerConfig struct {
	Threshold int           `mapstructure:"threshold"`
	Cooldown  time.Duration `mapstructure:"cooldown"`
}

// BackoffConfig tunes reconnect/retry backoff.
type BackoffConfig struct {
	Base   time.Duration `mapstructure:"base"`
	Cap    time.Duration `mapstructure:"cap"`
	Jitter float64       `mapstructure:"jitter"` // fractional, e.g. 0.30
}

// InferenceConfig bounds each scoring cycle.
type InferenceConfig struct {
	SoftDeadline time.Duration `mapstructure:"soft_deadline"`
}

// HistoryConfig sets where and how feature history is persisted.
type HistoryConfig struct {
	Dir           string        `mapstructure:"dir"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	QueueSize     int           `mapstructure:"queue_size"`
	RetentionDays int           `mapstructure:"retention_days"`
}

// ModelsConfig sets where model artifacts live.
type ModelsConfig struct {
	Dir string `mapstructure:"dir"`
}

// LabelerConfig defines the presurge labelling rule: label = 1 iff the
// forward peak return within ForwardWindow is at least Threshold.
type LabelerConfig struct {
	Threshold     float64       `mapstructure:"threshold"`
	ForwardWindow time.Duration `mapstructure:"forward_window"`
}

// TrainerConfig bounds the daily training run.
type TrainerConfig struct {
	WindowDays          int           `mapstructure:"window_days"`
	Trials              int           `mapstructure:"trials"`
	EarlyStop           int           `mapstructure:"early_stop"`
	ValFraction         float64       `mapstructure:"val_fraction"`
	TargetPositiveRatio float64       `mapstructure:"target_positive_ratio"`
	MinSamples          int           `mapstructure:"min_samples"`
	MinPositives        int           `mapstructure:"min_positives"`
	AUCSanityFloor      float64       `mapstructure:"auc_sanity_floor"`
	MaxAUCRegression    float64       `mapstructure:"max_auc_regression"`
	DecayPerDay         float64       `mapstructure:"decay_per_day"`
	ThresholdStrategy   string        `mapstructure:"threshold_strategy"` // "f1_max" | "precision_target"
	PrecisionTarget     float64       `mapstructure:"precision_target"`
	WallClockCap        time.Duration `mapstructure:"wall_clock_cap"`
	DriftWindowDays     int           `mapstructure:"drift_window_days"`
	DriftBaselineDays   int           `mapstructure:"drift_baseline_days"`
	DriftTolerance      float64       `mapstructure:"drift_tolerance"`
	Seed                int64         `mapstructure:"seed"`
}

// SchedConfig holds cron specs for the housekeeping jobs and the directory
// where last-run stamps are persisted for missed-trigger recovery.
type SchedConfig struct {
	Warmup   string `mapstructure:"warmup"`
	Labeling string `mapstructure:"labeling"`
	Training string `mapstructure:"training"`
	Prune    string `mapstructure:"prune"`
	StateDir string `mapstructure:"state_dir"`
}

// SinkConfig selects the detection sink transport.
type SinkConfig struct {
	Kind    string `mapstructure:"kind"` // "log" | "nats"
	NATSURL string `mapstructure:"nats_url"`
	Subject string `mapstructure:"subject"`
}

// OpsConfig controls the operational HTTP server (health, metrics, snapshots).
type OpsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ShutdownConfig bounds graceful shutdown.
type ShutdownConfig struct {
	Grace time.Duration `mapstructure:"grace"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: SURGE_APP_KEY, SURGE_APP_SECRET, SURGE_NATS_URL.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("SURGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("SURGE_APP_KEY"); key != "" {
		cfg.Broker.AppKey = key
	}
	if secret := os.Getenv("SURGE_APP_SECRET"); secret != "" {
		cfg.Broker.AppSecret = secret
	}
	if url := os.Getenv("SURGE_NATS_URL"); url != "" {
		cfg.Sink.NATSURL = url
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("broker.rest_rate", 15.0)
	v.SetDefault("broker.rest_burst", 15)
	v.SetDefault("broker.max_retries", 5)
	v.SetDefault("broker.rest_timeout", "5s")
	v.SetDefault("broker.stream_send_timeout", "2s")
	v.SetDefault("broker.token_timeout", "10s")

	v.SetDefault("universe.size", 300)

	v.SetDefault("session.open", "09:00")
	v.SetDefault("session.close", "15:30")
	v.SetDefault("session.timezone", "Asia/Seoul")

	v.SetDefault("poll.interval", "5s")
	v.SetDefault("poll.degraded_interval", "1s")

	v.SetDefault("stream.subscription_cap", 41)
	v.SetDefault("stream.ack_timeout", "5s")
	v.SetDefault("stream.frame_buffer", 1024)
	v.SetDefault("stream.replay_rate", 10.0)

	v.SetDefault("planner.interval", "5m")
	v.SetDefault("planner.top_k", 20)
	v.SetDefault("planner.settle_delay", "100ms")
	v.SetDefault("planner.retry_delay", "5s")

	v.SetDefault("features.granularity", "5s")
	v.SetDefault("features.bar_interval", "1m")
	v.SetDefault("features.staleness_factor", 5)

	v.SetDefault("breaker.threshold", 5)
	v.SetDefault("breaker.cooldown", "30s")

	v.SetDefault("backoff.base", "1s")
	v.SetDefault("backoff.cap", "60s")
	v.SetDefault("backoff.jitter", 0.30)

	v.SetDefault("inference.soft_deadline", "2s")

	v.SetDefault("history.dir", "data/history")
	v.SetDefault("history.flush_interval", "10s")
	v.SetDefault("history.queue_size", 8192)
	v.SetDefault("history.retention_days", 30)

	v.SetDefault("models.dir", "data/models")

	v.SetDefault("labeler.threshold", 0.05)
	v.SetDefault("labeler.forward_window", "60m")

	v.SetDefault("trainer.window_days", 30)
	v.SetDefault("trainer.trials", 25)
	v.SetDefault("trainer.early_stop", 8)
	v.SetDefault("trainer.val_fraction", 0.2)
	v.SetDefault("trainer.target_positive_ratio", 0.3)
	v.SetDefault("trainer.min_samples", 500)
	v.SetDefault("trainer.min_positives", 25)
	v.SetDefault("trainer.auc_sanity_floor", 0.55)
	v.SetDefault("trainer.max_auc_regression", 0.02)
	v.SetDefault("trainer.decay_per_day", 0.95)
	v.SetDefault("trainer.threshold_strategy", "f1_max")
	v.SetDefault("trainer.precision_target", 0.7)
	v.SetDefault("trainer.wall_clock_cap", "1h")
	v.SetDefault("trainer.drift_window_days", 7)
	v.SetDefault("trainer.drift_baseline_days", 30)
	v.SetDefault("trainer.drift_tolerance", 0.05)
	v.SetDefault("trainer.seed", 0)

	v.SetDefault("sched.warmup", "30 8 * * 1-5")
	v.SetDefault("sched.labeling", "35 16 * * 1-5")
	v.SetDefault("sched.training", "0 19 * * 1-5")
	v.SetDefault("sched.prune", "0 2 * * *")
	v.SetDefault("sched.state_dir", "data/sched")

	v.SetDefault("sink.kind", "log")
	v.SetDefault("sink.subject", "surge.detections")

	v.SetDefault("ops.enabled", true)
	v.SetDefault("ops.port", 8085)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	v.SetDefault("shutdown.grace", "10s")
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Broker.RESTBaseURL == "" {
		return fmt.Errorf("broker.rest_base_url is required")
	}
	if c.Broker.WSURL == "" {
		return fmt.Errorf("broker.ws_url is required")
	}
	if c.Broker.AppKey == "" {
		return fmt.Errorf("broker.app_key is required (set SURGE_APP_KEY)")
	}
	if c.Broker.AppSecret == "" {
		return fmt.Errorf("broker.app_secret is required (set SURGE_APP_SECRET)")
	}
	if c.Broker.RESTRate <= 0 {
		return fmt.Errorf("broker.rest_rate must be > 0")
	}
	if len(c.Universe.Symbols) == 0 && c.Universe.File == "" {
		return fmt.Errorf("universe.symbols or universe.file is required")
	}
	if c.Stream.SubscriptionCap <= 0 {
		return fmt.Errorf("stream.subscription_cap must be > 0")
	}
	if c.Planner.TopK <= 0 {
		return fmt.Errorf("planner.top_k must be > 0")
	}
	if 2*c.Planner.TopK > c.Stream.SubscriptionCap {
		return fmt.Errorf("planner.top_k (%d per channel) exceeds stream.subscription_cap %d",
			c.Planner.TopK, c.Stream.SubscriptionCap)
	}
	if c.Poll.Interval <= 0 || c.Poll.DegradedInterval <= 0 {
		return fmt.Errorf("poll intervals must be > 0")
	}
	if c.Labeler.Threshold <= 0 {
		return fmt.Errorf("labeler.threshold must be > 0")
	}
	if c.Labeler.ForwardWindow <= 0 {
		return fmt.Errorf("labeler.forward_window must be > 0")
	}
	if c.Trainer.ValFraction <= 0 || c.Trainer.ValFraction >= 1 {
		return fmt.Errorf("trainer.val_fraction must be in (0, 1)")
	}
	switch c.Trainer.ThresholdStrategy {
	case "f1_max", "precision_target":
	default:
		return fmt.Errorf("trainer.threshold_strategy must be one of: f1_max, precision_target")
	}
	switch c.Sink.Kind {
	case "log":
	case "nats":
		if c.Sink.NATSURL == "" {
			return fmt.Errorf("sink.nats_url is required when sink.kind is nats (set SURGE_NATS_URL)")
		}
	default:
		return fmt.Errorf("sink.kind must be one of: log, nats")
	}
	if _, err := time.LoadLocation(c.Session.Timezone); err != nil {
		return fmt.Errorf("session.timezone: %w", err)
	}
	if _, err := parseClock(c.Session.Open); err != nil {
		return fmt.Errorf("session.open: %w", err)
	}
	if _, err := parseClock(c.Session.Close); err != nil {
		return fmt.Errorf("session.close: %w", err)
	}
	return nil
}

// SessionBounds resolves the session open and close instants for the day
// containing now, in the configured timezone.
func (c *Config) SessionBounds(now time.Time) (open, end time.Time, err error) {
	loc, err := time.LoadLocation(c.Session.Timezone)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("session.timezone: %w", err)
	}
	day := now.In(loc)
	o, err := parseClock(c.Session.Open)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	cl, err := parseClock(c.Session.Close)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	open = time.Date(day.Year(), day.Month(), day.Day(), o.h, o.m, 0, 0, loc)
	end = time.Date(day.Year(), day.Month(), day.Day(), cl.h, cl.m, 0, 0, loc)
	return open, end, nil
}

// Staleness returns the bound beyond which a data source is considered stale:
// StalenessFactor × the normal polling interval.
func (c *Config) Staleness() time.Duration {
	return time.Duration(c.Features.StalenessFactor) * c.Poll.Interval
}

type clock struct{ h, m int }

func parseClock(s string) (clock, error) {
	var c clock
	if _, err := fmt.Sscanf(s, "%d:%d", &c.h, &c.m); err != nil {
		return c, fmt.Errorf("invalid clock %q (want HH:MM)", s)
	}
	if c.h < 0 || c.h > 23 || c.m < 0 || c.m > 59 {
		return c, fmt.Errorf("invalid clock %q (want HH:MM)", s)
	}
	return c, nil
}

// LoadUniverse returns the configured symbol list, merging inline symbols
// with the optional universe file (one symbol per line, '#' comments),
// de-duplicated in order, truncated to Universe.Size.
func (c *Config) LoadUniverse() ([]string, error) {
	seen := make(map[string]bool)
	out := make([]string, 0, len(c.Universe.Symbols))
	add := func(sym string) {
		sym = strings.TrimSpace(sym)
		if sym == "" || strings.HasPrefix(sym, "#") || seen[sym] {
			return
		}
		seen[sym] = true
		out = append(out, sym)
	}
	for _, s := range c.Universe.Symbols {
		add(s)
	}
	if c.Universe.File != "" {
		data, err := os.ReadFile(c.Universe.File)
		if err != nil {
			return nil, fmt.Errorf("read universe file: %w", err)
		}
		for _, line := range strings.Split(string(data), "\n") {
			add(line)
		}
	}
	if c.Universe.Size > 0 && len(out) > c.Universe.Size {
		out = out[:c.Universe.Size]
	}
	return out, nil
}
