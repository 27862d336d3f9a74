package dispatch

import (
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"

	"github.com/Swind/go-dispatch/core"
)

// Config describes the global pool. It is usually loaded with LoadConfig.
type Config struct {
	Pool  PoolConfig  `mapstructure:"pool"`
	Timer TimerConfig `mapstructure:"timer"`
	Queue QueueConfig `mapstructure:"queue"`
	Log   LogConfig   `mapstructure:"log"`

	// Metrics is not loaded from configuration; set it in code.
	Metrics core.Metrics `mapstructure:"-"`
}

type PoolConfig struct {
	ID       string `mapstructure:"id"`
	Workers  int    `mapstructure:"workers"`
	Priority bool   `mapstructure:"priority"`
}

type TimerConfig struct {
	// DefaultLatency is the leeway given to timers created with NewTimer.
	DefaultLatency time.Duration `mapstructure:"defaultLatency"`
}

type QueueConfig struct {
	// GlobalConcurrency bounds GlobalQueue. Zero means one slot per worker.
	GlobalConcurrency int `mapstructure:"globalConcurrency"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

var errInvalidConfig = errors.New("invalid dispatch config")

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() Config {
	workers := runtime.NumCPU()
	return Config{
		Pool:  PoolConfig{ID: "global-pool", Workers: workers},
		Queue: QueueConfig{GlobalConcurrency: workers},
		Log:   LogConfig{Level: "info"},
	}
}

// Defaults maps each configuration key to its default value.
func Defaults() map[string]any {
	d := DefaultConfig()
	return map[string]any{
		"pool.id":                 d.Pool.ID,
		"pool.workers":            d.Pool.Workers,
		"pool.priority":           d.Pool.Priority,
		"timer.defaultLatency":    d.Timer.DefaultLatency,
		"queue.globalConcurrency": d.Queue.GlobalConcurrency,
		"log.level":               d.Log.Level,
	}
}

// BindFlags registers command line flags for every key and binds them to v.
func BindFlags(fs *pflag.FlagSet, v *viper.Viper) error {
	d := DefaultConfig()
	fs.String("pool-id", d.Pool.ID, "identifier of the global thread pool")
	fs.Int("pool-workers", d.Pool.Workers, "number of worker goroutines")
	fs.Bool("pool-priority", d.Pool.Priority, "run higher priority tasks first")
	fs.Duration("timer-default-latency", d.Timer.DefaultLatency, "leeway applied to new timers")
	fs.Int("queue-global-concurrency", d.Queue.GlobalConcurrency, "concurrency of the global queue")
	fs.String("log-level", d.Log.Level, "log level (debug, info, warn, error)")

	bindings := map[string]string{
		"pool.id":                 "pool-id",
		"pool.workers":            "pool-workers",
		"pool.priority":           "pool-priority",
		"timer.defaultLatency":    "timer-default-latency",
		"queue.globalConcurrency": "queue-global-concurrency",
		"log.level":               "log-level",
	}
	for key, flag := range bindings {
		if err := v.BindPFlag(key, fs.Lookup(flag)); err != nil {
			return fmt.Errorf("bind flag %s: %w", flag, err)
		}
	}
	return nil
}

// LoadConfig reads a Config from v. Keys that are not set take their
// default value. Durations may be given as strings such as "5ms".
func LoadConfig(v *viper.Viper) (Config, error) {
	for key, value := range Defaults() {
		v.SetDefault(key, value)
	}

	var cfg Config
	err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
	)))
	if err != nil {
		return Config{}, fmt.Errorf("decode dispatch config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks ranges that would otherwise panic at construction.
func (c Config) Validate() error {
	if c.Pool.Workers < 1 {
		return fmt.Errorf("%w: pool.workers must be at least 1, got %d", errInvalidConfig, c.Pool.Workers)
	}
	if c.Timer.DefaultLatency < 0 {
		return fmt.Errorf("%w: timer.defaultLatency must not be negative, got %v", errInvalidConfig, c.Timer.DefaultLatency)
	}
	if c.Queue.GlobalConcurrency < 0 {
		return fmt.Errorf("%w: queue.globalConcurrency must not be negative, got %d", errInvalidConfig, c.Queue.GlobalConcurrency)
	}
	if _, err := c.level(); err != nil {
		return err
	}
	return nil
}

// Logger builds the zap-backed logger for the configured level.
func (c Config) Logger() (core.Logger, error) {
	level, err := c.level()
	if err != nil {
		return nil, err
	}
	return core.NewDefaultLoggerAt(level), nil
}

func (c Config) level() (zapcore.Level, error) {
	if c.Log.Level == "" {
		return zapcore.InfoLevel, nil
	}
	level, err := zapcore.ParseLevel(c.Log.Level)
	if err != nil {
		return zapcore.InfoLevel, fmt.Errorf("%w: log.level: %v", errInvalidConfig, err)
	}
	return level, nil
}
