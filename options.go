package tiersearch

import (
	"log/slog"
	"time"

	"github.com/hupe1980/tiersearch/internal/migration"
)

type options struct {
	config   Config
	logger   *Logger
	metrics  MetricsObserver
	inMemory bool
	clock    func() time.Time
	governor migration.Governor
}

// Option configures Open.
type Option func(*options)

// WithConfig sets the engine configuration. Zero fields use their defaults.
func WithConfig(c Config) Option {
	return func(o *options) {
		o.config = c
	}
}

// WithLogger configures structured logging.
// Pass nil to disable logging.
//
// Example with JSON logging:
//
//	logger := tiersearch.NewJSONLogger(slog.LevelInfo)
//	db, _ := tiersearch.Open("./index", tiersearch.WithLogger(logger))
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = NoopLogger()
		}
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

// WithMetricsObserver configures a metrics observer.
// Pass nil to disable metrics.
func WithMetricsObserver(m MetricsObserver) Option {
	return func(o *options) {
		if m == nil {
			m = NoopMetricsObserver{}
		}
		o.metrics = m
	}
}

// WithInMemory keeps every tier and the job state in memory. The directory
// passed to Open is ignored. Intended for tests.
func WithInMemory() Option {
	return func(o *options) {
		o.inMemory = true
	}
}

// WithClock sets the time source used for routing, planning and demotion.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.clock = now
		}
	}
}

// WithBudget replaces the load-tuned migration budget with a fixed one.
func WithBudget(maxFiles int, maxBytes int64, workers int) Option {
	return func(o *options) {
		o.governor = migration.StaticGovernor{Default: migration.Budget{
			MaxFiles:             maxFiles,
			MaxBytes:             maxBytes,
			MaxConcurrentWorkers: workers,
		}}
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		config:  DefaultConfig(),
		logger:  NoopLogger(),
		metrics: NoopMetricsObserver{},
		clock:   time.Now,
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	o.config.applyDefaults()
	return o
}
