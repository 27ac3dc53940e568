// Package config contains the tunables of a measurement run.
package config

import (
	"time"

	"github.com/apex/log"
	"github.com/ooni/minispeed/internal/model"
	"github.com/ooni/minispeed/internal/runtimex"
	"github.com/ooni/minispeed/internal/transport"
)

// Config contains options to initialize a measurement run.
type Config struct {
	// settings contains the numeric tunables and the endpoints.
	settings *Settings

	// logger will be used to log events.
	logger model.Logger

	// if a tracer is provided, it will be used to trace the run.
	tracer model.Tracer
}

// NewConfig returns a Config with the default settings.
func NewConfig(options ...Option) *Config {
	cfg := &Config{
		settings: DefaultSettings(),
		logger:   log.Log,
		tracer:   &model.DummyTracer{},
	}
	for _, opt := range options {
		opt(cfg)
	}
	return cfg
}

// Option is an option you can pass to initialize a run.
type Option func(config *Config)

// WithLogger configures the passed [Logger].
func WithLogger(logger model.Logger) Option {
	return func(config *Config) {
		config.logger = logger
	}
}

// Logger returns the configured logger.
func (c *Config) Logger() model.Logger {
	return c.logger
}

// WithTracer configures the passed [model.Tracer].
func WithTracer(tracer model.Tracer) Option {
	return func(config *Config) {
		config.tracer = tracer
	}
}

// Tracer returns the tracer.
func (c *Config) Tracer() model.Tracer {
	return c.tracer
}

// WithSettingsFile configures the settings parsed from the given file.
func WithSettingsFile(path string) Option {
	return func(config *Config) {
		settings, err := ReadSettingsFile(path)
		runtimex.PanicOnError(err, "cannot parse settings file")
		config.settings = settings
	}
}

// WithSettings replaces all the settings at once.
func WithSettings(settings *Settings) Option {
	return func(config *Config) {
		runtimex.PanicOnError(settings.Validate(), "invalid settings")
		copied := *settings
		config.settings = &copied
	}
}

// WithPayloadSize sets the size in bytes of each download.
func WithPayloadSize(size int64) Option {
	return func(config *Config) {
		runtimex.PanicIfFalse(size > 0, "payload size must be positive")
		config.settings.PayloadSize = size
	}
}

// WithTestDuration sets the wall-clock budget of the download loop.
func WithTestDuration(d time.Duration) Option {
	return func(config *Config) {
		runtimex.PanicIfFalse(d > 0, "test duration must be positive")
		config.settings.TestDuration = Duration(d)
	}
}

// WithMaxProbedServers sets how many of the closest servers get pinged.
func WithMaxProbedServers(n int) Option {
	return func(config *Config) {
		runtimex.PanicIfFalse(n > 0, "max probed servers must be positive")
		config.settings.MaxProbedServers = n
	}
}

// WithProbeTimeout sets how long to wait for each echo reply.
func WithProbeTimeout(d time.Duration) Option {
	return func(config *Config) {
		runtimex.PanicIfFalse(d > 0, "probe timeout must be positive")
		config.settings.ProbeTimeout = Duration(d)
	}
}

// WithHTTPTimeout sets the per-request deadline of the HTTP client. Zero
// disables it.
func WithHTTPTimeout(d time.Duration) Option {
	return func(config *Config) {
		runtimex.PanicIfTrue(d < 0, "negative HTTP timeout")
		config.settings.HTTPTimeout = Duration(d)
	}
}

// WithEndpoints overrides the directory endpoints.
func WithEndpoints(endpoints transport.Endpoints) Option {
	return func(config *Config) {
		config.settings.Endpoints = endpoints
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(config *Config) {
		config.settings.UserAgent = ua
	}
}

// Settings returns a copy of the configured settings.
func (c *Config) Settings() Settings {
	return *c.settings
}
