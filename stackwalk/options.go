package stackwalk

import (
	"os"
	"strconv"
)

// Option configures a Target.
type Option interface {
	apply(*config)
}

type config struct {
	errorLogger        func(err error)
	logger             func(format string, args ...interface{})
	maxFrames          int
	signatureCacheSize int
}

const (
	defaultMaxFrames          = 512
	defaultSignatureCacheSize = 64

	ENV_MAX_FRAMES      = "STACKWALK_MAX_FRAMES"
	ENV_SIGNATURE_CACHE = "STACKWALK_SIGNATURE_CACHE"
)

func makeDefaultConfig() config {
	cfg := config{
		errorLogger:        func(err error) {},
		maxFrames:          defaultMaxFrames,
		signatureCacheSize: defaultSignatureCacheSize,
	}
	if n, err := strconv.Atoi(os.Getenv(ENV_MAX_FRAMES)); err == nil && n > 0 {
		cfg.maxFrames = n
	}
	if n, err := strconv.Atoi(os.Getenv(ENV_SIGNATURE_CACHE)); err == nil && n > 0 {
		cfg.signatureCacheSize = n
	}
	return cfg
}

type optionFunc func(cfg *config)

func (f optionFunc) apply(cfg *config) {
	f(cfg)
}

// WithErrorLogger sets a function to be called with the errors returned by
// operations (for example for logging them). Unavailable results are not
// errors and are not reported.
func WithErrorLogger(f func(err error)) Option {
	return optionFunc(func(cfg *config) {
		cfg.errorLogger = f
	})
}

// WithLogger sets a function receiving a trace of every step of every walk.
func WithLogger(f func(format string, args ...interface{})) Option {
	return optionFunc(func(cfg *config) {
		cfg.logger = f
	})
}

// WithMaxFrames bounds the number of frames a session will step through.
// Defaults to the STACKWALK_MAX_FRAMES environment variable, or 512.
func WithMaxFrames(n int) Option {
	return optionFunc(func(cfg *config) {
		if n > 0 {
			cfg.maxFrames = n
		}
	})
}

// WithSignatureCacheSize sets how many method signatures are kept in memory.
// Defaults to the STACKWALK_SIGNATURE_CACHE environment variable, or 64.
func WithSignatureCacheSize(n int) Option {
	return optionFunc(func(cfg *config) {
		if n > 0 {
			cfg.signatureCacheSize = n
		}
	})
}
