package store

import (
	"crypto/rand"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/optakt/deltastore/chain"
)

// config holds the resolved construction parameters for a Store, built up
// by applying Options over a set of defaults (grounded on the functional
// options pattern in the teacher's ledger/store/config.go).
type config struct {
	opts    chain.DeltaOptions
	logger  zerolog.Logger
	reg     prometheus.Registerer
	entropy io.Reader
}

func defaultConfig() config {
	return config{
		opts:    chain.DefaultDeltaOptions,
		logger:  zerolog.Nop(),
		reg:     nil,
		entropy: rand.Reader,
	}
}

// Option configures a Store at Open time.
type Option func(*config)

// WithOptions overrides the delta-chain tuning parameters (§4.4.1).
func WithOptions(opts chain.DeltaOptions) Option {
	return func(c *config) {
		c.opts = opts
	}
}

// WithLogger attaches a structured logger; component loggers are derived
// from it with an added "component" field, matching the teacher's
// convention throughout ledger/store and ledger/wal.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// WithRegisterer attaches a prometheus registry for the store's optional
// metrics. A nil registerer (the default) disables metrics entirely.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *config) {
		c.reg = reg
	}
}

// WithEntropySource overrides the randomness used by atomic_write's
// sibling-filename generation. Intended for deterministic tests.
func WithEntropySource(entropy io.Reader) Option {
	return func(c *config) {
		c.entropy = entropy
	}
}
