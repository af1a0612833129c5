package compiler

import (
	"runtime"

	"go.uber.org/zap"
)

// Option configures the compiler.
type Option func(*compiler)

// WithLogger sets the logger receiving progress and diagnostic messages.
func WithLogger(logger *zap.Logger) Option {
	return func(c *compiler) { c.logger = logger }
}

// WithConcurrency limits the number of methods transformed in parallel by
// Compile. Values lower than one select the number of CPUs.
func WithConcurrency(n int) Option {
	return func(c *compiler) { c.concurrency = n }
}

// WithMarkerOwner sets the class whose static calls mark suspension points.
func WithMarkerOwner(owner string) Option {
	return func(c *compiler) { c.markerOwner = owner }
}

// WithMetrics records compilation statistics in m.
func WithMetrics(m *Metrics) Option {
	return func(c *compiler) { c.metrics = m }
}

type compiler struct {
	logger      *zap.Logger
	concurrency int
	markerOwner string
	metrics     *Metrics
}

func newCompiler(options []Option) *compiler {
	c := &compiler{
		logger:      zap.NewNop(),
		markerOwner: DefaultMarkerOwner,
	}
	for _, option := range options {
		option(c)
	}
	if c.concurrency < 1 {
		c.concurrency = runtime.GOMAXPROCS(0)
	}
	return c
}
