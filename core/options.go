package core

import "go.uber.org/zap"

// config holds the tunables an Option can set, with defaults matching
// §9's suggested values.
type config struct {
	logger *zap.SugaredLogger

	blockSize int

	// mergeRatio is the size-ratio threshold r: a level merges once it
	// accumulates mergeFanIn segments whose sizes are within a factor of
	// r of each other (geometric levelling, §4.5).
	mergeRatio float64
	mergeFanIn int

	// fsync controls whether writeFileDurable actually calls Sync(). Tests
	// that churn through many commits on tmpfs can disable it; production
	// callers never should.
	fsync bool

	bloomFalsePositiveRate float64
}

func defaultConfig() *config {
	return &config{
		logger:                 zap.NewNop().Sugar(),
		blockSize:              defaultBlockSize,
		mergeRatio:             4.0,
		mergeFanIn:             4,
		fsync:                  true,
		bloomFalsePositiveRate: 0.01,
	}
}

// Option configures an Index at Open time, following the functional-options
// idiom Epokhe-bitdb uses for its own *Options plumbing.
type Option func(*config)

// WithLogger attaches a *zap.SugaredLogger; without it the index logs
// nothing.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(c *config) { c.logger = l }
}

// WithBlockSize overrides the posting-block/skip-table stride new segments
// are written with. It has no effect on segments already on disk.
func WithBlockSize(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.blockSize = n
		}
	}
}

// WithMergeRatio sets the geometric-levelling size ratio between adjacent
// merge tiers.
func WithMergeRatio(r float64) Option {
	return func(c *config) {
		if r > 1 {
			c.mergeRatio = r
		}
	}
}

// WithMergeFanIn sets how many same-tier segments accumulate before a merge
// triggers.
func WithMergeFanIn(n int) Option {
	return func(c *config) {
		if n >= 2 {
			c.mergeFanIn = n
		}
	}
}

// WithFsync toggles whether durable writes call fsync. Defaults to true;
// disabling it is only appropriate in tests.
func WithFsync(enabled bool) Option {
	return func(c *config) { c.fsync = enabled }
}
