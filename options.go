package milliseries

import "github.com/go-kit/log"

const (
	// defaultRotationThreshold is the approximate per-segment size at
	// which the commit log rotates to a new suffix, per spec.md §3.
	defaultRotationThreshold = 2 * 1024 * 1024

	// defaultBlockCacheSize is the number of decoded blocks the scan
	// path caches per opened series.
	defaultBlockCacheSize = 256
)

// Options controls engine-wide behavior that has no on-disk
// representation: logging, the commit-log rotation threshold, and the
// size of the read-side block cache.
type Options struct {
	Logger            log.Logger
	RotationThreshold int64
	BlockCacheSize    int
}

// Option mutates an Options value. Functional options keep Database's
// and Handle's constructors stable as knobs are added.
type Option func(*Options)

// WithLogger sets the structured logger used for recovery, rotation,
// and error diagnostics. Defaults to a no-op logger.
func WithLogger(l log.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

// WithRotationThreshold overrides the commit-log segment rotation size.
// Intended for tests that want to exercise rotation without writing
// megabytes of data.
func WithRotationThreshold(n int64) Option {
	return func(o *Options) { o.RotationThreshold = n }
}

// WithBlockCacheSize overrides the number of decoded blocks kept in the
// per-series read cache. Zero disables the cache.
func WithBlockCacheSize(n int) Option {
	return func(o *Options) { o.BlockCacheSize = n }
}

func newOptions(opts ...Option) *Options {
	o := &Options{
		Logger:            log.NewNopLogger(),
		RotationThreshold: defaultRotationThreshold,
		BlockCacheSize:    defaultBlockCacheSize,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}
