package fatfs

import "log/slog"

// Options control optional behavior of a mounted filesystem.
type Options struct {
	// LongNames enables reading and generating long filename runs.
	// Disabled, every name is forced into the 8.3 short form and LFN
	// entries on disk are ignored.
	LongNames bool

	// CaseSensitive makes lookups compare names byte for byte. The
	// default is the case-insensitive matching FAT is known for.
	CaseSensitive bool

	// ASCIIFold restricts case-insensitive matching to ASCII instead of
	// Unicode simple folding. Only meaningful while CaseSensitive is off.
	ASCIIFold bool

	// UpdateAccessedDate stamps the access date on reads. The stamp is
	// committed on the next Sync, never on its own.
	UpdateAccessedDate bool

	// ReadOnly rejects every mutating operation with ErrReadOnly and
	// skips the dirty-bit handshake at mount and unmount.
	ReadOnly bool

	// StrictSync makes File.Close fail with ErrNotFlushed when unsynced
	// changes would be discarded. A debug aid, not a safety net: the
	// data is lost either way, calling Sync first is the contract.
	StrictSync bool

	// CacheSectors is the capacity of the sector cache.
	CacheSectors int

	Clock  Clock
	Logger *slog.Logger
}

func defaultOptions() Options {
	return Options{
		LongNames:    true,
		CacheSectors: defaultCacheSectors,
		Clock:        systemClock{},
		Logger:       noopLogger(),
	}
}

// Option mutates Options during New.
type Option func(*Options)

// WithoutLongNames turns off all long filename handling.
func WithoutLongNames() Option {
	return func(o *Options) { o.LongNames = false }
}

// WithCaseSensitive makes name lookups case-sensitive.
func WithCaseSensitive() Option {
	return func(o *Options) { o.CaseSensitive = true }
}

// WithASCIIFold disables Unicode case folding in lookups.
func WithASCIIFold() Option {
	return func(o *Options) { o.ASCIIFold = true }
}

// WithUpdateAccessedDate stamps access dates on reads.
func WithUpdateAccessedDate() Option {
	return func(o *Options) { o.UpdateAccessedDate = true }
}

// WithReadOnly mounts the volume without any write access.
func WithReadOnly() Option {
	return func(o *Options) { o.ReadOnly = true }
}

// WithStrictSync makes closing an unsynced file an error.
func WithStrictSync() Option {
	return func(o *Options) { o.StrictSync = true }
}

// WithCacheSectors sets the sector cache capacity.
func WithCacheSectors(n int) Option {
	return func(o *Options) { o.CacheSectors = n }
}

// WithClock sets the timestamp source.
func WithClock(clock Clock) Option {
	return func(o *Options) { o.Clock = clock }
}

// WithLogger sets the logger used for mount, format and recovery events.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Options) { o.Logger = logger }
}
