// Package collector defines the pluggable event source abstraction: a
// Collector produces syscallevent.Events from the host kernel (kernelprobe)
// or from a tailed audit log (audittail), behind one interface so the rest
// of the agent never depends on which source is active.
package collector

import (
	"context"

	"github.com/tripwire/sentinel/internal/syscallevent"
)

// Collector is the common interface implemented by every event source.
// Implementations must be safe for concurrent use.
type Collector interface {
	// Start begins producing events on the channel returned by Events. It
	// returns an error if initialization fails (e.g. missing privilege,
	// unreadable log path).
	Start(ctx context.Context) error
	// Stop signals the collector to cease monitoring and release
	// resources. It blocks until internal goroutines have exited and then
	// closes the Events channel.
	Stop()
	// Events returns a read-only channel of syscall events. The channel is
	// closed when the collector stops.
	Events() <-chan syscallevent.Event
}

// Factory constructs a named Collector implementation. Platform- and
// source-specific packages register themselves via RegisterFactory in an
// init() function, following the registered-factory pattern used
// throughout this codebase for build-tag-gated implementations.
type Factory func(opts Options) (Collector, error)

// Options carries the subset of agent configuration a collector needs.
type Options struct {
	// AuditLogPath is the file audittail should tail. Unused by
	// kernelprobe.
	AuditLogPath string
	// BufferSize is the capacity of the Events channel. Zero uses each
	// collector's own default.
	BufferSize int
}

var factories = map[string]Factory{}

// RegisterFactory registers a Collector constructor under name (e.g.
// "kernelprobe", "audittail"). Called from package init() functions.
func RegisterFactory(name string, f Factory) {
	factories[name] = f
}

// New constructs the named collector. It returns an *UnknownSourceError if
// name was never registered. On an unsupported platform a source's init()
// never runs, so an unknown name and a source unsupported on this platform
// produce the same error.
func New(name string, opts Options) (Collector, error) {
	f, ok := factories[name]
	if !ok {
		return nil, &UnknownSourceError{Name: name}
	}
	return f(opts)
}

// UnknownSourceError is returned by New when name has no registered
// factory.
type UnknownSourceError struct {
	Name string
}

func (e *UnknownSourceError) Error() string {
	return "collector: unknown or unsupported source " + e.Name
}
