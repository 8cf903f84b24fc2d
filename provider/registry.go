package provider

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/leonj1/river/pkg/log"
)

// OpenOptions carries everything a factory may need. Implementations read
// the fields they care about and ignore the rest.
type OpenOptions struct {
	// DataDir is the pebble database directory.
	DataDir string
	// Path is the sqlite database file.
	Path string
	// Addr is the redis address (host:port).
	Addr string
	// Prefix namespaces redis keys.
	Prefix string
	// Fsync selects the pebble durability mode: always, interval or never.
	Fsync string
	// FsyncInterval applies when Fsync is "interval".
	FsyncInterval time.Duration
	// Retention, when set, lets providers with native TTL support expire
	// finished runs without a janitor.
	Retention time.Duration
	// Backoff overrides the transient-error retry policy.
	Backoff *Backoff
	// Logger receives provider events. Nil means a default logger.
	Logger log.Logger
}

// RetryPolicy returns the effective backoff policy.
func (o OpenOptions) RetryPolicy() Backoff {
	if o.Backoff != nil {
		return *o.Backoff
	}
	return DefaultBackoff()
}

// Factory builds a provider from options.
type Factory func(opts OpenOptions) (Provider, error)

var (
	regMu     sync.RWMutex
	factories = map[string]Factory{}
)

// Register makes a named factory available to Open. Implementations call it
// from init; duplicate or empty names panic.
func Register(name string, f Factory) {
	regMu.Lock()
	defer regMu.Unlock()
	if name == "" || f == nil {
		panic("provider: Register with empty name or nil factory")
	}
	if _, dup := factories[name]; dup {
		panic("provider: Register called twice for " + name)
	}
	factories[name] = f
}

// Open builds the named provider.
func Open(name string, opts OpenOptions) (Provider, error) {
	regMu.RLock()
	f, ok := factories[name]
	regMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("provider %q not registered (have %v)", name, Names())
	}
	return f(opts)
}

// Names lists the registered providers, sorted.
func Names() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
