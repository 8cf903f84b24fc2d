package river

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/leonj1/river/riverr"
)

// Router resolves stream keys to definitions.
type Router struct {
	defs map[string]*Definition
}

// NewRouter indexes definitions by stream key. Nil definitions, duplicate
// keys and keys with reserved characters are rejected.
func NewRouter(defs ...*Definition) (*Router, error) {
	r := &Router{defs: make(map[string]*Definition, len(defs))}
	for _, def := range defs {
		if def == nil {
			return nil, errors.New("river: nil definition")
		}
		if err := validateStreamKey(def.streamKey); err != nil {
			return nil, err
		}
		if _, dup := r.defs[def.streamKey]; dup {
			return nil, fmt.Errorf("river: duplicate stream key %q", def.streamKey)
		}
		r.defs[def.streamKey] = def
	}
	return r, nil
}

// Lookup returns the definition registered for key.
func (r *Router) Lookup(key string) (*Definition, error) {
	def, ok := r.defs[key]
	if !ok {
		return nil, riverr.Newf(riverr.CodeStreamNotFound, "stream %q not found", key)
	}
	return def, nil
}

// Keys lists registered stream keys in sorted order.
func (r *Router) Keys() []string {
	keys := make([]string, 0, len(r.defs))
	for key := range r.defs {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Stream keys become segments of provider keyspaces, so separators and glob
// characters are reserved.
func validateStreamKey(key string) error {
	if key == "" {
		return errors.New("river: empty stream key")
	}
	if strings.ContainsAny(key, "/:*?[] \t\r\n") {
		return fmt.Errorf("river: stream key %q contains reserved characters", key)
	}
	return nil
}
