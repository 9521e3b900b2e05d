// Package trainable holds the named Trainable factories a search can select
// by architecture name.
package trainable

import (
	"fmt"
	"sort"
	"sync"

	"github.com/accelbench/hpsearch/internal/trial"
)

var (
	mu        sync.RWMutex
	factories = make(map[string]trial.Factory)
)

// Register makes a factory available under name. It panics if name is taken
// or f is nil.
func Register(name string, f trial.Factory) {
	mu.Lock()
	defer mu.Unlock()
	if f == nil {
		panic("trainable: Register factory is nil")
	}
	if _, dup := factories[name]; dup {
		panic("trainable: Register called twice for " + name)
	}
	factories[name] = f
}

// Lookup returns the factory registered under name.
func Lookup(name string) (trial.Factory, error) {
	mu.RLock()
	defer mu.RUnlock()
	f, ok := factories[name]
	if !ok {
		return nil, fmt.Errorf("unknown architecture %q (registered: %v)", name, namesLocked())
	}
	return f, nil
}

// Names returns the registered architecture names, sorted.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	return namesLocked()
}

func namesLocked() []string {
	out := make([]string, 0, len(factories))
	for n := range factories {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func init() {
	Register("synthetic", NewSynthetic)
}
