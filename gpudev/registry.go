package gpudev

import (
	"fmt"
	"sync"
)

// Registry hands out device names and tracks registered drivers. A driver
// receives a Registry at initialization instead of bumping a process-wide
// counter, so independent device sets (and tests) stay isolated.
type Registry struct {
	mu      sync.Mutex
	next    map[string]uint64
	drivers map[string]Driver
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		next:    make(map[string]uint64),
		drivers: make(map[string]Driver),
	}
}

// Register assigns the next name for prefix (prefix0, prefix1, ...) and
// records the driver under it.
func (r *Registry) Register(prefix string, drv Driver) (string, error) {
	if drv == nil {
		return "", fmt.Errorf("gpudev: cannot register nil driver")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.next[prefix]
	r.next[prefix] = n + 1

	name := fmt.Sprintf("%s%d", prefix, n)
	r.drivers[name] = drv
	return name, nil
}

// Unregister removes a previously registered driver.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.drivers, name)
}

// Lookup returns the driver registered under name.
func (r *Registry) Lookup(name string) (Driver, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	drv, ok := r.drivers[name]
	return drv, ok
}

// Names returns the registered device names in unspecified order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.drivers))
	for name := range r.drivers {
		names = append(names, name)
	}
	return names
}
