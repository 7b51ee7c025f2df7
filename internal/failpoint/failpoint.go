package failpoint

import (
	"context"
	"sync"
)

// Failpoint is a named test-orchestration hook. Enabled failpoints may
// delay execution at their injection site but must never change results.
type Failpoint struct {
	name string

	mu      sync.Mutex
	enabled bool
	data    map[string]interface{}
	release chan struct{}
}

var (
	registryMu sync.Mutex
	registry   = make(map[string]*Failpoint)
)

// New registers a failpoint under a unique name. Call at package init.
func New(name string) *Failpoint {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, ok := registry[name]; ok {
		panic("duplicate failpoint: " + name)
	}
	fp := &Failpoint{name: name}
	registry[name] = fp
	return fp
}

// Lookup finds a registered failpoint by name.
func Lookup(name string) (*Failpoint, bool) {
	registryMu.Lock()
	defer registryMu.Unlock()
	fp, ok := registry[name]
	return fp, ok
}

func (f *Failpoint) Name() string {
	return f.name
}

func (f *Failpoint) Enable(data map[string]interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = true
	f.data = data
	f.release = make(chan struct{})
}

func (f *Failpoint) Disable() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = false
	f.data = nil
	if f.release != nil {
		close(f.release)
		f.release = nil
	}
}

func (f *Failpoint) Enabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enabled
}

// Execute runs fn with the failpoint's data if the failpoint is enabled.
func (f *Failpoint) Execute(fn func(data map[string]interface{})) {
	f.mu.Lock()
	enabled, data := f.enabled, f.data
	f.mu.Unlock()
	if enabled {
		fn(data)
	}
}

// PauseWhileSet blocks until the failpoint is disabled or the context is
// cancelled.
func (f *Failpoint) PauseWhileSet(ctx context.Context) error {
	for {
		f.mu.Lock()
		if !f.enabled {
			f.mu.Unlock()
			return nil
		}
		release := f.release
		f.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-release:
		}
	}
}
