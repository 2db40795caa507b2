package transport

import (
	"sync"

	"go.uber.org/zap"
)

// Factory aggregates edge listeners and routes dial requests to the first
// listener claiming the address scheme.
type Factory struct {
	mu        sync.Mutex
	listeners []EdgeListener
	stopped   bool
}

func NewFactory() *Factory { return &Factory{} }

// AddListener registers el. Listeners added after Stop are stopped
// immediately.
func (f *Factory) AddListener(el EdgeListener) {
	f.mu.Lock()
	stopped := f.stopped
	if !stopped {
		f.listeners = append(f.listeners, el)
	}
	f.mu.Unlock()
	if stopped {
		zap.L().Warn("listener added to a stopped factory")
		_ = el.Stop()
	}
}

// CreateEdgeTo asks the listener claiming addr's scheme to dial it. Returns
// false when no registered listener handles the scheme; the caller surfaces
// the failure.
func (f *Factory) CreateEdgeTo(addr Address) bool {
	f.mu.Lock()
	listeners := append([]EdgeListener(nil), f.listeners...)
	f.mu.Unlock()
	for _, el := range listeners {
		if el.Handles(addr) {
			el.CreateEdgeTo(addr)
			return true
		}
	}
	return false
}

// Stop instructs every listener to cease producing edges. Idempotent.
func (f *Factory) Stop() {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return
	}
	f.stopped = true
	listeners := append([]EdgeListener(nil), f.listeners...)
	f.mu.Unlock()
	for _, el := range listeners {
		if err := el.Stop(); err != nil {
			zap.L().Warn("stopping listener failed", zap.String("listener", el.Address().String()), zap.Error(err))
		}
	}
}
