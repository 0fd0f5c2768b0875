package durability

import "sync"

// CallbackRegistry fans durable epoch advances out to registered callbacks.
type CallbackRegistry struct {
	mu        sync.Mutex
	callbacks []func(durableEpoch uint64)
	current   func() uint64

	// notifyMu keeps notifications of concurrent flushes in epoch order.
	notifyMu sync.Mutex
	notified uint64
}

func newCallbackRegistry(current func() uint64) *CallbackRegistry {
	return &CallbackRegistry{current: current}
}

// Register adds cb and invokes it once with the current durable epoch before returning.
func (r *CallbackRegistry) Register(cb func(durableEpoch uint64)) {
	r.mu.Lock()
	r.callbacks = append(r.callbacks, cb)
	r.mu.Unlock()
	cb(r.current())
}

func (r *CallbackRegistry) notify(durableEpoch uint64) {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()
	if durableEpoch <= r.notified {
		return
	}
	r.notified = durableEpoch
	r.mu.Lock()
	callbacks := make([]func(uint64), len(r.callbacks))
	copy(callbacks, r.callbacks)
	r.mu.Unlock()
	for _, cb := range callbacks {
		cb(durableEpoch)
	}
}
