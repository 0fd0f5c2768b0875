// Package epoch provides the global epoch clock every transaction timestamps against.
package epoch

import (
	"sync"
	"time"

	"github.com/pingcap-incubator/epochkv/kv/transaction/mvcc"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Initial is the first epoch. Epoch 0 means "unset" everywhere.
const Initial uint64 = 1

// Clock is a monotonically increasing counter advanced by a background ticker.
type Clock struct {
	current  atomic.Uint64
	interval time.Duration

	mu        sync.Mutex
	observers []func(epoch uint64)
	closeCh   chan struct{}
	wg        sync.WaitGroup
	exhausted sync.Once
}

func NewClock(interval time.Duration) *Clock {
	c := &Clock{interval: interval}
	c.current.Store(Initial)
	return c
}

// Current returns the global epoch. Callers that need a consistent value take it once per operation.
func (c *Clock) Current() uint64 {
	return c.current.Load()
}

// Advance moves the clock one epoch forward, notifies observers and returns the new epoch. A clock at
// mvcc.MaxEpoch stays there.
func (c *Clock) Advance() uint64 {
	var e uint64
	for {
		cur := c.current.Load()
		if cur >= mvcc.MaxEpoch {
			c.exhausted.Do(func() {
				log.Error("epoch exhausted, the clock stops advancing", zap.Uint64("epoch", cur))
			})
			return cur
		}
		if c.current.CompareAndSwap(cur, cur+1) {
			e = cur + 1
			break
		}
	}
	epochGauge.Set(float64(e))
	c.mu.Lock()
	observers := c.observers
	c.mu.Unlock()
	for _, fn := range observers {
		fn(e)
	}
	return e
}

// OnAdvance registers fn to be called after every advance, on the advancing goroutine.
func (c *Clock) OnAdvance(fn func(epoch uint64)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	observers := make([]func(uint64), len(c.observers), len(c.observers)+1)
	copy(observers, c.observers)
	c.observers = append(observers, fn)
}

// Start launches the ticker. A clock with a zero interval only moves through Advance.
func (c *Clock) Start() {
	if c.interval <= 0 {
		return
	}
	c.mu.Lock()
	if c.closeCh != nil {
		c.mu.Unlock()
		return
	}
	c.closeCh = make(chan struct{})
	closeCh := c.closeCh
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.Advance()
			case <-closeCh:
				return
			}
		}
	}()
	log.Info("epoch clock started", zap.Duration("interval", c.interval), zap.Uint64("epoch", c.Current()))
}

// Stop halts the ticker and waits for it to exit.
func (c *Clock) Stop() {
	c.mu.Lock()
	closeCh := c.closeCh
	c.closeCh = nil
	c.mu.Unlock()
	if closeCh == nil {
		return
	}
	close(closeCh)
	c.wg.Wait()
	log.Info("epoch clock stopped", zap.Uint64("epoch", c.Current()))
}
