// Package gc reclaims versions, records and read-by entries no active transaction can observe any more.
//
// Everything is bounded by a watermark epoch: a version is needed only if it is the newest one older than the
// watermark or newer than it. Records are visited with a try-lock; a record that is busy is left for the next
// pass.
package gc

import (
	"sync"
	"time"

	"github.com/pingcap-incubator/epochkv/kv/storage"
	"github.com/pingcap-incubator/epochkv/kv/transaction/mvcc"
	"github.com/pingcap-incubator/epochkv/kv/transaction/wp"
	"github.com/pingcap-incubator/epochkv/kv/util/keyrange"
	"github.com/pingcap-incubator/epochkv/kv/util/worker"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// PassResult summarizes one collection pass.
type PassResult struct {
	Watermark uint64
	Versions  int
	Records   int
	ReadBy    int
	Skipped   int
}

type Stats struct {
	Passes   uint64
	Versions uint64
	Records  uint64
	ReadBy   uint64
	Skipped  uint64
}

type Collector struct {
	index     storage.Index
	wp        *wp.Registry
	watermark func() uint64

	mu sync.Mutex

	passes   atomic.Uint64
	versions atomic.Uint64
	records  atomic.Uint64
	readBy   atomic.Uint64
	skipped  atomic.Uint64

	wg      sync.WaitGroup
	worker  *worker.Worker
	closeCh chan struct{}
}

// NewCollector creates a collector. watermark must return the smallest epoch any active or future reader may
// still read below.
func NewCollector(index storage.Index, registry *wp.Registry, watermark func() uint64) *Collector {
	return &Collector{
		index:     index,
		wp:        registry,
		watermark: watermark,
	}
}

type collectTask struct{}

type collectHandler struct {
	c *Collector
}

func (h collectHandler) Handle(t worker.Task) {
	if _, ok := t.(collectTask); ok {
		h.c.Collect()
	}
}

// Start runs a pass every interval on a background worker. A zero interval leaves collection to Collect.
func (c *Collector) Start(interval time.Duration) {
	if interval <= 0 || c.worker != nil {
		return
	}
	c.worker = worker.NewWorker("gc", &c.wg)
	c.worker.Start(collectHandler{c: c})
	c.closeCh = make(chan struct{})
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.worker.Schedule(collectTask{})
			case <-c.closeCh:
				return
			}
		}
	}()
}

func (c *Collector) Stop() {
	if c.worker == nil {
		return
	}
	close(c.closeCh)
	c.worker.Stop()
	c.wg.Wait()
	c.worker = nil
}

// Collect runs one pass. It returns false without doing anything if another pass is in progress.
func (c *Collector) Collect() (PassResult, bool) {
	if !c.mu.TryLock() {
		return PassResult{}, false
	}
	defer c.mu.Unlock()

	res := PassResult{Watermark: c.watermark()}
	for _, st := range c.index.ListStorage() {
		c.collectStorage(st, &res)
	}

	c.passes.Inc()
	c.versions.Add(uint64(res.Versions))
	c.records.Add(uint64(res.Records))
	c.readBy.Add(uint64(res.ReadBy))
	c.skipped.Add(uint64(res.Skipped))
	gcCollectedCounter.WithLabelValues("version").Add(float64(res.Versions))
	gcCollectedCounter.WithLabelValues("record").Add(float64(res.Records))
	gcCollectedCounter.WithLabelValues("read_by").Add(float64(res.ReadBy))
	gcSkippedCounter.Add(float64(res.Skipped))

	if res.Versions+res.Records+res.ReadBy > 0 {
		log.Debug("gc pass finished",
			zap.Uint64("watermark", res.Watermark),
			zap.Int("versions", res.Versions),
			zap.Int("records", res.Records),
			zap.Int("read-by", res.ReadBy),
			zap.Int("skipped", res.Skipped))
	}
	return res, true
}

func (c *Collector) collectStorage(st mvcc.Storage, res *PassResult) {
	recs, _, err := c.index.Scan(st, keyrange.Full(), 0)
	if err != nil {
		// storage dropped concurrently
		return
	}
	for _, rec := range recs {
		c.collectRecord(st, rec, res)
	}
	if rb := c.wp.RangeReadBy(st); rb != nil {
		res.ReadBy += rb.GC(res.Watermark)
	}
}

func (c *Collector) collectRecord(st mvcc.Storage, rec *mvcc.Record, res *PassResult) {
	res.ReadBy += rec.ReadBy.GC(res.Watermark)

	w, ok := rec.TryLock()
	if !ok {
		res.Skipped++
		return
	}
	if !w.IsLatest() {
		rec.Unlock()
		return
	}
	res.Versions += rec.TruncateBefore(res.Watermark)
	head := rec.Head()
	// A record still read by a committed long transaction keeps its read-by entries alive.
	if head != nil && head.IsTombstone() && head.Tid().Epoch() < res.Watermark && rec.ReadBy.Len() == 0 {
		if _, removed := c.index.Remove(st, rec.Key(), rec); removed {
			rec.Unhook()
			res.Records++
			return
		}
	}
	rec.Unlock()
}

func (c *Collector) Stats() Stats {
	return Stats{
		Passes:   c.passes.Load(),
		Versions: c.versions.Load(),
		Records:  c.records.Load(),
		ReadBy:   c.readBy.Load(),
		Skipped:  c.skipped.Load(),
	}
}
