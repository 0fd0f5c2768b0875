package transaction

import (
	"sync"

	"github.com/pingcap-incubator/epochkv/kv/config"
	"github.com/pingcap-incubator/epochkv/kv/storage"
	"github.com/pingcap-incubator/epochkv/kv/transaction/durability"
	"github.com/pingcap-incubator/epochkv/kv/transaction/epoch"
	"github.com/pingcap-incubator/epochkv/kv/transaction/gc"
	"github.com/pingcap-incubator/epochkv/kv/transaction/latches"
	"github.com/pingcap-incubator/epochkv/kv/transaction/mvcc"
	"github.com/pingcap-incubator/epochkv/kv/transaction/ongoing"
	"github.com/pingcap-incubator/epochkv/kv/transaction/wp"
	"github.com/pingcap-incubator/epochkv/kv/util/worker"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Engine owns the shared state every session works against: the epoch clock, the index, the registries, the log
// and the garbage collector.
type Engine struct {
	conf *config.Config

	clock   *epoch.Clock
	index   storage.Index
	wp      *wp.Registry
	ongoing *ongoing.Registry
	latches *latches.Latches
	logger  durability.Logger
	gc      *gc.Collector

	wg      sync.WaitGroup
	flusher *worker.Worker

	sessionsMu    sync.Mutex
	sessions      map[*Session]struct{}
	nextSessionID uint64

	// watermarkMu orders read-only begins against GC watermark computation.
	watermarkMu sync.RWMutex

	handlesMu  sync.Mutex
	handles    map[TxStateHandle]*txStateSlot
	nextHandle TxStateHandle

	closed atomic.Bool
}

type Option func(e *Engine)

// WithIndex replaces the in-memory index.
func WithIndex(index storage.Index) Option {
	return func(e *Engine) { e.index = index }
}

// WithLogger replaces the log chosen by the durability configuration.
func WithLogger(logger durability.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

type flushTask struct {
	epoch uint64
}

type flushHandler struct {
	e *Engine
}

func (h flushHandler) Handle(t worker.Task) {
	task, ok := t.(flushTask)
	if !ok {
		return
	}
	if err := h.e.logger.Flush(task.epoch - 1); err != nil {
		log.Error("flush durability log failed", zap.Uint64("epoch", task.epoch), zap.Error(err))
	}
}

// Open builds an engine and starts its background goroutines.
func Open(conf *config.Config, opts ...Option) (*Engine, error) {
	if err := conf.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	e := &Engine{
		conf:     conf,
		clock:    epoch.NewClock(conf.EpochInterval.Duration),
		wp:       wp.NewRegistry(conf.WPMaxClaims),
		ongoing:  ongoing.NewRegistry(),
		latches:  latches.NewLatches(),
		sessions: make(map[*Session]struct{}),
		handles:  make(map[TxStateHandle]*txStateSlot),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.index == nil {
		e.index = storage.NewMemIndex()
	}
	if e.logger == nil {
		switch conf.Durability.Backend {
		case config.BackendBolt:
			bl, err := durability.OpenBoltLog(conf.Durability.Path, conf.Durability.SyncWrites)
			if err != nil {
				return nil, errors.Trace(err)
			}
			e.logger = bl
		default:
			e.logger = durability.NewMemLog()
		}
	}
	for _, st := range e.index.ListStorage() {
		e.wp.RegisterStorage(st)
	}
	e.logger.Callbacks().Register(func(durable uint64) {
		durableEpochGauge.Set(float64(durable))
	})

	e.gc = gc.NewCollector(e.index, e.wp, e.gcWatermark)
	e.flusher = worker.NewWorker("log-flusher", &e.wg)
	e.flusher.Start(flushHandler{e: e})
	e.clock.OnAdvance(func(epoch uint64) {
		e.flusher.Schedule(flushTask{epoch: epoch})
	})
	e.clock.Start()
	e.gc.Start(conf.GCInterval.Duration)

	log.Info("engine opened",
		zap.Duration("epoch-interval", conf.EpochInterval.Duration),
		zap.Duration("gc-interval", conf.GCInterval.Duration),
		zap.String("durability", conf.Durability.Backend))
	return e, nil
}

// Close stops the background goroutines, aborts whatever is still running and closes the log.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.clock.Stop()
	e.gc.Stop()
	e.flusher.Stop()
	e.wg.Wait()

	e.sessionsMu.Lock()
	sessions := make([]*Session, 0, len(e.sessions))
	for s := range e.sessions {
		sessions = append(sessions, s)
	}
	e.sessionsMu.Unlock()
	for _, s := range sessions {
		s.Leave()
	}

	if err := e.logger.Flush(e.clock.Current() - 1); err != nil {
		log.Warn("final log flush failed", zap.Error(err))
	}
	log.Info("engine closed", zap.Uint64("epoch", e.clock.Current()), zap.Uint64("durable-epoch", e.logger.DurableEpoch()))
	return errors.Trace(e.logger.Close())
}

// Enter allocates a session.
func (e *Engine) Enter() (*Session, error) {
	if e.closed.Load() {
		return nil, ErrFatal
	}
	e.sessionsMu.Lock()
	defer e.sessionsMu.Unlock()
	if len(e.sessions) >= e.conf.MaxSessions {
		return nil, WarnMaxSessions
	}
	e.nextSessionID++
	s := newSession(e, e.nextSessionID)
	e.sessions[s] = struct{}{}
	sessionGauge.Set(float64(len(e.sessions)))
	return s, nil
}

func (e *Engine) leave(s *Session) {
	e.sessionsMu.Lock()
	delete(e.sessions, s)
	sessionGauge.Set(float64(len(e.sessions)))
	e.sessionsMu.Unlock()
}

func (e *Engine) CreateStorage() (mvcc.Storage, error) {
	st, err := e.index.CreateStorage()
	if err != nil {
		return 0, errors.Trace(err)
	}
	e.wp.RegisterStorage(st)
	log.Debug("storage created", zap.Uint64("storage", uint64(st)))
	return st, nil
}

// DeleteStorage drops a storage and everything in it. Transactions still holding records of the storage keep
// reading them but can no longer find them through the index.
func (e *Engine) DeleteStorage(st mvcc.Storage) error {
	if err := e.index.DeleteStorage(st); err != nil {
		return indexError(err)
	}
	e.wp.UnregisterStorage(st)
	log.Debug("storage deleted", zap.Uint64("storage", uint64(st)))
	return nil
}

func (e *Engine) ListStorage() []mvcc.Storage {
	return e.index.ListStorage()
}

func (e *Engine) ExistStorage(st mvcc.Storage) bool {
	return e.index.ExistStorage(st)
}

// Epoch returns the current global epoch.
func (e *Engine) Epoch() uint64 {
	return e.clock.Current()
}

// AdvanceEpoch moves the global epoch forward by one. The ticker does this on its own; engines configured without
// a ticker rely on this call.
func (e *Engine) AdvanceEpoch() uint64 {
	return e.clock.Advance()
}

func (e *Engine) DurableEpoch() uint64 {
	return e.logger.DurableEpoch()
}

// FlushLog persists ended log sessions and advances the durable epoch as far as the current epoch allows.
func (e *Engine) FlushLog() error {
	return e.logger.Flush(e.clock.Current() - 1)
}

// RegisterDurableCallback calls cb now and after every durable epoch advance.
func (e *Engine) RegisterDurableCallback(cb func(durableEpoch uint64)) {
	e.logger.Callbacks().Register(cb)
}

// CollectGarbage runs one synchronous GC pass.
func (e *Engine) CollectGarbage() (gc.PassResult, bool) {
	return e.gc.Collect()
}

func (e *Engine) GCStats() gc.Stats {
	return e.gc.Stats()
}

// gcWatermark is the oldest epoch anything may still read at: the lowest ongoing long transaction, the lowest
// read-only snapshot, the lowest short commit still publishing and the current epoch, whichever is smallest.
// Snapshots picked later never start below it.
func (e *Engine) gcWatermark() uint64 {
	e.watermarkMu.Lock()
	defer e.watermarkMu.Unlock()
	wm := e.clock.Current()
	if low := e.ongoing.LowestEpoch(); low != 0 && low < wm {
		wm = low
	}
	e.sessionsMu.Lock()
	for s := range e.sessions {
		if ro := s.snapshotEpoch.Load(); ro != 0 && ro < wm {
			wm = ro
		}
		if c := s.committing.Load(); c != 0 && c < wm {
			wm = c
		}
	}
	e.sessionsMu.Unlock()
	return wm
}

// markCommitting publishes the committing mark of a short commit. It is taken against GC like a read-only begin,
// so a watermark computed without the mark is never above it.
func (e *Engine) markCommitting(s *Session) {
	e.watermarkMu.RLock()
	s.committing.Store(e.clock.Current())
	e.watermarkMu.RUnlock()
}

// readOnlyEpoch picks the snapshot of a read-only transaction and publishes it through set before GC can compute
// a newer watermark.
func (e *Engine) readOnlyEpoch(set func(uint64)) uint64 {
	e.watermarkMu.RLock()
	defer e.watermarkMu.RUnlock()
	ve := e.clock.Current()
	if low := e.ongoing.LowestEpoch(); low != 0 && low < ve {
		ve = low
	}
	if c := e.lowestCommitting(); c != 0 && c < ve {
		ve = c
	}
	set(ve)
	return ve
}

// lowestCommitting returns the smallest epoch a short commit still publishing versions may have stamped them
// with, or 0. Versions below it are final.
func (e *Engine) lowestCommitting() uint64 {
	e.sessionsMu.Lock()
	defer e.sessionsMu.Unlock()
	low := uint64(0)
	for s := range e.sessions {
		if c := s.committing.Load(); c != 0 && (low == 0 || c < low) {
			low = c
		}
	}
	return low
}

func (e *Engine) newTxStateSlot(owner *Session, state TxState, serialEpoch uint64) (TxStateHandle, *txStateSlot) {
	e.handlesMu.Lock()
	defer e.handlesMu.Unlock()
	e.nextHandle++
	slot := &txStateSlot{state: state, serialEpoch: serialEpoch, owner: owner}
	e.handles[e.nextHandle] = slot
	return e.nextHandle, slot
}

// TxCheck polls the state behind h, advancing it if the epoch or the durable epoch allow.
func (e *Engine) TxCheck(h TxStateHandle) (TxState, error) {
	e.handlesMu.Lock()
	slot, ok := e.handles[h]
	e.handlesMu.Unlock()
	if !ok {
		return TxStateUnknown, WarnInvalidHandle
	}
	return slot.poll(TxStateInput{GlobalEpoch: e.clock.Current(), DurableEpoch: e.logger.DurableEpoch()}), nil
}

// ReleaseTxStateHandle frees the slot behind h.
func (e *Engine) ReleaseTxStateHandle(h TxStateHandle) error {
	e.handlesMu.Lock()
	slot, ok := e.handles[h]
	delete(e.handles, h)
	e.handlesMu.Unlock()
	if !ok {
		return WarnInvalidHandle
	}
	if owner := slot.owner; owner != nil {
		owner.detachSlot(slot)
	}
	return nil
}

func (e *Engine) releaseSlotsOf(s *Session) {
	e.handlesMu.Lock()
	defer e.handlesMu.Unlock()
	for h, slot := range e.handles {
		if slot.owner == s {
			delete(e.handles, h)
		}
	}
}
