// Package wp implements the write-preservation registry.
//
// A long transaction declares at begin the storages it will write. For each of them it leaves a claim
// (priority id -> valid epoch). Short transactions touching a claimed storage abort, and lower priority long
// transactions wait for the claimant before committing. Claims are inserted and removed under one global
// mutex so that priority ids, valid epochs and claims are assigned in a single total order.
package wp

import (
	"sort"
	"sync"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/emirpasic/gods/utils"
	"github.com/pingcap-incubator/epochkv/kv/transaction/mvcc"
	"github.com/pingcap-incubator/epochkv/kv/transaction/readby"
	"github.com/pingcap/errors"
)

var (
	ErrStorageNotFound = errors.New("wp: storage not found")
	ErrDuplicateClaim  = errors.New("wp: storage already preserved by this transaction")
	ErrClaimOrder      = errors.New("wp: claim would break priority order")
	ErrTooManyClaims   = errors.New("wp: too many claims on storage")
	ErrExhausted       = errors.New("wp: priority ids or epochs exhausted")
)

// MaxID is the largest priority id that still fits the intra-epoch order of a long transaction word.
const MaxID = uint64(mvcc.LongOrderBit - 1)

// Claim is a write preservation left by one long transaction on one storage.
type Claim struct {
	ID    uint64
	Epoch uint64
}

type storageMeta struct {
	mu     sync.RWMutex
	claims *treemap.Map
	readBy *readby.Range
}

func newStorageMeta() *storageMeta {
	return &storageMeta{
		claims: treemap.NewWith(utils.UInt64Comparator),
		readBy: readby.NewRange(),
	}
}

type Registry struct {
	// mu is the global WP mutex.
	mu     sync.Mutex
	nextID uint64

	storagesMu sync.RWMutex
	storages   map[mvcc.Storage]*storageMeta

	maxClaims int
}

// NewRegistry creates a registry allowing at most maxClaims outstanding claims per storage. Zero means unlimited.
func NewRegistry(maxClaims int) *Registry {
	return &Registry{
		storages:  make(map[mvcc.Storage]*storageMeta),
		maxClaims: maxClaims,
	}
}

func (r *Registry) RegisterStorage(st mvcc.Storage) {
	r.storagesMu.Lock()
	defer r.storagesMu.Unlock()
	if _, ok := r.storages[st]; !ok {
		r.storages[st] = newStorageMeta()
	}
}

func (r *Registry) UnregisterStorage(st mvcc.Storage) {
	r.storagesMu.Lock()
	defer r.storagesMu.Unlock()
	delete(r.storages, st)
}

func (r *Registry) Exists(st mvcc.Storage) bool {
	return r.meta(st) != nil
}

// Storages lists the registered storages in ascending order.
func (r *Registry) Storages() []mvcc.Storage {
	r.storagesMu.RLock()
	list := make([]mvcc.Storage, 0, len(r.storages))
	for st := range r.storages {
		list = append(list, st)
	}
	r.storagesMu.RUnlock()
	sort.Slice(list, func(i, j int) bool { return list[i] < list[j] })
	return list
}

func (r *Registry) meta(st mvcc.Storage) *storageMeta {
	r.storagesMu.RLock()
	defer r.storagesMu.RUnlock()
	return r.storages[st]
}

// WritePreserve claims every storage for id at epoch. Either all claims are recorded or none is.
func (r *Registry) WritePreserve(storages []mvcc.Storage, id, epoch uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writePreserveLocked(storages, id, epoch)
}

func (r *Registry) writePreserveLocked(storages []mvcc.Storage, id, epoch uint64) error {
	done := make([]*storageMeta, 0, len(storages))
	rollback := func() {
		for _, m := range done {
			m.mu.Lock()
			m.claims.Remove(id)
			m.mu.Unlock()
		}
	}
	for _, st := range storages {
		m := r.meta(st)
		if m == nil {
			rollback()
			return errors.Annotatef(ErrStorageNotFound, "storage %d", st)
		}
		if err := m.claim(id, epoch, r.maxClaims); err != nil {
			rollback()
			return errors.Annotatef(err, "storage %d", st)
		}
		done = append(done, m)
	}
	return nil
}

func (m *storageMeta) claim(id, epoch uint64, maxClaims int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.claims.Get(id); ok {
		return ErrDuplicateClaim
	}
	if maxClaims > 0 && m.claims.Size() >= maxClaims {
		return ErrTooManyClaims
	}
	if !m.claims.Empty() {
		lastID, lastEpoch := m.claims.Max()
		if lastID.(uint64) > id || lastEpoch.(uint64) > epoch {
			return ErrClaimOrder
		}
	}
	m.claims.Put(id, epoch)
	return nil
}

// BeginLong runs the begin step of a long transaction inside the WP mutex: it allocates the next priority id,
// derives the valid epoch as one past the current epoch, claims the storages and finally calls register so the
// transaction becomes visible as ongoing before any later begin can observe the claims.
func (r *Registry) BeginLong(storages []mvcc.Storage, current func() uint64, register func(id, epoch uint64)) (uint64, uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	epoch := current() + 1
	if r.nextID >= MaxID || epoch > mvcc.MaxEpoch {
		return 0, epoch, ErrExhausted
	}
	r.nextID++
	id := r.nextID
	if err := r.writePreserveLocked(storages, id, epoch); err != nil {
		return id, epoch, err
	}
	if register != nil {
		register(id, epoch)
	}
	return id, epoch, nil
}

// RemoveWP erases id's claim from each storage. Storages without a claim for id are skipped.
func (r *Registry) RemoveWP(storages []mvcc.Storage, id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, st := range storages {
		m := r.meta(st)
		if m == nil {
			continue
		}
		m.mu.Lock()
		m.claims.Remove(id)
		m.mu.Unlock()
	}
}

// FindMinID returns the smallest claiming priority id of st.
func (r *Registry) FindMinID(st mvcc.Storage) (uint64, bool) {
	m := r.meta(st)
	if m == nil {
		return 0, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.claims.Empty() {
		return 0, false
	}
	id, _ := m.claims.Min()
	return id.(uint64), true
}

// FindMinEpoch returns the smallest claimed epoch of st.
func (r *Registry) FindMinEpoch(st mvcc.Storage) (uint64, bool) {
	m := r.meta(st)
	if m == nil {
		return 0, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	min := uint64(0)
	for it := m.claims.Iterator(); it.Next(); {
		if e := it.Value().(uint64); min == 0 || e < min {
			min = e
		}
	}
	return min, min != 0
}

// Claims returns the outstanding claims on st ordered by priority id.
func (r *Registry) Claims(st mvcc.Storage) []Claim {
	m := r.meta(st)
	if m == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	claims := make([]Claim, 0, m.claims.Size())
	for it := m.claims.Iterator(); it.Next(); {
		claims = append(claims, Claim{ID: it.Key().(uint64), Epoch: it.Value().(uint64)})
	}
	return claims
}

// RangeReadBy returns the range read-by set of st, or nil for an unknown storage.
func (r *Registry) RangeReadBy(st mvcc.Storage) *readby.Range {
	m := r.meta(st)
	if m == nil {
		return nil
	}
	return m.readBy
}
