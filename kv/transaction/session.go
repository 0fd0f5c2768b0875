package transaction

import (
	"bytes"
	"sort"
	"sync"

	"github.com/pingcap-incubator/epochkv/kv/transaction/mvcc"
	"github.com/pingcap-incubator/epochkv/kv/util/keyrange"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

type TxType int

const (
	TxShort TxType = iota
	TxLong
	TxReadOnly
)

func (t TxType) String() string {
	switch t {
	case TxShort:
		return "short"
	case TxLong:
		return "long"
	case TxReadOnly:
		return "read_only"
	}
	return "unknown"
}

// ReadArea restricts the storages a long transaction may read. An empty Positive list allows every storage not
// listed in Negative.
type ReadArea struct {
	Positive []mvcc.Storage
	Negative []mvcc.Storage
}

func (ra ReadArea) allows(st mvcc.Storage) bool {
	for _, n := range ra.Negative {
		if n == st {
			return false
		}
	}
	if len(ra.Positive) == 0 {
		return true
	}
	for _, p := range ra.Positive {
		if p == st {
			return true
		}
	}
	return false
}

type TxOptions struct {
	Type TxType
	// WritePreserve lists the storages a long transaction will write.
	WritePreserve []mvcc.Storage
	ReadArea      ReadArea
}

// protocol is implemented once per transaction type. A protocol value lives from TxBegin until the transaction
// commits or aborts. Returning an abort status means the protocol already cleaned up after itself.
type protocol interface {
	search(st mvcc.Storage, key []byte) ([]byte, error)
	write(kind writeKind, st mvcc.Storage, key, value []byte) error
	scan(st mvcc.Storage, kr keyrange.KeyRange, limit int) ([]scanEntry, error)
	commit() error
	abort(reason AbortReason)
	// initialState is the state a handle acquired now starts in, with its serial epoch.
	initialState() (TxState, uint64)
}

// Session is the per-caller context transactions run in. A session is not safe for concurrent use; run one
// session per goroutine.
type Session struct {
	engine *Engine
	id     uint64

	active bool
	txType TxType
	proto  protocol
	left   bool

	// lastTid is the word of the last short commit, used to keep this session's commits ordered.
	lastTid mvcc.TidWord
	// snapshotEpoch is the epoch of the running read-only transaction, 0 otherwise. GC reads it.
	snapshotEpoch atomic.Uint64
	// committing is set while a short commit publishes its versions. It holds an epoch read before the commit
	// epoch, so it never exceeds it.
	committing atomic.Uint64

	scans    map[ScanHandle]*scanCursor
	nextScan ScanHandle

	slotMu sync.Mutex
	slot   *txStateSlot
}

func newSession(e *Engine, id uint64) *Session {
	return &Session{engine: e, id: id, scans: make(map[ScanHandle]*scanCursor)}
}

func (s *Session) ID() uint64 { return s.id }

// TxType returns the type of the running transaction.
func (s *Session) TxType() TxType { return s.txType }

// Active reports whether a transaction is running in the session.
func (s *Session) Active() bool { return s.active }

// TxBegin starts a transaction. Operations on a session without a running transaction start a short one.
func (s *Session) TxBegin(opts TxOptions) error {
	if s.left {
		return WarnInvalidHandle
	}
	if s.active {
		return WarnAlreadyBegin
	}
	var (
		p   protocol
		err error
	)
	switch opts.Type {
	case TxShort:
		p = newShortTx(s)
	case TxLong:
		p, err = beginLongTx(s, opts)
	case TxReadOnly:
		p = beginReadOnlyTx(s)
	default:
		return WarnInvalidArgs
	}
	if err != nil {
		if StatusOf(err).IsAbort() {
			s.countFinished(opts.Type, err)
		}
		return err
	}
	s.active = true
	s.txType = opts.Type
	s.proto = p
	return nil
}

func (s *Session) ensureBegun() error {
	if s.left {
		return WarnInvalidHandle
	}
	if s.active {
		return nil
	}
	return s.TxBegin(TxOptions{Type: TxShort})
}

// after inspects an operation result and ends the transaction if the protocol aborted it.
func (s *Session) after(err error) error {
	if err != nil && StatusOf(err).IsAbort() {
		s.finish(TxStateAborted, 0, err)
	}
	return err
}

func (s *Session) finish(state TxState, serialEpoch uint64, err error) {
	s.countFinished(s.txType, err)
	s.slotMu.Lock()
	if s.slot != nil {
		s.slot.set(state, serialEpoch)
		s.slot = nil
	}
	s.slotMu.Unlock()
	s.active = false
	s.proto = nil
	s.snapshotEpoch.Store(0)
	s.scans = make(map[ScanHandle]*scanCursor)
}

func (s *Session) countFinished(t TxType, err error) {
	if err == nil {
		txCounter.WithLabelValues(t.String(), "commit").Inc()
		return
	}
	txCounter.WithLabelValues(t.String(), "abort").Inc()
	abortReasonCounter.WithLabelValues(ReasonOf(err).String()).Inc()
	log.Debug("transaction aborted",
		zap.Uint64("session", s.id),
		zap.Stringer("type", t),
		zap.Error(err))
}

// SearchKey reads key. A value read from this transaction's own write comes with WarnReadFromOwnOperation.
func (s *Session) SearchKey(st mvcc.Storage, key []byte) ([]byte, error) {
	if err := s.ensureBegun(); err != nil {
		return nil, err
	}
	v, err := s.proto.search(st, key)
	return v, s.after(err)
}

// ExistKey reports through its error whether key exists: nil, WarnNotFound or any error SearchKey returns.
func (s *Session) ExistKey(st mvcc.Storage, key []byte) error {
	_, err := s.SearchKey(st, key)
	if StatusOf(err) == WarnReadFromOwnOperation {
		return nil
	}
	return err
}

func (s *Session) Insert(st mvcc.Storage, key, value []byte) error {
	return s.doWrite(kindInsert, st, key, value)
}

func (s *Session) Update(st mvcc.Storage, key, value []byte) error {
	return s.doWrite(kindUpdate, st, key, value)
}

func (s *Session) Upsert(st mvcc.Storage, key, value []byte) error {
	return s.doWrite(kindUpsert, st, key, value)
}

func (s *Session) Delete(st mvcc.Storage, key []byte) error {
	return s.doWrite(kindDelete, st, key, nil)
}

func (s *Session) doWrite(kind writeKind, st mvcc.Storage, key, value []byte) error {
	if err := s.ensureBegun(); err != nil {
		return err
	}
	return s.after(s.proto.write(kind, st, key, value))
}

// Commit tries to commit the running transaction. A long transaction that must wait for higher priority
// transactions returns WarnWaitingForOtherTx and stays running; call Commit again later.
func (s *Session) Commit() error {
	if s.left {
		return WarnInvalidHandle
	}
	if !s.active {
		return WarnNotBegin
	}
	err := s.proto.commit()
	switch st := StatusOf(err); {
	case err == nil:
		s.finish(TxStateCommittable, s.commitEpoch(), nil)
	case st.IsAbort():
		s.finish(TxStateAborted, 0, err)
	case st == WarnWaitingForOtherTx:
		s.setSlotState(TxStateWaitingCCCommit)
	}
	return err
}

func (s *Session) commitEpoch() uint64 {
	if ce, ok := s.proto.(interface{ commitEpoch() uint64 }); ok {
		return ce.commitEpoch()
	}
	return 0
}

// Abort rolls the running transaction back.
func (s *Session) Abort() error {
	if s.left {
		return WarnInvalidHandle
	}
	if !s.active {
		return WarnNotBegin
	}
	s.proto.abort(ReasonUserAbort)
	s.finish(TxStateAborted, 0, abortErr(ErrCC, ReasonUserAbort, 0, nil))
	return nil
}

// Leave aborts the running transaction, if any, and gives the session back to the engine.
func (s *Session) Leave() error {
	if s.left {
		return WarnInvalidHandle
	}
	if s.active {
		s.Abort()
	}
	s.left = true
	s.engine.releaseSlotsOf(s)
	s.engine.leave(s)
	return nil
}

// AcquireTxStateHandle returns a handle for polling the running transaction's progress.
func (s *Session) AcquireTxStateHandle() (TxStateHandle, error) {
	if s.left {
		return 0, WarnInvalidHandle
	}
	if !s.active {
		return 0, WarnNotBegin
	}
	s.slotMu.Lock()
	defer s.slotMu.Unlock()
	if s.slot != nil {
		return 0, WarnAlreadyExists
	}
	state, serial := s.proto.initialState()
	h, slot := s.engine.newTxStateSlot(s, state, serial)
	s.slot = slot
	return h, nil
}

func (s *Session) setSlotState(state TxState) {
	s.slotMu.Lock()
	defer s.slotMu.Unlock()
	if s.slot != nil {
		s.slot.set(state, 0)
	}
}

func (s *Session) detachSlot(slot *txStateSlot) {
	s.slotMu.Lock()
	defer s.slotMu.Unlock()
	if s.slot == slot {
		s.slot = nil
	}
}

type writeKind int

const (
	kindInsert writeKind = iota
	kindUpdate
	kindUpsert
	kindDelete
)

type wsKey struct {
	st  mvcc.Storage
	key string
}

type writeEntry struct {
	st    mvcc.Storage
	key   []byte
	value []byte
	kind  writeKind
	rec   *mvcc.Record
	// placeholder is set when this transaction put rec into the index and must remove it on abort.
	placeholder bool
}

// writeSet buffers a transaction's writes until commit, one entry per key.
type writeSet struct {
	entries map[wsKey]*writeEntry
}

func newWriteSet() writeSet {
	return writeSet{entries: make(map[wsKey]*writeEntry)}
}

func (ws *writeSet) get(st mvcc.Storage, key []byte) *writeEntry {
	return ws.entries[wsKey{st: st, key: string(key)}]
}

func (ws *writeSet) put(e *writeEntry) {
	ws.entries[wsKey{st: e.st, key: string(e.key)}] = e
}

func (ws *writeSet) remove(st mvcc.Storage, key []byte) {
	delete(ws.entries, wsKey{st: st, key: string(key)})
}

func (ws *writeSet) len() int {
	return len(ws.entries)
}

func (ws *writeSet) contains(rec *mvcc.Record) bool {
	e := ws.get(rec.Storage(), rec.Key())
	return e != nil && e.rec == rec
}

// sorted returns the entries ordered by storage then key. Locks are always taken in this order.
func (ws *writeSet) sorted() []*writeEntry {
	list := make([]*writeEntry, 0, len(ws.entries))
	for _, e := range ws.entries {
		list = append(list, e)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].st != list[j].st {
			return list[i].st < list[j].st
		}
		return bytes.Compare(list[i].key, list[j].key) < 0
	})
	return list
}

func (ws *writeSet) storages() []mvcc.Storage {
	seen := make(map[mvcc.Storage]struct{})
	var list []mvcc.Storage
	for _, e := range ws.entries {
		if _, ok := seen[e.st]; !ok {
			seen[e.st] = struct{}{}
			list = append(list, e.st)
		}
	}
	return list
}

// ownRead answers a read from the write set. ok is false when the key has not been written.
func (ws *writeSet) ownRead(st mvcc.Storage, key []byte) (value []byte, ok bool, err error) {
	e := ws.get(st, key)
	if e == nil {
		return nil, false, nil
	}
	if e.kind == kindDelete {
		return nil, true, WarnAlreadyDelete
	}
	return e.value, true, WarnReadFromOwnOperation
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte{}, b...)
}
