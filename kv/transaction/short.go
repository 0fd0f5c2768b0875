package transaction

import (
	"runtime"

	"github.com/pingcap-incubator/epochkv/kv/storage"
	"github.com/pingcap-incubator/epochkv/kv/transaction/durability"
	"github.com/pingcap-incubator/epochkv/kv/transaction/mvcc"
	"github.com/pingcap-incubator/epochkv/kv/util/keyrange"
	"github.com/pingcap/errors"
)

// shortTx is an optimistic transaction. Reads are validated against the record words at commit, absent keys and
// scans against the stamps of the index nodes they touched.
type shortTx struct {
	s *Session
	e *Engine

	ws      writeSet
	reads   map[*mvcc.Record]mvcc.TidWord
	nodes   map[storage.NodeID]storage.NodeStamp
	touched map[mvcc.Storage]struct{}

	ep uint64
}

func newShortTx(s *Session) *shortTx {
	return &shortTx{
		s:       s,
		e:       s.engine,
		ws:      newWriteSet(),
		reads:   make(map[*mvcc.Record]mvcc.TidWord),
		nodes:   make(map[storage.NodeID]storage.NodeStamp),
		touched: make(map[mvcc.Storage]struct{}),
	}
}

func (tx *shortTx) initialState() (TxState, uint64) {
	return TxStateStarted, 0
}

func (tx *shortTx) commitEpoch() uint64 {
	return tx.ep
}

func (tx *shortTx) retryLimit() int {
	return tx.e.conf.ReadRetryLimit
}

// guard rejects storages that do not exist and storages a long transaction has claimed.
func (tx *shortTx) guard(st mvcc.Storage, key []byte) error {
	if !tx.e.index.ExistStorage(st) {
		return WarnStorageNotFound
	}
	if _, ok := tx.e.wp.FindMinID(st); ok {
		return tx.abortNow(ErrConflictOnWritePreserve, ReasonWPConflict, st, key)
	}
	tx.touched[st] = struct{}{}
	return nil
}

func (tx *shortTx) recordRead(rec *mvcc.Record, w mvcc.TidWord) {
	if _, ok := tx.reads[rec]; !ok {
		tx.reads[rec] = w
	}
}

func (tx *shortTx) recordNode(stamp storage.NodeStamp) {
	if _, ok := tx.nodes[stamp.Node]; !ok {
		tx.nodes[stamp.Node] = stamp
	}
}

// ownChange keeps a node stamp valid across a structural change this transaction made itself.
func (tx *shortTx) ownChange(change storage.StampChange) {
	if stored, ok := tx.nodes[change.Old.Node]; ok && stored == change.Old {
		tx.nodes[change.Old.Node] = change.New
	}
}

// observe looks key up in the index and records what it saw. It returns the record and its head when the key
// has a live value.
func (tx *shortTx) observe(st mvcc.Storage, key []byte) (*mvcc.Record, *mvcc.Version, error) {
	rec, stamp, err := tx.e.index.Get(st, key)
	if err != nil {
		return nil, nil, indexError(err)
	}
	if rec == nil {
		tx.recordNode(stamp)
		return nil, nil, WarnNotFound
	}
	w, head, ok := rec.OptimisticRead(tx.retryLimit())
	if !ok {
		return rec, nil, WarnConcurrentUpdate
	}
	if !w.IsLatest() {
		tx.recordNode(stamp)
		return nil, nil, WarnNotFound
	}
	tx.recordRead(rec, w)
	if rec.IsInserting(w) {
		return rec, nil, WarnConcurrentInsert
	}
	if w.IsAbsent() {
		return rec, nil, WarnNotFound
	}
	return rec, head, nil
}

func (tx *shortTx) search(st mvcc.Storage, key []byte) ([]byte, error) {
	if err := tx.guard(st, key); err != nil {
		return nil, err
	}
	if v, ok, err := tx.ws.ownRead(st, key); ok {
		return v, err
	}
	_, head, err := tx.observe(st, key)
	if err != nil {
		return nil, err
	}
	return head.Value(), nil
}

func (tx *shortTx) write(kind writeKind, st mvcc.Storage, key, value []byte) error {
	if err := tx.guard(st, key); err != nil {
		return err
	}
	key, value = copyBytes(key), copyBytes(value)
	if own := tx.ws.get(st, key); own != nil {
		return tx.rewrite(own, kind, value)
	}
	switch kind {
	case kindInsert:
		return tx.insert(st, key, value)
	case kindUpsert:
		rec, _, err := tx.observe(st, key)
		if err == WarnNotFound {
			return tx.insert(st, key, value)
		}
		if err != nil {
			return err
		}
		tx.ws.put(&writeEntry{st: st, key: key, value: value, kind: kindUpsert, rec: rec})
		return nil
	default:
		rec, _, err := tx.observe(st, key)
		if err != nil {
			return err
		}
		tx.ws.put(&writeEntry{st: st, key: key, value: value, kind: kind, rec: rec})
		return nil
	}
}

// rewrite folds a write into the entry this transaction already holds for the key.
func (tx *shortTx) rewrite(own *writeEntry, kind writeKind, value []byte) error {
	switch kind {
	case kindInsert:
		if own.kind != kindDelete {
			return WarnAlreadyExists
		}
		own.kind, own.value = kindUpdate, value
	case kindUpdate, kindUpsert:
		if own.kind == kindDelete {
			if kind == kindUpdate {
				return WarnAlreadyDelete
			}
			own.kind = kindUpdate
		}
		own.value = value
	case kindDelete:
		switch own.kind {
		case kindDelete:
			return WarnAlreadyDelete
		case kindInsert:
			tx.cancelInsert(own)
		default:
			own.kind, own.value = kindDelete, nil
		}
	}
	return nil
}

// indexError maps a missing storage to its warning and traces anything else.
func indexError(err error) error {
	if errors.Cause(err) == storage.ErrStorageNotFound {
		return WarnStorageNotFound
	}
	return errors.Trace(err)
}

// insert claims the key with a placeholder record, or reuses a tombstoned record.
func (tx *shortTx) insert(st mvcc.Storage, key, value []byte) error {
	for i := 0; i <= tx.retryLimit(); i++ {
		rec, stamp, err := tx.e.index.Get(st, key)
		if err != nil {
			return indexError(err)
		}
		if rec == nil {
			tx.recordNode(stamp)
			placeholder := mvcc.NewInsertingRecord(st, key)
			_, installed, change, err := tx.e.index.PutIfAbsent(st, key, placeholder)
			if err != nil {
				return indexError(err)
			}
			if !installed {
				continue
			}
			tx.ownChange(change)
			tx.ws.put(&writeEntry{st: st, key: key, value: value, kind: kindInsert, rec: placeholder, placeholder: true})
			return nil
		}
		w, ok := rec.LoadStable(tx.retryLimit())
		if !ok {
			return WarnConcurrentUpdate
		}
		if !w.IsLatest() {
			// being removed by GC
			runtime.Gosched()
			continue
		}
		if rec.IsInserting(w) {
			return WarnConcurrentInsert
		}
		tx.recordRead(rec, w)
		if !w.IsAbsent() {
			return WarnAlreadyExists
		}
		tx.ws.put(&writeEntry{st: st, key: key, value: value, kind: kindInsert, rec: rec})
		return nil
	}
	return WarnConcurrentUpdate
}

func (tx *shortTx) cancelInsert(own *writeEntry) {
	tx.ws.remove(own.st, own.key)
	if own.placeholder {
		tx.unhookPlaceholder(own)
	}
}

// unhookPlaceholder takes back a placeholder this transaction put into the index. A placeholder a long
// transaction has meanwhile published a version into stays.
func (tx *shortTx) unhookPlaceholder(we *writeEntry) {
	if w := we.rec.Lock(); !we.rec.IsInserting(w) {
		we.rec.Unlock()
		return
	}
	if change, ok := tx.e.index.Remove(we.st, we.key, we.rec); ok {
		tx.ownChange(change)
	}
	we.rec.Unhook()
}

func (tx *shortTx) scan(st mvcc.Storage, kr keyrange.KeyRange, limit int) ([]scanEntry, error) {
	if err := tx.guard(st, nil); err != nil {
		return nil, err
	}
	recs, stamps, err := tx.e.index.Scan(st, kr, 0)
	if err != nil {
		return nil, indexError(err)
	}
	for _, stamp := range stamps {
		tx.recordNode(stamp)
	}
	var entries []scanEntry
	for _, rec := range recs {
		if limit > 0 && len(entries) >= limit {
			break
		}
		if own := tx.ws.get(st, rec.Key()); own != nil {
			if own.kind != kindDelete {
				entries = append(entries, scanEntry{key: rec.Key(), value: own.value})
			}
			continue
		}
		w, head, ok := rec.OptimisticRead(tx.retryLimit())
		if !ok {
			return nil, WarnConcurrentUpdate
		}
		if !w.IsLatest() {
			continue
		}
		tx.recordRead(rec, w)
		if w.IsAbsent() {
			continue
		}
		entries = append(entries, scanEntry{key: rec.Key(), value: head.Value()})
	}
	return entries, nil
}

func (tx *shortTx) commit() error {
	s, e := tx.s, tx.e
	e.markCommitting(s)
	defer s.committing.Store(0)
	logSess := e.logger.BeginSession()
	defer logSess.End()

	list := tx.ws.sorted()
	locked := make(map[*mvcc.Record]mvcc.TidWord, len(list))
	unlockAll := func() {
		for rec := range locked {
			rec.Unlock()
		}
	}
	fail := func(reason AbortReason, st mvcc.Storage, key []byte) error {
		unlockAll()
		return tx.abortNow(ErrCC, reason, st, key)
	}

	for _, we := range list {
		w := we.rec.Lock()
		locked[we.rec] = w
		if !w.IsLatest() {
			return fail(ReasonRecordGone, we.st, we.key)
		}
		switch we.kind {
		case kindInsert:
			if we.placeholder && !we.rec.IsInserting(w) || !we.placeholder && !w.IsAbsent() {
				return fail(ReasonConcurrentInsert, we.st, we.key)
			}
		default:
			if w.IsAbsent() {
				return fail(ReasonConcurrentDelete, we.st, we.key)
			}
		}
	}

	ep := e.clock.Current()

	for rec, observed := range tx.reads {
		cur, mine := locked[rec]
		if !mine {
			cur = rec.LoadTid()
			if cur.IsLocked() {
				return fail(ReasonReadVerify, rec.Storage(), rec.Key())
			}
		}
		if cur != observed {
			return fail(ReasonReadVerify, rec.Storage(), rec.Key())
		}
	}
	for node, stamp := range tx.nodes {
		cur, err := e.index.Stamp(node)
		if err != nil || cur != stamp {
			return fail(ReasonPhantom, node.Storage, nil)
		}
	}
	for st := range tx.touched {
		if minEpoch, ok := e.wp.FindMinEpoch(st); ok && minEpoch <= ep {
			return fail(ReasonWPVerify, st, nil)
		}
	}

	var maxOrder uint32
	observe := func(w mvcc.TidWord) {
		if w.Epoch() == ep && !w.IsLong() && w.Order() > maxOrder {
			maxOrder = w.Order()
		}
	}
	for _, w := range tx.reads {
		observe(w)
	}
	for _, we := range list {
		w := locked[we.rec]
		if w.Epoch() == ep && w.IsLong() {
			return fail(ReasonLongVersionInEpoch, we.st, we.key)
		}
		observe(w)
	}
	observe(s.lastTid)
	if maxOrder >= mvcc.MaxShortOrder {
		return fail(ReasonOrderOverflow, 0, nil)
	}
	tid := mvcc.NewTidWord(ep, maxOrder+1)

	for _, we := range list {
		if we.kind == kindDelete {
			we.rec.AppendVersion(nil, tid.WithAbsent(true))
			logSess.Append(we.st, we.key, nil, durability.OpDelete, durability.VersionOf(tid))
			continue
		}
		we.rec.AppendVersion(we.value, tid)
		logSess.Append(we.st, we.key, we.value, durability.OpUpsert, durability.VersionOf(tid))
	}
	s.lastTid = tid
	tx.ep = ep
	return nil
}

func (tx *shortTx) abort(reason AbortReason) {
	for _, we := range tx.ws.entries {
		if we.placeholder {
			tx.unhookPlaceholder(we)
		}
	}
	tx.ws = newWriteSet()
}

func (tx *shortTx) abortNow(status Status, reason AbortReason, st mvcc.Storage, key []byte) error {
	tx.abort(reason)
	return abortErr(status, reason, st, copyBytes(key))
}
