package transaction

import (
	"runtime"
	"sort"

	"github.com/pingcap-incubator/epochkv/kv/transaction/durability"
	"github.com/pingcap-incubator/epochkv/kv/transaction/latches"
	"github.com/pingcap-incubator/epochkv/kv/transaction/mvcc"
	"github.com/pingcap-incubator/epochkv/kv/transaction/readby"
	"github.com/pingcap-incubator/epochkv/kv/transaction/wp"
	"github.com/pingcap-incubator/epochkv/kv/util/keyrange"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

type pointRead struct {
	st  mvcc.Storage
	key []byte
	ver *mvcc.Version
}

type rangeRead struct {
	st      mvcc.Storage
	kr      keyrange.KeyRange
	visible map[string]*mvcc.Version
}

// longTx is a write-preserving transaction. It reads the snapshot just before its own position in the serial
// order, (valid epoch, id), and writes its versions at that position when it commits.
type longTx struct {
	s *Session
	e *Engine

	id    uint64
	ve    uint64
	bound mvcc.TidWord
	wp    []mvcc.Storage
	area  ReadArea

	logSess *durability.Session
	started bool

	ws         writeSet
	pointReads map[wsKey]*pointRead
	rangeReads []*rangeRead
	waitFor    map[uint64]struct{}
}

func beginLongTx(s *Session, opts TxOptions) (*longTx, error) {
	e := s.engine
	for _, st := range opts.WritePreserve {
		if !e.index.ExistStorage(st) {
			return nil, WarnStorageNotFound
		}
	}
	logSess := e.logger.BeginSession()
	id, ve, err := e.wp.BeginLong(opts.WritePreserve, e.clock.Current, func(id, ve uint64) {
		e.ongoing.Push(ve, id)
	})
	if err != nil {
		logSess.End()
		switch errors.Cause(err) {
		case wp.ErrStorageNotFound:
			return nil, WarnStorageNotFound
		case wp.ErrExhausted:
			log.Error("cannot begin long transaction", zap.Uint64("epoch", ve), zap.Error(err))
			return nil, ErrFatal
		}
		log.Debug("write preserve failed", zap.Uint64("id", id), zap.Error(err))
		return nil, abortErr(ErrFailWP, ReasonFailWP, 0, nil)
	}
	tx := &longTx{
		s:          s,
		e:          e,
		id:         id,
		ve:         ve,
		bound:      mvcc.NewTidWord(ve, mvcc.LongOrder(id)),
		wp:         append([]mvcc.Storage(nil), opts.WritePreserve...),
		area:       opts.ReadArea,
		logSess:    logSess,
		ws:         newWriteSet(),
		pointReads: make(map[wsKey]*pointRead),
		waitFor:    make(map[uint64]struct{}),
	}
	for _, st := range tx.wp {
		tx.noteWaitFor(st)
	}
	return tx, nil
}

func (tx *longTx) initialState() (TxState, uint64) {
	if tx.e.clock.Current() < tx.ve {
		return TxStateWaitingStart, tx.ve
	}
	return TxStateStarted, tx.ve
}

func (tx *longTx) commitEpoch() uint64 {
	return tx.ve
}

// premature reports whether the transaction may not run yet: its epoch has not come, or a short commit of an
// earlier epoch is still publishing versions the snapshot must include.
func (tx *longTx) premature() bool {
	if tx.started {
		return false
	}
	if tx.e.clock.Current() < tx.ve {
		return true
	}
	if c := tx.e.lowestCommitting(); c != 0 && c < tx.ve {
		return true
	}
	tx.started = true
	return false
}

func (tx *longTx) preserves(st mvcc.Storage) bool {
	for _, p := range tx.wp {
		if p == st {
			return true
		}
	}
	return false
}

// noteWaitFor makes the commit wait for every higher priority transaction that may still write st.
func (tx *longTx) noteWaitFor(st mvcc.Storage) {
	for _, c := range tx.e.wp.Claims(st) {
		if c.ID < tx.id {
			tx.waitFor[c.ID] = struct{}{}
		}
	}
}

func (tx *longTx) me() readby.Entry {
	return readby.Entry{Epoch: tx.ve, ID: tx.id}
}

func live(v *mvcc.Version) *mvcc.Version {
	if v == nil || v.IsTombstone() {
		return nil
	}
	return v
}

// visible returns the live version of key in the snapshot, or nil.
func (tx *longTx) visible(st mvcc.Storage, key []byte) (*mvcc.Version, error) {
	rec, _, err := tx.e.index.Get(st, key)
	if err != nil {
		return nil, err
	}
	if rec == nil || !rec.LoadTid().IsLatest() {
		return nil, nil
	}
	return live(rec.TraverseBefore(tx.bound)), nil
}

// read looks key up in the snapshot and records the read for commit validation. A key read before returns the
// version seen then.
func (tx *longTx) read(st mvcc.Storage, key []byte) (*mvcc.Version, error) {
	if v, ok := tx.observed(st, key); ok {
		return v, nil
	}
	v, err := tx.visible(st, key)
	if err != nil {
		return nil, indexError(err)
	}
	tx.noteWaitFor(st)
	tx.pointReads[wsKey{st: st, key: string(key)}] = &pointRead{st: st, key: copyBytes(key), ver: v}
	return v, nil
}

// observed returns the live version an earlier point or range read of this transaction saw for key.
func (tx *longTx) observed(st mvcc.Storage, key []byte) (*mvcc.Version, bool) {
	if pr, ok := tx.pointReads[wsKey{st: st, key: string(key)}]; ok {
		return pr.ver, true
	}
	for _, rr := range tx.rangeReads {
		if rr.st == st && rr.kr.Contains(key) {
			return rr.visible[string(key)], true
		}
	}
	return nil, false
}

func (tx *longTx) search(st mvcc.Storage, key []byte) ([]byte, error) {
	if tx.premature() {
		return nil, WarnPremature
	}
	if !tx.area.allows(st) {
		return nil, tx.abortNow(ErrReadAreaViolation, ReasonReadArea, st, key)
	}
	if v, ok, err := tx.ws.ownRead(st, key); ok {
		return v, err
	}
	v, err := tx.read(st, key)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, WarnNotFound
	}
	return v.Value(), nil
}

func (tx *longTx) write(kind writeKind, st mvcc.Storage, key, value []byte) error {
	if tx.premature() {
		return WarnPremature
	}
	if !tx.preserves(st) {
		return tx.abortNow(ErrWriteWithoutWP, ReasonWriteWithoutWP, st, key)
	}
	if !tx.e.index.ExistStorage(st) {
		return WarnStorageNotFound
	}
	key, value = copyBytes(key), copyBytes(value)
	if own := tx.ws.get(st, key); own != nil {
		return tx.rewrite(own, kind, value)
	}
	if kind != kindUpsert {
		v, err := tx.read(st, key)
		if err != nil {
			return err
		}
		if kind == kindInsert && v != nil {
			return WarnAlreadyExists
		}
		if kind != kindInsert && v == nil {
			return WarnNotFound
		}
	}
	tx.ws.put(&writeEntry{st: st, key: key, value: value, kind: kind})
	return nil
}

func (tx *longTx) rewrite(own *writeEntry, kind writeKind, value []byte) error {
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
			own.kind = kindUpsert
		}
		own.value = value
	case kindDelete:
		switch own.kind {
		case kindDelete:
			return WarnAlreadyDelete
		case kindInsert:
			tx.ws.remove(own.st, own.key)
		default:
			own.kind, own.value = kindDelete, nil
		}
	}
	return nil
}

// scan reads the snapshot of kr with this transaction's own writes applied on top. Keys read before keep the
// version seen then.
func (tx *longTx) scan(st mvcc.Storage, kr keyrange.KeyRange, limit int) ([]scanEntry, error) {
	if tx.premature() {
		return nil, WarnPremature
	}
	if !tx.area.allows(st) {
		return nil, tx.abortNow(ErrReadAreaViolation, ReasonReadArea, st, nil)
	}
	fresh, err := tx.scanVisible(st, kr)
	if err != nil {
		return nil, indexError(err)
	}
	tx.noteWaitFor(st)

	candidates := make(map[string]struct{}, len(fresh))
	for k := range fresh {
		candidates[k] = struct{}{}
	}
	for k, pr := range tx.pointReads {
		if k.st == st && kr.Contains(pr.key) {
			candidates[k.key] = struct{}{}
		}
	}
	for _, rr := range tx.rangeReads {
		if rr.st != st {
			continue
		}
		for k := range rr.visible {
			if kr.Contains([]byte(k)) {
				candidates[k] = struct{}{}
			}
		}
	}
	view := make(map[string]*mvcc.Version, len(candidates))
	for k := range candidates {
		v, ok := tx.observed(st, []byte(k))
		if !ok {
			v = fresh[k]
		}
		if v != nil {
			view[k] = v
		}
	}
	tx.rangeReads = append(tx.rangeReads, &rangeRead{st: st, kr: kr, visible: view})

	values := make(map[string][]byte, len(view))
	for k, v := range view {
		values[k] = v.Value()
	}
	for k, we := range tx.ws.entries {
		if k.st != st || !kr.Contains(we.key) {
			continue
		}
		if we.kind == kindDelete {
			delete(values, k.key)
		} else {
			values[k.key] = we.value
		}
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	entries := make([]scanEntry, 0, len(keys))
	for _, k := range keys {
		entries = append(entries, scanEntry{key: []byte(k), value: values[k]})
	}
	return entries, nil
}

func (tx *longTx) scanVisible(st mvcc.Storage, kr keyrange.KeyRange) (map[string]*mvcc.Version, error) {
	recs, _, err := tx.e.index.Scan(st, kr, 0)
	if err != nil {
		return nil, err
	}
	visible := make(map[string]*mvcc.Version)
	for _, rec := range recs {
		if !rec.LoadTid().IsLatest() {
			continue
		}
		if v := live(rec.TraverseBefore(tx.bound)); v != nil {
			visible[string(rec.Key())] = v
		}
	}
	return visible, nil
}

func (tx *longTx) readStorages() []mvcc.Storage {
	list := append([]mvcc.Storage(nil), tx.wp...)
	for _, pr := range tx.pointReads {
		list = append(list, pr.st)
	}
	for _, rr := range tx.rangeReads {
		list = append(list, rr.st)
	}
	return list
}

func (tx *longTx) commit() error {
	if tx.premature() {
		return WarnPremature
	}
	e := tx.e
	if e.ongoing.ExistWaitFor(tx.waitFor) {
		return WarnWaitingForOtherTx
	}

	// Long commits touching the same storages validate and publish one at a time.
	keys := latches.StorageKeys(tx.readStorages())
	e.latches.WaitForLatches(keys)
	defer e.latches.ReleaseLatches(keys)
	e.latches.Validate(keys)

	if err := tx.validate(); err != nil {
		return err
	}

	list := tx.ws.sorted()
	for i, we := range list {
		rec, created, err := tx.lockRecord(we.st, we.key)
		if err != nil {
			// storage dropped; nothing was published yet
			tx.releaseRecords(list[:i])
			return tx.abortNow(ErrCC, ReasonRecordGone, we.st, we.key)
		}
		we.rec, we.placeholder = rec, created
	}
	for _, we := range list {
		// a live version, whoever wrote it, means the key exists at some point after this transaction
		if head := we.rec.Head(); we.kind == kindInsert && head != nil && !head.IsTombstone() {
			tx.releaseRecords(list)
			return tx.abortNow(ErrCC, ReasonConcurrentInsert, we.st, we.key)
		}
	}
	for _, we := range list {
		del := we.kind == kindDelete
		tid := tx.bound.WithAbsent(del)
		value := we.value
		if del {
			value = nil
		}
		if _, isHead := we.rec.InsertVersion(value, tid); isHead {
			we.rec.UnlockWith(tid.WithLatest(true))
		} else {
			we.rec.Unlock()
		}
		op := durability.OpUpsert
		if del {
			op = durability.OpDelete
		}
		tx.logSess.Append(we.st, we.key, value, op, durability.VersionOf(tid))
	}

	me := tx.me()
	for _, pr := range tx.pointReads {
		rec, _, err := e.index.Get(pr.st, pr.key)
		if err == nil && rec != nil && rec.LoadTid().IsLatest() {
			rec.ReadBy.Register(me)
			continue
		}
		if rb := e.wp.RangeReadBy(pr.st); rb != nil {
			rb.Register(me, keyrange.Point(pr.key))
		}
	}
	for _, rr := range tx.rangeReads {
		if rb := e.wp.RangeReadBy(rr.st); rb != nil {
			rb.Register(me, rr.kr)
		}
	}

	tx.logSess.End()
	tx.release()
	return nil
}

// validate checks that the snapshot this transaction read is still the snapshot at its position, and that no
// transaction ordered after it read a key it is about to write.
func (tx *longTx) validate() error {
	for _, pr := range tx.pointReads {
		v, err := tx.visible(pr.st, pr.key)
		if err != nil || v != pr.ver {
			return tx.abortNow(ErrCC, ReasonLongReadValidation, pr.st, pr.key)
		}
	}
	for _, rr := range tx.rangeReads {
		visible, err := tx.scanVisible(rr.st, rr.kr)
		if err != nil || !sameVisible(visible, rr.visible) {
			return tx.abortNow(ErrCC, ReasonLongPhantom, rr.st, nil)
		}
	}
	me := tx.me()
	for _, we := range tx.ws.entries {
		rec, _, err := tx.e.index.Get(we.st, we.key)
		if err == nil && rec != nil {
			if _, ok := rec.ReadBy.ReadAfter(me); ok {
				return tx.abortNow(ErrCC, ReasonReadByAfter, we.st, we.key)
			}
		}
		if rb := tx.e.wp.RangeReadBy(we.st); rb != nil {
			if _, ok := rb.ReadAfter(me, we.key); ok {
				return tx.abortNow(ErrCC, ReasonReadByAfter, we.st, we.key)
			}
		}
	}
	return nil
}

func sameVisible(a, b map[string]*mvcc.Version) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

// lockRecord locks the record of key, creating a placeholder when the key has none. created reports whether the
// placeholder is this transaction's.
func (tx *longTx) lockRecord(st mvcc.Storage, key []byte) (rec *mvcc.Record, created bool, err error) {
	for {
		rec, _, err = tx.e.index.Get(st, key)
		if err != nil {
			return nil, false, err
		}
		created = false
		if rec == nil {
			rec, created, _, err = tx.e.index.PutIfAbsent(st, key, mvcc.NewInsertingRecord(st, key))
			if err != nil {
				return nil, false, err
			}
		}
		if w := rec.Lock(); w.IsLatest() {
			return rec, created, nil
		}
		// removed by GC in the meantime
		rec.Unlock()
		runtime.Gosched()
	}
}

// releaseRecords unlocks records locked for publishing, removing empty placeholders again.
func (tx *longTx) releaseRecords(list []*writeEntry) {
	for _, we := range list {
		if we.placeholder && we.rec.IsInserting(we.rec.LoadTid()) {
			tx.e.index.Remove(we.st, we.key, we.rec)
			we.rec.Unhook()
			continue
		}
		we.rec.Unlock()
	}
}

func (tx *longTx) release() {
	tx.e.wp.RemoveWP(tx.wp, tx.id)
	tx.e.ongoing.RemoveID(tx.id)
}

func (tx *longTx) abort(reason AbortReason) {
	tx.logSess.End()
	tx.release()
	tx.ws = newWriteSet()
}

func (tx *longTx) abortNow(status Status, reason AbortReason, st mvcc.Storage, key []byte) error {
	tx.abort(reason)
	return abortErr(status, reason, st, copyBytes(key))
}
