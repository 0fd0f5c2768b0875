package transaction

import (
	"github.com/pingcap-incubator/epochkv/kv/transaction/mvcc"
	"github.com/pingcap-incubator/epochkv/kv/util/keyrange"
)

// readOnlyTx reads the snapshot of every version older than its epoch. It never validates and never aborts on
// its own.
type readOnlyTx struct {
	s  *Session
	e  *Engine
	ve uint64
}

func beginReadOnlyTx(s *Session) *readOnlyTx {
	tx := &readOnlyTx{s: s, e: s.engine}
	tx.ve = s.engine.readOnlyEpoch(s.snapshotEpoch.Store)
	return tx
}

func (tx *readOnlyTx) initialState() (TxState, uint64) {
	return TxStateStarted, tx.ve
}

// commitEpoch is the newest epoch the transaction read from.
func (tx *readOnlyTx) commitEpoch() uint64 {
	return tx.ve - 1
}

func (tx *readOnlyTx) search(st mvcc.Storage, key []byte) ([]byte, error) {
	rec, _, err := tx.e.index.Get(st, key)
	if err != nil {
		return nil, indexError(err)
	}
	if rec == nil {
		return nil, WarnNotFound
	}
	v := rec.TraverseTo(tx.ve)
	if v == nil || v.IsTombstone() {
		return nil, WarnNotFound
	}
	return v.Value(), nil
}

func (tx *readOnlyTx) write(kind writeKind, st mvcc.Storage, key, value []byte) error {
	return WarnIllegalOperation
}

func (tx *readOnlyTx) scan(st mvcc.Storage, kr keyrange.KeyRange, limit int) ([]scanEntry, error) {
	recs, _, err := tx.e.index.Scan(st, kr, 0)
	if err != nil {
		return nil, indexError(err)
	}
	var entries []scanEntry
	for _, rec := range recs {
		if limit > 0 && len(entries) >= limit {
			break
		}
		if v := rec.TraverseTo(tx.ve); v != nil && !v.IsTombstone() {
			entries = append(entries, scanEntry{key: rec.Key(), value: v.Value()})
		}
	}
	return entries, nil
}

func (tx *readOnlyTx) commit() error {
	return nil
}

func (tx *readOnlyTx) abort(reason AbortReason) {}
