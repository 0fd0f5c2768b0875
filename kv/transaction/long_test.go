package transaction

import (
	"testing"

	"github.com/pingcap-incubator/epochkv/kv/transaction/mvcc"
	"github.com/pingcap-incubator/epochkv/kv/transaction/readby"
	"github.com/pingcap-incubator/epochkv/kv/util/keyrange"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func beginLong(t *testing.T, s *Session, wp ...mvcc.Storage) {
	require.Nil(t, s.TxBegin(TxOptions{Type: TxLong, WritePreserve: wp}))
}

func TestLongPremature(t *testing.T) {
	e := newTestEngine(t)
	st := newStorage(t, e)
	s := enter(t, e)
	beginLong(t, s, st)

	_, err := s.SearchKey(st, []byte("k"))
	assert.Equal(t, WarnPremature, err)
	assert.Equal(t, WarnPremature, s.Upsert(st, []byte("k"), []byte("v")))
	assert.Equal(t, WarnPremature, s.Commit())
	assert.True(t, s.Active())

	e.AdvanceEpoch()
	require.Nil(t, s.Upsert(st, []byte("k"), []byte("v")))
	require.Nil(t, s.Commit())
	assert.Equal(t, 0, e.ongoing.Len())
	assert.Empty(t, e.wp.Claims(st))

	v, err := get(t, e, st, "k")
	assert.Nil(t, err)
	assert.Equal(t, "v", v)
}

func TestLongBeginFailures(t *testing.T) {
	e := newTestEngine(t)
	st := newStorage(t, e)
	s := enter(t, e)

	assert.Equal(t, WarnStorageNotFound, s.TxBegin(TxOptions{Type: TxLong, WritePreserve: []mvcc.Storage{st + 100}}))
	assert.False(t, s.Active())

	err := s.TxBegin(TxOptions{Type: TxLong, WritePreserve: []mvcc.Storage{st, st}})
	assert.Equal(t, ErrFailWP, StatusOf(err))
	assert.Equal(t, ReasonFailWP, ReasonOf(err))
	assert.False(t, s.Active())
	assert.Empty(t, e.wp.Claims(st))
	assert.Equal(t, 0, e.ongoing.Len())
}

func TestLongVersionInThePast(t *testing.T) {
	e := newTestEngine(t)
	st := newStorage(t, e)
	put(t, e, st, "k", "v1")

	s := enter(t, e)
	beginLong(t, s, st)
	e.AdvanceEpoch()
	e.AdvanceEpoch()
	require.Nil(t, s.Upsert(st, []byte("k"), []byte("long")))
	require.Nil(t, s.Commit())

	rec, _, err := e.index.Get(st, []byte("k"))
	require.Nil(t, err)
	w := rec.LoadTid()
	assert.True(t, w.IsLong())
	assert.Equal(t, uint64(2), w.Epoch())
	assert.Equal(t, 2, rec.Len())

	v, err := snapshotGet(t, e, st, "k")
	assert.Nil(t, err)
	assert.Equal(t, "long", v)
}

func TestLongWriteRules(t *testing.T) {
	e := newTestEngine(t)
	st := newStorage(t, e)
	put(t, e, st, "k", "v")

	s := enter(t, e)
	beginLong(t, s, st)
	e.AdvanceEpoch()

	assert.Equal(t, WarnAlreadyExists, s.Insert(st, []byte("k"), []byte("w")))
	assert.Equal(t, WarnNotFound, s.Update(st, []byte("missing"), []byte("w")))
	assert.Equal(t, WarnNotFound, s.Delete(st, []byte("missing")))

	require.Nil(t, s.Insert(st, []byte("n"), []byte("1")))
	v, err := s.SearchKey(st, []byte("n"))
	assert.Equal(t, WarnReadFromOwnOperation, err)
	assert.Equal(t, []byte("1"), v)
	require.Nil(t, s.Delete(st, []byte("n")))
	_, err = s.SearchKey(st, []byte("n"))
	assert.Equal(t, WarnNotFound, err)

	require.Nil(t, s.Delete(st, []byte("k")))
	_, err = s.SearchKey(st, []byte("k"))
	assert.Equal(t, WarnAlreadyDelete, err)
	require.Nil(t, s.Commit())

	_, err = get(t, e, st, "k")
	assert.Equal(t, WarnNotFound, err)
	_, err = get(t, e, st, "n")
	assert.Equal(t, WarnNotFound, err)
}

func TestLongWriteWithoutWP(t *testing.T) {
	e := newTestEngine(t)
	st1, st2 := newStorage(t, e), newStorage(t, e)
	s := enter(t, e)
	beginLong(t, s, st1)
	e.AdvanceEpoch()

	err := s.Upsert(st2, []byte("k"), []byte("v"))
	assert.Equal(t, ErrWriteWithoutWP, StatusOf(err))
	assert.False(t, s.Active())
	assert.Empty(t, e.wp.Claims(st1))
	assert.Equal(t, 0, e.ongoing.Len())
}

func TestLongReadArea(t *testing.T) {
	e := newTestEngine(t)
	st1, st2 := newStorage(t, e), newStorage(t, e)
	s := enter(t, e)

	require.Nil(t, s.TxBegin(TxOptions{Type: TxLong, ReadArea: ReadArea{Positive: []mvcc.Storage{st1}}}))
	e.AdvanceEpoch()
	_, err := s.SearchKey(st1, []byte("k"))
	assert.Equal(t, WarnNotFound, err)
	_, err = s.SearchKey(st2, []byte("k"))
	assert.Equal(t, ErrReadAreaViolation, StatusOf(err))
	assert.False(t, s.Active())

	require.Nil(t, s.TxBegin(TxOptions{Type: TxLong, ReadArea: ReadArea{Negative: []mvcc.Storage{st1}}}))
	e.AdvanceEpoch()
	_, err = s.SearchKey(st2, []byte("k"))
	assert.Equal(t, WarnNotFound, err)
	_, err = s.OpenScan(st1, nil, keyrange.Inf, nil, keyrange.Inf, 0)
	assert.Equal(t, ErrReadAreaViolation, StatusOf(err))
	assert.False(t, s.Active())
}

func TestLongAntiDependency(t *testing.T) {
	e := newTestEngine(t)
	st := newStorage(t, e)
	put(t, e, st, "k", "v0")

	writer, reader := enter(t, e), enter(t, e)
	beginLong(t, writer, st)
	beginLong(t, reader)
	e.AdvanceEpoch()

	v, err := reader.SearchKey(st, []byte("k"))
	require.Nil(t, err)
	assert.Equal(t, []byte("v0"), v)
	assert.Equal(t, WarnWaitingForOtherTx, reader.Commit())
	assert.True(t, reader.Active())

	require.Nil(t, writer.Upsert(st, []byte("k"), []byte("v1")))
	require.Nil(t, writer.Commit())

	// the writer is ordered first, so the reader's snapshot should have contained v1
	err = reader.Commit()
	assert.Equal(t, ErrCC, StatusOf(err))
	assert.Equal(t, ReasonLongReadValidation, ReasonOf(err))

	v, err = reader.SearchKey(st, []byte("k"))
	assert.Nil(t, err)
	assert.Equal(t, []byte("v1"), v)
	require.Nil(t, reader.Commit())
}

func TestLongReaderSeesEarlierLong(t *testing.T) {
	e := newTestEngine(t)
	st := newStorage(t, e)
	writer, reader := enter(t, e), enter(t, e)
	beginLong(t, writer, st)
	beginLong(t, reader)
	e.AdvanceEpoch()

	require.Nil(t, writer.Upsert(st, []byte("k"), []byte("w")))
	require.Nil(t, writer.Commit())

	v, err := reader.SearchKey(st, []byte("k"))
	assert.Nil(t, err)
	assert.Equal(t, []byte("w"), v)
	require.Nil(t, reader.Commit())

	rec, _, _ := e.index.Get(st, []byte("k"))
	_, ok := rec.ReadBy.ReadAfter(readby.Entry{Epoch: 2, ID: 1})
	assert.True(t, ok)
}

func TestLongRangePhantom(t *testing.T) {
	e := newTestEngine(t)
	st := newStorage(t, e)
	put(t, e, st, "a", "1")

	writer, reader := enter(t, e), enter(t, e)
	beginLong(t, writer, st)
	beginLong(t, reader)
	e.AdvanceEpoch()

	h, err := reader.OpenScan(st, nil, keyrange.Inf, nil, keyrange.Inf, 0)
	require.Nil(t, err)
	key, err := reader.ReadKeyFromScan(h)
	require.Nil(t, err)
	assert.Equal(t, []byte("a"), key)

	require.Nil(t, writer.Insert(st, []byte("m"), []byte("2")))
	require.Nil(t, writer.Commit())

	err = reader.Commit()
	assert.Equal(t, ErrCC, StatusOf(err))
	assert.Equal(t, ReasonLongPhantom, ReasonOf(err))
}

func TestLongReadByAfter(t *testing.T) {
	e := newTestEngine(t)
	st := newStorage(t, e)
	put(t, e, st, "k", "v")
	later := readby.Entry{Epoch: 9, ID: 9}

	s := enter(t, e)
	beginLong(t, s, st)
	e.AdvanceEpoch()
	rec, _, _ := e.index.Get(st, []byte("k"))
	rec.ReadBy.Register(later)
	require.Nil(t, s.Upsert(st, []byte("k"), []byte("w")))
	err := s.Commit()
	assert.Equal(t, ErrCC, StatusOf(err))
	assert.Equal(t, ReasonReadByAfter, ReasonOf(err))

	beginLong(t, s, st)
	e.AdvanceEpoch()
	e.wp.RangeReadBy(st).Register(later, keyrange.KeyRange{Left: []byte("m"), LeftEnd: keyrange.Inclusive, RightEnd: keyrange.Inf})
	require.Nil(t, s.Upsert(st, []byte("a"), []byte("w")))
	require.Nil(t, s.Upsert(st, []byte("x"), []byte("w")))
	err = s.Commit()
	assert.Equal(t, ReasonReadByAfter, ReasonOf(err))
	assert.Equal(t, []byte("x"), err.(*AbortError).Key)

	v, _ := get(t, e, st, "k")
	assert.Equal(t, "v", v)
}

func TestLongAbortReleasesClaims(t *testing.T) {
	e := newTestEngine(t)
	st := newStorage(t, e)
	s := enter(t, e)
	beginLong(t, s, st)
	assert.Len(t, e.wp.Claims(st), 1)
	assert.Equal(t, uint64(2), e.ongoing.LowestEpoch())

	require.Nil(t, s.Abort())
	assert.Empty(t, e.wp.Claims(st))
	assert.Equal(t, uint64(0), e.ongoing.LowestEpoch())
}

func TestLongRepeatableRead(t *testing.T) {
	e := newTestEngine(t)
	st := newStorage(t, e)
	put(t, e, st, "k", "v0")

	writer, reader := enter(t, e), enter(t, e)
	beginLong(t, writer, st)
	beginLong(t, reader)
	e.AdvanceEpoch()

	v, err := reader.SearchKey(st, []byte("k"))
	require.Nil(t, err)
	assert.Equal(t, []byte("v0"), v)

	require.Nil(t, writer.Upsert(st, []byte("k"), []byte("v1")))
	require.Nil(t, writer.Commit())

	v, err = reader.SearchKey(st, []byte("k"))
	assert.Nil(t, err)
	assert.Equal(t, []byte("v0"), v)
	assert.Nil(t, reader.ExistKey(st, []byte("k")))

	err = reader.Commit()
	assert.Equal(t, ErrCC, StatusOf(err))
	assert.Equal(t, ReasonLongReadValidation, ReasonOf(err))
}

func TestLongInsertBelowLiveVersion(t *testing.T) {
	e := newTestEngine(t)
	st := newStorage(t, e)
	s := enter(t, e)
	beginLong(t, s, st)
	e.AdvanceEpoch()
	require.Nil(t, s.Insert(st, []byte("k"), []byte("long")))

	// a version ordered after the transaction, so outside its snapshot
	later := mvcc.NewRecord(st, []byte("k"), []byte("later"), mvcc.NewTidWord(e.Epoch()+1, 1))
	_, inserted, _, err := e.index.PutIfAbsent(st, []byte("k"), later)
	require.Nil(t, err)
	require.True(t, inserted)

	err = s.Commit()
	assert.Equal(t, ErrCC, StatusOf(err))
	assert.Equal(t, ReasonConcurrentInsert, ReasonOf(err))
	assert.False(t, later.LoadTid().IsLocked())
	assert.Equal(t, 1, later.Len())
	assert.Equal(t, 0, e.ongoing.Len())
}

func TestLongAbortKeepsForeignPlaceholder(t *testing.T) {
	e := newTestEngine(t)
	st, other := newStorage(t, e), newStorage(t, e)
	put(t, e, st, "a", "live")

	long := enter(t, e)
	beginLong(t, long, st, other)
	e.AdvanceEpoch()
	require.Nil(t, long.Upsert(other, []byte("p"), []byte("long")))
	require.Nil(t, long.Insert(st, []byte("b"), []byte("long")))

	// a short inserter's placeholder on the key the long transaction writes
	placeholder := mvcc.NewInsertingRecord(other, []byte("p"))
	_, inserted, _, err := e.index.PutIfAbsent(other, []byte("p"), placeholder)
	require.Nil(t, err)
	require.True(t, inserted)
	// a live version on another key makes the insert of "b" fail after every record is locked
	later := mvcc.NewRecord(st, []byte("b"), []byte("later"), mvcc.NewTidWord(e.Epoch()+1, 1))
	_, inserted, _, err = e.index.PutIfAbsent(st, []byte("b"), later)
	require.Nil(t, err)
	require.True(t, inserted)

	assert.Equal(t, ErrCC, StatusOf(long.Commit()))
	rec, _, err := e.index.Get(other, []byte("p"))
	require.Nil(t, err)
	assert.True(t, rec == placeholder)
	assert.True(t, placeholder.IsInserting(placeholder.LoadTid()))
	assert.False(t, placeholder.LoadTid().IsLocked())
}
