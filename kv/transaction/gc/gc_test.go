package gc

import (
	"testing"
	"time"

	"github.com/pingcap-incubator/epochkv/kv/storage"
	"github.com/pingcap-incubator/epochkv/kv/transaction/mvcc"
	"github.com/pingcap-incubator/epochkv/kv/transaction/readby"
	"github.com/pingcap-incubator/epochkv/kv/transaction/wp"
	"github.com/pingcap-incubator/epochkv/kv/util/keyrange"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

type gcFixture struct {
	index     *storage.MemIndex
	wp        *wp.Registry
	st        mvcc.Storage
	watermark atomic.Uint64
	collector *Collector
}

func newGCFixture(t *testing.T) *gcFixture {
	f := &gcFixture{index: storage.NewMemIndex(), wp: wp.NewRegistry(0)}
	st, err := f.index.CreateStorage()
	require.Nil(t, err)
	f.st = st
	f.wp.RegisterStorage(st)
	f.collector = NewCollector(f.index, f.wp, f.watermark.Load)
	return f
}

func (f *gcFixture) put(key string, epochs ...uint64) *mvcc.Record {
	rec := mvcc.NewRecord(f.st, []byte(key), []byte{byte(epochs[0])}, mvcc.NewTidWord(epochs[0], 1))
	for _, e := range epochs[1:] {
		rec.Lock()
		rec.AppendVersion([]byte{byte(e)}, mvcc.NewTidWord(e, 1))
	}
	f.index.PutIfAbsent(f.st, []byte(key), rec)
	return rec
}

func (f *gcFixture) delete(rec *mvcc.Record, epoch uint64) {
	rec.Lock()
	rec.AppendVersion(nil, mvcc.NewTidWord(epoch, 1).WithAbsent(true))
}

func TestCollectVersions(t *testing.T) {
	f := newGCFixture(t)
	rec := f.put("a", 1, 2, 3, 4)

	f.watermark.Store(3)
	res, ok := f.collector.Collect()
	require.True(t, ok)
	assert.Equal(t, 1, res.Versions)
	assert.Equal(t, 3, rec.Len())
	assert.Equal(t, []byte{2}, rec.TraverseTo(3).Value())

	f.watermark.Store(10)
	res, _ = f.collector.Collect()
	assert.Equal(t, 2, res.Versions)
	assert.Equal(t, 1, rec.Len())
	assert.Equal(t, uint64(2), f.collector.Stats().Passes)
	assert.Equal(t, uint64(3), f.collector.Stats().Versions)
}

func TestCollectTombstone(t *testing.T) {
	f := newGCFixture(t)
	rec := f.put("a", 1)
	f.delete(rec, 5)

	// a reader at epoch 5 may still read the old value
	f.watermark.Store(5)
	res, _ := f.collector.Collect()
	assert.Equal(t, 0, res.Records)
	assert.Equal(t, 1, f.index.Len(f.st))

	f.watermark.Store(6)
	res, _ = f.collector.Collect()
	assert.Equal(t, 1, res.Records)
	assert.Equal(t, 1, res.Versions)
	assert.Equal(t, 0, f.index.Len(f.st))
	w := rec.LoadTid()
	assert.False(t, w.IsLatest())
	assert.False(t, w.IsLocked())
}

func TestCollectSkipsLockedAndInserting(t *testing.T) {
	f := newGCFixture(t)
	rec := f.put("a", 1, 2)
	placeholder := mvcc.NewInsertingRecord(f.st, []byte("b"))
	f.index.PutIfAbsent(f.st, []byte("b"), placeholder)

	rec.Lock()
	f.watermark.Store(10)
	res, _ := f.collector.Collect()
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 0, res.Versions)
	rec.Unlock()

	res, _ = f.collector.Collect()
	assert.Equal(t, 1, res.Versions)
	assert.Equal(t, 2, f.index.Len(f.st))
	assert.True(t, placeholder.LoadTid().IsLatest())
}

func TestCollectReadBy(t *testing.T) {
	f := newGCFixture(t)
	rec := f.put("a", 1)
	rec.ReadBy.Register(readby.Entry{Epoch: 2, ID: 1})
	rec.ReadBy.Register(readby.Entry{Epoch: 7, ID: 2})
	f.wp.RangeReadBy(f.st).Register(readby.Entry{Epoch: 3, ID: 1}, keyrange.Full())

	f.watermark.Store(5)
	res, _ := f.collector.Collect()
	assert.Equal(t, 2, res.ReadBy)
	assert.Equal(t, 1, rec.ReadBy.Len())
	assert.Equal(t, 0, f.wp.RangeReadBy(f.st).Len())
}

func TestBackgroundCollector(t *testing.T) {
	f := newGCFixture(t)
	f.put("a", 1, 2, 3)
	f.watermark.Store(10)
	f.collector.Start(time.Millisecond)
	deadline := time.Now().Add(5 * time.Second)
	for f.collector.Stats().Passes == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	f.collector.Stop()
	f.collector.Stop()
	assert.True(t, f.collector.Stats().Passes > 0)
	assert.Equal(t, uint64(2), f.collector.Stats().Versions)
}
