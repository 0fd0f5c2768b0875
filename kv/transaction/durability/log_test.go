package durability

import (
	"io/ioutil"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDurableEpochHeldByOpenSession(t *testing.T) {
	l := NewMemLog()
	assert.Equal(t, uint64(0), l.DurableEpoch())

	require.Nil(t, l.Flush(3))
	assert.Equal(t, uint64(3), l.DurableEpoch())

	s := l.BeginSession()
	s.Append(1, []byte("k"), []byte("v"), OpUpsert, WriteVersion{Epoch: 5, Order: 1})
	require.Nil(t, l.Flush(6))
	// the open session pinned the durable epoch at the value it was opened with
	assert.Equal(t, uint64(3), l.DurableEpoch())
	assert.Empty(t, l.Records())

	s.End()
	s.End()
	require.Nil(t, l.Flush(6))
	assert.Equal(t, uint64(6), l.DurableEpoch())
	recs := l.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, []byte("k"), recs[0].Key)
	assert.Equal(t, WriteVersion{Epoch: 5, Order: 1}, recs[0].Version)

	// the durable epoch never goes backwards
	require.Nil(t, l.Flush(2))
	assert.Equal(t, uint64(6), l.DurableEpoch())
	require.Nil(t, l.Close())
	assert.NotNil(t, l.Flush(7))
}

func TestCallbacks(t *testing.T) {
	l := NewMemLog()
	require.Nil(t, l.Flush(2))

	var seen []uint64
	l.Callbacks().Register(func(e uint64) { seen = append(seen, e) })
	assert.Equal(t, []uint64{2}, seen)

	require.Nil(t, l.Flush(2))
	require.Nil(t, l.Flush(4))
	require.Nil(t, l.Flush(5))
	assert.Equal(t, []uint64{2, 4, 5}, seen)
}

func TestCallbacksConcurrentFlush(t *testing.T) {
	l := NewMemLog()
	var (
		mu   sync.Mutex
		seen []uint64
		late []uint64
		once sync.Once
	)
	l.Callbacks().Register(func(e uint64) {
		mu.Lock()
		seen = append(seen, e)
		mu.Unlock()
		// registering from inside a notification must not block it
		once.Do(func() {
			l.Callbacks().Register(func(e uint64) {
				mu.Lock()
				late = append(late, e)
				mu.Unlock()
			})
		})
	})

	var wg sync.WaitGroup
	for i := uint64(1); i <= 32; i++ {
		wg.Add(1)
		go func(e uint64) {
			defer wg.Done()
			assert.Nil(t, l.Flush(e))
		}(i)
	}
	wg.Wait()
	require.Nil(t, l.Flush(33))

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, seen)
	for i := 1; i < len(seen); i++ {
		assert.True(t, seen[i-1] < seen[i])
	}
	assert.Equal(t, uint64(33), seen[len(seen)-1])
	require.NotEmpty(t, late)
	assert.Equal(t, uint64(33), late[len(late)-1])
}

func TestRecordCodec(t *testing.T) {
	r := LogRecord{Storage: 7, Key: []byte("key"), Value: []byte("value"), Op: OpUpsert, Version: WriteVersion{Epoch: 9, Order: 3}}
	got, err := decodeRecord(recordKey(r.Version, 1), encodeRecord(r))
	require.Nil(t, err)
	assert.Equal(t, r, got)

	d := LogRecord{Storage: 7, Key: []byte("key"), Op: OpDelete, Version: WriteVersion{Epoch: 9, Order: 4}}
	got, err = decodeRecord(recordKey(d.Version, 2), encodeRecord(d))
	require.Nil(t, err)
	assert.Equal(t, d, got)

	_, err = decodeRecord([]byte{1}, nil)
	assert.NotNil(t, err)
}

func TestBoltLog(t *testing.T) {
	dir, err := ioutil.TempDir("", "epochkv-log")
	require.Nil(t, err)
	defer os.RemoveAll(dir)

	bl, err := OpenBoltLog(dir, false)
	require.Nil(t, err)
	s := bl.BeginSession()
	s.Append(1, []byte("b"), []byte("2"), OpUpsert, WriteVersion{Epoch: 2, Order: 1})
	s.Append(1, []byte("a"), nil, OpDelete, WriteVersion{Epoch: 1, Order: 5})
	s.End()
	require.Nil(t, bl.Flush(4))
	assert.Equal(t, uint64(4), bl.DurableEpoch())

	var keys []string
	require.Nil(t, bl.Replay(func(r LogRecord) error {
		keys = append(keys, string(r.Key))
		return nil
	}))
	assert.Equal(t, []string{"a", "b"}, keys)
	require.Nil(t, bl.Close())

	bl, err = OpenBoltLog(dir, false)
	require.Nil(t, err)
	assert.Equal(t, uint64(4), bl.DurableEpoch())
	n := 0
	require.Nil(t, bl.Replay(func(LogRecord) error { n++; return nil }))
	assert.Equal(t, 2, n)
	require.Nil(t, bl.Close())
}
