package transaction

import (
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/pingcap-incubator/epochkv/kv/transaction/mvcc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

func abortIfActive(s *Session) {
	if s.Active() {
		s.Abort()
	}
}

// increment adds one to the counter stored under key in the running transaction.
func increment(s *Session, st mvcc.Storage, key []byte) error {
	v, err := s.SearchKey(st, key)
	if err != nil {
		return err
	}
	n, err := strconv.Atoi(string(v))
	if err != nil {
		return err
	}
	return s.Update(st, key, []byte(strconv.Itoa(n+1)))
}

func shortIncrements(t *testing.T, e *Engine, st mvcc.Storage, n int, commits *atomic.Int64) {
	s, err := e.Enter()
	if !assert.Nil(t, err) {
		return
	}
	defer s.Leave()
	key := []byte("c")
	for done := 0; done < n; {
		if err := increment(s, st, key); err != nil {
			abortIfActive(s)
			continue
		}
		if err := s.Commit(); err != nil {
			abortIfActive(s)
			continue
		}
		done++
		commits.Inc()

		// the counter is never missing from a snapshot, however far GC has gone
		if !assert.Nil(t, s.TxBegin(TxOptions{Type: TxReadOnly})) {
			return
		}
		v, err := s.SearchKey(st, key)
		assert.Nil(t, err)
		_, err = strconv.Atoi(string(v))
		assert.Nil(t, err)
		assert.Nil(t, s.Commit())
	}
}

func longIncrements(t *testing.T, e *Engine, st mvcc.Storage, n int, commits *atomic.Int64) {
	s, err := e.Enter()
	if !assert.Nil(t, err) {
		return
	}
	defer s.Leave()
	key := []byte("l")
	for done := 0; done < n; {
		if err := s.TxBegin(TxOptions{Type: TxLong, WritePreserve: []mvcc.Storage{st}}); err != nil {
			time.Sleep(time.Millisecond)
			continue
		}
		err := increment(s, st, key)
		for StatusOf(err) == WarnPremature {
			time.Sleep(100 * time.Microsecond)
			err = increment(s, st, key)
		}
		if err != nil {
			abortIfActive(s)
			continue
		}
		err = s.Commit()
		for status := StatusOf(err); status == WarnPremature || status == WarnWaitingForOtherTx; status = StatusOf(err) {
			time.Sleep(100 * time.Microsecond)
			err = s.Commit()
		}
		if err != nil {
			abortIfActive(s)
			continue
		}
		done++
		commits.Inc()
	}
}

func TestConcurrentMixedWorkload(t *testing.T) {
	e := newTestEngine(t)
	st := newStorage(t, e)
	st2 := newStorage(t, e)
	put(t, e, st, "c", "0")
	put(t, e, st2, "l", "0")
	e.AdvanceEpoch()
	e.AdvanceEpoch()

	const (
		shortWorkers = 8
		shortEach    = 50
		longWorkers  = 2
		longEach     = 10
	)
	var (
		shortCommits, longCommits atomic.Int64
		workers                   sync.WaitGroup
		advancer                  sync.WaitGroup
	)
	done := make(chan struct{})
	advancer.Add(1)
	go func() {
		defer advancer.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			e.AdvanceEpoch()
			e.CollectGarbage()
			time.Sleep(200 * time.Microsecond)
		}
	}()

	for i := 0; i < shortWorkers; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			shortIncrements(t, e, st, shortEach, &shortCommits)
		}()
	}
	for i := 0; i < longWorkers; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			longIncrements(t, e, st2, longEach, &longCommits)
		}()
	}
	workers.Wait()
	close(done)
	advancer.Wait()

	assert.Equal(t, int64(shortWorkers*shortEach), shortCommits.Load())
	assert.Equal(t, int64(longWorkers*longEach), longCommits.Load())
	c, err := get(t, e, st, "c")
	require.Nil(t, err)
	assert.Equal(t, strconv.Itoa(shortWorkers*shortEach), c)
	l, err := get(t, e, st2, "l")
	require.Nil(t, err)
	assert.Equal(t, strconv.Itoa(longWorkers*longEach), l)
	assert.Equal(t, 0, e.ongoing.Len())
	assert.Empty(t, e.wp.Claims(st2))
}
