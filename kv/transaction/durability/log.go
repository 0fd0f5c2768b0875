// Package durability is the log collaborator of the transaction layer: committed writes are appended to a log
// session, and the log reports the newest epoch whose writes are guaranteed persisted.
package durability

import (
	"fmt"
	"sync"

	"github.com/pingcap-incubator/epochkv/kv/transaction/mvcc"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

type Op int

const (
	OpUpsert Op = 1
	OpDelete Op = 2
)

func (op Op) String() string {
	switch op {
	case OpUpsert:
		return "upsert"
	case OpDelete:
		return "delete"
	}
	return fmt.Sprintf("Op(%d)", int(op))
}

// WriteVersion is the timestamp a write was committed with: its epoch and its order inside the epoch.
type WriteVersion struct {
	Epoch uint64
	Order uint32
}

func VersionOf(w mvcc.TidWord) WriteVersion {
	return WriteVersion{Epoch: w.Epoch(), Order: w.Order()}
}

type LogRecord struct {
	Storage mvcc.Storage
	Key     []byte
	Value   []byte
	Op      Op
	Version WriteVersion
}

// Logger is what the transaction layer needs from a log.
type Logger interface {
	// BeginSession opens a batch. While a session is open the durable epoch does not pass the epoch it was
	// opened in, so every record appended to it is covered by a later durable epoch.
	BeginSession() *Session
	DurableEpoch() uint64
	// Flush persists every ended session and advances the durable epoch to at most upTo.
	Flush(upTo uint64) error
	Callbacks() *CallbackRegistry
	Close() error
}

// sink persists the records of ended sessions.
type sink interface {
	persist(records []LogRecord) error
	close() error
}

// Log implements Logger on top of a sink.
type Log struct {
	mu      sync.Mutex
	sink    sink
	open    map[*Session]struct{}
	pending []LogRecord
	closed  bool

	durable   atomic.Uint64
	callbacks *CallbackRegistry
}

func newLog(s sink) *Log {
	l := &Log{
		sink: s,
		open: make(map[*Session]struct{}),
	}
	l.callbacks = newCallbackRegistry(l.DurableEpoch)
	return l
}

// Session is a batch of records belonging to one committing transaction.
type Session struct {
	log     *Log
	pin     uint64
	records []LogRecord
	ended   bool
}

func (l *Log) BeginSession() *Session {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := &Session{log: l, pin: l.durable.Load() + 1}
	l.open[s] = struct{}{}
	return s
}

// Append adds one write to the session.
func (s *Session) Append(storage mvcc.Storage, key, value []byte, op Op, version WriteVersion) {
	s.records = append(s.records, LogRecord{Storage: storage, Key: key, Value: value, Op: op, Version: version})
}

func (s *Session) Len() int {
	return len(s.records)
}

// End hands the records to the log. Ending a session twice is a no-op.
func (s *Session) End() {
	l := s.log
	l.mu.Lock()
	defer l.mu.Unlock()
	if s.ended {
		return
	}
	s.ended = true
	delete(l.open, s)
	l.pending = append(l.pending, s.records...)
	s.records = nil
}

func (l *Log) DurableEpoch() uint64 {
	return l.durable.Load()
}

func (l *Log) Callbacks() *CallbackRegistry {
	return l.callbacks
}

func (l *Log) Flush(upTo uint64) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return errors.New("durability: log closed")
	}
	pending := l.pending
	l.pending = nil
	target := upTo
	for s := range l.open {
		if s.pin-1 < target {
			target = s.pin - 1
		}
	}
	if len(pending) > 0 {
		if err := l.sink.persist(pending); err != nil {
			l.pending = append(pending, l.pending...)
			l.mu.Unlock()
			return errors.Trace(err)
		}
	}
	advanced := false
	if target > l.durable.Load() {
		l.durable.Store(target)
		advanced = true
	}
	l.mu.Unlock()

	if advanced {
		l.callbacks.notify(target)
	}
	return nil
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if len(l.open) > 0 {
		log.Warn("durability log closed with open sessions", zap.Int("sessions", len(l.open)))
	}
	if len(l.pending) > 0 {
		if err := l.sink.persist(l.pending); err != nil {
			return errors.Trace(err)
		}
		l.pending = nil
	}
	return errors.Trace(l.sink.close())
}
