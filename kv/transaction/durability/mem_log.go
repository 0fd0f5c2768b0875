package durability

import "sync"

type memSink struct {
	mu      sync.Mutex
	records []LogRecord
}

func (m *memSink) persist(records []LogRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, records...)
	return nil
}

func (m *memSink) close() error { return nil }

// MemLog keeps persisted records in memory. It is used by tests and by engines that do not need a log file.
type MemLog struct {
	*Log
	sink *memSink
}

func NewMemLog() *MemLog {
	s := &memSink{}
	return &MemLog{Log: newLog(s), sink: s}
}

// Records returns a copy of everything flushed so far, in flush order.
func (m *MemLog) Records() []LogRecord {
	m.sink.mu.Lock()
	defer m.sink.mu.Unlock()
	return append([]LogRecord(nil), m.sink.records...)
}
