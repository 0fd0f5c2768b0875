package transaction

import (
	"github.com/pingcap-incubator/epochkv/kv/transaction/mvcc"
	"github.com/pingcap-incubator/epochkv/kv/util/keyrange"
)

// ScanHandle names an open scan of a session. Handles are valid until the transaction ends.
type ScanHandle uint64

type scanEntry struct {
	key   []byte
	value []byte
}

type scanCursor struct {
	entries []scanEntry
	pos     int
}

// OpenScan reads the range between left and right and positions a cursor on its first entry. maxSize limits
// the number of entries, 0 falls back to the configured scan-max-size. An empty range yields WarnNotFound.
func (s *Session) OpenScan(st mvcc.Storage, left []byte, leftEnd keyrange.Endpoint, right []byte, rightEnd keyrange.Endpoint, maxSize int) (ScanHandle, error) {
	if err := s.ensureBegun(); err != nil {
		return 0, err
	}
	if maxSize < 0 {
		return 0, WarnInvalidArgs
	}
	if maxSize == 0 {
		maxSize = s.engine.conf.ScanMaxSize
	}
	kr := keyrange.KeyRange{Left: left, LeftEnd: leftEnd, Right: right, RightEnd: rightEnd}
	entries, err := s.proto.scan(st, kr, maxSize)
	if err = s.after(err); err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, WarnNotFound
	}
	s.nextScan++
	s.scans[s.nextScan] = &scanCursor{entries: entries}
	return s.nextScan, nil
}

func (s *Session) cursor(h ScanHandle) (*scanCursor, error) {
	if s.left || !s.active {
		return nil, WarnInvalidHandle
	}
	c, ok := s.scans[h]
	if !ok {
		return nil, WarnInvalidHandle
	}
	return c, nil
}

// NextScan advances the cursor. Moving past the last entry returns WarnScanLimit.
func (s *Session) NextScan(h ScanHandle) error {
	c, err := s.cursor(h)
	if err != nil {
		return err
	}
	if c.pos+1 >= len(c.entries) {
		c.pos = len(c.entries)
		return WarnScanLimit
	}
	c.pos++
	return nil
}

func (s *Session) ReadKeyFromScan(h ScanHandle) ([]byte, error) {
	c, err := s.cursor(h)
	if err != nil {
		return nil, err
	}
	if c.pos >= len(c.entries) {
		return nil, WarnScanLimit
	}
	return c.entries[c.pos].key, nil
}

func (s *Session) ReadValueFromScan(h ScanHandle) ([]byte, error) {
	c, err := s.cursor(h)
	if err != nil {
		return nil, err
	}
	if c.pos >= len(c.entries) {
		return nil, WarnScanLimit
	}
	return c.entries[c.pos].value, nil
}

func (s *Session) CloseScan(h ScanHandle) error {
	if _, err := s.cursor(h); err != nil {
		return err
	}
	delete(s.scans, h)
	return nil
}
