package durability

import (
	"encoding/binary"
	"fmt"
	"path/filepath"

	"github.com/pingcap-incubator/epochkv/kv/transaction/mvcc"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

const boltLogFileName = "epochkv.log"

var (
	recordBucketName = []byte("records")
	metaBucketName   = []byte("meta")
	durableKey       = []byte("durable-epoch")
)

type boltSink struct {
	db *bbolt.DB
	// durable is the epoch recorded with the last persisted batch.
	durable func() uint64
}

// BoltLog persists log records in a bbolt file, one bolt transaction per flush.
type BoltLog struct {
	*Log
	sink *boltSink
}

// OpenBoltLog opens or creates the log file in dir. The durable epoch recorded by the previous process is
// restored.
func OpenBoltLog(dir string, syncWrites bool) (*BoltLog, error) {
	opts := *bbolt.DefaultOptions
	opts.NoSync = !syncWrites
	db, err := bbolt.Open(filepath.Join(dir, boltLogFileName), 0644, &opts)
	if err != nil {
		return nil, errors.Annotatef(err, "open log in %s", dir)
	}
	var durable uint64
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(recordBucketName); err != nil {
			return err
		}
		meta, err := tx.CreateBucketIfNotExists(metaBucketName)
		if err != nil {
			return err
		}
		if v := meta.Get(durableKey); len(v) == 8 {
			durable = binary.BigEndian.Uint64(v)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, errors.Trace(err)
	}
	s := &boltSink{db: db}
	l := newLog(s)
	l.durable.Store(durable)
	s.durable = l.DurableEpoch
	log.Info("durability log opened", zap.String("path", db.Path()), zap.Uint64("durable-epoch", durable))
	return &BoltLog{Log: l, sink: s}, nil
}

// recordKey orders records by commit version, then by arrival.
func recordKey(v WriteVersion, seq uint64) []byte {
	key := make([]byte, 20)
	binary.BigEndian.PutUint64(key, v.Epoch)
	binary.BigEndian.PutUint32(key[8:], v.Order)
	binary.BigEndian.PutUint64(key[12:], seq)
	return key
}

func encodeRecord(r LogRecord) []byte {
	buf := make([]byte, 0, 8+1+2*binary.MaxVarintLen64+len(r.Key)+len(r.Value))
	buf = binary.BigEndian.AppendUint64(buf, uint64(r.Storage))
	buf = append(buf, byte(r.Op))
	buf = binary.AppendUvarint(buf, uint64(len(r.Key)))
	buf = append(buf, r.Key...)
	return append(buf, r.Value...)
}

func decodeRecord(key, value []byte) (LogRecord, error) {
	if len(key) != 20 || len(value) < 10 {
		return LogRecord{}, fmt.Errorf("durability: corrupted record, key length %d value length %d", len(key), len(value))
	}
	r := LogRecord{
		Version: WriteVersion{Epoch: binary.BigEndian.Uint64(key), Order: binary.BigEndian.Uint32(key[8:])},
		Storage: mvcc.Storage(binary.BigEndian.Uint64(value)),
		Op:      Op(value[8]),
	}
	keyLen, n := binary.Uvarint(value[9:])
	if n <= 0 || uint64(len(value)-9-n) < keyLen {
		return LogRecord{}, fmt.Errorf("durability: corrupted record key length")
	}
	rest := value[9+n:]
	r.Key = append([]byte(nil), rest[:keyLen]...)
	if r.Op != OpDelete {
		r.Value = append([]byte{}, rest[keyLen:]...)
	}
	return r, nil
}

func (b *boltSink) persist(records []LogRecord) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(recordBucketName)
		for _, r := range records {
			seq, err := bucket.NextSequence()
			if err != nil {
				return err
			}
			if err := bucket.Put(recordKey(r.Version, seq), encodeRecord(r)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *boltSink) close() error {
	err := b.db.Update(func(tx *bbolt.Tx) error {
		v := make([]byte, 8)
		binary.BigEndian.PutUint64(v, b.durable())
		return tx.Bucket(metaBucketName).Put(durableKey, v)
	})
	if cerr := b.db.Close(); err == nil {
		err = cerr
	}
	return err
}

// Replay calls fn for every persisted record in commit order, stopping at the first error.
func (b *BoltLog) Replay(fn func(LogRecord) error) error {
	return b.sink.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(recordBucketName).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			r, err := decodeRecord(k, v)
			if err != nil {
				return err
			}
			if err := fn(r); err != nil {
				return err
			}
		}
		return nil
	})
}
