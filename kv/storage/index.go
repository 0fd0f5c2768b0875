package storage

import (
	"fmt"

	"github.com/pingcap-incubator/epochkv/kv/transaction/mvcc"
	"github.com/pingcap-incubator/epochkv/kv/util/keyrange"
	"github.com/pingcap/errors"
)

var ErrStorageNotFound = errors.New("index: storage not found")

// NodeID names one index node: the unit whose structural changes invalidate range reads.
type NodeID struct {
	Storage mvcc.Storage
	Bucket  byte
}

// NodeStamp is the version of a node observed by a reader. Any insert or delete under the node moves one of
// the counters, so a reader holding an older stamp knows the set of keys under the node may have changed.
type NodeStamp struct {
	Node        NodeID
	InsertCount uint64
	DeleteCount uint64
}

func (s NodeStamp) String() string {
	return fmt.Sprintf("node{storage:%d bucket:%d ins:%d del:%d}", s.Node.Storage, s.Node.Bucket, s.InsertCount, s.DeleteCount)
}

// StampChange reports the stamp of a node before and after a structural change made by the caller.
type StampChange struct {
	Old NodeStamp
	New NodeStamp
}

// Index maps (storage, key) to records. Records are owned by the index; callers hold plain pointers and must
// check the record word for the unhooked state before trusting them.
type Index interface {
	CreateStorage() (mvcc.Storage, error)
	DeleteStorage(st mvcc.Storage) error
	ListStorage() []mvcc.Storage
	ExistStorage(st mvcc.Storage) bool

	// Get returns the record for key, or nil, with the stamp of the node key falls under.
	Get(st mvcc.Storage, key []byte) (*mvcc.Record, NodeStamp, error)
	// PutIfAbsent installs rec unless key is present. It returns the record now in the index and whether rec was
	// installed.
	PutIfAbsent(st mvcc.Storage, key []byte, rec *mvcc.Record) (*mvcc.Record, bool, StampChange, error)
	// Remove deletes key only if it still maps to rec.
	Remove(st mvcc.Storage, key []byte, rec *mvcc.Record) (StampChange, bool)
	// Scan returns up to limit records in kr in key order, or all when limit is 0, plus the stamp of every node
	// the range overlaps.
	Scan(st mvcc.Storage, kr keyrange.KeyRange, limit int) ([]*mvcc.Record, []NodeStamp, error)
	// Stamp returns the current stamp of a node.
	Stamp(node NodeID) (NodeStamp, error)
	Len(st mvcc.Storage) int
}
