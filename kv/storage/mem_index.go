package storage

import (
	"bytes"
	"sort"
	"sync"

	"github.com/google/btree"
	"github.com/pingcap-incubator/epochkv/kv/transaction/mvcc"
	"github.com/pingcap-incubator/epochkv/kv/util/keyrange"
	"github.com/pingcap/errors"
)

const btreeDegree = 32

// MemIndex keeps one B-tree per storage in memory. A node is the group of keys sharing a leading byte.
type MemIndex struct {
	mu       sync.RWMutex
	nextID   mvcc.Storage
	storages map[mvcc.Storage]*memTree
}

func NewMemIndex() *MemIndex {
	return &MemIndex{storages: make(map[mvcc.Storage]*memTree)}
}

type nodeCounter struct {
	inserts uint64
	deletes uint64
}

type memTree struct {
	id    mvcc.Storage
	mu    sync.RWMutex
	tree  *btree.BTree
	nodes [256]nodeCounter
}

func (t *memTree) stamp(bucket byte) NodeStamp {
	c := t.nodes[bucket]
	return NodeStamp{Node: NodeID{Storage: t.id, Bucket: bucket}, InsertCount: c.inserts, DeleteCount: c.deletes}
}

func bucketOf(key []byte) byte {
	if len(key) == 0 {
		return 0
	}
	return key[0]
}

type memItem struct {
	key []byte
	rec *mvcc.Record
}

func (it memItem) Less(than btree.Item) bool {
	return bytes.Compare(it.key, than.(memItem).key) < 0
}

func (mi *MemIndex) CreateStorage() (mvcc.Storage, error) {
	mi.mu.Lock()
	defer mi.mu.Unlock()
	mi.nextID++
	id := mi.nextID
	mi.storages[id] = &memTree{id: id, tree: btree.New(btreeDegree)}
	return id, nil
}

func (mi *MemIndex) DeleteStorage(st mvcc.Storage) error {
	mi.mu.Lock()
	defer mi.mu.Unlock()
	if _, ok := mi.storages[st]; !ok {
		return errors.Annotatef(ErrStorageNotFound, "storage %d", st)
	}
	delete(mi.storages, st)
	return nil
}

func (mi *MemIndex) ListStorage() []mvcc.Storage {
	mi.mu.RLock()
	list := make([]mvcc.Storage, 0, len(mi.storages))
	for id := range mi.storages {
		list = append(list, id)
	}
	mi.mu.RUnlock()
	sort.Slice(list, func(i, j int) bool { return list[i] < list[j] })
	return list
}

func (mi *MemIndex) ExistStorage(st mvcc.Storage) bool {
	return mi.tree(st) != nil
}

func (mi *MemIndex) tree(st mvcc.Storage) *memTree {
	mi.mu.RLock()
	defer mi.mu.RUnlock()
	return mi.storages[st]
}

func (mi *MemIndex) Get(st mvcc.Storage, key []byte) (*mvcc.Record, NodeStamp, error) {
	t := mi.tree(st)
	if t == nil {
		return nil, NodeStamp{}, ErrStorageNotFound
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	stamp := t.stamp(bucketOf(key))
	item := t.tree.Get(memItem{key: key})
	if item == nil {
		return nil, stamp, nil
	}
	return item.(memItem).rec, stamp, nil
}

func (mi *MemIndex) PutIfAbsent(st mvcc.Storage, key []byte, rec *mvcc.Record) (*mvcc.Record, bool, StampChange, error) {
	t := mi.tree(st)
	if t == nil {
		return nil, false, StampChange{}, ErrStorageNotFound
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	b := bucketOf(key)
	change := StampChange{Old: t.stamp(b)}
	if item := t.tree.Get(memItem{key: key}); item != nil {
		change.New = change.Old
		return item.(memItem).rec, false, change, nil
	}
	t.tree.ReplaceOrInsert(memItem{key: key, rec: rec})
	t.nodes[b].inserts++
	change.New = t.stamp(b)
	return rec, true, change, nil
}

func (mi *MemIndex) Remove(st mvcc.Storage, key []byte, rec *mvcc.Record) (StampChange, bool) {
	t := mi.tree(st)
	if t == nil {
		return StampChange{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	b := bucketOf(key)
	change := StampChange{Old: t.stamp(b), New: t.stamp(b)}
	item := t.tree.Get(memItem{key: key})
	if item == nil || item.(memItem).rec != rec {
		return change, false
	}
	t.tree.Delete(memItem{key: key})
	t.nodes[b].deletes++
	change.New = t.stamp(b)
	return change, true
}

func (mi *MemIndex) Scan(st mvcc.Storage, kr keyrange.KeyRange, limit int) ([]*mvcc.Record, []NodeStamp, error) {
	t := mi.tree(st)
	if t == nil {
		return nil, nil, ErrStorageNotFound
	}
	t.mu.RLock()
	defer t.mu.RUnlock()

	var recs []*mvcc.Record
	if !kr.Empty() {
		iter := func(i btree.Item) bool {
			item := i.(memItem)
			if kr.BeforeLeft(item.key) {
				return true
			}
			if kr.AfterRight(item.key) {
				return false
			}
			recs = append(recs, item.rec)
			return limit <= 0 || len(recs) < limit
		}
		if kr.LeftEnd == keyrange.Inf {
			t.tree.Ascend(iter)
		} else {
			t.tree.AscendGreaterOrEqual(memItem{key: kr.Left}, iter)
		}
	}

	first, last := byte(0), byte(255)
	if kr.LeftEnd != keyrange.Inf {
		first = bucketOf(kr.Left)
	}
	if kr.RightEnd != keyrange.Inf {
		last = bucketOf(kr.Right)
	}
	var stamps []NodeStamp
	for b := int(first); b <= int(last); b++ {
		stamps = append(stamps, t.stamp(byte(b)))
	}
	return recs, stamps, nil
}

func (mi *MemIndex) Stamp(node NodeID) (NodeStamp, error) {
	t := mi.tree(node.Storage)
	if t == nil {
		return NodeStamp{}, ErrStorageNotFound
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.stamp(node.Bucket), nil
}

func (mi *MemIndex) Len(st mvcc.Storage) int {
	t := mi.tree(st)
	if t == nil {
		return 0
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.tree.Len()
}
