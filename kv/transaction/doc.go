package transaction

// The transaction package implements epochkv's concurrency control. It decides which version of a record a
// transaction sees, whether a transaction may commit and, together with the gc package, when old versions can be
// reclaimed. Everything here runs in memory against records owned by the index (see kv/storage); the durability
// log only receives what committed.
//
// All timing is derived from one global epoch (see the epoch package). Every committed version carries a TidWord
// (see mvcc/tid.go) made of the epoch it was committed in and an order inside that epoch. The serial order of
// transactions is the order of these words.
//
// There are three kinds of transactions, each implemented by a type satisfying the `protocol` interface:
//
// *Short* transactions (short.go) are optimistic. Reads go straight to the newest version and remember the record
// word they saw; absent keys and scans remember the stamp of the index node they looked at. Writes are buffered,
// except that an insert puts an empty placeholder record into the index right away so that a concurrent inserter of
// the same key notices it. At commit the write set is locked in (storage, key) order, the current epoch is read,
// and every remembered word and stamp must be unchanged. The new word gets the commit epoch and an order above
// every short word of that epoch the transaction saw.
//
// *Long* transactions (long.go) declare up front the storages they will write. Begin claims those storages in the
// write preserve registry (see the wp package) and receives a priority id and a valid epoch one past the current
// one. A long transaction is serialized at (valid epoch, id): it reads the snapshot just before that position and
// its versions are inserted there, possibly below newer versions. Short transactions never touch a claimed
// storage, so nothing they do can be invalidated by a long transaction publishing into the past.
//
// A long transaction reading a storage claimed by a transaction with a smaller id has to let it finish first;
// its commit returns WarnWaitingForOtherTx until then. Its reads are then revalidated, and the read-by sets (see
// the readby package) are checked to make sure no transaction serialized after it already read a key it writes.
//
// *Read-only* transactions (read_only.go) read every version older than a snapshot epoch. The snapshot epoch is
// below every running long transaction and every short commit still publishing, so it never changes under them.
//
// The Engine (engine.go) owns the shared state and hands out Sessions (session.go). A session runs one transaction
// at a time and is used by one goroutine. Operations return nil on success and a Status otherwise. Statuses below
// ErrCC are warnings and leave the transaction running; ErrCC and the statuses after it mean the transaction was
// aborted before the call returned. Commit-time aborts come as an *AbortError carrying the check that failed.
//
// Progress of a transaction after commit, up to the point its writes are durable, can be followed through a
// TxStateHandle (tx_state.go).
