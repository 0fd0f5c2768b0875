/*
Package epochkv is an in-memory multi-version key-value engine built around
epoch based concurrency control.

Code layout:

	kv/config                 engine configuration, loaded from TOML.
	kv/storage                ordered per-storage key index with node stamps for phantom checks.
	kv/transaction            Engine, Session and the short, long and read-only protocols.
	kv/transaction/epoch      the global epoch clock.
	kv/transaction/mvcc       records, version lists and the packed TidWord.
	kv/transaction/wp         write preserve claims of long transactions.
	kv/transaction/ongoing    the registry of running long transactions.
	kv/transaction/readby     read-by bookkeeping used by long commit validation.
	kv/transaction/latches    key latches serializing long commits.
	kv/transaction/gc         version and tombstone reclamation.
	kv/transaction/durability the commit log and durable epoch callbacks.
	kv/util                   key ranges and a small background worker.
	cmd/epochkv-bench         a load generator and config checker.

A client opens an Engine, creates storages, enters a Session and runs
transactions through it. Short transactions are optimistic and validate at
commit. Long transactions declare a write preserve up front, get an epoch and
an id ordering them ahead of later writers, and validate reads against the
read-by bookkeeping of other long transactions. Read-only transactions read a
stable snapshot below every in-flight writer and never abort.
*/
package epochkv
