/*
Package clockdb implements an embeddable document database whose documents
form an append-only, content-addressed event log referenced by a merkle clock.

We implement:

1. A document store with put/get/delete, change feeds and snapshots, where
every change is an immutable event block and the current state is a clock
(the frontier of event CIDs).

2. Incremental secondary indexes derived from user map functions, backed by
persistent chunked ordered trees, with ordered range/key/scan queries and
inclusion proofs.

3. A transactional block committer that makes a mutation's blocks and root
pointers durable together, or not at all.

4. Pluggable content-addressed block storage (Bolt, Pebble, in-memory, with
an optional LRU read cache).

# Technical Details

**Blocks and clocks.**
Blocks are immutable and named by the xxhash of their bytes. The document log
is a DAG of event blocks, each naming its parents; the store's clock is the
frontier of that DAG and advances on every commit. Deletions append tombstone
events; history is never erased.

**Indexes.**
Each index owns two trees committed atomically with its bookkeeping: the
key-index maps a composite key [order-preserving encoding of the emitted key,
doc id] to the emitted value and answers ordered queries; the id-index maps a
doc id to the composite keys it last emitted, which is how stale entries are
found and removed when a document changes. An index records the store clock
it was last built from and catches up incrementally by replaying the diff.

**Key encoding.**
Emitted keys (nil, booleans, numbers, strings, sequences) are encoded into
byte strings whose lexicographic order matches the logical order across
types; see keyenc.go for the format.

**Index descriptors.**
Index metadata persists as msgpack {name, code, clock{db, byId, byKey}} where
code is the map function's source text. A rehydrated index carries the code
only; attach the live function (validated against the stored text) before
updating.
*/
package clockdb
