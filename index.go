package clockdb

import (
	"bytes"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/andreyvit/clockdb/blocks"
	"github.com/andreyvit/clockdb/mclock"
	"github.com/andreyvit/clockdb/prolly"
)

type (
	// EmitFunc records one (key, value) emission for the current document.
	EmitFunc func(key, value any)

	// MapFunc derives zero or more emissions from a document. It must be
	// pure: same document, same emissions.
	MapFunc func(doc Document, emit EmitFunc)

	// IndexEvent is delivered to index observers after every update that
	// changed the index, so dependent consumers know to re-query.
	IndexEvent struct {
		Name  string
		Clock mclock.Clock
	}
)

// Index is a named, incrementally maintained projection of the document log.
// It owns two persistent trees: the key-index (composite sort key -> emitted
// value) answering ordered queries, and the id-index (doc id -> last emitted
// composite keys) locating stale entries for removal.
type Index struct {
	store *DocStore
	name  string
	code  string

	mu     sync.Mutex
	fn     MapFunc
	dbHead mclock.Clock
	byID   blocks.CID
	byKey  blocks.CID

	runMu sync.Mutex
	run   *updateRun

	subsMu sync.Mutex
	subs   []*indexObserver
}

type indexObserver struct {
	fn func(IndexEvent)
}

type updateRun struct {
	done chan struct{}
	err  error
}

// Persisted index descriptor; see the package docs for the layout contract.
type indexDescriptor struct {
	Name  string `msgpack:"name"`
	Code  string `msgpack:"code"`
	Clock struct {
		DB    []byte `msgpack:"db"`
		ByID  []byte `msgpack:"byId"`
		ByKey []byte `msgpack:"byKey"`
	} `msgpack:"clock"`
}

func deriveIndexName(code string) string {
	return fmt.Sprintf("idx-%016x", xxhash.Sum64String(code))
}

// Index returns the index bound to the given map-function source text,
// creating or rehydrating it as needed. The name is derived from the source
// text. Pass a nil fn to rehydrate an index whose function will be attached
// later with AttachMap.
func (s *DocStore) Index(code string, fn MapFunc) *Index {
	return s.NamedIndex("", code, fn)
}

// NamedIndex is Index with an explicit name.
//
// Indexes are deduplicated per store by source text: if an index with the
// same source already exists, the instance holding a live map function wins
// and absorbs the other's persisted clock and root references.
func (s *DocStore) NamedIndex(name, code string, fn MapFunc) *Index {
	if name == "" {
		name = deriveIndexName(code)
	}
	ix, _ := s.indexes.LoadOrCompute(code, func() *Index {
		ix := &Index{store: s, name: name, code: code}
		ix.loadDescriptor()
		return ix
	})
	if fn != nil {
		ensure(ix.AttachMap(code, fn))
	}
	return ix
}

// DropIndex removes an index from the registry and deletes its persisted
// descriptor. Its tree blocks remain in storage (history is never erased).
func (s *DocStore) DropIndex(ix *Index) error {
	s.indexes.Delete(ix.code)
	s.txMu.Lock()
	defer s.txMu.Unlock()
	tx := newTx(s.blox)
	tx.PutMeta(ix.metaKey(), nil)
	return tx.commit()
}

func (ix *Index) Name() string { return ix.name }
func (ix *Index) Code() string { return ix.code }

// Head returns the document-store clock the index was last built from.
func (ix *Index) Head() mclock.Clock {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.dbHead.Clone()
}

// Roots returns the current id-index and key-index root CIDs.
func (ix *Index) Roots() (byID, byKey blocks.CID) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.byID, ix.byKey
}

// AttachMap promotes a rehydrated index to a live one. The supplied source
// text must equal the stored one; attaching a different function is a
// different index.
func (ix *Index) AttachMap(code string, fn MapFunc) error {
	if code != ix.code {
		return fmt.Errorf("clockdb: index %q: map function source mismatch:\nstored: %s\nsupplied: %s", ix.name, ix.code, code)
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.fn == nil {
		ix.fn = fn
	}
	return nil
}

func (ix *Index) metaKey() string {
	return "index:" + ix.name
}

func (ix *Index) loadDescriptor() {
	data, err := ix.store.blox.GetMeta(ix.metaKey())
	if err != nil || data == nil {
		return
	}
	var desc indexDescriptor
	if err := msgpack.Unmarshal(data, &desc); err != nil {
		ix.store.log.Warn("ignoring corrupt index descriptor", "index", ix.name, "err", err)
		return
	}
	if desc.Code != ix.code {
		ix.store.log.Warn("index name collision, ignoring persisted state", "index", ix.name)
		return
	}
	head, err := mclock.DecodeClock(desc.Clock.DB)
	if err != nil {
		ix.store.log.Warn("ignoring corrupt index descriptor", "index", ix.name, "err", err)
		return
	}
	ix.dbHead = head
	if len(desc.Clock.ByID) > 0 {
		ix.byID = must(blocks.CIDFromBytes(desc.Clock.ByID))
	}
	if len(desc.Clock.ByKey) > 0 {
		ix.byKey = must(blocks.CIDFromBytes(desc.Clock.ByKey))
	}
}

func (ix *Index) encodeDescriptor(head mclock.Clock, byID, byKey blocks.CID) []byte {
	var desc indexDescriptor
	desc.Name = ix.name
	desc.Code = ix.code
	desc.Clock.DB = head.Encode()
	if !byID.IsZero() {
		desc.Clock.ByID = byID.Bytes()
	}
	if !byKey.IsZero() {
		desc.Clock.ByKey = byKey.Bytes()
	}
	return must(msgpack.Marshal(&desc))
}

// Update brings the index up to date with the document store. It runs at
// most once concurrently per index: a caller arriving while an update is in
// flight waits for it and receives the same outcome.
func (ix *Index) Update() error {
	ix.runMu.Lock()
	if r := ix.run; r != nil {
		ix.runMu.Unlock()
		<-r.done
		return r.err
	}
	r := &updateRun{done: make(chan struct{})}
	ix.run = r
	ix.runMu.Unlock()

	r.err = ix.update()

	ix.runMu.Lock()
	ix.run = nil
	ix.runMu.Unlock()
	close(r.done)
	return r.err
}

// emission is one map-function output row awaiting encoding order.
type emission struct {
	docID string
	ck    []byte
	value []byte
}

func (ix *Index) update() error {
	start := time.Now()

	ix.mu.Lock()
	head := ix.dbHead.Clone()
	fn := ix.fn
	byIDRoot, byKeyRoot := ix.byID, ix.byKey
	ix.mu.Unlock()

	changes, err := ix.store.ChangesSince(head)
	if err != nil {
		return err
	}
	if len(changes.Rows) == 0 {
		ix.mu.Lock()
		ix.dbHead = changes.Clock
		ix.mu.Unlock()
		return nil
	}

	firstBuild := len(head) == 0
	var newIDRoot, newKeyRoot blocks.CID

	commitErr := func() error {
		ix.store.txMu.Lock()
		defer ix.store.txMu.Unlock()

		tx := newTx(ix.store.blox)
		cfg := prolly.Config{Get: tx.GetBlock}
		idTree := prolly.Load(cfg, byIDRoot)
		keyTree := prolly.Load(cfg, byKeyRoot)

		var keyMuts, idMuts []prolly.Entry

		// Remove every composite key previously emitted for the changed
		// documents (a document may have emitted several).
		if !firstBuild {
			for _, row := range changes.Rows {
				res, err := idTree.Get([]byte(row.ID))
				if err != nil {
					return err
				}
				if len(res.Entries) == 0 {
					continue
				}
				var prev [][]byte
				if err := msgpack.Unmarshal(res.Entries[0].Value, &prev); err != nil {
					return dataErrf(res.Entries[0].Value, 0, err, "decoding id-index entry for %q", row.ID)
				}
				for _, pk := range prev {
					keyMuts = append(keyMuts, prolly.Entry{Key: pk, Del: true})
				}
				idMuts = append(idMuts, prolly.Entry{Key: []byte(row.ID), Del: true})
			}
		}

		if fn == nil {
			return &MissingMapFnError{Name: ix.name, Code: ix.code}
		}

		var emissions []emission
		var emitErr error
		for _, row := range changes.Rows {
			if row.Deleted {
				continue
			}
			doc := Document{ID: row.ID, Data: row.Value}
			fn(doc, func(k, v any) {
				if emitErr != nil {
					return
				}
				ck, err := encodeComposite(k, doc.ID)
				if err != nil {
					emitErr = err
					return
				}
				val, err := msgpack.Marshal(v)
				if err != nil {
					emitErr = fmt.Errorf("clockdb: index %q: encoding emitted value: %w", ix.name, err)
					return
				}
				emissions = append(emissions, emission{docID: doc.ID, ck: ck, value: val})
			})
			if emitErr != nil {
				return emitErr
			}
		}

		// Deterministic batch order: the composite encoding already realizes
		// emitted-key order with a doc id tie-break, and unlike CompareKeys
		// it is total (a NaN key is a legal emission).
		slices.SortStableFunc(emissions, func(a, b emission) int {
			return bytes.Compare(a.ck, b.ck)
		})

		perDoc := make(map[string][][]byte)
		for _, em := range emissions {
			keyMuts = append(keyMuts, prolly.Entry{Key: em.ck, Value: em.value})
			perDoc[em.docID] = append(perDoc[em.docID], em.ck)
		}
		for id, cks := range perDoc {
			idMuts = append(idMuts, prolly.Entry{Key: []byte(id), Value: must(msgpack.Marshal(cks))})
		}

		// One batched mutation per structure.
		var keyBlks, idBlks []blocks.Block
		newKeyRoot, keyBlks, err = keyTree.Bulk(keyMuts)
		if err != nil {
			return err
		}
		newIDRoot, idBlks, err = idTree.Bulk(idMuts)
		if err != nil {
			return err
		}
		for _, b := range keyBlks {
			tx.PutBlock(b)
		}
		for _, b := range idBlks {
			tx.PutBlock(b)
		}

		tx.PutMeta(ix.metaKey(), ix.encodeDescriptor(changes.Clock, newIDRoot, newKeyRoot))
		return tx.commit()
	}()
	if commitErr != nil {
		IndexUpdateCount.WithLabelValues(ix.name, "error").Inc()
		return commitErr
	}

	ix.mu.Lock()
	ix.dbHead = changes.Clock
	ix.byID = newIDRoot
	ix.byKey = newKeyRoot
	ix.mu.Unlock()

	IndexUpdateCount.WithLabelValues(ix.name, "success").Inc()
	IndexUpdateDuration.WithLabelValues(ix.name).Observe(time.Since(start).Seconds())
	ix.store.log.Debug("index updated", "index", ix.name, "rows", len(changes.Rows))

	ix.notify(IndexEvent{Name: ix.name, Clock: changes.Clock})
	return nil
}

// Subscribe registers an observer of index changes. The returned func
// unregisters it.
func (ix *Index) Subscribe(fn func(IndexEvent)) func() {
	h := &indexObserver{fn: fn}
	ix.subsMu.Lock()
	ix.subs = append(ix.subs, h)
	ix.subsMu.Unlock()
	return func() {
		ix.subsMu.Lock()
		defer ix.subsMu.Unlock()
		for i, o := range ix.subs {
			if o == h {
				ix.subs = slices.Delete(ix.subs, i, i+1)
				return
			}
		}
	}
}

func (ix *Index) notify(ev IndexEvent) {
	ix.subsMu.Lock()
	subs := slices.Clone(ix.subs)
	ix.subsMu.Unlock()
	for _, o := range subs {
		o.fn(ev)
	}
}
