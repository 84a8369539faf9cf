package clockdb

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/andreyvit/clockdb/blocks"
	"github.com/andreyvit/clockdb/mclock"
)

// Backend selects the block storage backend.
type Backend int

const (
	BackendBolt Backend = iota
	BackendMemory
	BackendPebble
)

// ValidateFunc inspects a pending change before any block is written.
// newDoc carries a nil Data map (a tombstone) for deletions; oldDoc is nil
// when the document does not exist yet. Returning an error rejects the
// change.
type ValidateFunc func(newDoc Document, oldDoc *Document, auth any) error

type Options struct {
	Logger   Logger
	Backend  Backend
	Validate ValidateFunc

	// Auth is an opaque value passed to the validation hook.
	Auth any

	// BlockCacheSize enables a read-through LRU over block reads.
	BlockCacheSize int

	// IsTesting relaxes durability (no fsync) for fast tests.
	IsTesting bool
}

// DocStore owns the current clock of an append-only, content-addressed
// document log and resolves document state against it.
type DocStore struct {
	blox     blocks.Store
	ownsBlox bool
	log      Logger
	validate ValidateFunc
	auth     any
	readonly bool
	closed   atomic.Bool

	// txMu serializes committer units; notifyMu serializes observer
	// notification. txMu is always acquired first, and notifyMu is taken
	// before txMu is released, so notifications fire in commit order while
	// a slow observer only delays the next notification, not the next
	// commit's block write.
	txMu     sync.Mutex
	notifyMu sync.Mutex

	clockMu sync.RWMutex
	clock   mclock.Clock

	obsMu     sync.Mutex
	observers []*observer

	indexes *xsync.MapOf[string, *Index]
}

type observer struct {
	fn func(ChangeEvent)
}

const metaHead = "head"

// Open opens a document store at path using the selected backend
// (BackendMemory ignores path).
func Open(path string, opt Options) (*DocStore, error) {
	var blox blocks.Store
	var err error
	switch opt.Backend {
	case BackendMemory:
		blox = blocks.NewMemStore()
	case BackendPebble:
		blox, err = blocks.OpenPebble(path, blocks.PebbleOptions{NoSync: opt.IsTesting})
	default:
		blox, err = blocks.OpenBolt(path, blocks.BoltOptions{NoSync: opt.IsTesting})
	}
	if err != nil {
		return nil, fmt.Errorf("clockdb: %w", err)
	}
	s, err := OpenStore(blox, opt)
	if err != nil {
		blox.Close()
		return nil, err
	}
	s.ownsBlox = true
	return s, nil
}

// OpenStore opens a document store over an existing block store, for custom
// backends. The caller retains ownership of blox.
func OpenStore(blox blocks.Store, opt Options) (*DocStore, error) {
	if opt.BlockCacheSize > 0 {
		blox = blocks.Cached(blox, opt.BlockCacheSize)
	}
	log := opt.Logger
	if log == nil {
		log = NewDefaultLogger(slog.LevelWarn)
	}

	headData, err := blox.GetMeta(metaHead)
	if err != nil {
		return nil, fmt.Errorf("clockdb: reading head: %w", err)
	}
	clk, err := mclock.DecodeClock(headData)
	if err != nil {
		return nil, fmt.Errorf("clockdb: %w", err)
	}

	s := &DocStore{
		blox:     blox,
		log:      log,
		validate: opt.Validate,
		auth:     opt.Auth,
		clock:    clk,
		indexes:  xsync.NewMapOf[string, *Index](),
	}
	s.log.Debug("store open", "clock", clk.String())
	return s, nil
}

// Close closes the store and, if it was opened via Open, its backend.
func (s *DocStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	if s.ownsBlox {
		return s.blox.Close()
	}
	return nil
}

// Clock returns the store's current clock.
func (s *DocStore) Clock() mclock.Clock {
	s.clockMu.RLock()
	defer s.clockMu.RUnlock()
	return s.clock.Clone()
}

func (s *DocStore) setClock(clk mclock.Clock) {
	s.clockMu.Lock()
	s.clock = clk
	s.clockMu.Unlock()
}

func (s *DocStore) checkWritable() error {
	if s.closed.Load() {
		return ErrClosed
	}
	if s.readonly {
		return ErrReadOnly
	}
	return nil
}

// Put appends a change event for doc and adopts the resulting clock.
// A missing id is generated. The validation hook, if set, runs against the
// previous document state and can abort the put before any block is written.
func (s *DocStore) Put(doc Document) (PutResult, error) {
	if err := s.checkWritable(); err != nil {
		return PutResult{}, err
	}
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if doc.Data == nil {
		doc.Data = map[string]any{}
	}
	if err := s.runValidation(doc); err != nil {
		return PutResult{}, err
	}
	value, err := encodeDocValue(doc.Data)
	if err != nil {
		return PutResult{}, err
	}
	row := ChangeRow{ID: doc.ID, Value: doc.Data}
	clk, err := s.commitEvent(doc.ID, value, false, row)
	if err != nil {
		return PutResult{}, err
	}
	return PutResult{ID: doc.ID, Clock: clk}, nil
}

// Del appends a tombstone event for id. The document becomes unreachable via
// Get, but its history remains in the log.
func (s *DocStore) Del(id string) (PutResult, error) {
	if err := s.checkWritable(); err != nil {
		return PutResult{}, err
	}
	if err := s.runValidation(Document{ID: id}); err != nil {
		return PutResult{}, err
	}
	row := ChangeRow{ID: id, Deleted: true}
	clk, err := s.commitEvent(id, nil, true, row)
	if err != nil {
		return PutResult{}, err
	}
	return PutResult{ID: id, Clock: clk}, nil
}

func (s *DocStore) runValidation(newDoc Document) error {
	if s.validate == nil {
		return nil
	}
	var oldDoc *Document
	if old, err := s.Get(newDoc.ID); err == nil {
		oldDoc = &old
	}
	if err := s.validate(newDoc, oldDoc, s.auth); err != nil {
		return &ValidationError{ID: newDoc.ID, Err: err}
	}
	return nil
}

func (s *DocStore) commitEvent(key string, value []byte, del bool, row ChangeRow) (mclock.Clock, error) {
	op := OpPut
	if del {
		op = OpDelete
	}
	start := time.Now()

	s.txMu.Lock()
	cur := s.Clock()
	tx := newTx(s.blox)
	newClk, cid, err := mclock.Put(tx, tx, cur, key, value, del)
	if err != nil || len(newClk) == 0 {
		s.txMu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrCommitFailed, err)
	}
	tx.PutMeta(metaHead, newClk.Encode())
	if err := tx.commit(); err != nil {
		s.txMu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrCommitFailed, err)
	}
	s.setClock(newClk)

	s.notifyMu.Lock()
	s.txMu.Unlock()
	defer s.notifyMu.Unlock()

	CommitCount.WithLabelValues(op.String()).Inc()
	CommitDuration.Observe(time.Since(start).Seconds())
	s.log.Debug("commit", "op", op.String(), "id", key, "event", cid.String())

	s.notifyLocked(ChangeEvent{Clock: newClk, Rows: []ChangeRow{row}})
	return newClk, nil
}

// Get resolves the latest value for id against the current clock. Deleted
// and never-written documents fail with ErrNotFound.
func (s *DocStore) Get(id string) (Document, error) {
	if s.closed.Load() {
		return Document{}, ErrClosed
	}
	clk := s.Clock()
	value, found, err := mclock.Get(s.blox, clk, id)
	if err != nil {
		return Document{}, fmt.Errorf("clockdb: %w", err)
	}
	if !found {
		return Document{}, fmt.Errorf("%q: %w", id, ErrNotFound)
	}
	data, err := decodeDocValue(value)
	if err != nil {
		return Document{}, err
	}
	return Document{ID: id, Data: data}, nil
}

// ChangesSince returns one row per document changed since the given clock,
// keeping only the most recent outcome per id. A nil clock returns a full
// snapshot of every live document.
func (s *DocStore) ChangesSince(since mclock.Clock) (Changes, error) {
	if s.closed.Load() {
		return Changes{}, ErrClosed
	}
	clk := s.Clock()

	if len(since) == 0 {
		kvs, err := mclock.GetAll(s.blox, clk)
		if err != nil {
			return Changes{}, fmt.Errorf("clockdb: %w", err)
		}
		rows := make([]ChangeRow, 0, len(kvs))
		for _, kv := range kvs {
			data, err := decodeDocValue(kv.Value)
			if err != nil {
				return Changes{}, err
			}
			rows = append(rows, ChangeRow{ID: kv.Key, Value: data})
		}
		return Changes{Rows: rows, Clock: clk}, nil
	}

	evs, err := mclock.EventsSince(s.blox, clk, since)
	if err != nil {
		return Changes{}, fmt.Errorf("clockdb: %w", err)
	}
	// The walk yields newest first; keep the first outcome per id.
	seen := make(map[string]bool, len(evs))
	rows := make([]ChangeRow, 0, len(evs))
	for _, ev := range evs {
		if seen[ev.Key] {
			continue
		}
		seen[ev.Key] = true
		row := ChangeRow{ID: ev.Key, Deleted: ev.Del}
		if !ev.Del {
			data, err := decodeDocValue(ev.Value)
			if err != nil {
				return Changes{}, err
			}
			row.Value = data
		}
		rows = append(rows, row)
	}
	return Changes{Rows: rows, Clock: clk}, nil
}

// Snapshot returns a read-only store sharing the same block storage, pinned
// to clk (or the current clock when nil). Later clock movement of the parent
// does not affect the snapshot.
func (s *DocStore) Snapshot(clk mclock.Clock) *DocStore {
	if clk == nil {
		clk = s.Clock()
	}
	return &DocStore{
		blox:     s.blox,
		log:      s.log,
		clock:    clk.Clone(),
		readonly: true,
		indexes:  xsync.NewMapOf[string, *Index](),
	}
}

// SetClock replaces the current clock directly (external sync) and notifies
// observers with a reset marker.
func (s *DocStore) SetClock(clk mclock.Clock) error {
	if err := s.checkWritable(); err != nil {
		return err
	}
	s.txMu.Lock()
	tx := newTx(s.blox)
	tx.PutMeta(metaHead, clk.Encode())
	if err := tx.commit(); err != nil {
		s.txMu.Unlock()
		return fmt.Errorf("%w: %v", ErrCommitFailed, err)
	}
	s.setClock(clk.Clone())

	s.notifyMu.Lock()
	s.txMu.Unlock()
	defer s.notifyMu.Unlock()

	s.log.Debug("clock reset", "clock", clk.String())
	s.notifyLocked(ChangeEvent{Clock: clk.Clone(), Reset: true})
	return nil
}

// Subscribe registers an observer called after every successful commit, in
// registration order. The returned func unregisters it; unregistering during
// notification is safe.
func (s *DocStore) Subscribe(fn func(ChangeEvent)) func() {
	h := &observer{fn: fn}
	s.obsMu.Lock()
	s.observers = append(s.observers, h)
	s.obsMu.Unlock()
	return func() {
		s.obsMu.Lock()
		defer s.obsMu.Unlock()
		for i, o := range s.observers {
			if o == h {
				s.observers = slices.Delete(s.observers, i, i+1)
				return
			}
		}
	}
}

// notifyLocked runs observers over a snapshot of the registration list.
// Caller holds notifyMu.
func (s *DocStore) notifyLocked(ev ChangeEvent) {
	s.obsMu.Lock()
	obs := slices.Clone(s.observers)
	s.obsMu.Unlock()
	for _, o := range obs {
		o.fn(ev)
	}
}
