// Package prolly implements a persistent chunked ordered tree over
// content-addressed block storage.
//
// The tree is immutable: a bulk mutation produces a new root plus the blocks
// of every node it rewrote, and old roots remain readable as long as their
// blocks are kept. Nodes are read through an abstract getter, so the same
// tree works against a committed store or an open transaction. Every read
// operation reports the blocks it touched, which callers use as inclusion
// proofs.
package prolly

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/andreyvit/clockdb/blocks"
)

// DefaultMaxLeafEntries bounds leaf size before a bulk mutation splits it.
const DefaultMaxLeafEntries = 128

// Entry is a key-value pair, or a deletion marker when Del is set.
type Entry struct {
	Key   []byte
	Value []byte
	Del   bool
}

// Result holds the entries produced by a read operation and the CIDs of
// every block touched while producing them.
type Result struct {
	Entries []Entry
	CIDs    []blocks.CID
}

// Config configures tree access.
type Config struct {
	// Get reads a node block by CID.
	Get func(cid blocks.CID) ([]byte, error)
	// Compare orders keys; nil means bytes.Compare.
	Compare func(a, b []byte) int
	// MaxLeafEntries overrides DefaultMaxLeafEntries.
	MaxLeafEntries int
}

// Tree is a handle on one root of the persistent tree. A zero root is an
// empty tree.
type Tree struct {
	cfg  Config
	root blocks.CID
}

// Create returns an empty tree.
func Create(cfg Config) *Tree {
	return &Tree{cfg: cfg}
}

// Load returns a tree reading from the given root.
func Load(cfg Config, root blocks.CID) *Tree {
	return &Tree{cfg: cfg, root: root}
}

// Root returns the current root CID (zero when empty).
func (t *Tree) Root() blocks.CID {
	return t.root
}

func (t *Tree) cmp(a, b []byte) int {
	if t.cfg.Compare != nil {
		return t.cfg.Compare(a, b)
	}
	return bytes.Compare(a, b)
}

func (t *Tree) maxLeaf() int {
	if t.cfg.MaxLeafEntries > 0 {
		return t.cfg.MaxLeafEntries
	}
	return DefaultMaxLeafEntries
}

// node format: leaves carry entry values, branches carry child CIDs.
type node struct {
	Leaf bool     `msgpack:"l"`
	Keys [][]byte `msgpack:"k"`
	Vals [][]byte `msgpack:"v"`
}

func encodeNode(n *node) (blocks.Block, error) {
	data, err := msgpack.Marshal(n)
	if err != nil {
		return blocks.Block{}, fmt.Errorf("prolly: encoding node: %w", err)
	}
	return blocks.New(data), nil
}

func (t *Tree) load(cid blocks.CID, trace *[]blocks.CID) (*node, error) {
	data, err := t.cfg.Get(cid)
	if err != nil {
		return nil, fmt.Errorf("prolly: loading node %v: %w", cid, err)
	}
	if trace != nil {
		*trace = append(*trace, cid)
	}
	var n node
	if err := msgpack.Unmarshal(data, &n); err != nil {
		return nil, fmt.Errorf("prolly: decoding node %v: %w", cid, err)
	}
	if len(n.Keys) != len(n.Vals) {
		return nil, fmt.Errorf("prolly: corrupt node %v: %d keys, %d values", cid, len(n.Keys), len(n.Vals))
	}
	return &n, nil
}

// leafRef is a child pointer: the first key of the leaf and its CID.
// Entries are non-nil only for leaves rewritten during the current bulk.
type leafRef struct {
	firstKey []byte
	cid      blocks.CID
	entries  []Entry
	dirty    bool
}

func (t *Tree) loadLeafRefs(trace *[]blocks.CID) ([]leafRef, error) {
	if t.root.IsZero() {
		return nil, nil
	}
	n, err := t.load(t.root, trace)
	if err != nil {
		return nil, err
	}
	if n.Leaf {
		var first []byte
		if len(n.Keys) > 0 {
			first = n.Keys[0]
		}
		return []leafRef{{firstKey: first, cid: t.root}}, nil
	}
	refs := make([]leafRef, len(n.Keys))
	for i := range n.Keys {
		cid, err := blocks.CIDFromBytes(n.Vals[i])
		if err != nil {
			return nil, fmt.Errorf("prolly: corrupt branch %v: %w", t.root, err)
		}
		refs[i] = leafRef{firstKey: n.Keys[i], cid: cid}
	}
	return refs, nil
}

// childFor returns the index of the leaf that covers key.
func childFor(refs []leafRef, key []byte, cmp func(a, b []byte) int) int {
	i := sort.Search(len(refs), func(i int) bool {
		return cmp(refs[i].firstKey, key) > 0
	})
	if i == 0 {
		return 0
	}
	return i - 1
}

func (t *Tree) leafEntries(ref *leafRef, trace *[]blocks.CID) ([]Entry, error) {
	if ref.entries != nil || ref.dirty {
		return ref.entries, nil
	}
	n, err := t.load(ref.cid, trace)
	if err != nil {
		return nil, err
	}
	if !n.Leaf {
		return nil, fmt.Errorf("prolly: node %v is not a leaf", ref.cid)
	}
	entries := make([]Entry, len(n.Keys))
	for i := range n.Keys {
		entries[i] = Entry{Key: n.Keys[i], Value: n.Vals[i]}
	}
	return entries, nil
}

// Bulk applies the mutations in order (a later mutation for the same key
// wins), producing a new root and the blocks of every rewritten node. The
// tree adopts the new root. Unaffected leaves are reused as-is.
func (t *Tree) Bulk(muts []Entry) (blocks.CID, []blocks.Block, error) {
	refs, err := t.loadLeafRefs(nil)
	if err != nil {
		return blocks.CID{}, nil, err
	}

	if len(refs) == 0 {
		entries := mergeEntries(nil, muts, t.cmp)
		return t.buildFromEntries(entries)
	}

	for _, m := range muts {
		i := childFor(refs, m.Key, t.cmp)
		ref := &refs[i]
		entries, err := t.leafEntries(ref, nil)
		if err != nil {
			return blocks.CID{}, nil, err
		}
		ref.entries = applyMut(entries, m, t.cmp)
		ref.dirty = true
	}

	// Re-chunk dirty leaves and rebuild the branch.
	var out []Entry
	var keep []leafRef
	for _, ref := range refs {
		if !ref.dirty {
			if len(out) > 0 {
				keep = append(keep, leafRef{dirty: true, entries: out})
				out = nil
			}
			keep = append(keep, ref)
			continue
		}
		out = append(out, ref.entries...)
	}
	if len(out) > 0 {
		keep = append(keep, leafRef{dirty: true, entries: out})
	}
	return t.buildFromRefs(keep)
}

// applyMut merges one mutation into a sorted entry list.
func applyMut(entries []Entry, m Entry, cmp func(a, b []byte) int) []Entry {
	i := sort.Search(len(entries), func(i int) bool {
		return cmp(entries[i].Key, m.Key) >= 0
	})
	found := i < len(entries) && cmp(entries[i].Key, m.Key) == 0
	switch {
	case m.Del && found:
		return append(entries[:i:i], entries[i+1:]...)
	case m.Del:
		return entries
	case found:
		out := append(entries[:i:i], Entry{Key: m.Key, Value: m.Value})
		return append(out, entries[i+1:]...)
	default:
		out := append(entries[:i:i], Entry{Key: m.Key, Value: m.Value})
		return append(out, entries[i:]...)
	}
}

// mergeEntries builds a sorted entry list from scratch, applying muts in
// order so later mutations for a key win.
func mergeEntries(entries []Entry, muts []Entry, cmp func(a, b []byte) int) []Entry {
	for _, m := range muts {
		entries = applyMut(entries, m, cmp)
	}
	return entries
}

func (t *Tree) buildFromEntries(entries []Entry) (blocks.CID, []blocks.Block, error) {
	if len(entries) == 0 {
		t.root = blocks.CID{}
		return t.root, nil, nil
	}
	return t.buildFromRefs([]leafRef{{dirty: true, entries: entries}})
}

// buildFromRefs chunks dirty refs into leaves, writes them, and writes a
// branch root when more than one leaf remains.
func (t *Tree) buildFromRefs(refs []leafRef) (blocks.CID, []blocks.Block, error) {
	var blks []blocks.Block
	var final []leafRef
	max := t.maxLeaf()

	for _, ref := range refs {
		if !ref.dirty {
			final = append(final, ref)
			continue
		}
		entries := ref.entries
		if len(entries) == 0 {
			continue
		}
		chunks := (len(entries) + max - 1) / max
		per := (len(entries) + chunks - 1) / chunks
		for off := 0; off < len(entries); off += per {
			end := off + per
			if end > len(entries) {
				end = len(entries)
			}
			chunk := entries[off:end]
			n := &node{Leaf: true, Keys: make([][]byte, len(chunk)), Vals: make([][]byte, len(chunk))}
			for i, e := range chunk {
				n.Keys[i] = e.Key
				n.Vals[i] = e.Value
			}
			blk, err := encodeNode(n)
			if err != nil {
				return blocks.CID{}, nil, err
			}
			blks = append(blks, blk)
			final = append(final, leafRef{firstKey: chunk[0].Key, cid: blk.CID})
		}
	}

	switch len(final) {
	case 0:
		t.root = blocks.CID{}
		return t.root, nil, nil
	case 1:
		t.root = final[0].cid
		return t.root, blks, nil
	}

	branch := &node{Keys: make([][]byte, len(final)), Vals: make([][]byte, len(final))}
	for i, ref := range final {
		branch.Keys[i] = ref.firstKey
		branch.Vals[i] = ref.cid.Bytes()
	}
	blk, err := encodeNode(branch)
	if err != nil {
		return blocks.CID{}, nil, err
	}
	blks = append(blks, blk)
	t.root = blk.CID
	return t.root, blks, nil
}

// Get returns the entry with the exact key, if present.
func (t *Tree) Get(key []byte) (*Result, error) {
	res := &Result{}
	if t.root.IsZero() {
		return res, nil
	}
	refs, err := t.loadLeafRefs(&res.CIDs)
	if err != nil {
		return nil, err
	}
	ref := &refs[childFor(refs, key, t.cmp)]
	entries, err := t.leafEntries(ref, &res.CIDs)
	if err != nil {
		return nil, err
	}
	i := sort.Search(len(entries), func(i int) bool {
		return t.cmp(entries[i].Key, key) >= 0
	})
	if i < len(entries) && t.cmp(entries[i].Key, key) == 0 {
		res.Entries = append(res.Entries, entries[i])
	}
	return res, nil
}

// Range returns entries with lo <= key <= hi in ascending order.
func (t *Tree) Range(lo, hi []byte) (*Result, error) {
	res := &Result{}
	if t.root.IsZero() {
		return res, nil
	}
	refs, err := t.loadLeafRefs(&res.CIDs)
	if err != nil {
		return nil, err
	}
	first := childFor(refs, lo, t.cmp)
	for i := first; i < len(refs); i++ {
		if i > first && t.cmp(refs[i].firstKey, hi) > 0 {
			break
		}
		entries, err := t.leafEntries(&refs[i], &res.CIDs)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if t.cmp(e.Key, lo) < 0 {
				continue
			}
			if t.cmp(e.Key, hi) > 0 {
				return res, nil
			}
			res.Entries = append(res.Entries, e)
		}
	}
	return res, nil
}

// GetAllEntries returns every entry in ascending order.
func (t *Tree) GetAllEntries() (*Result, error) {
	res := &Result{}
	if t.root.IsZero() {
		return res, nil
	}
	refs, err := t.loadLeafRefs(&res.CIDs)
	if err != nil {
		return nil, err
	}
	for i := range refs {
		entries, err := t.leafEntries(&refs[i], &res.CIDs)
		if err != nil {
			return nil, err
		}
		res.Entries = append(res.Entries, entries...)
	}
	return res, nil
}
