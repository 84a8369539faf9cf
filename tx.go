package clockdb

import (
	"slices"

	"github.com/andreyvit/clockdb/blocks"
)

// Tx is a transactional unit of work against block storage. Blocks and meta
// pointers staged during the unit become durable together in one backend
// write, or not at all; reads fall through staged blocks to the committed
// store, so the unit observes its own writes but never another unit's
// uncommitted state (writers are serialized by the store).
//
// The same committer serves document commits and index rebuilds, which lets
// index structure changes and their root bookkeeping land as one atomic unit.
type Tx struct {
	store  blocks.Store
	staged map[blocks.CID][]byte
	order  []blocks.CID
	meta   map[string][]byte
}

func newTx(store blocks.Store) *Tx {
	return &Tx{
		store:  store,
		staged: make(map[blocks.CID][]byte),
		meta:   make(map[string][]byte),
	}
}

// GetBlock implements blocks.Getter over staged-then-committed state.
func (tx *Tx) GetBlock(cid blocks.CID) ([]byte, error) {
	if data, ok := tx.staged[cid]; ok {
		return data, nil
	}
	return tx.store.GetBlock(cid)
}

// PutBlock stages a block for commit.
func (tx *Tx) PutBlock(b blocks.Block) error {
	if _, ok := tx.staged[b.CID]; ok {
		return nil
	}
	tx.staged[b.CID] = b.Data
	tx.order = append(tx.order, b.CID)
	return nil
}

// PutMeta stages a meta pointer update; nil deletes the key.
func (tx *Tx) PutMeta(key string, value []byte) {
	tx.meta[key] = slices.Clone(value)
}

// GetMeta reads a meta pointer through the staged state.
func (tx *Tx) GetMeta(key string) ([]byte, error) {
	if v, ok := tx.meta[key]; ok {
		return v, nil
	}
	return tx.store.GetMeta(key)
}

func (tx *Tx) commit() error {
	blks := make([]blocks.Block, len(tx.order))
	for i, cid := range tx.order {
		blks[i] = blocks.Block{CID: cid, Data: tx.staged[cid]}
	}
	return tx.store.Commit(blks, tx.meta)
}
