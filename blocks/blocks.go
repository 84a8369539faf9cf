// Package blocks implements content-addressed block storage.
//
// A block is an immutable byte unit named by a CID derived from its content
// hash. Stores never mutate blocks; a commit adds a batch of blocks together
// with updates to a small mutable meta namespace (root pointers), atomically.
package blocks

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

var (
	// ErrNotFound is returned when a block is absent from the store.
	ErrNotFound = errors.New("blocks: block not found")
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("blocks: store closed")
)

// CID is a content identifier: the xxhash of the block's bytes.
type CID [8]byte

// NewCID computes the content identifier of the given bytes.
func NewCID(data []byte) CID {
	var c CID
	sum := xxhash.Sum64(data)
	c[0] = byte(sum >> 56)
	c[1] = byte(sum >> 48)
	c[2] = byte(sum >> 40)
	c[3] = byte(sum >> 32)
	c[4] = byte(sum >> 24)
	c[5] = byte(sum >> 16)
	c[6] = byte(sum >> 8)
	c[7] = byte(sum)
	return c
}

// CIDFromBytes rebuilds a CID from its binary form.
func CIDFromBytes(b []byte) (CID, error) {
	var c CID
	if len(b) != len(c) {
		return c, fmt.Errorf("blocks: invalid CID length %d", len(b))
	}
	copy(c[:], b)
	return c, nil
}

func (c CID) IsZero() bool {
	return c == CID{}
}

func (c CID) Bytes() []byte {
	return c[:]
}

func (c CID) String() string {
	return hex.EncodeToString(c[:])
}

// Block is an immutable content-addressed byte unit.
type Block struct {
	CID  CID
	Data []byte
}

// New wraps data into a Block, deriving its CID.
func New(data []byte) Block {
	return Block{CID: NewCID(data), Data: data}
}

// Getter reads committed or staged blocks.
type Getter interface {
	// GetBlock returns the bytes of a block, or ErrNotFound.
	GetBlock(cid CID) ([]byte, error)
}

// Store is a block storage backend (Bolt, in-memory, Pebble).
type Store interface {
	Getter

	// GetMeta returns a mutable meta value, or nil if not set.
	GetMeta(key string) ([]byte, error)

	// Commit durably adds a batch of blocks and meta updates as one atomic
	// unit. A nil meta value deletes the key.
	Commit(blks []Block, meta map[string][]byte) error

	// BlockCount returns the number of stored blocks (best effort).
	BlockCount() int

	// Size returns the backend size in bytes (0 if unknown).
	Size() int64

	// Close closes the backend.
	Close() error
}
