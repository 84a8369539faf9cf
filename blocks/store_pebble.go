package blocks

import (
	"fmt"

	"github.com/cockroachdb/pebble"
)

const (
	pebbleBlockPrefix = 'b'
	pebbleMetaPrefix  = 'm'
)

type pebbleStore struct {
	pdb   *pebble.DB
	wopts *pebble.WriteOptions
}

// PebbleOptions tunes the Pebble-backed store.
type PebbleOptions struct {
	// NoSync disables WAL sync on commit.
	NoSync bool
}

// OpenPebble opens (creating if needed) a Pebble-backed block store at dir.
func OpenPebble(dir string, opt PebbleOptions) (Store, error) {
	pdb, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("blocks: %w", err)
	}
	wopts := pebble.Sync
	if opt.NoSync {
		wopts = pebble.NoSync
	}
	return &pebbleStore{pdb: pdb, wopts: wopts}, nil
}

func pebbleBlockKey(cid CID) []byte {
	return append([]byte{pebbleBlockPrefix}, cid[:]...)
}

func pebbleMetaKey(key string) []byte {
	return append([]byte{pebbleMetaPrefix}, key...)
}

func (s *pebbleStore) GetBlock(cid CID) ([]byte, error) {
	v, closer, err := s.pdb.Get(pebbleBlockKey(cid))
	if err == pebble.ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("blocks: %w", err)
	}
	data := append([]byte(nil), v...)
	closer.Close()
	return data, nil
}

func (s *pebbleStore) GetMeta(key string) ([]byte, error) {
	v, closer, err := s.pdb.Get(pebbleMetaKey(key))
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("blocks: %w", err)
	}
	data := append([]byte(nil), v...)
	closer.Close()
	return data, nil
}

func (s *pebbleStore) Commit(blks []Block, meta map[string][]byte) error {
	batch := s.pdb.NewBatch()
	defer batch.Close()
	for _, b := range blks {
		if err := batch.Set(pebbleBlockKey(b.CID), b.Data, nil); err != nil {
			return fmt.Errorf("blocks: %w", err)
		}
	}
	for k, v := range meta {
		if v == nil {
			if err := batch.Delete(pebbleMetaKey(k), nil); err != nil {
				return fmt.Errorf("blocks: %w", err)
			}
		} else if err := batch.Set(pebbleMetaKey(k), v, nil); err != nil {
			return fmt.Errorf("blocks: %w", err)
		}
	}
	if err := batch.Commit(s.wopts); err != nil {
		return fmt.Errorf("blocks: %w", err)
	}
	return nil
}

func (s *pebbleStore) BlockCount() int {
	iter, err := s.pdb.NewIter(&pebble.IterOptions{
		LowerBound: []byte{pebbleBlockPrefix},
		UpperBound: []byte{pebbleBlockPrefix + 1},
	})
	if err != nil {
		return 0
	}
	defer iter.Close()
	var n int
	for valid := iter.First(); valid; valid = iter.Next() {
		n++
	}
	return n
}

func (s *pebbleStore) Size() int64 {
	return int64(s.pdb.Metrics().DiskSpaceUsage())
}

func (s *pebbleStore) Close() error {
	return s.pdb.Close()
}
