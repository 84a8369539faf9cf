package blocks

import (
	"slices"

	lru "github.com/hashicorp/golang-lru/v2"
)

type cachedStore struct {
	Store
	cache *lru.Cache[CID, []byte]
}

// Cached wraps a store with a read-through LRU over GetBlock. Blocks are
// immutable, so cached entries never go stale.
func Cached(s Store, size int) Store {
	cache, err := lru.New[CID, []byte](size)
	if err != nil {
		return s
	}
	return &cachedStore{Store: s, cache: cache}
}

func (s *cachedStore) GetBlock(cid CID) ([]byte, error) {
	if data, ok := s.cache.Get(cid); ok {
		return data, nil
	}
	data, err := s.Store.GetBlock(cid)
	if err != nil {
		return nil, err
	}
	s.cache.Add(cid, data)
	return data, nil
}

func (s *cachedStore) Commit(blks []Block, meta map[string][]byte) error {
	if err := s.Store.Commit(blks, meta); err != nil {
		return err
	}
	for _, b := range blks {
		s.cache.Add(b.CID, slices.Clone(b.Data))
	}
	return nil
}
