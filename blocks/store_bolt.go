package blocks

import (
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

var (
	blocksBucket = []byte("blocks")
	metaBucket   = []byte("meta")
)

type boltStore struct {
	bdb *bbolt.DB
}

// BoltOptions tunes the Bolt-backed store.
type BoltOptions struct {
	// NoSync disables fsync on commit; fine for tests, not for production.
	NoSync bool
	// MmapSize overrides the initial mmap size.
	MmapSize int
}

// OpenBolt opens (creating if needed) a Bolt-backed block store at path.
func OpenBolt(path string, opt BoltOptions) (Store, error) {
	bopt := *bbolt.DefaultOptions
	bopt.Timeout = 10 * time.Second
	if opt.NoSync {
		bopt.NoSync = true
		bopt.NoFreelistSync = true
		bopt.InitialMmapSize = 1024 * 1024 * 5
	} else {
		bopt.InitialMmapSize = 1024 * 1024 * 64
		bopt.FreelistType = bbolt.FreelistMapType
	}
	if opt.MmapSize != 0 {
		bopt.InitialMmapSize = opt.MmapSize
	}

	bdb, err := bbolt.Open(path, 0666, &bopt)
	if err != nil {
		return nil, fmt.Errorf("blocks: %w", err)
	}

	err = bdb.Update(func(btx *bbolt.Tx) error {
		if _, err := btx.CreateBucketIfNotExists(blocksBucket); err != nil {
			return err
		}
		_, err := btx.CreateBucketIfNotExists(metaBucket)
		return err
	})
	if err != nil {
		bdb.Close()
		return nil, fmt.Errorf("blocks: %w", err)
	}
	return &boltStore{bdb: bdb}, nil
}

func (s *boltStore) GetBlock(cid CID) ([]byte, error) {
	var data []byte
	err := s.bdb.View(func(btx *bbolt.Tx) error {
		v := btx.Bucket(blocksBucket).Get(cid[:])
		if v == nil {
			return ErrNotFound
		}
		data = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s *boltStore) GetMeta(key string) ([]byte, error) {
	var data []byte
	err := s.bdb.View(func(btx *bbolt.Tx) error {
		v := btx.Bucket(metaBucket).Get([]byte(key))
		if v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s *boltStore) Commit(blks []Block, meta map[string][]byte) error {
	return s.bdb.Update(func(btx *bbolt.Tx) error {
		bb := btx.Bucket(blocksBucket)
		for _, b := range blks {
			if err := bb.Put(b.CID[:], b.Data); err != nil {
				return err
			}
		}
		mb := btx.Bucket(metaBucket)
		for k, v := range meta {
			if v == nil {
				if err := mb.Delete([]byte(k)); err != nil {
					return err
				}
			} else if err := mb.Put([]byte(k), v); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *boltStore) BlockCount() int {
	var n int
	s.bdb.View(func(btx *bbolt.Tx) error {
		n = btx.Bucket(blocksBucket).Stats().KeyN
		return nil
	})
	return n
}

func (s *boltStore) Size() int64 {
	var n int64
	s.bdb.View(func(btx *bbolt.Tx) error {
		n = btx.Size()
		return nil
	})
	return n
}

func (s *boltStore) Close() error {
	return s.bdb.Close()
}
