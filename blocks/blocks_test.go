package blocks

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

var backends = []struct {
	name string
	open func(t *testing.T) Store
}{
	{"mem", func(t *testing.T) Store {
		return NewMemStore()
	}},
	{"bolt", func(t *testing.T) Store {
		s, err := OpenBolt(filepath.Join(t.TempDir(), "blocks.db"), BoltOptions{NoSync: true})
		require.NoError(t, err)
		return s
	}},
	{"pebble", func(t *testing.T) Store {
		s, err := OpenPebble(t.TempDir(), PebbleOptions{NoSync: true})
		require.NoError(t, err)
		return s
	}},
}

func TestCID(t *testing.T) {
	a := NewCID([]byte("hello"))
	b := NewCID([]byte("hello"))
	c := NewCID([]byte("world"))
	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
	require.False(t, a.IsZero())
	require.True(t, (CID{}).IsZero())
	require.Len(t, a.String(), 16)

	back, err := CIDFromBytes(a.Bytes())
	require.NoError(t, err)
	require.Equal(t, a, back)

	_, err = CIDFromBytes([]byte{1, 2, 3})
	require.Error(t, err)

	blk := New([]byte("hello"))
	require.Equal(t, a, blk.CID)
}

func TestBackends(t *testing.T) {
	for _, be := range backends {
		t.Run(be.name, func(t *testing.T) {
			s := be.open(t)
			defer s.Close()

			b1 := New([]byte("block one"))
			b2 := New([]byte("block two"))

			_, err := s.GetBlock(b1.CID)
			require.ErrorIs(t, err, ErrNotFound)

			err = s.Commit([]Block{b1, b2}, map[string][]byte{"head": []byte("h1")})
			require.NoError(t, err)

			data, err := s.GetBlock(b1.CID)
			require.NoError(t, err)
			require.Equal(t, []byte("block one"), data)
			data, err = s.GetBlock(b2.CID)
			require.NoError(t, err)
			require.Equal(t, []byte("block two"), data)

			meta, err := s.GetMeta("head")
			require.NoError(t, err)
			require.Equal(t, []byte("h1"), meta)

			meta, err = s.GetMeta("absent")
			require.NoError(t, err)
			require.Nil(t, meta)

			require.Equal(t, 2, s.BlockCount())

			// Re-committing the same content is a no-op for the count.
			err = s.Commit([]Block{b1}, nil)
			require.NoError(t, err)
			require.Equal(t, 2, s.BlockCount())

			// A nil meta value deletes the key.
			err = s.Commit(nil, map[string][]byte{"head": nil})
			require.NoError(t, err)
			meta, err = s.GetMeta("head")
			require.NoError(t, err)
			require.Nil(t, meta)
		})
	}
}

func TestBoltPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blocks.db")
	s, err := OpenBolt(path, BoltOptions{NoSync: true})
	require.NoError(t, err)

	blk := New([]byte("durable"))
	require.NoError(t, s.Commit([]Block{blk}, map[string][]byte{"head": []byte("h")}))
	require.NoError(t, s.Close())

	s, err = OpenBolt(path, BoltOptions{NoSync: true})
	require.NoError(t, err)
	defer s.Close()

	data, err := s.GetBlock(blk.CID)
	require.NoError(t, err)
	require.Equal(t, []byte("durable"), data)
	meta, err := s.GetMeta("head")
	require.NoError(t, err)
	require.Equal(t, []byte("h"), meta)
}

func TestCached(t *testing.T) {
	inner := NewMemStore()
	s := Cached(inner, 16)

	blk := New([]byte("cache me"))
	require.NoError(t, s.Commit([]Block{blk}, nil))

	// Served from cache and from the inner store alike.
	data, err := s.GetBlock(blk.CID)
	require.NoError(t, err)
	require.Equal(t, []byte("cache me"), data)

	data, err = inner.GetBlock(blk.CID)
	require.NoError(t, err)
	require.Equal(t, []byte("cache me"), data)

	_, err = s.GetBlock(NewCID([]byte("absent")))
	require.ErrorIs(t, err, ErrNotFound)
}
