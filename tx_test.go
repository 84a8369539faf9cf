package clockdb

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/andreyvit/clockdb/blocks"
)

func TestTxReadsThroughStagedState(t *testing.T) {
	blox := blocks.NewMemStore()
	defer blox.Close()

	committed := blocks.New([]byte("committed"))
	require.NoError(t, blox.Commit([]blocks.Block{committed}, map[string][]byte{"root": []byte("r1")}))

	tx := newTx(blox)
	staged := blocks.New([]byte("staged"))
	require.NoError(t, tx.PutBlock(staged))
	tx.PutMeta("root", []byte("r2"))

	// The unit observes its own writes and the committed state.
	data, err := tx.GetBlock(staged.CID)
	require.NoError(t, err)
	require.Equal(t, []byte("staged"), data)
	data, err = tx.GetBlock(committed.CID)
	require.NoError(t, err)
	require.Equal(t, []byte("committed"), data)
	meta, err := tx.GetMeta("root")
	require.NoError(t, err)
	require.Equal(t, []byte("r2"), meta)

	// Nothing is visible outside until commit.
	_, err = blox.GetBlock(staged.CID)
	require.ErrorIs(t, err, blocks.ErrNotFound)
	meta, err = blox.GetMeta("root")
	require.NoError(t, err)
	require.Equal(t, []byte("r1"), meta)

	require.NoError(t, tx.commit())

	data, err = blox.GetBlock(staged.CID)
	require.NoError(t, err)
	require.Equal(t, []byte("staged"), data)
	meta, err = blox.GetMeta("root")
	require.NoError(t, err)
	require.Equal(t, []byte("r2"), meta)
}

func TestTxDeduplicatesBlocks(t *testing.T) {
	blox := blocks.NewMemStore()
	defer blox.Close()

	tx := newTx(blox)
	blk := blocks.New([]byte("same"))
	require.NoError(t, tx.PutBlock(blk))
	require.NoError(t, tx.PutBlock(blk))
	require.Len(t, tx.order, 1)
}

func TestTxMetaDelete(t *testing.T) {
	blox := blocks.NewMemStore()
	defer blox.Close()
	require.NoError(t, blox.Commit(nil, map[string][]byte{"gone": []byte("x")}))

	tx := newTx(blox)
	tx.PutMeta("gone", nil)
	require.NoError(t, tx.commit())

	meta, err := blox.GetMeta("gone")
	require.NoError(t, err)
	require.Nil(t, meta)
}

// failStore rejects every commit.
type failStore struct {
	blocks.Store
}

var errBackend = errors.New("backend down")

func (s *failStore) Commit(blks []blocks.Block, meta map[string][]byte) error {
	return errBackend
}

func TestFailedCommitLeavesStoreUnchanged(t *testing.T) {
	blox := &failStore{Store: blocks.NewMemStore()}
	s, err := OpenStore(blox, Options{})
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Put(Document{ID: "a", Data: map[string]any{"n": 1}})
	require.ErrorIs(t, err, ErrCommitFailed)

	require.Empty(t, s.Clock())
	_, err = s.Get("a")
	require.ErrorIs(t, err, ErrNotFound)
	require.Zero(t, blox.BlockCount())
}
