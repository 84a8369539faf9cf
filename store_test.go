package clockdb

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/andreyvit/clockdb/blocks"
)

func openMem(t *testing.T) *DocStore {
	t.Helper()
	s, err := Open("", Options{Backend: BackendMemory, IsTesting: true})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func putDoc(t *testing.T, s *DocStore, id string, data map[string]any) PutResult {
	t.Helper()
	res, err := s.Put(Document{ID: id, Data: data})
	require.NoError(t, err)
	return res
}

func TestPutGetDel(t *testing.T) {
	s := openMem(t)

	res := putDoc(t, s, "a", map[string]any{"x": 1})
	require.Equal(t, "a", res.ID)
	require.Len(t, res.Clock, 1)
	require.True(t, s.Clock().Equal(res.Clock))

	doc, err := s.Get("a")
	require.NoError(t, err)
	require.Equal(t, "a", doc.ID)
	require.EqualValues(t, 1, doc.Data["x"])

	putDoc(t, s, "a", map[string]any{"x": 2, "y": "z"})
	doc, err = s.Get("a")
	require.NoError(t, err)
	require.EqualValues(t, 2, doc.Data["x"])
	require.Equal(t, "z", doc.Data["y"])

	_, err = s.Del("a")
	require.NoError(t, err)
	_, err = s.Get("a")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = s.Get("never")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestGeneratedID(t *testing.T) {
	s := openMem(t)

	res, err := s.Put(Document{Data: map[string]any{"x": 1}})
	require.NoError(t, err)
	require.NotEmpty(t, res.ID)

	doc, err := s.Get(res.ID)
	require.NoError(t, err)
	require.EqualValues(t, 1, doc.Data["x"])
}

func TestClockAdvancesPerCommit(t *testing.T) {
	s := openMem(t)
	require.Empty(t, s.Clock())

	r1 := putDoc(t, s, "a", nil)
	r2 := putDoc(t, s, "b", nil)
	require.False(t, r1.Clock.Equal(r2.Clock))
	require.True(t, s.Clock().Equal(r2.Clock))
}

func TestChangesSinceNilIsFullSnapshot(t *testing.T) {
	s := openMem(t)
	putDoc(t, s, "a", map[string]any{"n": 1})
	putDoc(t, s, "b", map[string]any{"n": 2})
	putDoc(t, s, "a", map[string]any{"n": 3})
	_, err := s.Del("b")
	require.NoError(t, err)
	putDoc(t, s, "c", map[string]any{"n": 4})

	changes, err := s.ChangesSince(nil)
	require.NoError(t, err)
	require.True(t, changes.Clock.Equal(s.Clock()))
	require.Len(t, changes.Rows, 2)

	byID := rowsByID(changes.Rows)
	require.EqualValues(t, 3, byID["a"].Value["n"])
	require.EqualValues(t, 4, byID["c"].Value["n"])
}

func TestChangesSinceClock(t *testing.T) {
	s := openMem(t)
	putDoc(t, s, "a", map[string]any{"n": 1})
	mark := putDoc(t, s, "b", map[string]any{"n": 2}).Clock

	putDoc(t, s, "c", map[string]any{"n": 3})
	putDoc(t, s, "a", map[string]any{"n": 4})
	_, err := s.Del("b")
	require.NoError(t, err)

	changes, err := s.ChangesSince(mark)
	require.NoError(t, err)
	require.Len(t, changes.Rows, 3)

	byID := rowsByID(changes.Rows)
	require.EqualValues(t, 4, byID["a"].Value["n"])
	require.EqualValues(t, 3, byID["c"].Value["n"])
	require.True(t, byID["b"].Deleted)

	// Nothing new against the current clock.
	changes, err = s.ChangesSince(s.Clock())
	require.NoError(t, err)
	require.Empty(t, changes.Rows)
}

func rowsByID(rows []ChangeRow) map[string]ChangeRow {
	out := make(map[string]ChangeRow, len(rows))
	for _, r := range rows {
		out[r.ID] = r
	}
	return out
}

func TestSnapshot(t *testing.T) {
	s := openMem(t)
	putDoc(t, s, "a", map[string]any{"n": 1})
	snap := s.Snapshot(nil)

	putDoc(t, s, "a", map[string]any{"n": 2})
	putDoc(t, s, "b", map[string]any{"n": 3})

	doc, err := snap.Get("a")
	require.NoError(t, err)
	require.EqualValues(t, 1, doc.Data["n"])
	_, err = snap.Get("b")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = snap.Put(Document{ID: "x"})
	require.ErrorIs(t, err, ErrReadOnly)
	_, err = snap.Del("a")
	require.ErrorIs(t, err, ErrReadOnly)
	require.ErrorIs(t, snap.SetClock(nil), ErrReadOnly)

	// A snapshot of an explicit older clock.
	old := s.Snapshot(snap.Clock())
	doc, err = old.Get("a")
	require.NoError(t, err)
	require.EqualValues(t, 1, doc.Data["n"])
}

func TestSetClock(t *testing.T) {
	s := openMem(t)
	mark := putDoc(t, s, "a", map[string]any{"n": 1}).Clock
	putDoc(t, s, "a", map[string]any{"n": 2})

	var events []ChangeEvent
	s.Subscribe(func(ev ChangeEvent) { events = append(events, ev) })

	require.NoError(t, s.SetClock(mark))
	require.True(t, s.Clock().Equal(mark))

	doc, err := s.Get("a")
	require.NoError(t, err)
	require.EqualValues(t, 1, doc.Data["n"])

	require.Len(t, events, 1)
	require.True(t, events[0].Reset)
	require.Empty(t, events[0].Rows)
	require.True(t, events[0].Clock.Equal(mark))
}

func TestSubscribe(t *testing.T) {
	s := openMem(t)

	var events []ChangeEvent
	unsub := s.Subscribe(func(ev ChangeEvent) { events = append(events, ev) })

	putDoc(t, s, "a", map[string]any{"n": 1})
	_, err := s.Del("a")
	require.NoError(t, err)

	require.Len(t, events, 2)
	require.Len(t, events[0].Rows, 1)
	require.Equal(t, "a", events[0].Rows[0].ID)
	require.False(t, events[0].Rows[0].Deleted)
	require.True(t, events[1].Rows[0].Deleted)
	require.True(t, events[1].Clock.Equal(s.Clock()))

	unsub()
	putDoc(t, s, "b", nil)
	require.Len(t, events, 2)
}

func TestValidation(t *testing.T) {
	type seen struct {
		id     string
		hadOld bool
	}
	var calls []seen
	s, err := Open("", Options{
		Backend:   BackendMemory,
		IsTesting: true,
		Auth:      "writer-1",
		Validate: func(newDoc Document, oldDoc *Document, auth any) error {
			if auth != "writer-1" {
				return fmt.Errorf("unexpected auth %v", auth)
			}
			calls = append(calls, seen{newDoc.ID, oldDoc != nil})
			if _, ok := newDoc.Data["forbidden"]; ok {
				return errors.New("forbidden field")
			}
			return nil
		},
	})
	require.NoError(t, err)
	defer s.Close()

	putDoc(t, s, "a", map[string]any{"x": 1})
	before := s.Clock()

	_, err = s.Put(Document{ID: "bad", Data: map[string]any{"forbidden": true}})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "bad", verr.ID)

	// The rejected put left no trace.
	require.True(t, s.Clock().Equal(before))
	_, err = s.Get("bad")
	require.ErrorIs(t, err, ErrNotFound)

	putDoc(t, s, "a", map[string]any{"x": 2})
	require.Equal(t, []seen{{"a", false}, {"bad", false}, {"a", true}}, calls)

	// Deletions validate against a tombstone document.
	_, err = s.Del("a")
	require.NoError(t, err)
	require.Equal(t, seen{"a", true}, calls[len(calls)-1])
}

func TestClosed(t *testing.T) {
	s := openMem(t)
	putDoc(t, s, "a", nil)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close()) // idempotent

	_, err := s.Put(Document{ID: "b"})
	require.ErrorIs(t, err, ErrClosed)
	_, err = s.Get("a")
	require.ErrorIs(t, err, ErrClosed)
	_, err = s.ChangesSince(nil)
	require.ErrorIs(t, err, ErrClosed)
}

func TestReopenBolt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db.bolt")

	s, err := Open(path, Options{Backend: BackendBolt, IsTesting: true})
	require.NoError(t, err)
	putDoc(t, s, "a", map[string]any{"n": 1})
	clk := s.Clock()
	require.NoError(t, s.Close())

	s, err = Open(path, Options{Backend: BackendBolt, IsTesting: true})
	require.NoError(t, err)
	defer s.Close()

	require.True(t, s.Clock().Equal(clk))
	doc, err := s.Get("a")
	require.NoError(t, err)
	require.EqualValues(t, 1, doc.Data["n"])
}

func TestOpenStoreSharedBackend(t *testing.T) {
	blox := blocks.NewMemStore()
	defer blox.Close()

	s1, err := OpenStore(blox, Options{})
	require.NoError(t, err)
	putDoc(t, s1, "a", map[string]any{"n": 1})
	require.NoError(t, s1.Close())

	// Close did not close the caller-owned backend.
	s2, err := OpenStore(blox, Options{})
	require.NoError(t, err)
	defer s2.Close()
	doc, err := s2.Get("a")
	require.NoError(t, err)
	require.EqualValues(t, 1, doc.Data["n"])
}

func TestStats(t *testing.T) {
	s := openMem(t)
	putDoc(t, s, "a", nil)
	putDoc(t, s, "b", nil)
	_, err := s.Del("b")
	require.NoError(t, err)

	st, err := s.Stats()
	require.NoError(t, err)
	require.Equal(t, 1, st.Docs)
	require.Equal(t, 1, st.ClockWidth)
	require.Equal(t, 3, st.Blocks)
}
