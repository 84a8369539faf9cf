package clockdb

import (
	"fmt"
	"maps"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/andreyvit/clockdb/mclock"
)

type (
	// Document is an open map of fields identified by a string id. A nil
	// Data map marks a tombstone.
	Document struct {
		ID   string
		Data map[string]any
	}

	// Op is the kind of change recorded for a document.
	Op int

	// ChangeRow is one document's most recent outcome within a change set.
	ChangeRow struct {
		ID      string
		Value   map[string]any
		Deleted bool
	}

	// Changes is the result of ChangesSince: one row per changed (or, for a
	// full snapshot, per live) document, plus the clock the rows were
	// resolved against.
	Changes struct {
		Rows  []ChangeRow
		Clock mclock.Clock
	}

	// ChangeEvent is delivered to observers after every successful commit.
	// Reset marks a clock replacement via SetClock; Rows is empty then.
	ChangeEvent struct {
		Clock mclock.Clock
		Rows  []ChangeRow
		Reset bool
	}

	// PutResult reports the id and the clock adopted by a successful
	// put or delete.
	PutResult struct {
		ID    string
		Clock mclock.Clock
	}
)

const (
	OpNone   Op = 0
	OpPut    Op = 1
	OpDelete Op = 2
)

func (v Op) String() string {
	switch v {
	case OpNone:
		return "none"
	case OpPut:
		return "put"
	case OpDelete:
		return "delete"
	default:
		return fmt.Sprintf("invalid op %d", int(v))
	}
}

// Tombstone reports whether the document marks a deletion.
func (d Document) Tombstone() bool {
	return d.Data == nil
}

// Clone returns a shallow-field copy safe to mutate at the top level.
func (d Document) Clone() Document {
	return Document{ID: d.ID, Data: maps.Clone(d.Data)}
}

func encodeDocValue(data map[string]any) ([]byte, error) {
	b, err := msgpack.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("clockdb: encoding document: %w", err)
	}
	return b, nil
}

func decodeDocValue(b []byte) (map[string]any, error) {
	var m map[string]any
	if err := msgpack.Unmarshal(b, &m); err != nil {
		return nil, dataErrf(b, 0, err, "decoding document")
	}
	return m, nil
}
