package clockdb

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/andreyvit/clockdb/blocks"
	"github.com/andreyvit/clockdb/prolly"
)

type (
	// Query selects index entries. Exactly one of Range and Key may be set;
	// neither means a full scan. A nil Key means "no key constraint", so
	// entries emitted under the null key are reached via Range (with nil
	// bounds) or a scan, not via Key. Limit truncates the result list after
	// retrieval. Stale skips the implicit Update.
	Query struct {
		Range []any
		Key   any
		Limit int
		Stale bool
	}

	// QueryRow is one decoded index entry.
	QueryRow struct {
		ID    string
		Key   any
		Value any
	}

	// QueryResult carries decoded rows and an inclusion proof: the CIDs of
	// every block touched while answering the query, verifiable against the
	// index's key-index root.
	QueryResult struct {
		Rows  []QueryRow
		Proof []blocks.CID
	}
)

// Query brings the index up to date (unless q.Stale) and reads it.
// Range results come back in ascending composite-key order, bounds
// inclusive.
func (ix *Index) Query(q Query) (*QueryResult, error) {
	if q.Range != nil && q.Key != nil {
		return nil, fmt.Errorf("clockdb: index %q: query cannot combine Range and Key", ix.name)
	}
	if q.Range != nil && len(q.Range) != 2 {
		return nil, fmt.Errorf("clockdb: index %q: query Range wants [lower, upper], got %d bounds", ix.name, len(q.Range))
	}

	if !q.Stale {
		if err := ix.Update(); err != nil {
			return nil, err
		}
	}

	ix.mu.Lock()
	root := ix.byKey
	ix.mu.Unlock()
	tree := prolly.Load(prolly.Config{Get: ix.store.blox.GetBlock}, root)

	var res *prolly.Result
	var err error
	var kind string
	switch {
	case q.Range != nil:
		kind = "range"
		lo, err1 := encodeKey(q.Range[0])
		hi, err2 := encodeKey(q.Range[1])
		if err1 != nil {
			return nil, err1
		}
		if err2 != nil {
			return nil, err2
		}
		// Composite keys extend the emitted-key encoding with the doc id;
		// 0xFF caps the upper bound to cover every id under the hi key.
		res, err = tree.Range(lo, append(hi, 0xFF))
	case q.Key != nil:
		kind = "key"
		k, kerr := encodeKey(q.Key)
		if kerr != nil {
			return nil, kerr
		}
		res, err = tree.Range(k, append(k[:len(k):len(k)], 0xFF))
	default:
		kind = "scan"
		res, err = tree.GetAllEntries()
	}
	if err != nil {
		return nil, err
	}

	rows := make([]QueryRow, 0, len(res.Entries))
	for _, e := range res.Entries {
		key, id, err := decodeComposite(e.Key)
		if err != nil {
			return nil, err
		}
		var value any
		if err := msgpack.Unmarshal(e.Value, &value); err != nil {
			return nil, dataErrf(e.Value, 0, err, "decoding index value for %q", id)
		}
		rows = append(rows, QueryRow{ID: id, Key: key, Value: value})
	}
	if q.Limit > 0 && len(rows) > q.Limit {
		rows = rows[:q.Limit]
	}

	QueryCount.WithLabelValues(ix.name, kind).Inc()
	return &QueryResult{Rows: rows, Proof: res.CIDs}, nil
}
