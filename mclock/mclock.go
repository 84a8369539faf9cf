// Package mclock implements a merkle-clock event log over content-addressed
// block storage.
//
// Every change is an event block naming its parents; a Clock is the current
// frontier (the set of event CIDs no other event descends from). Appending an
// event against a clock yields a new single-head clock, so a single writer
// produces a linear chain. The package only needs an abstract block getter
// and putter, which lets it run inside an open transaction.
package mclock

import (
	"fmt"
	"slices"
	"strings"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/andreyvit/clockdb/blocks"
)

// Clock is an ordered set of event CIDs marking the frontier of the log.
// It is a value type: operations return new clocks.
type Clock []blocks.CID

// Equal reports whether two clocks name the same frontier.
func (c Clock) Equal(o Clock) bool {
	if len(c) != len(o) {
		return false
	}
	for i := range c {
		if c[i] != o[i] {
			return false
		}
	}
	return true
}

// Contains reports whether cid is one of the clock's heads.
func (c Clock) Contains(cid blocks.CID) bool {
	return slices.Contains(c, cid)
}

// Clone returns an independent copy.
func (c Clock) Clone() Clock {
	return slices.Clone(c)
}

func (c Clock) String() string {
	var buf strings.Builder
	buf.WriteByte('[')
	for i, cid := range c {
		if i > 0 {
			buf.WriteByte(' ')
		}
		buf.WriteString(cid.String())
	}
	buf.WriteByte(']')
	return buf.String()
}

// Encode serializes a clock for meta storage.
func (c Clock) Encode() []byte {
	raw := make([][]byte, len(c))
	for i, cid := range c {
		raw[i] = cid.Bytes()
	}
	data, err := msgpack.Marshal(raw)
	if err != nil {
		panic(fmt.Errorf("mclock: encoding clock: %w", err))
	}
	return data
}

// DecodeClock rebuilds a clock serialized with Encode. nil input decodes to
// a nil (genesis) clock.
func DecodeClock(data []byte) (Clock, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var raw [][]byte
	if err := msgpack.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("mclock: decoding clock: %w", err)
	}
	c := make(Clock, len(raw))
	for i, b := range raw {
		cid, err := blocks.CIDFromBytes(b)
		if err != nil {
			return nil, fmt.Errorf("mclock: decoding clock: %w", err)
		}
		c[i] = cid
	}
	return c, nil
}

// Putter stages event blocks; transactions and stores implement it.
type Putter interface {
	PutBlock(b blocks.Block) error
}

// KV is one key's resolved value.
type KV struct {
	Key   string
	Value []byte
}

// Change is one event as seen by a log walk.
type Change struct {
	Key   string
	Value []byte
	Del   bool
	CID   blocks.CID
}

// event is the persisted block form.
type event struct {
	Key     string   `msgpack:"k"`
	Value   []byte   `msgpack:"v"`
	Del     bool     `msgpack:"d,omitempty"`
	Parents [][]byte `msgpack:"p"`
}

func decodeEvent(cid blocks.CID, data []byte) (*event, error) {
	var ev event
	if err := msgpack.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("mclock: decoding event %v: %w", cid, err)
	}
	return &ev, nil
}

// Put appends a put or tombstone event for key against clk and returns the
// new clock together with the event's CID.
func Put(g blocks.Getter, p Putter, clk Clock, key string, value []byte, del bool) (Clock, blocks.CID, error) {
	ev := event{
		Key:     key,
		Value:   value,
		Del:     del,
		Parents: make([][]byte, len(clk)),
	}
	for i, cid := range clk {
		ev.Parents[i] = cid.Bytes()
	}
	data, err := msgpack.Marshal(&ev)
	if err != nil {
		return nil, blocks.CID{}, fmt.Errorf("mclock: encoding event: %w", err)
	}
	blk := blocks.New(data)
	if err := p.PutBlock(blk); err != nil {
		return nil, blocks.CID{}, err
	}
	return Clock{blk.CID}, blk.CID, nil
}

// walk visits events breadth-first from the heads, newest first for linear
// histories. Heads listed in stop are not visited and not descended into.
// The visit callback returns false to stop the walk.
func walk(g blocks.Getter, clk Clock, stop Clock, visit func(cid blocks.CID, ev *event) (bool, error)) error {
	seen := make(map[blocks.CID]bool)
	queue := make([]blocks.CID, 0, len(clk))
	for _, cid := range clk {
		if !stop.Contains(cid) {
			queue = append(queue, cid)
			seen[cid] = true
		}
	}
	for len(queue) > 0 {
		cid := queue[0]
		queue = queue[1:]
		data, err := g.GetBlock(cid)
		if err != nil {
			return fmt.Errorf("mclock: event %v: %w", cid, err)
		}
		ev, err := decodeEvent(cid, data)
		if err != nil {
			return err
		}
		ok, err := visit(cid, ev)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		for _, pb := range ev.Parents {
			pcid, err := blocks.CIDFromBytes(pb)
			if err != nil {
				return fmt.Errorf("mclock: event %v: bad parent: %w", cid, err)
			}
			if !seen[pcid] && !stop.Contains(pcid) {
				seen[pcid] = true
				queue = append(queue, pcid)
			}
		}
	}
	return nil
}

// Get resolves the latest value for key against clk. found is false when the
// key was never written or its latest event is a tombstone.
func Get(g blocks.Getter, clk Clock, key string) (value []byte, found bool, err error) {
	err = walk(g, clk, nil, func(cid blocks.CID, ev *event) (bool, error) {
		if ev.Key != key {
			return true, nil
		}
		if !ev.Del {
			value = ev.Value
			found = true
		}
		return false, nil
	})
	return value, found, err
}

// GetAll resolves every live key against clk.
func GetAll(g blocks.Getter, clk Clock) ([]KV, error) {
	var out []KV
	resolved := make(map[string]bool)
	err := walk(g, clk, nil, func(cid blocks.CID, ev *event) (bool, error) {
		if resolved[ev.Key] {
			return true, nil
		}
		resolved[ev.Key] = true
		if !ev.Del {
			out = append(out, KV{Key: ev.Key, Value: ev.Value})
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// EventsSince returns the events appended after since, newest first, one per
// visit; callers collapse per key as needed.
func EventsSince(g blocks.Getter, clk Clock, since Clock) ([]Change, error) {
	var out []Change
	err := walk(g, clk, since, func(cid blocks.CID, ev *event) (bool, error) {
		out = append(out, Change{Key: ev.Key, Value: ev.Value, Del: ev.Del, CID: cid})
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
