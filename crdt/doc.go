// Package crdt implements the replicated document that every room holds.
//
// The document is an append-only set of update entries, each stamped with the
// producing client's id and a per-client logical clock. Merging two replicas
// is a set union keyed by (client, clock), which makes the merge commutative,
// associative and idempotent: replicas converge no matter how updates are
// ordered, batched or duplicated in transit.
package crdt

import "sync"

// StateVector summarizes which entries a replica holds: for each client, the
// clock up to which the replica has a contiguous run of that client's entries.
type StateVector map[uint64]uint64

// Entry is one replicated update produced by a single client.
type Entry struct {
	Client uint64
	Clock  uint64
	Data   []byte
}

// Doc is the replicated-document contract the sync gateway depends on. Any
// implementation with a commutative, associative, idempotent merge qualifies.
type Doc interface {
	// StateVector summarizes the entries this replica already holds.
	StateVector() StateVector
	// DiffSince encodes every entry the remote replica is missing.
	DiffSince(remote StateVector) []byte
	// ApplyUpdate merges an encoded update batch into this replica.
	ApplyUpdate(update []byte) error
	// Snapshot encodes the full replica state; applying a snapshot to an
	// empty replica reproduces this one.
	Snapshot() []byte
}

// LogDoc is the default Doc implementation.
type LogDoc struct {
	mu sync.RWMutex
	// entries[client][clock] = payload
	entries map[uint64]map[uint64][]byte
	// contiguous[client] = length of the gap-free prefix starting at clock 0
	contiguous map[uint64]uint64
}

func NewDoc() *LogDoc {
	return &LogDoc{
		entries:    make(map[uint64]map[uint64][]byte),
		contiguous: make(map[uint64]uint64),
	}
}

// Load builds a replica from a persisted snapshot. A nil or empty snapshot
// yields an empty replica.
func Load(snapshot []byte) (*LogDoc, error) {
	doc := NewDoc()
	if len(snapshot) == 0 {
		return doc, nil
	}
	if err := doc.ApplyUpdate(snapshot); err != nil {
		return nil, err
	}
	return doc, nil
}

func (d *LogDoc) StateVector() StateVector {
	d.mu.RLock()
	defer d.mu.RUnlock()

	sv := make(StateVector, len(d.contiguous))
	for client, clock := range d.contiguous {
		if clock > 0 {
			sv[client] = clock
		}
	}
	return sv
}

func (d *LogDoc) DiffSince(remote StateVector) []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var missing []Entry
	for client, clocks := range d.entries {
		since := remote[client]
		for clock, data := range clocks {
			if clock >= since {
				missing = append(missing, Entry{Client: client, Clock: clock, Data: data})
			}
		}
	}
	return EncodeUpdate(missing)
}

func (d *LogDoc) ApplyUpdate(update []byte) error {
	entries, err := DecodeUpdate(update)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, entry := range entries {
		clocks := d.entries[entry.Client]
		if clocks == nil {
			clocks = make(map[uint64][]byte)
			d.entries[entry.Client] = clocks
		}
		if _, held := clocks[entry.Clock]; held {
			continue
		}
		clocks[entry.Clock] = entry.Data

		// Advance the contiguous prefix past any previously buffered gaps.
		next := d.contiguous[entry.Client]
		for {
			if _, ok := clocks[next]; !ok {
				break
			}
			next++
		}
		d.contiguous[entry.Client] = next
	}
	return nil
}

func (d *LogDoc) Snapshot() []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var all []Entry
	for client, clocks := range d.entries {
		for clock, data := range clocks {
			all = append(all, Entry{Client: client, Clock: clock, Data: data})
		}
	}
	return EncodeUpdate(all)
}

// EntryCount reports how many entries the replica holds.
func (d *LogDoc) EntryCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	n := 0
	for _, clocks := range d.entries {
		n += len(clocks)
	}
	return n
}
