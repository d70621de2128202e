package socket

import (
	"errors"
	"sync"

	"livemd/crdt"
	"livemd/pkg/logger"
	"livemd/store"
)

// Room groups every connection currently editing one document together with
// that document's authoritative replica. All mutation goes through the room's
// lock; broadcasts collect their targets under the lock and write outside it.
type Room struct {
	DocumentID string

	mu        sync.Mutex
	doc       *crdt.LogDoc
	conns     map[*Client]bool
	awareness map[*Client]Awareness
	dirty     bool

	loadOnce sync.Once
	loadErr  error

	// onEmpty is the registry's eviction hook, called after the last
	// connection leaves.
	onEmpty func(r *Room)
}

func newRoom(documentID string, onEmpty func(r *Room)) *Room {
	return &Room{
		DocumentID: documentID,
		conns:      make(map[*Client]bool),
		awareness:  make(map[*Client]Awareness),
		onEmpty:    onEmpty,
	}
}

// load fetches the persisted snapshot exactly once, no matter how many
// connections race to join. Absent snapshots start an empty replica.
func (r *Room) load(st *store.Store) error {
	r.loadOnce.Do(func() {
		snapshot, err := st.GetSnapshot(r.DocumentID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			r.loadErr = err
			return
		}
		doc, err := crdt.Load(snapshot)
		if err != nil {
			logger.Sugar.Errorf("Corrupt snapshot for document %s, starting empty: %v", r.DocumentID, err)
			doc = crdt.NewDoc()
		}
		r.mu.Lock()
		r.doc = doc
		r.mu.Unlock()
	})
	return r.loadErr
}

// Join adds a connection and sends it the opening handshake: our state
// vector (step1), the full diff against an empty replica (step2) and every
// peer's current awareness state.
func (r *Room) Join(c *Client) {
	r.mu.Lock()
	r.conns[c] = true
	step1 := EncodeSyncStep1(r.doc.StateVector())
	step2 := EncodeSyncStep2(r.doc.DiffSince(nil))
	peerStates := make([]Awareness, 0, len(r.awareness))
	for peer, state := range r.awareness {
		if peer != c {
			peerStates = append(peerStates, state)
		}
	}
	r.mu.Unlock()

	c.enqueue(step1)
	c.enqueue(step2)
	for _, state := range peerStates {
		c.enqueue(EncodeAwareness(state))
	}
}

// Leave removes a connection, announces its departure to the remaining peers
// and reports whether the room is now empty. Clean and abrupt closes both
// end up here, exactly once per connection.
func (r *Room) Leave(c *Client) bool {
	r.mu.Lock()
	if !r.conns[c] {
		r.mu.Unlock()
		return false
	}
	delete(r.conns, c)
	state, wasAware := r.awareness[c]
	delete(r.awareness, c)
	empty := len(r.conns) == 0
	r.mu.Unlock()

	c.markClosed()

	if wasAware {
		// Presence is ephemeral: broadcast a removal, persist nothing.
		removal := Awareness{ClientID: state.ClientID, Clock: state.Clock + 1}
		r.broadcast(EncodeAwareness(removal), nil)
	}

	if empty && r.onEmpty != nil {
		r.onEmpty(r)
	}
	return empty
}

// HandleSyncStep1 answers a peer's state vector with the diff it is missing.
func (r *Room) HandleSyncStep1(c *Client, payload []byte) error {
	sv, err := crdt.DecodeStateVector(payload)
	if err != nil {
		return ErrProtocol
	}
	r.mu.Lock()
	diff := r.doc.DiffSince(sv)
	r.mu.Unlock()

	c.enqueue(EncodeSyncStep2(diff))
	return nil
}

// ApplyUpdate merges an update (step2 or incremental) into the replica and
// relays it to every connection except the sender. Duplicate delivery is
// harmless: the merge is idempotent and re-broadcasting a held update only
// costs bandwidth, so already-known updates are not re-sent.
func (r *Room) ApplyUpdate(sender *Client, update []byte) error {
	entries, err := crdt.DecodeUpdate(update)
	if err != nil {
		return ErrProtocol
	}

	r.mu.Lock()
	before := r.doc.EntryCount()
	if err := r.doc.ApplyUpdate(update); err != nil {
		r.mu.Unlock()
		return ErrProtocol
	}
	changed := r.doc.EntryCount() != before
	if changed {
		r.dirty = true
	}
	r.mu.Unlock()

	if !changed || len(entries) == 0 {
		return nil
	}
	r.broadcast(EncodeSyncUpdate(update), sender)
	return nil
}

// SetAwareness records a connection's presence and relays it to the peers.
func (r *Room) SetAwareness(c *Client, payload []byte) error {
	a, err := decodeAwareness(payload)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if a.Removed() {
		delete(r.awareness, c)
	} else {
		r.awareness[c] = a
	}
	r.mu.Unlock()

	r.broadcast(EncodeAwareness(a), c)
	return nil
}

// broadcast sends a pre-encoded frame to every connection except skip.
func (r *Room) broadcast(frame []byte, skip *Client) {
	r.mu.Lock()
	targets := make([]*Client, 0, len(r.conns))
	for c := range r.conns {
		if c != skip {
			targets = append(targets, c)
		}
	}
	r.mu.Unlock()

	for _, c := range targets {
		c.enqueue(frame)
	}
}

// Flush persists the replica snapshot if it has unsaved changes. The dirty
// flag only clears when the write actually succeeded.
func (r *Room) Flush(st *store.Store) error {
	r.mu.Lock()
	if r.doc == nil || !r.dirty {
		r.mu.Unlock()
		return nil
	}
	snapshot := r.doc.Snapshot()
	r.mu.Unlock()

	if err := st.SaveSnapshot(r.DocumentID, snapshot); err != nil {
		return err
	}

	r.mu.Lock()
	// New updates may have arrived while saving; keep the flag in that case.
	if string(r.doc.Snapshot()) == string(snapshot) {
		r.dirty = false
	}
	r.mu.Unlock()
	return nil
}

// CloseConnections force-closes every connection in the room. Each close
// unwinds through the normal read-pump cleanup path.
func (r *Room) CloseConnections() {
	r.mu.Lock()
	targets := make([]*Client, 0, len(r.conns))
	for c := range r.conns {
		targets = append(targets, c)
	}
	r.mu.Unlock()

	for _, c := range targets {
		c.conn.Close()
	}
}

// EvictUnauthorized closes connections whose access no longer holds. Called
// on visibility changes and by each connection's periodic re-check.
func (r *Room) EvictUnauthorized(check func(username string) bool) {
	r.mu.Lock()
	var evict []*Client
	for c := range r.conns {
		if !check(c.username) {
			evict = append(evict, c)
		}
	}
	r.mu.Unlock()

	for _, c := range evict {
		logger.Sugar.Infof("Closing connection for %s on document %s: access revoked", c.username, r.DocumentID)
		c.conn.Close()
	}
}

func (r *Room) connCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}
