package socket

import (
	"sync"
	"time"

	"livemd/pkg/logger"
	"livemd/store"
)

// Registry maps documentID to its single in-memory room. Concurrent first
// access is serialized so exactly one authoritative replica ever exists per
// document. An emptied room lingers for a grace period before its state is
// flushed and the room dropped; a reconnect inside the window cancels the
// eviction.
type Registry struct {
	store *store.Store
	grace time.Duration

	mu     sync.Mutex
	rooms  map[string]*Room
	timers map[string]*time.Timer
	// evictGen invalidates pending eviction callbacks: a callback only
	// proceeds if its generation is still the current one for the
	// document. A timer that already fired cannot be stopped, so
	// cancellation must also cover the callback blocked on mu.
	evictGen map[string]uint64
}

func NewRegistry(st *store.Store, grace time.Duration) *Registry {
	return &Registry{
		store:    st,
		grace:    grace,
		rooms:    make(map[string]*Room),
		timers:   make(map[string]*time.Timer),
		evictGen: make(map[string]uint64),
	}
}

// GetOrCreateRoom returns the room for documentID, creating it on first
// reference. The room table is touched only under the registry lock; the
// snapshot load happens outside it, serialized per room by the room itself.
func (r *Registry) GetOrCreateRoom(documentID string) (*Room, error) {
	r.mu.Lock()
	room, ok := r.rooms[documentID]
	if !ok {
		room = newRoom(documentID, r.roomEmptied)
		r.rooms[documentID] = room
	}
	// A reconnect during the grace window keeps the room alive. Stop()
	// is not enough: the timer may have fired already with its callback
	// waiting on mu, so the generation bump cancels that one too.
	if timer, pending := r.timers[documentID]; pending {
		timer.Stop()
		delete(r.timers, documentID)
		r.evictGen[documentID]++
	}
	r.mu.Unlock()

	if err := room.load(r.store); err != nil {
		// Drop the failed room so a later connect can retry the load.
		r.mu.Lock()
		if r.rooms[documentID] == room {
			delete(r.rooms, documentID)
		}
		r.mu.Unlock()
		return nil, err
	}
	return room, nil
}

// roomEmptied starts the eviction grace timer for a room whose last
// connection just left.
func (r *Registry) roomEmptied(room *Room) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.rooms[room.DocumentID] != room {
		return
	}
	if timer, pending := r.timers[room.DocumentID]; pending {
		timer.Stop()
	}
	r.evictGen[room.DocumentID]++
	gen := r.evictGen[room.DocumentID]
	r.timers[room.DocumentID] = time.AfterFunc(r.grace, func() {
		r.evict(room, gen)
	})
}

// evict persists dirty state and drops the room, unless the eviction was
// canceled or superseded while the callback was pending, or a connection
// arrived in the meantime.
func (r *Registry) evict(room *Room, gen uint64) {
	r.mu.Lock()
	if r.evictGen[room.DocumentID] != gen {
		r.mu.Unlock()
		return
	}
	if r.rooms[room.DocumentID] != room || room.connCount() > 0 {
		delete(r.timers, room.DocumentID)
		r.mu.Unlock()
		return
	}
	delete(r.rooms, room.DocumentID)
	delete(r.timers, room.DocumentID)
	r.mu.Unlock()

	if err := room.Flush(r.store); err != nil {
		logger.Sugar.Errorf("Failed to persist document %s on eviction: %v", room.DocumentID, err)
		return
	}
	logger.Sugar.Infof("Evicted idle room for document %s", room.DocumentID)
}

// Lookup returns the live room for documentID, if any.
func (r *Registry) Lookup(documentID string) *Room {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rooms[documentID]
}

// SaveWorker periodically flushes dirty rooms until stop is closed.
func (r *Registry) SaveWorker(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, room := range r.snapshotRooms() {
				if err := room.Flush(r.store); err != nil {
					logger.Sugar.Errorf("Failed to auto-save document %s: %v", room.DocumentID, err)
				}
			}
		case <-stop:
			return
		}
	}
}

// Shutdown closes every connection and flushes every room. Called during
// graceful process exit, before the store closes.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	rooms := make([]*Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		rooms = append(rooms, room)
	}
	for id, timer := range r.timers {
		timer.Stop()
		delete(r.timers, id)
	}
	r.rooms = make(map[string]*Room)
	r.mu.Unlock()

	for _, room := range rooms {
		room.CloseConnections()
		if err := room.Flush(r.store); err != nil {
			logger.Sugar.Errorf("Failed to persist document %s on shutdown: %v", room.DocumentID, err)
		}
	}
}

func (r *Registry) snapshotRooms() []*Room {
	r.mu.Lock()
	defer r.mu.Unlock()
	rooms := make([]*Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		rooms = append(rooms, room)
	}
	return rooms
}
