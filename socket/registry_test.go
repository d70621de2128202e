package socket

import (
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"livemd/crdt"
	"livemd/store"
)

func newTestRegistry(t *testing.T, grace time.Duration) (*Registry, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	mock.MatchExpectationsInOrder(false)
	t.Cleanup(func() { db.Close() })
	return NewRegistry(store.New(db), grace), mock
}

func TestConcurrentFirstAccessCreatesExactlyOneRoom(t *testing.T) {
	registry, mock := newTestRegistry(t, time.Minute)
	// Exactly one snapshot load, no matter how many connections race.
	mock.ExpectQuery("SELECT snapshot FROM DocumentSnapshots").
		WithArgs("doc1").
		WillReturnError(sql.ErrNoRows)

	const racers = 16
	rooms := make([]*Room, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			room, err := registry.GetOrCreateRoom("doc1")
			assert.NoError(t, err)
			rooms[i] = room
		}(i)
	}
	wg.Wait()

	for i := 1; i < racers; i++ {
		assert.Same(t, rooms[0], rooms[i], "split-brain: more than one authoritative room")
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRoomLoadsPersistedSnapshot(t *testing.T) {
	registry, mock := newTestRegistry(t, time.Minute)
	snapshot := crdt.EncodeUpdate([]crdt.Entry{{Client: 1, Clock: 0, Data: []byte("restored")}})
	mock.ExpectQuery("SELECT snapshot FROM DocumentSnapshots").
		WithArgs("doc1").
		WillReturnRows(sqlmock.NewRows([]string{"snapshot"}).AddRow(snapshot))

	room, err := registry.GetOrCreateRoom("doc1")
	require.NoError(t, err)
	assert.Equal(t, 1, room.doc.EntryCount())
}

func TestEvictionPersistsDirtyStateAndDropsRoom(t *testing.T) {
	registry, mock := newTestRegistry(t, 50*time.Millisecond)
	mock.ExpectQuery("SELECT snapshot FROM DocumentSnapshots").
		WithArgs("doc1").
		WillReturnError(sql.ErrNoRows)

	room, err := registry.GetOrCreateRoom("doc1")
	require.NoError(t, err)

	c := newClient(room, nil, "alice", nil)
	room.Join(c)

	update := crdt.EncodeUpdate([]crdt.Entry{{Client: 9, Clock: 0, Data: []byte("edit")}})
	require.NoError(t, room.ApplyUpdate(c, update))

	mock.ExpectExec("INSERT INTO DocumentSnapshots").
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.True(t, room.Leave(c), "room should be empty after the only client leaves")

	require.Eventually(t, func() bool {
		return registry.Lookup("doc1") == nil && mock.ExpectationsWereMet() == nil
	}, 2*time.Second, 10*time.Millisecond, "dirty state must be persisted before the room is dropped")
}

func TestReconnectWithinGraceCancelsEviction(t *testing.T) {
	registry, mock := newTestRegistry(t, 150*time.Millisecond)
	mock.ExpectQuery("SELECT snapshot FROM DocumentSnapshots").
		WithArgs("doc1").
		WillReturnError(sql.ErrNoRows)

	room, err := registry.GetOrCreateRoom("doc1")
	require.NoError(t, err)

	c := newClient(room, nil, "alice", nil)
	room.Join(c)
	room.Leave(c)

	// Reconnect inside the window: the same room survives, no reload.
	again, err := registry.GetOrCreateRoom("doc1")
	require.NoError(t, err)
	assert.Same(t, room, again)

	c2 := newClient(again, nil, "alice", nil)
	again.Join(c2)

	time.Sleep(300 * time.Millisecond)
	assert.Same(t, room, registry.Lookup("doc1"), "an occupied room must not be evicted")
	assert.NoError(t, mock.ExpectationsWereMet())
}

// A grace timer that has already fired cannot be stopped; its callback may
// still be waiting for the registry lock when a reconnect arrives. Such a
// late callback must not evict the now-reoccupied room, or a second
// authoritative replica would be created for the same document.
func TestLateEvictionCallbackDoesNotDropReoccupiedRoom(t *testing.T) {
	registry, mock := newTestRegistry(t, time.Minute)
	mock.ExpectQuery("SELECT snapshot FROM DocumentSnapshots").
		WithArgs("doc1").
		WillReturnError(sql.ErrNoRows)

	room, err := registry.GetOrCreateRoom("doc1")
	require.NoError(t, err)

	c := newClient(room, nil, "alice", nil)
	room.Join(c)
	require.True(t, room.Leave(c), "eviction should now be scheduled")

	registry.mu.Lock()
	gen := registry.evictGen["doc1"]
	registry.mu.Unlock()

	// Reconnect inside the window; the new client has not joined yet when
	// the stale callback finally gets the lock.
	again, err := registry.GetOrCreateRoom("doc1")
	require.NoError(t, err)
	require.Same(t, room, again)

	registry.evict(room, gen) // the fired timer's callback, running late

	c2 := newClient(again, nil, "alice", nil)
	again.Join(c2)

	assert.Same(t, room, registry.Lookup("doc1"), "reoccupied room must survive a stale eviction")
	third, err := registry.GetOrCreateRoom("doc1")
	require.NoError(t, err)
	assert.Same(t, room, third, "exactly one room per document")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveWorkerFlushesDirtyRooms(t *testing.T) {
	registry, mock := newTestRegistry(t, time.Minute)
	mock.ExpectQuery("SELECT snapshot FROM DocumentSnapshots").
		WithArgs("doc1").
		WillReturnError(sql.ErrNoRows)

	room, err := registry.GetOrCreateRoom("doc1")
	require.NoError(t, err)
	require.NoError(t, room.ApplyUpdate(nil, crdt.EncodeUpdate([]crdt.Entry{{Client: 1, Clock: 0, Data: []byte("x")}})))

	mock.ExpectExec("INSERT INTO DocumentSnapshots").
		WillReturnResult(sqlmock.NewResult(1, 1))

	stop := make(chan struct{})
	defer close(stop)
	go registry.SaveWorker(20*time.Millisecond, stop)

	require.Eventually(t, func() bool {
		return mock.ExpectationsWereMet() == nil
	}, 2*time.Second, 10*time.Millisecond)

	// The flag cleared with the flush: a second tick saves nothing more.
	time.Sleep(60 * time.Millisecond)
	assert.NoError(t, mock.ExpectationsWereMet())
}
