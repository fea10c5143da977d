package server

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"roomchat/internal/stats"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()

	su := &stats.MockStatsUpdater{}
	su.On("Incr", mock.Anything).Maybe()
	su.On("Decr", mock.Anything).Maybe()

	return NewRegistry(su)
}

func TestRegistryJoin(t *testing.T) {
	t.Run("join registers the client", func(t *testing.T) {
		r := newTestRegistry(t)
		c := &Client{}

		assert.True(t, r.Join(c, "general"), "expected first join to report a membership change")

		room, ok := r.RoomOf(c)
		assert.True(t, ok, "expected client to have a current room")
		assert.Equal(t, "general", room, "expected current room to be the joined room")
		assert.Contains(t, r.MembersOf("general"), c, "expected client in the room's member set")
	})

	t.Run("join is idempotent", func(t *testing.T) {
		r := newTestRegistry(t)
		c := &Client{}

		assert.True(t, r.Join(c, "general"), "expected first join to report a membership change")
		assert.False(t, r.Join(c, "general"), "expected rejoining the same room to be a no-op")
		assert.Len(t, r.MembersOf("general"), 1, "expected no duplicate membership")
	})

	t.Run("join moves the client between rooms atomically", func(t *testing.T) {
		r := newTestRegistry(t)
		c := &Client{}

		r.Join(c, "general")
		assert.True(t, r.Join(c, "random"), "expected join to a new room to report a change")

		assert.Empty(t, r.MembersOf("general"), "expected client removed from the old room")
		assert.Contains(t, r.MembersOf("random"), c, "expected client in the new room")

		room, ok := r.RoomOf(c)
		assert.True(t, ok, "expected client to have a current room")
		assert.Equal(t, "random", room, "expected current room to be the new room")
	})
}

func TestRegistryLeave(t *testing.T) {
	r := newTestRegistry(t)
	c := &Client{}

	assert.Equal(t, "", r.Leave(c), "expected leave with no membership to be a no-op")

	r.Join(c, "general")
	assert.Equal(t, "general", r.Leave(c), "expected leave to report the room left")
	assert.Empty(t, r.MembersOf("general"), "expected member set to be empty after leave")
	assert.Equal(t, 0, r.NumRooms(), "expected empty room to cease existing")
}

func TestRegistryRemove(t *testing.T) {
	r := newTestRegistry(t)
	c := &Client{}

	r.Join(c, "general")

	// disconnect can race an explicit leave, so remove must be re-entrant
	r.Remove(c)
	r.Remove(c)

	assert.Empty(t, r.MembersOf("general"), "expected client removed from the room")
	_, ok := r.RoomOf(c)
	assert.False(t, ok, "expected no back-reference after remove")
}

// TestRegistryConcurrentMutation drives randomized join/leave/remove
// interleavings and checks the single-room invariant: at any instant a
// client appears in at most one room's member set.
func TestRegistryConcurrentMutation(t *testing.T) {
	r := newTestRegistry(t)

	rooms := []string{"general", "random", "dev"}
	clients := make([]*Client, 8)
	for i := range clients {
		clients[i] = &Client{}
	}

	var wg sync.WaitGroup
	for i, c := range clients {
		wg.Add(1)
		go func(c *Client, seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for j := 0; j < 200; j++ {
				switch rng.Intn(4) {
				case 0, 1:
					r.Join(c, rooms[rng.Intn(len(rooms))])
				case 2:
					r.Leave(c)
				case 3:
					r.Remove(c)
				}
			}
		}(c, int64(i))
	}

	// concurrent snapshot reads must never panic or observe a half-removed
	// connection
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			for _, room := range rooms {
				r.MembersOf(room)
			}
		}
	}()

	wg.Wait()
	<-done

	memberships := make(map[*Client]int)
	for _, room := range rooms {
		for _, c := range r.MembersOf(room) {
			memberships[c]++
		}
	}
	for c, n := range memberships {
		assert.Equal(t, 1, n, fmt.Sprintf("expected client %p in at most one room", c))
	}
}
