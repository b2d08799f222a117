package main

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *Config {
	return &Config{
		bind:             "127.0.0.1",
		port:             8080,
		selectionTimeout: time.Minute,
		publishDelay:     0,
		reconnectGrace:   time.Hour,
	}
}

func newTestClient() *client {
	return &client{
		send: make(chan any, 64),
		quit: make(chan struct{}),
	}
}

// drain empties a client's send queue without blocking.
func drain(c *client) []any {
	var msgs []any
	for {
		select {
		case m := <-c.send:
			msgs = append(msgs, m)
		default:
			return msgs
		}
	}
}

func filterMessages[T any](msgs []any) []T {
	out := []T{}
	for _, m := range msgs {
		if v, ok := m.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

func nextMessage(t *testing.T, c *client) any {
	t.Helper()

	select {
	case m := <-c.send:
		return m
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func msgEvent(c *client, msg clientMessage) event {
	return event{kind: eventMessage, c: c, msg: msg}
}

// seatedRoom returns a full room with Alice as host and Bob seated, driven
// synchronously (the room goroutine is never started).
func seatedRoom(t *testing.T) (*roomManager, *room, *client, *client) {
	t.Helper()

	mgr := newRoomManager(testConfig())

	r := newRoom("TESTAA", mgr.cfg, mgr)
	mgr.rooms[r.code] = r

	alice := newTestClient()
	r.players = append(r.players, "Alice")
	mgr.conns.bind(alice, r.code, "Alice")

	bob := newTestClient()
	r.handle(msgEvent(bob, clientMessage{Type: "join_room_event", Identity: "Bob", Code: r.code}))

	require.Equal(t, []string{"Alice", "Bob"}, r.players)

	drain(alice)
	drain(bob)

	return mgr, r, alice, bob
}

func TestRoomCodeShapeAndUniqueness(t *testing.T) {
	t.Parallel()

	mgr := newRoomManager(testConfig())
	shape := regexp.MustCompile(`^[A-Z0-9]{6}$`)

	seen := make(map[string]bool)
	for i := 0; i < 500; i++ {
		code := mgr.newRoomCodeLocked()
		assert.Regexp(t, shape, code)
		assert.False(t, seen[code], "code %s issued twice while live", code)
		seen[code] = true
		mgr.rooms[code] = newRoom(code, mgr.cfg, mgr)
	}
}

// Scenario: Alice creates a room and receives a 6-character code, then Bob
// joins with that code and both see the full player list.
func TestCreateAndJoin(t *testing.T) {
	t.Parallel()

	mgr := newRoomManager(testConfig())

	alice := newTestClient()
	mgr.dispatch(alice, clientMessage{Type: "create_room", Identity: "Alice"})

	created, ok := nextMessage(t, alice).(roomCreatedMessage)
	require.True(t, ok)
	assert.Regexp(t, `^[A-Z0-9]{6}$`, created.Code)

	players, ok := nextMessage(t, alice).(updatePlayersMessage)
	require.True(t, ok)
	assert.Equal(t, []string{"Alice"}, players.Identities)

	// join_room_event goes through the room goroutine
	bob := newTestClient()
	mgr.dispatch(bob, clientMessage{Type: "join_room_event", Identity: "Bob", Code: created.Code})

	bobPlayers, ok := nextMessage(t, bob).(updatePlayersMessage)
	require.True(t, ok)
	assert.Equal(t, []string{"Alice", "Bob"}, bobPlayers.Identities)

	result, ok := nextMessage(t, bob).(joinResultMessage)
	require.True(t, ok)
	assert.True(t, result.OK)
	assert.Equal(t, "Alice", result.Host)

	alicePlayers, ok := nextMessage(t, alice).(updatePlayersMessage)
	require.True(t, ok)
	assert.Equal(t, []string{"Alice", "Bob"}, alicePlayers.Identities)
}

func TestJoinCodeIsCaseInsensitive(t *testing.T) {
	t.Parallel()

	mgr, r, _, _ := seatedRoom(t)

	// Full room still answers, proving lowercase codes route correctly.
	carol := newTestClient()
	mgr.dispatch(carol, clientMessage{Type: "leave_game", Identity: "Nobody", Code: "testaa"})

	select {
	case ev := <-r.events:
		assert.Equal(t, r.code, ev.msg.Code)
	case <-time.After(time.Second):
		t.Fatal("lowercase code did not route to the room")
	}
}

func TestJoinUnknownRoom(t *testing.T) {
	t.Parallel()

	mgr := newRoomManager(testConfig())

	c := newTestClient()
	mgr.dispatch(c, clientMessage{Type: "join_room_event", Identity: "Alice", Code: "ZZZZZZ"})

	result, ok := nextMessage(t, c).(joinResultMessage)
	require.True(t, ok)
	assert.False(t, result.OK)
	assert.Equal(t, "Room not found", result.Reason)
}

func TestJoinFullRoom(t *testing.T) {
	t.Parallel()

	_, r, _, _ := seatedRoom(t)

	carol := newTestClient()
	r.handle(msgEvent(carol, clientMessage{Type: "join_room_event", Identity: "Carol", Code: r.code}))

	result, ok := nextMessage(t, carol).(joinResultMessage)
	require.True(t, ok)
	assert.False(t, result.OK)
	assert.Equal(t, "Room is full", result.Reason)
	assert.Equal(t, []string{"Alice", "Bob"}, r.players)
}

func TestRejoinIsIdempotent(t *testing.T) {
	t.Parallel()

	mgr, r, _, bob := seatedRoom(t)

	// Bob's reloaded page joins with a fresh connection.
	bob2 := newTestClient()
	r.handle(msgEvent(bob2, clientMessage{Type: "join_room_event", Identity: "Bob", Code: r.code}))

	assert.Equal(t, []string{"Alice", "Bob"}, r.players)

	current, ok := mgr.conns.lookup(r.code, "Bob")
	require.True(t, ok)
	assert.Same(t, bob2, current)

	// The replaced connection no longer holds a live binding, so its
	// eventual disconnect must not reach the room.
	_, live := mgr.conns.unbindConn(bob)
	assert.False(t, live)

	current, ok = mgr.conns.lookup(r.code, "Bob")
	require.True(t, ok)
	assert.Same(t, bob2, current)
}

func TestStaleDisconnectIsDropped(t *testing.T) {
	t.Parallel()

	mgr, r, _, bob := seatedRoom(t)

	bob2 := newTestClient()
	mgr.conns.bind(bob2, r.code, "Bob")

	mgr.disconnect(bob)

	select {
	case ev := <-r.events:
		t.Fatalf("stale disconnect reached the room: %+v", ev)
	default:
	}
}

func TestLeaveCascadesTeardown(t *testing.T) {
	t.Parallel()

	mgr, r, _, bob := seatedRoom(t)

	r.handle(msgEvent(nil, clientMessage{Type: "leave_game", Identity: "Alice", Code: r.code}))

	assert.Equal(t, []string{"Bob"}, r.players)
	left := filterMessages[playerDisconnectedMessage](drain(bob))
	require.Len(t, left, 1)
	assert.Equal(t, "Alice", left[0].Identity)

	r.handle(msgEvent(nil, clientMessage{Type: "leave_game", Identity: "Bob", Code: r.code}))

	_, exists := mgr.lookupRoom(r.code)
	assert.False(t, exists)

	select {
	case <-r.done:
	default:
		t.Fatal("room goroutine was not released on teardown")
	}

	_, bound := mgr.conns.lookup(r.code, "Bob")
	assert.False(t, bound)
}

func TestBindOverwriteEvictsPriorIdentityBinding(t *testing.T) {
	t.Parallel()

	conns := newConnTable()

	first := newTestClient()
	second := newTestClient()

	conns.bind(first, "AAAAAA", "Alice")
	conns.bind(second, "AAAAAA", "Alice")

	current, ok := conns.lookup("AAAAAA", "Alice")
	require.True(t, ok)
	assert.Same(t, second, current)

	// Rebinding the same connection under a new name drops the old key.
	conns.bind(second, "AAAAAA", "Alicia")
	_, ok = conns.lookup("AAAAAA", "Alice")
	assert.False(t, ok)

	key, live := conns.unbindConn(second)
	assert.True(t, live)
	assert.Equal(t, bindingKey{code: "AAAAAA", identity: "Alicia"}, key)
}
