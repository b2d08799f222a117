package main

import (
	"crypto/rand"
	"strings"
	"sync"
	"time"
)

const (
	roomCodeLength = 6
	roomCodeChars  = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	maxRoomPlayers = 2
	mistakeLimit   = 3
)

type roomPhase int

const (
	phaseLobby roomPhase = iota
	phaseSelecting
	phasePlaying
	phaseResult
)

// binding is the key of the identity half of the connection table. Names
// are only unique within a room, so the room code is part of the key.
type bindingKey struct {
	code     string
	identity string
}

// connTable maps identities to live connections and back. Identity here is
// a bare display name trusted from the client; bind is last-writer-wins,
// which is how a reloaded page steals its identity back. Swapping this for
// real session tokens would only touch this table.
type connTable struct {
	mu         sync.Mutex
	byIdentity map[bindingKey]*client
	byConn     map[*client]bindingKey
}

func newConnTable() *connTable {
	return &connTable{
		byIdentity: make(map[bindingKey]*client),
		byConn:     make(map[*client]bindingKey),
	}
}

func (t *connTable) bind(c *client, code, identity string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := bindingKey{code: code, identity: identity}

	if old, ok := t.byIdentity[key]; ok && old != c {
		delete(t.byConn, old)
	}

	if prev, ok := t.byConn[c]; ok && prev != key {
		if cur, ok := t.byIdentity[prev]; ok && cur == c {
			delete(t.byIdentity, prev)
		}
	}

	t.byIdentity[key] = c
	t.byConn[c] = key
}

// unbindConn removes the connection's entry and reports whether it still
// held the live binding for its identity. A stale connection, whose
// identity has already rebound to a newer one, must never cause a forfeit.
func (t *connTable) unbindConn(c *client) (bindingKey, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key, ok := t.byConn[c]
	if !ok {
		return bindingKey{}, false
	}
	delete(t.byConn, c)

	if cur, ok := t.byIdentity[key]; ok && cur == c {
		delete(t.byIdentity, key)
		return key, true
	}

	return key, false
}

func (t *connTable) unbindIdentity(code, identity string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := bindingKey{code: code, identity: identity}
	if c, ok := t.byIdentity[key]; ok {
		delete(t.byIdentity, key)
		delete(t.byConn, c)
	}
}

func (t *connTable) lookup(code, identity string) (*client, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.byIdentity[bindingKey{code: code, identity: identity}]

	return c, ok
}

// closeRoom closes every websocket still bound in the room; the read pumps
// then unwind through the normal disconnect path.
func (t *connTable) closeRoom(code string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for key, c := range t.byIdentity {
		if key.code == code {
			_ = c.conn.Close()
		}
	}
}

type eventKind int

const (
	eventMessage eventKind = iota
	eventDisconnect
	eventTimerExpired
	eventPublishGameplay
	eventForfeitCheck
)

type event struct {
	kind     eventKind
	c        *client
	msg      clientMessage
	identity string // eventDisconnect / eventForfeitCheck
	gen      int    // eventTimerExpired / eventPublishGameplay
}

// room holds one match. All fields below the channels are owned by the
// room goroutine and must only be touched from inside handle.
type room struct {
	code string
	cfg  *Config
	mgr  *roomManager

	events chan event
	done   chan struct{}
	once   sync.Once

	players     []string // index 0 is the host and initial turn holder
	phase       roomPhase
	ready       map[string]bool
	selections  map[string]int
	chosenOrder []string // identities in order of first finalized pick
	turnHolder  string
	mistakes    map[string]int
	inResult    map[string]bool
	selGen      int
	selTimer    *time.Timer

	mu         sync.Mutex // guards lastActive for the reaper
	lastActive time.Time
}

func newRoom(code string, cfg *Config, mgr *roomManager) *room {
	return &room{
		code:       code,
		cfg:        cfg,
		mgr:        mgr,
		events:     make(chan event, 64),
		done:       make(chan struct{}),
		phase:      phaseLobby,
		ready:      make(map[string]bool),
		selections: make(map[string]int),
		mistakes:   make(map[string]int),
		inResult:   make(map[string]bool),
		lastActive: time.Now(),
	}
}

func (r *room) run() {
	for {
		select {
		case ev := <-r.events:
			r.handle(ev)
		case <-r.done:
			return
		}
	}
}

func (r *room) enqueue(ev event) {
	select {
	case r.events <- ev:
	case <-r.done:
	}
}

func (r *room) close() {
	r.once.Do(func() {
		close(r.done)
	})
}

func (r *room) touch() {
	r.mu.Lock()
	r.lastActive = time.Now()
	r.mu.Unlock()
}

func (r *room) idleSince() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.lastActive
}

// roomManager holds all live rooms keyed by room code, so each match is
// its own isolated session.
type roomManager struct {
	cfg   *Config
	conns *connTable

	mu    sync.Mutex
	rooms map[string]*room
}

func newRoomManager(cfg *Config) *roomManager {
	mgr := &roomManager{
		cfg:   cfg,
		conns: newConnTable(),
		rooms: make(map[string]*room),
	}
	if cfg.sessionTimeout > 0 {
		go mgr.reaperLoop()
	}
	return mgr
}

// newRoomCodeLocked generates a crypto-random 6-character room code and
// ensures it doesn't collide with a live room. Assumes mgr.mu is held.
func (m *roomManager) newRoomCodeLocked() string {
	for {
		buf := make([]byte, roomCodeLength)
		if _, err := rand.Read(buf); err != nil {
			panic("crypto/rand failure: " + err.Error())
		}
		out := make([]byte, roomCodeLength)
		for i := range out {
			out[i] = roomCodeChars[int(buf[i])%len(roomCodeChars)]
		}
		code := string(out)

		if _, exists := m.rooms[code]; !exists {
			return code
		}
	}
}

func (m *roomManager) lookupRoom(code string) (*room, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[code]

	return r, ok
}

func (m *roomManager) removeRoom(code string) {
	m.mu.Lock()
	delete(m.rooms, code)
	m.mu.Unlock()
}

// dispatch routes an inbound event to its room. Events referencing unknown
// rooms are dropped silently, except joins, which get a targeted failure.
func (m *roomManager) dispatch(c *client, msg clientMessage) {
	if msg.Type == "create_room" {
		m.createRoom(c, msg.Identity)
		return
	}

	code := strings.ToUpper(strings.TrimSpace(msg.Code))
	msg.Code = code

	r, ok := m.lookupRoom(code)
	if !ok {
		if msg.Type == "join_room_event" {
			c.trySend(joinResultMessage{
				Type:   "join_result",
				OK:     false,
				Reason: errRoomNotFound.Error(),
			})
		}
		return
	}

	r.enqueue(event{kind: eventMessage, c: c, msg: msg})
}

// createRoom allocates a code, seats the creator as host, and starts the
// room goroutine.
func (m *roomManager) createRoom(c *client, identity string) {
	if identity == "" {
		return
	}

	m.mu.Lock()
	code := m.newRoomCodeLocked()
	r := newRoom(code, m.cfg, m)
	r.players = append(r.players, identity)
	m.rooms[code] = r
	m.mu.Unlock()

	m.conns.bind(c, code, identity)

	go r.run()

	c.trySend(roomCreatedMessage{Type: "room_created", Code: code})
	c.trySend(updatePlayersMessage{
		Type:       "update_players",
		Identities: []string{identity},
	})

	logf(m.cfg, "GAMES: Player %q created room %s", identity, code)
}

// disconnect is called exactly once per connection, from its read pump. The
// binding table is consulted before any forfeit logic runs, so a stale
// connection whose identity already rebound is a no-op.
func (m *roomManager) disconnect(c *client) {
	key, live := m.conns.unbindConn(c)
	if !live {
		return
	}

	r, ok := m.lookupRoom(key.code)
	if !ok {
		return
	}

	r.enqueue(event{kind: eventDisconnect, identity: key.identity})
}

// reaperLoop periodically removes rooms that have been idle longer than the
// configured session timeout.
func (m *roomManager) reaperLoop() {
	ticker := time.NewTicker(m.cfg.sessionTimeout / 2)
	for range ticker.C {
		cutoff := time.Now().Add(-m.cfg.sessionTimeout)

		m.mu.Lock()
		for code, r := range m.rooms {
			if r.idleSince().Before(cutoff) {
				delete(m.rooms, code)
				r.close()
				go m.conns.closeRoom(code)
				logf(m.cfg, "GAMES: Reaped idle room %s", code)
			}
		}
		m.mu.Unlock()
	}
}
