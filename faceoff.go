// Faceoff
//
// Two players form a room, each secretly picks one of fifteen characters,
// then they alternate asking filtered yes/no questions and guessing until
// one of them identifies the opponent's character or burns through three
// wrong guesses.
//
// Features:
// - One websocket endpoint; events carry the room code and player name
// - Rooms keyed by 6-character uppercase alphanumeric codes, collision-checked
// - Host (first player) starts the game; a countdown bounds character selection
// - Unpicked or duplicate characters are assigned randomly from the unused set
// - Reconnecting with the same name steals the identity back (reload-safe)
// - Disconnects during gameplay forfeit only if the player never comes back
// - Turn-holder chat is filtered to well-formed yes/no questions
// - Rooms auto-reaped after a configurable idle timeout
// - In-browser QR button to share the room join link, backed by go-qrcode

package main

import (
	_ "embed"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"
)

// Messages coming from clients
type clientMessage struct {
	Type     string `json:"type"`               // see dispatch for the full set
	Identity string `json:"identity,omitempty"` // player display name
	Code     string `json:"code,omitempty"`     // room code
	TokenID  int    `json:"token_id,omitempty"` // player_chose / make_guess
	Text     string `json:"text,omitempty"`     // chat_message
}

// Messages sent to clients
type roomCreatedMessage struct {
	Type string `json:"type"` // "room_created"
	Code string `json:"code"`
}

type updatePlayersMessage struct {
	Type       string   `json:"type"` // "update_players"
	Identities []string `json:"identities"`
}

type joinResultMessage struct {
	Type   string `json:"type"` // "join_result"
	OK     bool   `json:"ok"`
	Host   string `json:"host,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type redirectToGameMessage struct {
	Type     string `json:"type"` // "redirect_to_game"
	Code     string `json:"code"`
	Identity string `json:"identity"`
}

type updateReadyCountMessage struct {
	Type  string `json:"type"` // "update_ready_count"
	Count int    `json:"count"`
}

type choicesFinalizedMessage struct {
	Type       string         `json:"type"` // "choices_finalized"
	Selections map[string]int `json:"selections"`
}

type redirectToGameplayMessage struct {
	Type       string `json:"type"` // "redirect_to_gameplay"
	Code       string `json:"code"`
	Identity   string `json:"identity"`
	TokenID    int    `json:"token_id"`
	TurnHolder string `json:"turn_holder"`
}

type turnUpdateMessage struct {
	Type       string `json:"type"` // "turn_update"
	TurnHolder string `json:"turn_holder"`
}

type chatBroadcastMessage struct {
	Type     string `json:"type"` // "chat_message"
	Identity string `json:"identity"`
	Text     string `json:"text"`
}

type questionRejectedMessage struct {
	Type   string `json:"type"` // "question_rejected"
	Reason string `json:"reason"`
}

type guessResultMessage struct {
	Type             string `json:"type"` // "guess_result"
	Success          bool   `json:"success"`
	Guesser          string `json:"guesser"`
	TokenID          int    `json:"token_id"`
	WrongCount       int    `json:"wrong_count,omitempty"`
	CorrectTokenName string `json:"correct_token_name,omitempty"`
}

type gameOverMessage struct {
	Type   string `json:"type"` // "game_over"
	Winner string `json:"winner"`
	Loser  string `json:"loser,omitempty"`
	Reason string `json:"reason"`
}

type playerDisconnectedMessage struct {
	Type     string `json:"type"` // "player_disconnected"
	Identity string `json:"identity"`
}

// noticeMessage is for targeted rejections ("not_your_turn", "guess_error")
// that should never reach the other player.
type noticeMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type client struct {
	conn *websocket.Conn
	send chan any
	quit chan struct{}
}

func newClient(conn *websocket.Conn) *client {
	return &client{
		conn: conn,
		send: make(chan any, 16),
		quit: make(chan struct{}),
	}
}

// trySend drops the message instead of blocking on a slow client; per-room
// ordering is preserved because all sends for a room happen on its goroutine.
func (c *client) trySend(msg any) {
	select {
	case c.send <- msg:
	default:
	}
}

func (c *client) readPump(cfg *Config, mgr *roomManager) {
	defer func() {
		close(c.quit)
		mgr.disconnect(c)
		_ = c.conn.Close()
	}()

	for {
		var msg clientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}

		mgr.dispatch(c, msg)
	}
}

func (c *client) writePump() {
	defer c.conn.Close()

	for {
		select {
		case msg := <-c.send:
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-c.quit:
			return
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func serveWS(cfg *Config, mgr *roomManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logf(cfg, "GAMES: Upgrade error from %s: %v", realIP(r), err)
			return
		}

		c := newClient(conn)

		go c.writePump()
		c.readPump(cfg, mgr)
	}
}

// qrHandler generates a PNG QR code for the room join URL using go-qrcode.
func qrHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	code := ps.ByName("code")
	if code == "" {
		http.Error(w, "missing room code", http.StatusBadRequest)
		return
	}

	// Derive scheme (respecting TLS and X-Forwarded-Proto if present).
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}

	// We are at /room/:code/qr; strip trailing "/qr" to get the join URL.
	path := strings.TrimSuffix(r.URL.Path, "/qr")

	url := scheme + "://" + r.Host + path

	const qrSize = 320 // mobile-friendly size
	png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
	if err != nil {
		http.Error(w, "qr generation failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(png)
}

// ---- Static file paths ----

//go:embed faceoff/index.html
var indexHTML []byte

//go:embed faceoff/room.html
var roomHTML []byte

//go:embed faceoff/play.html
var playHTML []byte

//go:embed faceoff/result.html
var resultHTML []byte

//go:embed faceoff/app.css
var faceoffCSS []byte

//go:embed faceoff/app.js
var faceoffJS []byte

func getPageHandler(cfg *Config, data []byte) func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)

		_, _ = w.Write(data)
	}
}

func getAssetHandler(cfg *Config, data []byte, contentType string) func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)

		_, _ = w.Write(data)
	}
}

// registerFaceoffGame sets up routes so that:
//   - /                → home page (pick a name, create or join a room)
//   - /room/:code      → lobby page
//   - /room/:code/qr   → PNG QR code for the room join URL
//   - /play/:code      → gameplay page
//   - /result/:code    → results page
//   - /ws              → websocket carrying all game events
func registerFaceoffGame(cfg *Config, mux *httprouter.Router) {
	mgr := newRoomManager(cfg)

	mux.GET(cfg.prefix+"/", getPageHandler(cfg, indexHTML))

	mux.GET(cfg.prefix+"/room/:code", getPageHandler(cfg, roomHTML))
	mux.GET(cfg.prefix+"/play/:code", getPageHandler(cfg, playHTML))
	mux.GET(cfg.prefix+"/result/:code", getPageHandler(cfg, resultHTML))

	// Shared assets (no room code in route)
	mux.GET(cfg.prefix+"/assets/faceoff/app.css", getAssetHandler(cfg, faceoffCSS, "text/css; charset=utf-8"))
	mux.GET(cfg.prefix+"/assets/faceoff/app.js", getAssetHandler(cfg, faceoffJS, "text/javascript; charset=utf-8"))

	mux.GET(cfg.prefix+"/room/:code/qr", qrHandler)

	mux.GET(cfg.prefix+"/ws", serveWS(cfg, mgr))
}
