package main

import (
	"crypto/rand"
	"fmt"
	"time"
)

// handle processes a single event. It runs on the room goroutine, which is
// the only place room state is touched, so two guesses or a guess and a
// leave arriving together are applied atomically in arrival order.
func (r *room) handle(ev event) {
	r.touch()

	switch ev.kind {
	case eventMessage:
		r.handleMessage(ev.c, ev.msg)
	case eventDisconnect:
		r.handleDisconnect(ev.identity)
	case eventTimerExpired:
		if ev.gen == r.selGen && r.phase == phaseSelecting {
			r.selTimer = nil
			r.finishSelecting()
		}
	case eventPublishGameplay:
		if ev.gen == r.selGen && r.phase == phasePlaying {
			r.publishGameplay()
		}
	case eventForfeitCheck:
		r.handleForfeitCheck(ev.identity)
	}
}

func (r *room) handleMessage(c *client, msg clientMessage) {
	switch msg.Type {
	case "join_room_event":
		r.handleJoin(c, msg.Identity)
	case "join_game_room":
		r.handleRejoinGame(c, msg.Identity)
	case "join_result_room":
		r.handleRejoinResult(c, msg.Identity)
	case "start_game":
		r.handleStartGame(msg.Identity)
	case "player_ready":
		r.handleReady(msg.Identity)
	case "player_chose":
		r.handleChose(msg.Identity, msg.TokenID)
	case "chat_message":
		r.handleChat(c, msg.Identity, msg.Text)
	case "make_guess":
		r.handleGuess(c, msg.Identity, msg.TokenID)
	case "skip_turn":
		r.handleSkip(msg.Identity)
	case "surrender":
		r.handleSurrender(msg.Identity)
	case "leave_game":
		r.handleLeave(msg.Identity)
	default:
		// ignore unknown types
	}
}

func (r *room) seated(identity string) bool {
	for _, p := range r.players {
		if p == identity {
			return true
		}
	}
	return false
}

func (r *room) opponentOf(identity string) string {
	for _, p := range r.players {
		if p != identity {
			return p
		}
	}
	return ""
}

func (r *room) sendTo(identity string, msg any) {
	if c, ok := r.mgr.conns.lookup(r.code, identity); ok {
		c.trySend(msg)
	}
}

func (r *room) broadcast(msg any) {
	for _, p := range r.players {
		r.sendTo(p, msg)
	}
}

func (r *room) broadcastPlayers() {
	identities := make([]string, len(r.players))
	copy(identities, r.players)

	r.broadcast(updatePlayersMessage{
		Type:       "update_players",
		Identities: identities,
	})
}

// handleJoin seats a player in the lobby. Rejoining with a name already in
// the room is idempotent and only rebinds the connection.
func (r *room) handleJoin(c *client, identity string) {
	if identity == "" {
		return
	}

	if !r.seated(identity) {
		if len(r.players) >= maxRoomPlayers {
			c.trySend(joinResultMessage{
				Type:   "join_result",
				OK:     false,
				Reason: errRoomFull.Error(),
			})
			return
		}
		r.players = append(r.players, identity)
	}

	r.mgr.conns.bind(c, r.code, identity)

	r.broadcastPlayers()
	c.trySend(joinResultMessage{
		Type: "join_result",
		OK:   true,
		Host: r.players[0],
	})

	logf(r.cfg, "GAMES: Player %q joined room %s", identity, r.code)
}

// handleRejoinGame re-establishes the binding for a client that navigated
// to the selection or gameplay page. Re-adding an absent identity covers
// reload races where the disconnect was processed first.
func (r *room) handleRejoinGame(c *client, identity string) {
	if identity == "" {
		return
	}

	if !r.seated(identity) && len(r.players) < maxRoomPlayers {
		r.players = append(r.players, identity)
	}
	if !r.seated(identity) {
		return
	}

	r.mgr.conns.bind(c, r.code, identity)

	if r.phase == phasePlaying {
		// Lazy default for clients that ask before selections publish.
		if r.turnHolder == "" && len(r.players) > 0 {
			r.turnHolder = r.players[0]
		}
		c.trySend(turnUpdateMessage{
			Type:       "turn_update",
			TurnHolder: r.turnHolder,
		})
	}
}

// handleRejoinResult rebinds a client navigating to the results page and
// marks it as legitimately in the result phase, so the disconnect of its
// previous page connection is never treated as abandonment.
func (r *room) handleRejoinResult(c *client, identity string) {
	if identity == "" || !r.seated(identity) {
		return
	}

	r.mgr.conns.bind(c, r.code, identity)
	r.inResult[identity] = true
}

// handleStartGame moves the lobby into the selecting phase. Only the host
// may start, and only with a full room.
func (r *room) handleStartGame(identity string) {
	if r.phase != phaseLobby || len(r.players) != maxRoomPlayers {
		return
	}
	if r.players[0] != identity {
		return
	}

	r.enterSelecting()

	for _, p := range r.players {
		r.sendTo(p, redirectToGameMessage{
			Type:     "redirect_to_game",
			Code:     r.code,
			Identity: p,
		})
	}

	logf(r.cfg, "GAMES: Room %s started by %q", r.code, identity)
}

// enterSelecting begins a fresh selecting phase. Bumping the generation
// invalidates any outstanding timer or publish callback from a prior entry.
func (r *room) enterSelecting() {
	r.phase = phaseSelecting
	r.ready = make(map[string]bool)
	r.selGen++
	r.startSelectionTimer()
}

// handleReady counts readiness signals on the selection page. When all
// players are ready, prior game state is cleared (this is also the rematch
// path out of the result phase) and the countdown restarts.
func (r *room) handleReady(identity string) {
	if !r.seated(identity) {
		return
	}
	if r.phase != phaseSelecting && r.phase != phaseResult {
		return
	}

	r.ready[identity] = true

	r.broadcast(updateReadyCountMessage{
		Type:  "update_ready_count",
		Count: len(r.ready),
	})

	if len(r.ready) == len(r.players) && len(r.players) == maxRoomPlayers {
		r.selections = make(map[string]int)
		r.chosenOrder = nil
		r.mistakes = make(map[string]int)
		r.inResult = make(map[string]bool)
		r.turnHolder = ""
		r.enterSelecting()
	}
}

// handleChose records a finalized pick. The countdown is cancelled before
// completion runs, so the timer path and this path cannot both fire.
func (r *room) handleChose(identity string, tokenID int) {
	if r.phase != phaseSelecting || !r.seated(identity) {
		return
	}
	if tokenID < 1 || tokenID > characterCount {
		return
	}

	if _, chosen := r.selections[identity]; !chosen {
		r.chosenOrder = append(r.chosenOrder, identity)
	}
	r.selections[identity] = tokenID

	if len(r.selections) == len(r.players) {
		r.cancelSelectionTimer()
		r.finishSelecting()
	}
}

// finishSelecting completes the selecting phase exactly once per entry:
// the phase check makes a second call, from whichever of the timer or the
// last pick lost the race, a no-op. Players without a pick, and duplicate
// picks beyond the first, are assigned a random unused token.
func (r *room) finishSelecting() {
	if r.phase != phaseSelecting {
		return
	}

	r.cancelSelectionTimer()

	// Earlier picks win ties: walk identities in the order they chose, then
	// anyone left without a pick.
	order := make([]string, 0, len(r.players))
	seen := make(map[string]bool)
	for _, p := range append(append([]string{}, r.chosenOrder...), r.players...) {
		if !seen[p] && r.seated(p) {
			seen[p] = true
			order = append(order, p)
		}
	}

	used := make(map[int]bool)
	for _, p := range order {
		tok, ok := r.selections[p]
		if !ok || tok < 1 || tok > characterCount || used[tok] {
			tok = randomUnusedToken(used)
		}
		r.selections[p] = tok
		used[tok] = true
	}

	for _, p := range r.players {
		r.mistakes[p] = 0
	}
	r.turnHolder = r.players[0]
	r.phase = phasePlaying

	selections := make(map[string]int, len(r.selections))
	for p, tok := range r.selections {
		selections[p] = tok
	}
	r.broadcast(choicesFinalizedMessage{
		Type:       "choices_finalized",
		Selections: selections,
	})

	// Give clients a beat to render the finalized board before the
	// per-player redirect lands.
	if r.cfg.publishDelay <= 0 {
		r.publishGameplay()
		return
	}

	gen := r.selGen
	time.AfterFunc(r.cfg.publishDelay, func() {
		r.enqueue(event{kind: eventPublishGameplay, gen: gen})
	})
}

func (r *room) publishGameplay() {
	for _, p := range r.players {
		r.sendTo(p, redirectToGameplayMessage{
			Type:       "redirect_to_gameplay",
			Code:       r.code,
			Identity:   p,
			TokenID:    r.selections[p],
			TurnHolder: r.turnHolder,
		})
	}

	r.broadcast(turnUpdateMessage{
		Type:       "turn_update",
		TurnHolder: r.turnHolder,
	})
}

// handleChat filters the turn-holder's messages through the question
// validator; answers from the other player pass through untouched.
func (r *room) handleChat(c *client, identity, text string) {
	if r.phase != phasePlaying || !r.seated(identity) {
		return
	}

	if identity == r.turnHolder {
		ok, reason := validateQuestion(text)
		if !ok {
			c.trySend(questionRejectedMessage{
				Type:   "question_rejected",
				Reason: reason,
			})
			return
		}
	}

	r.broadcast(chatBroadcastMessage{
		Type:     "chat_message",
		Identity: identity,
		Text:     text,
	})
}

func (r *room) handleGuess(c *client, identity string, tokenID int) {
	if r.phase != phasePlaying || !r.seated(identity) {
		return
	}

	if identity != r.turnHolder {
		c.trySend(noticeMessage{
			Type:    "not_your_turn",
			Message: errNotYourTurn.Error(),
		})
		return
	}

	opponent := r.opponentOf(identity)
	opponentToken, ok := r.selections[opponent]
	if opponent == "" || !ok {
		c.trySend(noticeMessage{
			Type:    "guess_error",
			Message: errUnknownOpponent.Error(),
		})
		return
	}

	if tokenID == opponentToken {
		r.broadcast(guessResultMessage{
			Type:             "guess_result",
			Success:          true,
			Guesser:          identity,
			TokenID:          tokenID,
			CorrectTokenName: characterName(opponentToken),
		})
		r.endGame(identity, opponent, "correct_guess")
		return
	}

	r.mistakes[identity]++
	wrong := r.mistakes[identity]

	r.broadcast(guessResultMessage{
		Type:       "guess_result",
		Success:    false,
		Guesser:    identity,
		TokenID:    tokenID,
		WrongCount: wrong,
	})

	if wrong >= mistakeLimit {
		r.endGame(opponent, identity, "too_many_wrong_guesses")
		return
	}

	r.turnHolder = opponent
	r.broadcast(turnUpdateMessage{
		Type:       "turn_update",
		TurnHolder: r.turnHolder,
	})
}

func (r *room) handleSkip(identity string) {
	if r.phase != phasePlaying || identity != r.turnHolder {
		return
	}

	opponent := r.opponentOf(identity)
	if opponent == "" {
		return
	}

	r.turnHolder = opponent
	r.broadcast(turnUpdateMessage{
		Type:       "turn_update",
		TurnHolder: r.turnHolder,
	})
	r.broadcast(chatBroadcastMessage{
		Type:     "chat_message",
		Identity: "system",
		Text:     fmt.Sprintf("%s skipped their turn.", identity),
	})
}

func (r *room) handleSurrender(identity string) {
	if r.phase != phasePlaying || !r.seated(identity) {
		return
	}

	opponent := r.opponentOf(identity)
	if opponent == "" {
		return
	}

	r.endGame(opponent, identity, "surrender")
}

// handleLeave removes a player for good. The room and every per-room map
// are torn down together once the player list empties; a leave mid-match
// hands the win to the remaining player.
func (r *room) handleLeave(identity string) {
	if !r.seated(identity) {
		return
	}

	wasPlaying := r.phase == phasePlaying && !r.inResult[identity]

	remaining := r.players[:0]
	for _, p := range r.players {
		if p != identity {
			remaining = append(remaining, p)
		}
	}
	r.players = remaining

	delete(r.ready, identity)
	delete(r.selections, identity)
	delete(r.mistakes, identity)
	delete(r.inResult, identity)
	r.mgr.conns.unbindIdentity(r.code, identity)

	r.cancelSelectionTimer()

	if len(r.players) == 0 {
		r.teardown()
		return
	}

	r.broadcastPlayers()
	r.broadcast(playerDisconnectedMessage{
		Type:     "player_disconnected",
		Identity: identity,
	})

	if wasPlaying {
		r.endGame(r.players[0], identity, "opponent_left")
	}

	logf(r.cfg, "GAMES: Player %q left room %s", identity, r.code)
}

// handleDisconnect reacts to a connection loss whose binding was still
// live. Disconnects are transient by default (reloads, page navigation);
// only a player who stays gone past the reconnect grace forfeits, and only
// from the playing phase.
func (r *room) handleDisconnect(identity string) {
	if !r.seated(identity) {
		return
	}

	r.broadcast(playerDisconnectedMessage{
		Type:     "player_disconnected",
		Identity: identity,
	})

	if r.phase != phasePlaying || r.inResult[identity] {
		return
	}

	grace := r.cfg.reconnectGrace
	if grace <= 0 {
		r.handleForfeitCheck(identity)
		return
	}

	time.AfterFunc(grace, func() {
		r.enqueue(event{kind: eventForfeitCheck, identity: identity})
	})
}

// handleForfeitCheck runs after the reconnect grace. If the identity has
// rebound in the meantime the disconnect was a reload, not abandonment.
func (r *room) handleForfeitCheck(identity string) {
	if r.phase != phasePlaying || !r.seated(identity) || r.inResult[identity] {
		return
	}
	if _, live := r.mgr.conns.lookup(r.code, identity); live {
		return
	}

	opponent := r.opponentOf(identity)
	if opponent == "" {
		return
	}

	r.endGame(opponent, identity, "opponent_disconnected")
}

// endGame transitions to the result phase. Both identities are marked as
// legitimately in the result phase so the page navigation that follows
// does not read as a second forfeit, and any outstanding countdown dies.
func (r *room) endGame(winner, loser, reason string) {
	r.cancelSelectionTimer()
	r.selGen++

	r.phase = phaseResult
	for _, p := range r.players {
		r.inResult[p] = true
	}

	r.broadcast(gameOverMessage{
		Type:   "game_over",
		Winner: winner,
		Loser:  loser,
		Reason: reason,
	})

	logf(r.cfg, "GAMES: Room %s over, %q beat %q (%s)", r.code, winner, loser, reason)
}

func (r *room) startSelectionTimer() {
	r.cancelSelectionTimer()

	gen := r.selGen
	r.selTimer = time.AfterFunc(r.cfg.selectionTimeout, func() {
		r.enqueue(event{kind: eventTimerExpired, gen: gen})
	})
}

// cancelSelectionTimer is a no-op on an already-fired or absent timer.
func (r *room) cancelSelectionTimer() {
	if r.selTimer != nil {
		r.selTimer.Stop()
		r.selTimer = nil
	}
}

func (r *room) teardown() {
	r.cancelSelectionTimer()
	r.mgr.removeRoom(r.code)
	r.close()

	logf(r.cfg, "GAMES: Room %s empty, torn down", r.code)
}

// randomUnusedToken picks uniformly from the token ids not yet taken.
func randomUnusedToken(used map[int]bool) int {
	candidates := make([]int, 0, characterCount)
	for id := 1; id <= characterCount; id++ {
		if !used[id] {
			candidates = append(candidates, id)
		}
	}
	if len(candidates) == 0 {
		return 1
	}

	var b [1]byte
	if _, err := rand.Read(b[:]); err != nil {
		return candidates[0]
	}

	return candidates[int(b[0])%len(candidates)]
}
