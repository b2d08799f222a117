package games

// Two players form a room; the first one in is the host. Each secretly picks
// one of fifteen characters before a shared countdown runs out; anyone who
// doesn't pick in time (or picks the same character as their opponent) gets
// a random unused one.

// Then, starting with the host, players alternate turns. On your turn you may
// ask one yes/no question about the opponent's character (filtered: it must
// end in a question mark, be a single sentence of 2-20 words, avoid color and
// board-position words, and not open with who/what/when/where/which/how/why),
// skip, surrender, or guess.

// A wrong guess passes the turn; three wrong guesses lose the game. A correct
// guess wins immediately. After the result screen, both players can ready up
// again for a rematch in the same room.

// Implementation details:
// - Identity is the display name; reconnecting with the same name takes the
//   identity over from the previous connection, so page reloads are safe
// - Disconnecting mid-game only forfeits after a grace period with no return
