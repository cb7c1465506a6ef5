// Package builtin holds the compiled-in bot classes.
package builtin

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	mathrand "math/rand/v2"

	"github.com/mcpmux/mcpmux/internal/bots"
	"github.com/mcpmux/mcpmux/internal/channels"
)

// Register adds the compiled-in bot classes to the registry.
func Register(r *bots.Registry) {
	r.MustRegister("GuessBot", NewGuessBot)
	r.MustRegister("EchoBot", NewEchoBot)
}

type guessState struct {
	Target      int      `json:"target"`
	Nonce       string   `json:"nonce"`
	Commit      string   `json:"commit"`
	Players     []string `json:"players"`
	TurnIndex   int      `json:"turn_index"`
	GameStarted bool     `json:"game_started"`
	GameEnded   bool     `json:"game_ended"`
	GuessCount  int      `json:"guess_count"`
	Mode        string   `json:"mode"`
	Range       [2]int   `json:"range"`
}

// GuessBot referees turn-based number guessing with commitment-reveal:
// the target is committed at attach time and revealed, with the nonce,
// when the game ends.
type GuessBot struct {
	ctx    *bots.Context
	params map[string]any
	st     guessState
}

// NewGuessBot builds the bot for one hook invocation. Construction is
// idempotent given persisted state: commitment setup runs only when no
// state was written yet.
func NewGuessBot(ctx *bots.Context, params map[string]any) (bots.Bot, error) {
	b := &GuessBot{ctx: ctx, params: params}

	raw := ctx.GetState()
	if len(raw) == 0 {
		lo, hi := paramRange(params)
		b.st = guessState{
			Mode:    paramString(params, "mode", "number"),
			Range:   [2]int{lo, hi},
			Players: []string{},
		}
		if target, ok := paramInt(params, "target"); ok {
			b.st.Target = target
		} else {
			b.st.Target = lo + mathrand.IntN(hi-lo+1)
		}
		nonce := make([]byte, 16)
		if _, err := rand.Read(nonce); err != nil {
			return nil, fmt.Errorf("nonce: %w", err)
		}
		b.st.Nonce = hex.EncodeToString(nonce)
		b.st.Commit = commitment(b.st.Target, b.st.Nonce)
		if err := b.save(); err != nil {
			return nil, err
		}
		return b, nil
	}

	if err := decodeState(raw, &b.st); err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	return b, nil
}

// OnInit posts the game prompt, the commitment, and the public state.
func (b *GuessBot) OnInit(ctx *bots.Context) error {
	if _, err := ctx.Post(channels.KindBot, map[string]any{
		"type":  "prompt",
		"text":  fmt.Sprintf("Guess the number between %d and %d!", b.st.Range[0], b.st.Range[1]),
		"mode":  b.st.Mode,
		"range": []any{b.st.Range[0], b.st.Range[1]},
	}); err != nil {
		return err
	}
	if _, err := ctx.Post(channels.KindControl, map[string]any{
		"type":    "bot:commit",
		"commit":  b.st.Commit,
		"message": "Target committed - game will reveal at end",
	}); err != nil {
		return err
	}
	return b.postPublicState()
}

// OnJoin registers the player and starts the game at two players.
func (b *GuessBot) OnJoin(ctx *bots.Context, sessionID string) error {
	if b.st.GameEnded || b.hasPlayer(sessionID) {
		return nil
	}
	b.st.Players = append(b.st.Players, sessionID)
	if err := b.save(); err != nil {
		return err
	}
	if _, err := ctx.Post(channels.KindBot, map[string]any{
		"type":         "player_joined",
		"player":       sessionID,
		"player_count": len(b.st.Players),
	}); err != nil {
		return err
	}
	if len(b.st.Players) >= 2 && !b.st.GameStarted {
		return b.startGame()
	}
	return nil
}

// OnMessage handles guess moves from user messages.
func (b *GuessBot) OnMessage(_ *bots.Context, msg channels.Message) error {
	if msg.Kind != channels.KindUser || b.st.GameEnded {
		return nil
	}
	moveType, _ := msg.Body["type"].(string)
	game, _ := msg.Body["game"].(string)
	if moveType != "move" || game != "guess" {
		return nil
	}
	return b.handleMove(msg.Sender, msg.Body)
}

func (b *GuessBot) startGame() error {
	b.st.GameStarted = true
	if paramString(b.params, "turn_order", "") == "random" {
		mathrand.Shuffle(len(b.st.Players), func(i, j int) {
			b.st.Players[i], b.st.Players[j] = b.st.Players[j], b.st.Players[i]
		})
	}
	if err := b.save(); err != nil {
		return err
	}
	if _, err := b.ctx.Post(channels.KindBot, map[string]any{
		"type":       "game_start",
		"players":    b.st.Players,
		"turn_order": b.st.Players,
	}); err != nil {
		return err
	}
	return b.advanceTurn()
}

func (b *GuessBot) handleMove(sender string, body map[string]any) error {
	if !b.st.GameStarted || len(b.st.Players) == 0 {
		return b.violation("GAME_NOT_STARTED", "Game hasn't started yet")
	}

	current := b.st.Players[b.st.TurnIndex%len(b.st.Players)]
	if sender != current {
		return b.violation("BAD_TURN", "Not your turn. Current player: "+current)
	}

	action, _ := body["action"].(string)
	if action == "" {
		action = "guess"
	}
	if action == "concede" {
		return b.handleConcede(sender)
	}
	if action != "guess" {
		return b.violation("BAD_MOVE", "Unknown action: "+action)
	}

	guess, ok := anyToInt(body["value"])
	if !ok {
		return b.violation("BAD_MOVE", "Guess must be a number")
	}
	if guess < b.st.Range[0] || guess > b.st.Range[1] {
		return b.violation("BAD_MOVE", fmt.Sprintf("Guess must be between %d and %d", b.st.Range[0], b.st.Range[1]))
	}

	return b.processGuess(sender, guess)
}

func (b *GuessBot) processGuess(player string, guess int) error {
	b.st.GuessCount++

	if guess == b.st.Target {
		if _, err := b.ctx.Post(channels.KindBot, map[string]any{
			"type":        "judge",
			"result":      "correct",
			"player":      player,
			"guess":       guess,
			"guess_count": b.st.GuessCount,
		}); err != nil {
			return err
		}
		if err := b.endGame(player, "correct"); err != nil {
			return err
		}
		return b.save()
	}

	result := "low"
	if guess > b.st.Target {
		result = "high"
	}
	if _, err := b.ctx.Post(channels.KindBot, map[string]any{
		"type":        "judge",
		"result":      result,
		"player":      player,
		"guess":       guess,
		"hint":        b.hint(guess),
		"guess_count": b.st.GuessCount,
	}); err != nil {
		return err
	}
	if err := b.advanceTurn(); err != nil {
		return err
	}
	return b.save()
}

func (b *GuessBot) hint(guess int) string {
	distance := guess - b.st.Target
	if distance < 0 {
		distance = -distance
	}
	switch {
	case distance <= 5:
		return "very close!"
	case distance <= 10:
		return "close"
	case distance <= 20:
		return "getting warm"
	default:
		return "cold"
	}
}

func (b *GuessBot) advanceTurn() error {
	if len(b.st.Players) == 0 || b.st.GameEnded {
		return nil
	}
	b.st.TurnIndex = (b.st.TurnIndex + 1) % len(b.st.Players)
	if err := b.save(); err != nil {
		return err
	}
	_, err := b.ctx.Post(channels.KindControl, map[string]any{
		"type":        "bot:turn",
		"player":      b.st.Players[b.st.TurnIndex],
		"turn_number": b.st.GuessCount + 1,
	})
	return err
}

func (b *GuessBot) handleConcede(player string) error {
	if _, err := b.ctx.Post(channels.KindBot, map[string]any{
		"type":   "concede",
		"player": player,
	}); err != nil {
		return err
	}

	for i, p := range b.st.Players {
		if p == player {
			b.st.Players = append(b.st.Players[:i], b.st.Players[i+1:]...)
			break
		}
	}

	if len(b.st.Players) <= 1 {
		winner := ""
		if len(b.st.Players) == 1 {
			winner = b.st.Players[0]
		}
		if err := b.endGame(winner, "concede"); err != nil {
			return err
		}
	} else {
		if b.st.TurnIndex >= len(b.st.Players) {
			b.st.TurnIndex = 0
		}
		if err := b.advanceTurn(); err != nil {
			return err
		}
	}
	return b.save()
}

func (b *GuessBot) endGame(winner, reason string) error {
	b.st.GameEnded = true
	if err := b.save(); err != nil {
		return err
	}

	verified := commitment(b.st.Target, b.st.Nonce) == b.st.Commit
	if _, err := b.ctx.Post(channels.KindControl, map[string]any{
		"type":     "bot:reveal",
		"target":   b.st.Target,
		"nonce":    b.st.Nonce,
		"commit":   b.st.Commit,
		"verified": verified,
	}); err != nil {
		return err
	}

	var winnerValue any
	if winner != "" {
		winnerValue = winner
	}
	if _, err := b.ctx.Post(channels.KindBot, map[string]any{
		"type":          "game_end",
		"winner":        winnerValue,
		"reason":        reason,
		"target":        b.st.Target,
		"total_guesses": b.st.GuessCount,
		"players":       b.st.Players,
	}); err != nil {
		return err
	}
	_, err := b.ctx.Post(channels.KindSystem, map[string]any{"type": "end"})
	return err
}

func (b *GuessBot) postPublicState() error {
	var currentTurn any
	if len(b.st.Players) > 0 {
		currentTurn = b.st.Players[b.st.TurnIndex%len(b.st.Players)]
	}
	_, err := b.ctx.Post(channels.KindControl, map[string]any{
		"type": "bot:state",
		"public_state": map[string]any{
			"mode":         b.st.Mode,
			"range":        []any{b.st.Range[0], b.st.Range[1]},
			"players":      b.st.Players,
			"game_started": b.st.GameStarted,
			"game_ended":   b.st.GameEnded,
			"current_turn": currentTurn,
			"guess_count":  b.st.GuessCount,
		},
	})
	return err
}

func (b *GuessBot) violation(reason, details string) error {
	_, err := b.ctx.Post(channels.KindControl, map[string]any{
		"type":    "violation",
		"reason":  reason,
		"details": details,
	})
	return err
}

func (b *GuessBot) hasPlayer(sessionID string) bool {
	for _, p := range b.st.Players {
		if p == sessionID {
			return true
		}
	}
	return false
}

func (b *GuessBot) save() error {
	encoded, err := encodeState(b.st)
	if err != nil {
		return err
	}
	return b.ctx.SetState(encoded)
}

func commitment(target int, nonce string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d|%s", target, nonce)))
	return hex.EncodeToString(sum[:])
}

// --- param and state plumbing ---

func encodeState(st guessState) (map[string]any, error) {
	raw, err := json.Marshal(st)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func decodeState(state map[string]any, st *guessState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, st)
}

func paramRange(params map[string]any) (int, int) {
	lo, hi := 1, 100
	if rng, ok := params["range"].([]any); ok && len(rng) == 2 {
		if v, ok := anyToInt(rng[0]); ok {
			lo = v
		}
		if v, ok := anyToInt(rng[1]); ok {
			hi = v
		}
	}
	if hi < lo {
		lo, hi = hi, lo
	}
	return lo, hi
}

func paramString(params map[string]any, key, fallback string) string {
	if v, ok := params[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func paramInt(params map[string]any, key string) (int, bool) {
	v, ok := params[key]
	if !ok {
		return 0, false
	}
	return anyToInt(v)
}

func anyToInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	case string:
		var i int
		if _, err := fmt.Sscanf(n, "%d", &i); err != nil {
			return 0, false
		}
		return i, true
	default:
		return 0, false
	}
}
