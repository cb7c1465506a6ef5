package builtin_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mcpmux/mcpmux/internal/bots"
	"github.com/mcpmux/mcpmux/internal/bots/builtin"
	"github.com/mcpmux/mcpmux/internal/channels"
	"github.com/mcpmux/mcpmux/internal/sandbox"
)

type game struct {
	t       *testing.T
	store   *channels.Store
	manager *bots.Manager
	channel string
	botID   string
	invites []string
}

func newGame(t *testing.T, params map[string]any) *game {
	t.Helper()
	store := channels.NewStore(nil, channels.NewDispatcher(nil), nil)
	registry := bots.NewRegistry()
	builtin.Register(registry)
	manager := bots.NewManager(nil, store, sandbox.New(nil, 0, t.TempDir()), registry, nil)

	created, err := store.CreateChannel("guess room",
		[]string{"bot:referee", "invite:p1", "invite:p2"}, nil)
	require.NoError(t, err)

	result, err := manager.AttachBot(context.Background(), created.ChannelID, bots.Definition{
		Name:     "GuessBot",
		Version:  "1.0",
		CodeRef:  "builtin://GuessBot",
		Manifest: map[string]any{"params": params},
	})
	require.NoError(t, err)

	return &game{
		t:       t,
		store:   store,
		manager: manager,
		channel: created.ChannelID,
		botID:   result.BotID,
		invites: created.Invites,
	}
}

func (g *game) join(invite, session string) {
	g.t.Helper()
	_, err := g.store.JoinChannel(invite, session)
	require.NoError(g.t, err)
	g.manager.DispatchJoin(context.Background(), g.channel, session)
}

func (g *game) move(session string, body map[string]any) {
	g.t.Helper()
	body["type"] = "move"
	body["game"] = "guess"
	_, msg, err := g.store.PostMessage(g.channel, session, channels.KindUser, body)
	require.NoError(g.t, err)
	g.manager.DispatchMessage(context.Background(), g.channel, msg)
}

func (g *game) messages() []channels.Message {
	g.t.Helper()
	synced, err := g.store.SyncMessages(context.Background(), g.channel, "bot:"+g.botID, 0, 0)
	require.NoError(g.t, err)
	return synced.Messages
}

// lastOfType returns the newest message whose body type matches.
func (g *game) lastOfType(typ string) (channels.Message, bool) {
	msgs := g.messages()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Body["type"] == typ {
			return msgs[i], true
		}
	}
	return channels.Message{}, false
}

func TestAttachPostsPromptCommitAndState(t *testing.T) {
	g := newGame(t, map[string]any{"target": 42})

	prompt, ok := g.lastOfType("prompt")
	require.True(t, ok)
	require.Equal(t, channels.KindBot, prompt.Kind)
	require.Equal(t, "Guess the number between 1 and 100!", prompt.Body["text"])

	commit, ok := g.lastOfType("bot:commit")
	require.True(t, ok)
	require.Equal(t, channels.KindControl, commit.Kind)
	require.Len(t, commit.Body["commit"], 64)

	state, ok := g.lastOfType("bot:state")
	require.True(t, ok)
	public, ok := state.Body["public_state"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, false, public["game_started"])
	require.Equal(t, "number", public["mode"])
}

func TestGameStartsAtTwoPlayersAndSecondJoinerMovesFirst(t *testing.T) {
	g := newGame(t, map[string]any{"target": 42})

	g.join(g.invites[0], "sess_a")
	if _, ok := g.lastOfType("game_start"); ok {
		t.Fatal("game started with a single player")
	}
	joined, ok := g.lastOfType("player_joined")
	require.True(t, ok)
	require.Equal(t, "sess_a", joined.Body["player"])

	g.join(g.invites[1], "sess_b")
	start, ok := g.lastOfType("game_start")
	require.True(t, ok)
	require.Equal(t, []string{"sess_a", "sess_b"}, start.Body["players"])

	turn, ok := g.lastOfType("bot:turn")
	require.True(t, ok)
	require.Equal(t, "sess_b", turn.Body["player"])
}

func TestMoveBeforeStartIsAViolation(t *testing.T) {
	g := newGame(t, map[string]any{"target": 42})
	g.join(g.invites[0], "sess_a")

	g.move("sess_a", map[string]any{"value": 10})
	violation, ok := g.lastOfType("violation")
	require.True(t, ok)
	require.Equal(t, "GAME_NOT_STARTED", violation.Body["reason"])
}

func TestOutOfTurnAndBadMoves(t *testing.T) {
	g := newGame(t, map[string]any{"target": 42})
	g.join(g.invites[0], "sess_a")
	g.join(g.invites[1], "sess_b")

	// sess_b holds the turn after game_start.
	g.move("sess_a", map[string]any{"value": 10})
	violation, _ := g.lastOfType("violation")
	require.Equal(t, "BAD_TURN", violation.Body["reason"])

	g.move("sess_b", map[string]any{"value": "not a number"})
	violation, _ = g.lastOfType("violation")
	require.Equal(t, "BAD_MOVE", violation.Body["reason"])

	g.move("sess_b", map[string]any{"value": 1000})
	violation, _ = g.lastOfType("violation")
	require.Equal(t, "BAD_MOVE", violation.Body["reason"])

	g.move("sess_b", map[string]any{"action": "dance"})
	violation, _ = g.lastOfType("violation")
	require.Equal(t, "BAD_MOVE", violation.Body["reason"])

	// Violations do not consume the turn.
	g.move("sess_b", map[string]any{"value": 50})
	judge, ok := g.lastOfType("judge")
	require.True(t, ok)
	require.Equal(t, "high", judge.Body["result"])
}

func TestJudgeHintsAndTurnRotation(t *testing.T) {
	g := newGame(t, map[string]any{"target": 42})
	g.join(g.invites[0], "sess_a")
	g.join(g.invites[1], "sess_b")

	g.move("sess_b", map[string]any{"value": 50})
	judge, _ := g.lastOfType("judge")
	require.Equal(t, "high", judge.Body["result"])
	require.Equal(t, "close", judge.Body["hint"])

	turn, _ := g.lastOfType("bot:turn")
	require.Equal(t, "sess_a", turn.Body["player"])

	g.move("sess_a", map[string]any{"value": 10})
	judge, _ = g.lastOfType("judge")
	require.Equal(t, "low", judge.Body["result"])
	require.Equal(t, "cold", judge.Body["hint"])

	g.move("sess_b", map[string]any{"value": 40})
	judge, _ = g.lastOfType("judge")
	require.Equal(t, "very close!", judge.Body["hint"])
}

func TestCorrectGuessRevealsAndVerifies(t *testing.T) {
	g := newGame(t, map[string]any{"target": 42})
	g.join(g.invites[0], "sess_a")
	g.join(g.invites[1], "sess_b")

	commit, _ := g.lastOfType("bot:commit")
	committed := commit.Body["commit"].(string)

	g.move("sess_b", map[string]any{"value": 42})

	judge, _ := g.lastOfType("judge")
	require.Equal(t, "correct", judge.Body["result"])
	require.Equal(t, "sess_b", judge.Body["player"])

	reveal, ok := g.lastOfType("bot:reveal")
	require.True(t, ok)
	require.Equal(t, channels.KindControl, reveal.Kind)
	require.Equal(t, 42, reveal.Body["target"])
	require.Equal(t, committed, reveal.Body["commit"])
	require.Equal(t, true, reveal.Body["verified"])

	// The reveal is independently checkable from the transcript alone.
	nonce := reveal.Body["nonce"].(string)
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d|%s", 42, nonce)))
	require.Equal(t, committed, hex.EncodeToString(sum[:]))

	end, _ := g.lastOfType("game_end")
	require.Equal(t, "sess_b", end.Body["winner"])
	require.Equal(t, "correct", end.Body["reason"])
	require.Equal(t, 1, end.Body["total_guesses"])

	if _, ok := g.lastOfType("end"); !ok {
		t.Fatal("missing terminal system message")
	}

	// Moves after the end are ignored.
	before := len(g.messages())
	g.move("sess_a", map[string]any{"value": 42})
	require.Len(t, g.messages(), before+1) // only the user message itself
}

func TestConcedeEndsGameForLastPlayer(t *testing.T) {
	g := newGame(t, map[string]any{"target": 42})
	g.join(g.invites[0], "sess_a")
	g.join(g.invites[1], "sess_b")

	g.move("sess_b", map[string]any{"action": "concede"})

	conceded, ok := g.lastOfType("concede")
	require.True(t, ok)
	require.Equal(t, "sess_b", conceded.Body["player"])

	end, ok := g.lastOfType("game_end")
	require.True(t, ok)
	require.Equal(t, "sess_a", end.Body["winner"])
	require.Equal(t, "concede", end.Body["reason"])

	reveal, ok := g.lastOfType("bot:reveal")
	require.True(t, ok)
	require.Equal(t, true, reveal.Body["verified"])
}

func TestCustomRangeParams(t *testing.T) {
	g := newGame(t, map[string]any{"target": 3, "range": []any{1, 5}})

	prompt, _ := g.lastOfType("prompt")
	require.Equal(t, "Guess the number between 1 and 5!", prompt.Body["text"])

	g.join(g.invites[0], "sess_a")
	g.join(g.invites[1], "sess_b")

	g.move("sess_b", map[string]any{"value": 6})
	violation, _ := g.lastOfType("violation")
	require.Equal(t, "BAD_MOVE", violation.Body["reason"])
}
