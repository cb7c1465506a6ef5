package rpc

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mcpmux/mcpmux/internal/apperr"
	"github.com/mcpmux/mcpmux/internal/bots"
	"github.com/mcpmux/mcpmux/internal/bots/builtin"
	"github.com/mcpmux/mcpmux/internal/channels"
	"github.com/mcpmux/mcpmux/internal/config"
	"github.com/mcpmux/mcpmux/internal/sandbox"
)

func newTestFacade(t *testing.T) *Facade {
	t.Helper()
	cfg := config.Config{
		Sync: config.SyncConfig{DefaultTimeoutMs: 10, MaxTimeoutMs: 100},
	}
	store := channels.NewStore(nil, channels.NewDispatcher(nil), nil)
	registry := bots.NewRegistry()
	builtin.Register(registry)
	manager := bots.NewManager(nil, store, sandbox.New(nil, 0, t.TempDir()), registry, nil)
	return NewFacade(nil, cfg, store, manager)
}

func call(t *testing.T, f *Facade, sessionID, tool string, args map[string]any) map[string]any {
	t.Helper()
	payload := toolResult(t, f, sessionID, tool, args)
	if payload["isError"] == true {
		t.Fatalf("tool %s failed: %v", tool, payload["structuredContent"])
	}
	return payload["structuredContent"].(map[string]any)
}

func callExpectError(t *testing.T, f *Facade, sessionID, tool string, args map[string]any, code string) {
	t.Helper()
	payload := toolResult(t, f, sessionID, tool, args)
	require.Equal(t, true, payload["isError"], "tool %s unexpectedly succeeded", tool)
	structured := payload["structuredContent"].(map[string]any)
	require.Equal(t, code, structured["error"])
	require.NotEmpty(t, structured["message"])
}

func toolResult(t *testing.T, f *Facade, sessionID, tool string, args map[string]any) map[string]any {
	t.Helper()
	req, err := NewToolCallRequest("t1", tool, args)
	require.NoError(t, err)
	resp := f.Handle(context.Background(), sessionID, req)
	require.NotNil(t, resp)
	require.Nil(t, resp.Error, "unexpected transport error: %+v", resp.Error)
	return resp.Result.(map[string]any)
}

func TestInitializeAndPing(t *testing.T) {
	f := newTestFacade(t)

	resp := f.Handle(context.Background(), "", JSONRPCRequest{
		JSONRPC: "2.0", ID: RawStringID("1"), Method: "initialize",
	})
	require.NotNil(t, resp)
	result := resp.Result.(map[string]any)
	require.Equal(t, protocolVersion, result["protocolVersion"])
	info := result["serverInfo"].(map[string]any)
	require.Equal(t, "mcpmux", info["name"])

	resp = f.Handle(context.Background(), "", JSONRPCRequest{
		JSONRPC: "2.0", ID: RawStringID("2"), Method: "ping",
	})
	require.NotNil(t, resp)
	require.Nil(t, resp.Error)
}

func TestToolsListExposesEveryTool(t *testing.T) {
	f := newTestFacade(t)
	resp := f.Handle(context.Background(), "", JSONRPCRequest{
		JSONRPC: "2.0", ID: RawStringID("1"), Method: "tools/list",
	})
	require.NotNil(t, resp)

	tools := resp.Result.(map[string]any)["tools"].([]ToolDescriptor)
	names := make([]string, len(tools))
	for i, tool := range tools {
		names[i] = tool.Name
		require.NotNil(t, tool.InputSchema, "tool %s missing schema", tool.Name)
	}
	require.Equal(t, []string{
		"create_channel",
		"get_bot_code",
		"get_channel_info",
		"health_check",
		"join_channel",
		"list_channels",
		"make_game_move",
		"post_message",
		"sync_messages",
		"update_channel",
	}, names)
}

func TestUnknownMethodAndTool(t *testing.T) {
	f := newTestFacade(t)

	resp := f.Handle(context.Background(), "", JSONRPCRequest{
		JSONRPC: "2.0", ID: RawStringID("1"), Method: "resources/list",
	})
	require.NotNil(t, resp.Error)
	require.Equal(t, CodeMethodNotFound, resp.Error.Code)

	req, err := NewToolCallRequest("2", "no_such_tool", nil)
	require.NoError(t, err)
	resp = f.Handle(context.Background(), "", req)
	require.NotNil(t, resp.Error)
	require.Equal(t, CodeMethodNotFound, resp.Error.Code)
}

func TestNotificationsProduceNoResponse(t *testing.T) {
	f := newTestFacade(t)
	resp := f.Handle(context.Background(), "", JSONRPCRequest{
		JSONRPC: "2.0", Method: "notifications/initialized",
	})
	require.Nil(t, resp)
}

func TestHealthCheck(t *testing.T) {
	f := newTestFacade(t)
	payload := call(t, f, "", "health_check", nil)
	require.Equal(t, "ok", payload["status"])
	require.Equal(t, "mcpmux", payload["service"])
}

func TestSessionRequiredTools(t *testing.T) {
	f := newTestFacade(t)
	for _, tool := range []string{
		"join_channel", "post_message", "make_game_move",
		"sync_messages", "get_channel_info", "get_bot_code", "update_channel",
	} {
		callExpectError(t, f, "", tool, map[string]any{"channel_id": "chn_x"}, apperr.CodeNoSession)
	}
}

func TestCreateJoinPostSyncFlow(t *testing.T) {
	f := newTestFacade(t)

	created := call(t, f, "sess_admin", "create_channel", map[string]any{
		"name":  "flow",
		"slots": []any{"invite:p1", "invite:p2"},
	})
	channelID := created["channel_id"].(string)
	require.NotEmpty(t, channelID)
	invites := created["invites"].([]string)
	require.Len(t, invites, 2)

	joined := call(t, f, "sess_a", "join_channel", map[string]any{
		"invite_or_rejoin": invites[0],
	})
	require.Equal(t, channelID, joined["channel_id"])
	require.NotEmpty(t, joined["rejoin_token"])

	posted := call(t, f, "sess_a", "post_message", map[string]any{
		"channel_id": channelID,
		"body":       map[string]any{"text": "hello"},
	})
	msgID := posted["msg_id"].(int64)
	require.Positive(t, msgID)

	synced := call(t, f, "sess_a", "sync_messages", map[string]any{
		"channel_id": channelID,
		"cursor":     float64(0),
		"timeout_ms": float64(0),
	})
	msgs := synced["messages"].([]channels.Message)
	require.NotEmpty(t, msgs)
	last := msgs[len(msgs)-1]
	require.Equal(t, "hello", last.Body["text"])
	require.EqualValues(t, msgID, synced["cursor"])

	// Caught-up sync carries the channel view instead of messages.
	synced = call(t, f, "sess_a", "sync_messages", map[string]any{
		"channel_id": channelID,
		"cursor":     float64(msgID),
		"timeout_ms": float64(0),
	})
	require.Empty(t, synced["messages"])
	require.Contains(t, synced, "view")
	require.EqualValues(t, msgID, synced["cursor"])
}

func TestJoinFailures(t *testing.T) {
	f := newTestFacade(t)
	callExpectError(t, f, "sess_a", "join_channel",
		map[string]any{"invite_or_rejoin": "inv_nope"}, apperr.CodeInviteInvalid)
	callExpectError(t, f, "sess_a", "join_channel",
		map[string]any{}, apperr.CodeInvalidRequest)
}

func TestPostRequiresMembership(t *testing.T) {
	f := newTestFacade(t)
	created := call(t, f, "sess_admin", "create_channel", map[string]any{
		"name":  "closed",
		"slots": []any{"invite:p1"},
	})
	callExpectError(t, f, "sess_outsider", "post_message", map[string]any{
		"channel_id": created["channel_id"],
		"body":       map[string]any{"text": "hi"},
	}, apperr.CodeNotMember)
}

func TestCreateWithBotAndPlayThroughFacade(t *testing.T) {
	f := newTestFacade(t)

	created := call(t, f, "sess_admin", "create_channel", map[string]any{
		"name":  "guess",
		"slots": []any{"bot:referee", "invite:p1", "invite:p2"},
		"bots": []any{map[string]any{
			"name":     "GuessBot",
			"code_ref": "builtin://GuessBot",
			"manifest": map[string]any{"params": map[string]any{"target": float64(7)}},
		}},
	})
	channelID := created["channel_id"].(string)
	invites := created["invites"].([]string)
	require.Len(t, invites, 2)

	joined := call(t, f, "sess_a", "join_channel", map[string]any{"invite_or_rejoin": invites[0]})
	botList := joined["bots"].([]bots.Info)
	require.Len(t, botList, 1)
	require.Equal(t, "GuessBot", botList[0].Name)

	call(t, f, "sess_b", "join_channel", map[string]any{"invite_or_rejoin": invites[1]})

	// Second joiner holds the opening turn.
	call(t, f, "sess_b", "make_game_move", map[string]any{
		"channel_id": channelID,
		"game":       "guess",
		"value":      float64(7),
	})

	synced := call(t, f, "sess_a", "sync_messages", map[string]any{
		"channel_id": channelID,
		"timeout_ms": float64(0),
	})
	var sawWin bool
	for _, msg := range synced["messages"].([]channels.Message) {
		if msg.Body["type"] == "game_end" {
			require.Equal(t, "sess_b", msg.Body["winner"])
			sawWin = true
		}
	}
	require.True(t, sawWin, "expected a game_end message")

	// Transparency: hashes via get_bot_code match the attach announcement.
	info := call(t, f, "sess_a", "get_channel_info", map[string]any{"channel_id": channelID})
	botID := info["bots"].([]bots.Info)[0].BotID

	code := call(t, f, "sess_a", "get_bot_code", map[string]any{
		"channel_id": channelID,
		"bot_id":     botID,
	})
	require.Equal(t, "builtin://GuessBot", code["code_ref"])
	require.NotEmpty(t, code["code_hash"])
	require.NotEmpty(t, code["manifest_hash"])
}

func TestRejoinDoesNotReplayJoinHooks(t *testing.T) {
	f := newTestFacade(t)
	created := call(t, f, "sess_admin", "create_channel", map[string]any{
		"name":  "guess",
		"slots": []any{"bot:referee", "invite:p1", "invite:p2"},
		"bots": []any{map[string]any{
			"name":     "GuessBot",
			"code_ref": "builtin://GuessBot",
			"manifest": map[string]any{"params": map[string]any{"target": float64(7)}},
		}},
	})
	channelID := created["channel_id"].(string)
	invites := created["invites"].([]string)

	joinedA := call(t, f, "sess_a", "join_channel", map[string]any{"invite_or_rejoin": invites[0]})
	require.Equal(t, false, joinedA["rejoined"])
	call(t, f, "sess_b", "join_channel", map[string]any{"invite_or_rejoin": invites[1]})

	// Reconnect under a fresh transport session; the seat moves but the
	// bot must not greet a third player.
	token := joinedA["rejoin_token"].(string)
	rejoined := call(t, f, "sess_a2", "join_channel", map[string]any{"invite_or_rejoin": token})
	require.Equal(t, true, rejoined["rejoined"])
	require.Equal(t, joinedA["slot_id"], rejoined["slot_id"])

	synced := call(t, f, "sess_a2", "sync_messages", map[string]any{
		"channel_id": channelID,
		"timeout_ms": float64(0),
	})
	var joins int
	var lastCount any
	for _, msg := range synced["messages"].([]channels.Message) {
		if msg.Body["type"] == "player_joined" {
			joins++
			lastCount = msg.Body["player_count"]
		}
	}
	require.Equal(t, 2, joins, "reconnect must not be announced as a new player")
	require.EqualValues(t, 2, lastCount)

	// The game proceeds as if nothing happened; the opening turn still
	// belongs to the second joiner.
	call(t, f, "sess_b", "make_game_move", map[string]any{
		"channel_id": channelID,
		"game":       "guess",
		"value":      float64(7),
	})
	synced = call(t, f, "sess_a2", "sync_messages", map[string]any{
		"channel_id": channelID,
		"cursor":     synced["cursor"],
		"timeout_ms": float64(0),
	})
	var ended bool
	for _, msg := range synced["messages"].([]channels.Message) {
		if msg.Body["type"] == "game_end" {
			ended = true
		}
	}
	require.True(t, ended, "game wedged after a reconnect")
}

func TestGetBotCodeRequiresMembership(t *testing.T) {
	f := newTestFacade(t)
	created := call(t, f, "sess_admin", "create_channel", map[string]any{
		"name":  "private",
		"slots": []any{"bot:b", "invite:p1"},
		"bots":  []any{map[string]any{"name": "EchoBot", "code_ref": "builtin://EchoBot"}},
	})
	callExpectError(t, f, "sess_outsider", "get_bot_code", map[string]any{
		"channel_id": created["channel_id"],
		"bot_id":     "bot_EchoBot_0",
	}, apperr.CodeNotMember)
}

func TestCreateChannelSurvivesBadBotDeclaration(t *testing.T) {
	f := newTestFacade(t)
	created := call(t, f, "sess_admin", "create_channel", map[string]any{
		"name":  "haunted",
		"slots": []any{"bot:b", "invite:p1"},
		"bots":  []any{map[string]any{"name": "Ghost", "code_ref": "builtin://Ghost"}},
	})
	require.NotEmpty(t, created["channel_id"])

	invites := created["invites"].([]string)
	joined := call(t, f, "sess_a", "join_channel", map[string]any{"invite_or_rejoin": invites[0]})
	require.Empty(t, joined["bots"].([]bots.Info))
}

func TestGetBotCodeOmitsAbsentSourceForm(t *testing.T) {
	f := newTestFacade(t)
	created := call(t, f, "sess_admin", "create_channel", map[string]any{
		"name":  "mixed",
		"slots": []any{"bot:a", "bot:b", "invite:p1"},
		"bots": []any{
			map[string]any{"name": "EchoBot", "code_ref": "builtin://EchoBot"},
			map[string]any{
				"name":        "ShadowBot",
				"inline_code": "class ShadowBot:\n    def on_init(self, ctx):\n        pass\n",
			},
		},
	})
	channelID := created["channel_id"].(string)
	invites := created["invites"].([]string)
	call(t, f, "sess_a", "join_channel", map[string]any{"invite_or_rejoin": invites[0]})

	byRef := call(t, f, "sess_a", "get_bot_code", map[string]any{
		"channel_id": channelID,
		"bot_id":     "bot_EchoBot_0",
	})
	require.Equal(t, "builtin://EchoBot", byRef["code_ref"])
	require.NotContains(t, byRef, "inline_code")

	inline := call(t, f, "sess_a", "get_bot_code", map[string]any{
		"channel_id": channelID,
		"bot_id":     "bot_ShadowBot_0",
	})
	require.Contains(t, inline["inline_code"], "class ShadowBot")
	require.NotContains(t, inline, "code_ref")
	require.NotEmpty(t, inline["code_hash"])
}

func TestUpdateChannelRequiresAdmin(t *testing.T) {
	f := newTestFacade(t)
	created := call(t, f, "sess_admin", "create_channel", map[string]any{
		"name":  "locked",
		"slots": []any{"invite:p1"},
	})
	invites := created["invites"].([]string)
	call(t, f, "sess_a", "join_channel", map[string]any{"invite_or_rejoin": invites[0]})

	callExpectError(t, f, "sess_a", "update_channel", map[string]any{
		"channel_id": created["channel_id"],
		"ops":        []any{map[string]any{"type": "rename", "name": "renamed"}},
	}, apperr.CodeNotAdmin)

	callExpectError(t, f, "sess_a", "update_channel", map[string]any{
		"channel_id": created["channel_id"],
		"ops":        []any{},
	}, apperr.CodeInvalidRequest)
}

func TestListChannels(t *testing.T) {
	f := newTestFacade(t)
	call(t, f, "sess_admin", "create_channel", map[string]any{
		"name":  "one",
		"slots": []any{"invite:p1"},
	})
	listed := call(t, f, "", "list_channels", nil)
	require.EqualValues(t, 1, listed["total"])
	require.Len(t, listed["channels"].([]channels.Summary), 1)
}

func TestToolCallWithMalformedParams(t *testing.T) {
	f := newTestFacade(t)
	resp := f.Handle(context.Background(), "", JSONRPCRequest{
		JSONRPC: "2.0",
		ID:      RawStringID("1"),
		Method:  "tools/call",
		Params:  json.RawMessage(`"not an object"`),
	})
	require.NotNil(t, resp.Error)
	require.Equal(t, CodeInvalidParams, resp.Error.Code)
}
