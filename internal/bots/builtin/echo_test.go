package builtin_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mcpmux/mcpmux/internal/bots"
	"github.com/mcpmux/mcpmux/internal/bots/builtin"
	"github.com/mcpmux/mcpmux/internal/channels"
	"github.com/mcpmux/mcpmux/internal/sandbox"
)

func newEcho(t *testing.T, params map[string]any) *game {
	t.Helper()
	store := channels.NewStore(nil, channels.NewDispatcher(nil), nil)
	registry := bots.NewRegistry()
	builtin.Register(registry)
	manager := bots.NewManager(nil, store, sandbox.New(nil, 0, t.TempDir()), registry, nil)

	created, err := store.CreateChannel("echo room",
		[]string{"bot:echo", "invite:p1"}, nil)
	require.NoError(t, err)

	def := bots.Definition{Name: "EchoBot", CodeRef: "builtin://EchoBot"}
	if params != nil {
		def.Manifest = map[string]any{"params": params}
	}
	result, err := manager.AttachBot(context.Background(), created.ChannelID, def)
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

func TestEchoRepeatsUserText(t *testing.T) {
	g := newEcho(t, nil)
	g.join(g.invites[0], "sess_a")

	greeting, ok := g.lastOfType("greeting")
	require.True(t, ok)
	require.Equal(t, "echo: welcome", greeting.Body["text"])

	_, msg, err := g.store.PostMessage(g.channel, "sess_a", channels.KindUser, map[string]any{"text": "hello"})
	require.NoError(t, err)
	g.manager.DispatchMessage(context.Background(), g.channel, msg)

	echo, ok := g.lastOfType("echo")
	require.True(t, ok)
	require.Equal(t, "echo: hello", echo.Body["text"])
	require.Equal(t, "sess_a", echo.Body["from"])
}

func TestEchoCustomPrefixAndSilence(t *testing.T) {
	g := newEcho(t, map[string]any{"prefix": "> "})
	g.join(g.invites[0], "sess_a")

	// Bot and control messages are not echoed back.
	before := len(g.messages())
	g.manager.DispatchMessage(context.Background(), g.channel, channels.Message{
		Kind: channels.KindBot, Body: map[string]any{"text": "loop"},
	})
	require.Len(t, g.messages(), before)

	_, msg, err := g.store.PostMessage(g.channel, "sess_a", channels.KindUser, map[string]any{"text": "ping"})
	require.NoError(t, err)
	g.manager.DispatchMessage(context.Background(), g.channel, msg)

	echo, ok := g.lastOfType("echo")
	require.True(t, ok)
	require.Equal(t, "> ping", echo.Body["text"])
}
