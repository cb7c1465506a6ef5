package builtin

import (
	"github.com/mcpmux/mcpmux/internal/bots"
	"github.com/mcpmux/mcpmux/internal/channels"
)

// EchoBot repeats user text back into the channel. It is mostly useful
// as a liveness probe for the hook pipeline.
type EchoBot struct {
	prefix string
}

// NewEchoBot builds the bot; params may carry a "prefix" string.
func NewEchoBot(_ *bots.Context, params map[string]any) (bots.Bot, error) {
	return &EchoBot{prefix: paramString(params, "prefix", "echo: ")}, nil
}

func (e *EchoBot) OnInit(ctx *bots.Context) error {
	_, err := ctx.Post(channels.KindBot, map[string]any{
		"type": "prompt",
		"text": "EchoBot online",
	})
	return err
}

func (e *EchoBot) OnJoin(ctx *bots.Context, sessionID string) error {
	_, err := ctx.Post(channels.KindBot, map[string]any{
		"type":   "greeting",
		"text":   e.prefix + "welcome",
		"player": sessionID,
	})
	return err
}

func (e *EchoBot) OnMessage(ctx *bots.Context, msg channels.Message) error {
	if msg.Kind != channels.KindUser {
		return nil
	}
	text, ok := msg.Body["text"].(string)
	if !ok || text == "" {
		return nil
	}
	_, err := ctx.Post(channels.KindBot, map[string]any{
		"type": "echo",
		"text": e.prefix + text,
		"from": msg.Sender,
	})
	return err
}
