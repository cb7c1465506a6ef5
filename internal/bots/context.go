package bots

import (
	"github.com/mcpmux/mcpmux/internal/channels"
)

// Context is the capability handed to a bot for one hook invocation.
// It is ephemeral: re-created per call, never held between hooks.
type Context struct {
	ChannelID    string
	BotID        string
	WorkspaceDir string

	manager *Manager
}

// Post appends a message to the channel under the bot's synthesized
// sender identity. The body is decorated with bot_id and the current
// state version.
func (c *Context) Post(kind string, body map[string]any) (channels.PostResult, error) {
	return c.manager.PostMessageFromBot(c.ChannelID, c.BotID, kind, body)
}

// GetState returns a copy of the bot's private state; empty map when
// none was written yet.
func (c *Context) GetState() map[string]any {
	return c.manager.GetBotState(c.ChannelID, c.BotID)
}

// SetState replaces the bot's private state with a copy of state and
// bumps the state version.
func (c *Context) SetState(state map[string]any) error {
	return c.manager.SetBotState(c.ChannelID, c.BotID, state)
}

// StateVersion returns the bot's current state version.
func (c *Context) StateVersion() int64 {
	return c.manager.GetBotStateVersion(c.ChannelID, c.BotID)
}
