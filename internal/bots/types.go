package bots

import (
	"time"

	"github.com/mcpmux/mcpmux/internal/channels"
)

// BuiltinScheme prefixes code_ref values resolving to compiled-in bots.
const BuiltinScheme = "builtin://"

// Hook names dispatched to bots.
const (
	HookInit    = "on_init"
	HookJoin    = "on_join"
	HookMessage = "on_message"
)

// Definition is the source material for a bot: exactly one of
// InlineCode or CodeRef, plus an optional manifest.
type Definition struct {
	Name        string            `json:"name"`
	Version     string            `json:"version,omitempty"`
	InlineCode  string            `json:"inline_code,omitempty"`
	CodeRef     string            `json:"code_ref,omitempty"`
	Manifest    map[string]any    `json:"manifest,omitempty"`
	EnvRedacted map[string]string `json:"env_redacted,omitempty"`
}

// Params returns the free-form params block of the manifest.
func (d Definition) Params() map[string]any {
	if d.Manifest == nil {
		return map[string]any{}
	}
	if params, ok := d.Manifest["params"].(map[string]any); ok {
		return params
	}
	return map[string]any{}
}

// Bot is the behavior surface a bot class implements. The object is
// re-created for every hook invocation; durable state lives behind the
// Context.
type Bot interface {
	OnInit(ctx *Context) error
	OnJoin(ctx *Context, sessionID string) error
	OnMessage(ctx *Context, msg channels.Message) error
}

// Factory builds a bot object for one hook invocation. It must be
// idempotent given persisted state: one-shot setup happens only when
// the state read through ctx is empty.
type Factory func(ctx *Context, params map[string]any) (Bot, error)

// AttachResult is returned by AttachBot.
type AttachResult struct {
	BotID        string `json:"bot_id"`
	CodeHash     string `json:"code_hash"`
	ManifestHash string `json:"manifest_hash"`
}

// Info is the per-bot row of get_channel_bots.
type Info struct {
	BotID        string         `json:"bot_id"`
	Name         string         `json:"name"`
	Version      string         `json:"version"`
	Manifest     map[string]any `json:"manifest,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	StateVersion int64          `json:"state_version"`
}

// Code is the transparency payload of get_bot_code.
type Code struct {
	BotID        string         `json:"bot_id"`
	Name         string         `json:"name"`
	Version      string         `json:"version"`
	CodeRef      string         `json:"code_ref,omitempty"`
	InlineCode   string         `json:"inline_code,omitempty"`
	Manifest     map[string]any `json:"manifest,omitempty"`
	CodeHash     string         `json:"code_hash"`
	ManifestHash string         `json:"manifest_hash"`
}

// instance is the runtime record binding a definition to one channel.
type instance struct {
	botID        string
	def          Definition
	factory      Factory
	codeHash     string
	manifestHash string
	state        map[string]any
	stateVersion int64
	createdAt    time.Time
}
