package rpc

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/mcpmux/mcpmux/internal/apperr"
	"github.com/mcpmux/mcpmux/internal/bots"
	"github.com/mcpmux/mcpmux/internal/channels"
	"github.com/mcpmux/mcpmux/internal/config"
	"github.com/mcpmux/mcpmux/internal/ids"
	"github.com/mcpmux/mcpmux/internal/version"
)

const protocolVersion = "2025-06-18"

// Facade binds the channel store and bot manager to the tool surface.
// One instance serves both the HTTP JSON-RPC transport and the stdio
// MCP server.
type Facade struct {
	logger   *slog.Logger
	cfg      config.Config
	store    *channels.Store
	bots     *bots.Manager
	registry *ToolRegistry
}

// NewFacade builds the facade and registers every tool.
func NewFacade(log *slog.Logger, cfg config.Config, store *channels.Store, botMgr *bots.Manager) *Facade {
	if log == nil {
		log = slog.Default()
	}
	f := &Facade{
		logger:   log.With(slog.String("service", "rpc")),
		cfg:      cfg,
		store:    store,
		bots:     botMgr,
		registry: NewToolRegistry(),
	}
	f.registerTools()
	return f
}

// Registry exposes the tool registry (tools/list, stdio server wiring).
func (f *Facade) Registry() *ToolRegistry {
	return f.registry
}

// Handle processes one JSON-RPC request. A nil response means the
// request was a notification.
func (f *Facade) Handle(ctx context.Context, sessionID string, req JSONRPCRequest) *JSONRPCResponse {
	if IsNotification(req) {
		return nil
	}

	switch req.Method {
	case "initialize":
		resp := ResultResponse(req.ID, map[string]any{
			"protocolVersion": protocolVersion,
			"capabilities": map[string]any{
				"tools": map[string]any{"listChanged": false},
			},
			"serverInfo": map[string]any{
				"name":    "mcpmux",
				"version": version.Version,
			},
		})
		return &resp
	case "ping":
		resp := ResultResponse(req.ID, map[string]any{})
		return &resp
	case "tools/list":
		resp := ResultResponse(req.ID, map[string]any{"tools": f.registry.List()})
		return &resp
	case "tools/call":
		resp := f.handleToolCall(ctx, sessionID, req)
		return &resp
	default:
		resp := ErrorResponse(req.ID, CodeMethodNotFound, "method not found: "+req.Method)
		return &resp
	}
}

func (f *Facade) handleToolCall(ctx context.Context, sessionID string, req JSONRPCRequest) JSONRPCResponse {
	var params struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return ErrorResponse(req.ID, CodeInvalidParams, "invalid tools/call params")
	}

	handler, _, ok := f.registry.Lookup(params.Name)
	if !ok {
		return ErrorResponse(req.ID, CodeMethodNotFound, "unknown tool: "+params.Name)
	}
	args := params.Arguments
	if args == nil {
		args = map[string]any{}
	}

	result, err := handler(ctx, Call{SessionID: sessionID, Args: args})
	if err != nil {
		f.logger.Warn("tool call failed",
			slog.String("tool", params.Name),
			slog.String("code", apperr.Code(err)),
			slog.String("error", err.Error()))
		return toolFailure(req.ID, err)
	}
	return toolSuccess(req.ID, result)
}

func toolSuccess(id json.RawMessage, payload map[string]any) JSONRPCResponse {
	text, err := json.Marshal(payload)
	if err != nil {
		return ErrorResponse(id, CodeInternalRPC, "encode tool result")
	}
	return ResultResponse(id, map[string]any{
		"content": []any{
			map[string]any{"type": "text", "text": string(text)},
		},
		"structuredContent": payload,
	})
}

func toolFailure(id json.RawMessage, err error) JSONRPCResponse {
	payload := map[string]any{
		"error":   apperr.Code(err),
		"message": err.Error(),
	}
	text, _ := json.Marshal(payload)
	return ResultResponse(id, map[string]any{
		"content": []any{
			map[string]any{"type": "text", "text": string(text)},
		},
		"structuredContent": payload,
		"isError":           true,
	})
}

func (f *Facade) registerTools() {
	mustRegister := func(handler ToolHandler, tool ToolDescriptor) {
		if err := f.registry.Register(handler, tool); err != nil {
			panic(err)
		}
	}

	mustRegister(f.healthCheck, ToolDescriptor{
		Name:        "health_check",
		Description: "Liveness probe.",
	})
	mustRegister(f.createChannel, ToolDescriptor{
		Name:        "create_channel",
		Description: "Create a channel from ordered slot specs, minting one invite per invite slot; optionally attach declared bots.",
		InputSchema: objectSchema(map[string]any{
			"name":  map[string]any{"type": "string"},
			"slots": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"bots":  map[string]any{"type": "array", "items": map[string]any{"type": "object"}},
		}, "name", "slots"),
	})
	mustRegister(f.joinChannel, ToolDescriptor{
		Name:        "join_channel",
		Description: "Claim a slot with a one-time invite code or rebind with a rejoin token.",
		InputSchema: objectSchema(map[string]any{
			"invite_or_rejoin": map[string]any{"type": "string"},
		}, "invite_or_rejoin"),
	})
	mustRegister(f.postMessage, ToolDescriptor{
		Name:        "post_message",
		Description: "Append a message to the channel log as the calling session.",
		InputSchema: objectSchema(map[string]any{
			"channel_id": map[string]any{"type": "string"},
			"kind":       map[string]any{"type": "string"},
			"body":       map[string]any{"type": "object"},
		}, "channel_id", "body"),
	})
	mustRegister(f.makeGameMove, ToolDescriptor{
		Name:        "make_game_move",
		Description: "Post a structured game move as the calling session.",
		InputSchema: objectSchema(map[string]any{
			"channel_id": map[string]any{"type": "string"},
			"game":       map[string]any{"type": "string"},
			"action":     map[string]any{"type": "string"},
			"value":      map[string]any{},
		}, "channel_id", "game"),
	})
	mustRegister(f.syncMessages, ToolDescriptor{
		Name:        "sync_messages",
		Description: "Fetch messages after the cursor, long-polling up to timeout_ms when none are available.",
		InputSchema: objectSchema(map[string]any{
			"channel_id": map[string]any{"type": "string"},
			"cursor":     map[string]any{"type": "integer"},
			"timeout_ms": map[string]any{"type": "integer"},
		}, "channel_id"),
	})
	mustRegister(f.getChannelInfo, ToolDescriptor{
		Name:        "get_channel_info",
		Description: "Current channel view plus attached bots.",
		InputSchema: objectSchema(map[string]any{
			"channel_id": map[string]any{"type": "string"},
		}, "channel_id"),
	})
	mustRegister(f.getBotCode, ToolDescriptor{
		Name:        "get_bot_code",
		Description: "Source or reference, manifest, and hashes for an attached bot.",
		InputSchema: objectSchema(map[string]any{
			"channel_id": map[string]any{"type": "string"},
			"bot_id":     map[string]any{"type": "string"},
		}, "channel_id", "bot_id"),
	})
	mustRegister(f.listChannels, ToolDescriptor{
		Name:        "list_channels",
		Description: "Debug listing of all channels.",
	})
	mustRegister(f.updateChannel, ToolDescriptor{
		Name:        "update_channel",
		Description: "Apply a sequence of admin ops atomically.",
		InputSchema: objectSchema(map[string]any{
			"channel_id": map[string]any{"type": "string"},
			"ops":        map[string]any{"type": "array", "items": map[string]any{"type": "object"}},
		}, "channel_id", "ops"),
	})
}

func (f *Facade) healthCheck(_ context.Context, _ Call) (map[string]any, error) {
	return map[string]any{
		"status":  "ok",
		"service": "mcpmux",
		"version": version.Version,
	}, nil
}

// botSpec is the wire shape of one entry in create_channel's bots[] and
// update_channel's bot_def.
type botSpec struct {
	Name        string            `json:"name"`
	Version     string            `json:"version,omitempty"`
	Summary     string            `json:"summary,omitempty"`
	Slot        string            `json:"slot,omitempty"`
	InlineCode  string            `json:"inline_code,omitempty"`
	CodeRef     string            `json:"code_ref,omitempty"`
	Manifest    map[string]any    `json:"manifest,omitempty"`
	EnvRedacted map[string]string `json:"env_redacted,omitempty"`
}

func (b botSpec) decl() channels.BotDecl {
	return channels.BotDecl{
		Name:    b.Name,
		Version: b.Version,
		Summary: b.Summary,
		Slot:    b.Slot,
	}
}

func (b botSpec) definition() bots.Definition {
	return bots.Definition{
		Name:        b.Name,
		Version:     b.Version,
		InlineCode:  b.InlineCode,
		CodeRef:     b.CodeRef,
		Manifest:    b.Manifest,
		EnvRedacted: b.EnvRedacted,
	}
}

func (f *Facade) createChannel(ctx context.Context, call Call) (map[string]any, error) {
	name := argString(call.Args, "name")
	if name == "" {
		return nil, apperr.New(apperr.CodeInvalidRequest, "name is required")
	}
	slotSpecs, err := argStringSlice(call.Args, "slots")
	if err != nil {
		return nil, err
	}

	var specs []botSpec
	if raw, ok := call.Args["bots"]; ok {
		if err := decodeArg(raw, &specs); err != nil {
			return nil, apperr.New(apperr.CodeInvalidRequest, "bots must be a list of bot specs")
		}
	}
	decls := make([]channels.BotDecl, len(specs))
	for i, spec := range specs {
		if spec.Name == "" {
			return nil, apperr.New(apperr.CodeInvalidRequest, "bot spec requires a name")
		}
		decls[i] = spec.decl()
	}

	created, err := f.store.CreateChannel(name, slotSpecs, decls)
	if err != nil {
		return nil, err
	}
	// A bad bot declaration does not sink the channel; it is created
	// without the bot and the failure is logged.
	for _, spec := range specs {
		if _, err := f.bots.AttachBot(ctx, created.ChannelID, spec.definition()); err != nil {
			f.logger.Warn("bot attach failed at create",
				slog.String("channel_id", created.ChannelID),
				slog.String("bot", spec.Name),
				slog.String("error", err.Error()))
		}
	}

	view, err := f.store.PeekView(created.ChannelID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"channel_id": created.ChannelID,
		"invites":    created.Invites,
		"view":       view,
	}, nil
}

func (f *Facade) joinChannel(ctx context.Context, call Call) (map[string]any, error) {
	sessionID, err := requireSession(call)
	if err != nil {
		return nil, err
	}
	code := argString(call.Args, "invite_or_rejoin")
	if code == "" {
		return nil, apperr.New(apperr.CodeInvalidRequest, "invite_or_rejoin is required")
	}

	joined, err := f.store.JoinChannel(code, sessionID)
	if err != nil {
		return nil, err
	}
	// A rebind keeps the seat; only a fresh occupant counts as a join
	// for the bots watching the channel.
	if !joined.Rejoined {
		f.bots.DispatchJoin(ctx, joined.ChannelID, sessionID)
	}

	view, err := f.store.View(joined.ChannelID, sessionID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"channel_id":   joined.ChannelID,
		"slot_id":      joined.SlotID,
		"rejoin_token": joined.RejoinToken,
		"rejoined":     joined.Rejoined,
		"view":         view,
		"bots":         f.bots.GetChannelBots(joined.ChannelID),
	}, nil
}

func (f *Facade) postMessage(ctx context.Context, call Call) (map[string]any, error) {
	sessionID, err := requireSession(call)
	if err != nil {
		return nil, err
	}
	channelID := argString(call.Args, "channel_id")
	kind := argString(call.Args, "kind")
	if kind == "" {
		kind = channels.KindUser
	}
	body, ok := call.Args["body"].(map[string]any)
	if !ok {
		return nil, apperr.New(apperr.CodeInvalidRequest, "body must be an object")
	}

	posted, msg, err := f.store.PostMessage(channelID, sessionID, kind, body)
	if err != nil {
		return nil, err
	}
	f.bots.DispatchMessage(ctx, channelID, msg)

	return map[string]any{"msg_id": posted.MsgID, "ts": posted.TS}, nil
}

func (f *Facade) makeGameMove(ctx context.Context, call Call) (map[string]any, error) {
	sessionID, err := requireSession(call)
	if err != nil {
		return nil, err
	}
	channelID := argString(call.Args, "channel_id")
	game := argString(call.Args, "game")
	if game == "" {
		return nil, apperr.New(apperr.CodeInvalidRequest, "game is required")
	}
	action := argString(call.Args, "action")
	if action == "" {
		action = "guess"
	}
	body := map[string]any{
		"type":   "move",
		"game":   game,
		"action": action,
	}
	if value, ok := call.Args["value"]; ok {
		body["value"] = value
	}

	posted, msg, err := f.store.PostMessage(channelID, sessionID, channels.KindUser, body)
	if err != nil {
		return nil, err
	}
	f.bots.DispatchMessage(ctx, channelID, msg)

	return map[string]any{"msg_id": posted.MsgID, "ts": posted.TS}, nil
}

func (f *Facade) syncMessages(ctx context.Context, call Call) (map[string]any, error) {
	sessionID, err := requireSession(call)
	if err != nil {
		return nil, err
	}
	channelID := argString(call.Args, "channel_id")
	cursor, _ := argInt64(call.Args, "cursor")

	timeoutMs := f.cfg.Sync.DefaultTimeoutMs
	if raw, ok := argInt64(call.Args, "timeout_ms"); ok {
		timeoutMs = int(raw)
	}
	if timeoutMs > f.cfg.Sync.MaxTimeoutMs {
		timeoutMs = f.cfg.Sync.MaxTimeoutMs
	}
	if timeoutMs < 0 {
		timeoutMs = 0
	}

	synced, err := f.store.SyncMessages(ctx, channelID, sessionID, cursor, time.Duration(timeoutMs)*time.Millisecond)
	if err != nil {
		return nil, err
	}
	out := map[string]any{
		"messages": synced.Messages,
		"cursor":   synced.Cursor,
	}
	if synced.View != nil {
		out["view"] = synced.View
	}
	return out, nil
}

func (f *Facade) getChannelInfo(_ context.Context, call Call) (map[string]any, error) {
	sessionID, err := requireSession(call)
	if err != nil {
		return nil, err
	}
	channelID := argString(call.Args, "channel_id")

	view, err := f.store.View(channelID, sessionID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"view": view,
		"bots": f.bots.GetChannelBots(channelID),
	}, nil
}

func (f *Facade) getBotCode(_ context.Context, call Call) (map[string]any, error) {
	sessionID, err := requireSession(call)
	if err != nil {
		return nil, err
	}
	channelID := argString(call.Args, "channel_id")
	botID := argString(call.Args, "bot_id")

	if _, err := f.store.View(channelID, sessionID); err != nil {
		return nil, err
	}
	code, err := f.bots.GetBotCode(channelID, botID)
	if err != nil {
		return nil, err
	}
	result := map[string]any{
		"bot_id":        code.BotID,
		"name":          code.Name,
		"version":       code.Version,
		"manifest":      code.Manifest,
		"code_hash":     code.CodeHash,
		"manifest_hash": code.ManifestHash,
	}
	// A bot carries one source form; the absent one is omitted rather
	// than sent as an empty string.
	if code.CodeRef != "" {
		result["code_ref"] = code.CodeRef
	}
	if code.InlineCode != "" {
		result["inline_code"] = code.InlineCode
	}
	return result, nil
}

func (f *Facade) listChannels(_ context.Context, _ Call) (map[string]any, error) {
	summaries := f.store.ListChannels()
	return map[string]any{
		"channels": summaries,
		"total":    len(summaries),
	}, nil
}

func (f *Facade) updateChannel(ctx context.Context, call Call) (map[string]any, error) {
	sessionID, err := requireSession(call)
	if err != nil {
		return nil, err
	}
	channelID := argString(call.Args, "channel_id")

	var ops []channels.Op
	if err := decodeArg(call.Args["ops"], &ops); err != nil {
		return nil, apperr.New(apperr.CodeInvalidRequest, "ops must be a list of op objects")
	}
	if len(ops) == 0 {
		return nil, apperr.New(apperr.CodeInvalidRequest, "ops is required")
	}

	_, applied, err := f.store.UpdateChannel(channelID, sessionID, ops)
	if err != nil {
		return nil, err
	}

	// Ops that vacate or rebind a bot slot drive the bot lifecycle after
	// the atomic channel mutation.
	for _, record := range applied {
		if ids.IsBotSender(record.DisplacedHolder) {
			f.bots.DetachByIdentity(channelID, record.DisplacedHolder)
		}
		if record.Op.Type == channels.OpSetBot {
			var spec botSpec
			if err := decodeArg(record.Op.BotDef, &spec); err != nil {
				return nil, apperr.New(apperr.CodeInvalidRequest, "bot_def must be a bot spec object")
			}
			if _, err := f.bots.AttachBot(ctx, channelID, spec.definition()); err != nil {
				return nil, err
			}
		}
	}

	view, err := f.store.View(channelID, sessionID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"ok": true, "view": view}, nil
}

// --- argument plumbing ---

func requireSession(call Call) (string, error) {
	if call.SessionID == "" {
		return "", apperr.New(apperr.CodeNoSession, "session id required")
	}
	return call.SessionID, nil
}

func argString(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func argInt64(args map[string]any, key string) (int64, bool) {
	switch v := args[key].(type) {
	case float64:
		return int64(v), true
	case int:
		return int64(v), true
	case int64:
		return v, true
	case json.Number:
		i, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return i, true
	default:
		return 0, false
	}
}

func argStringSlice(args map[string]any, key string) ([]string, error) {
	raw, ok := args[key].([]any)
	if !ok {
		return nil, apperr.Newf(apperr.CodeInvalidRequest, "%s must be a list of strings", key)
	}
	out := make([]string, len(raw))
	for i, item := range raw {
		s, ok := item.(string)
		if !ok {
			return nil, apperr.Newf(apperr.CodeInvalidRequest, "%s must be a list of strings", key)
		}
		out[i] = s
	}
	return out, nil
}

// decodeArg re-marshals a decoded JSON value into a typed target.
func decodeArg(raw, target any) error {
	if raw == nil {
		return nil
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(encoded, target)
}

func objectSchema(properties map[string]any, required ...string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}
