// Package bots implements the bot runtime: attachment, hook dispatch,
// private versioned state, and the transparency surface.
package bots

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mcpmux/mcpmux/internal/apperr"
	"github.com/mcpmux/mcpmux/internal/channels"
	"github.com/mcpmux/mcpmux/internal/hash"
	"github.com/mcpmux/mcpmux/internal/ids"
	"github.com/mcpmux/mcpmux/internal/metrics"
	"github.com/mcpmux/mcpmux/internal/sandbox"
)

// Manager owns every bot instance and its private state. Hook dispatch
// snapshots the instance set under the lock and invokes hooks outside
// it, so re-entrant posts from hooks cannot deadlock.
type Manager struct {
	store    *channels.Store
	sandbox  *sandbox.Sandbox
	registry *Registry
	metrics  *metrics.Metrics
	logger   *slog.Logger

	mu        sync.Mutex
	instances map[string]map[string]*instance // channel id -> bot id
}

// NewManager creates the bot manager. m may be nil when metrics are
// disabled.
func NewManager(log *slog.Logger, store *channels.Store, sb *sandbox.Sandbox, registry *Registry, m *metrics.Metrics) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		store:     store,
		sandbox:   sb,
		registry:  registry,
		metrics:   m,
		logger:    log.With(slog.String("service", "bots")),
		instances: map[string]map[string]*instance{},
	}
}

// AttachBot resolves a bot definition, binds it into a channel slot,
// posts the transparency system messages, and runs on_init.
func (m *Manager) AttachBot(ctx context.Context, channelID string, def Definition) (AttachResult, error) {
	factory, err := m.resolveDefinition(def)
	if err != nil {
		return AttachResult{}, err
	}

	manifestHash, err := hash.Manifest(def.Manifest)
	if err != nil {
		return AttachResult{}, apperr.Newf(apperr.CodeInvalidRequest, "manifest not hashable: %v", err)
	}
	codeHash := hash.Code(def.InlineCode, def.CodeRef)

	// Id mint, membership binding, and instance insertion happen under
	// one lock acquisition so concurrent attaches cannot mint the same
	// id between them.
	m.mu.Lock()
	set := m.instances[channelID]
	if set == nil {
		set = map[string]*instance{}
		m.instances[channelID] = set
	}
	var botID string
	for idx := len(set); ; idx++ {
		botID = ids.BotID(def.Name, idx)
		if _, taken := set[botID]; !taken {
			break
		}
	}
	if err := m.store.AttachBot(channelID, botID, def.Name); err != nil {
		m.mu.Unlock()
		return AttachResult{}, err
	}
	inst := &instance{
		botID:        botID,
		def:          def,
		factory:      factory,
		codeHash:     codeHash,
		manifestHash: manifestHash,
		state:        map[string]any{},
		createdAt:    time.Now().UTC(),
	}
	set[botID] = inst
	m.mu.Unlock()

	if _, err := m.store.PostSystem(channelID, map[string]any{
		"type":          "bot:attach",
		"bot_id":        botID,
		"name":          def.Name,
		"code_hash":     codeHash,
		"manifest_hash": manifestHash,
	}); err != nil {
		return AttachResult{}, err
	}
	if def.Manifest != nil {
		if _, err := m.store.PostSystem(channelID, map[string]any{
			"type":             "bot:manifest",
			"bot_id":           botID,
			"manifest_excerpt": manifestExcerpt(def),
		}); err != nil {
			return AttachResult{}, err
		}
	}

	if m.metrics != nil {
		m.metrics.BotsAttached.Inc()
	}
	m.logger.Info("bot attached",
		slog.String("channel_id", channelID),
		slog.String("bot_id", botID),
		slog.String("code_hash", codeHash),
	)

	m.invokeHook(ctx, channelID, inst, HookInit, func(hookCtx *Context, b Bot) error {
		return b.OnInit(hookCtx)
	})

	return AttachResult{BotID: botID, CodeHash: codeHash, ManifestHash: manifestHash}, nil
}

func (m *Manager) resolveDefinition(def Definition) (Factory, error) {
	switch {
	case def.CodeRef != "":
		name, ok := strings.CutPrefix(def.CodeRef, BuiltinScheme)
		if !ok {
			return nil, apperr.Newf(apperr.CodeInvalidRequest, "unsupported code_ref %q", def.CodeRef)
		}
		// builtin://bots/GuessBot and builtin://GuessBot both resolve to
		// the trailing segment.
		if idx := strings.LastIndex(name, "/"); idx >= 0 {
			name = name[idx+1:]
		}
		factory, ok := m.registry.Resolve(name)
		if !ok {
			return nil, apperr.Newf(apperr.CodeNoBotClass, "unknown builtin bot %q", name)
		}
		return factory, nil

	case def.InlineCode != "":
		program, err := m.sandbox.Compile(def.InlineCode, def.Name)
		if err != nil {
			return nil, err
		}
		if factory, ok := m.registry.Resolve(program.ClassName); ok {
			return factory, nil
		}
		// Screened source with no compiled-in behavior attaches inert;
		// hashes still bind the code for the transparency protocol.
		return inertFactory, nil

	default:
		return nil, apperr.New(apperr.CodeInvalidRequest, "bot definition requires inline_code or code_ref")
	}
}

// DispatchMessage invokes on_message on every bot attached to the
// channel. Failures are logged and isolated per bot.
func (m *Manager) DispatchMessage(ctx context.Context, channelID string, msg channels.Message) {
	for _, inst := range m.snapshot(channelID) {
		m.invokeHook(ctx, channelID, inst, HookMessage, func(hookCtx *Context, b Bot) error {
			return b.OnMessage(hookCtx, msg)
		})
	}
}

// DispatchJoin invokes on_join on every bot attached to the channel.
func (m *Manager) DispatchJoin(ctx context.Context, channelID, sessionID string) {
	for _, inst := range m.snapshot(channelID) {
		m.invokeHook(ctx, channelID, inst, HookJoin, func(hookCtx *Context, b Bot) error {
			return b.OnJoin(hookCtx, sessionID)
		})
	}
}

// snapshot copies the channel's instance list so hooks run outside the
// manager lock, in attachment order.
func (m *Manager) snapshot(channelID string) []*instance {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.instances[channelID]
	if len(set) == 0 {
		return nil
	}
	out := make([]*instance, 0, len(set))
	for _, inst := range set {
		out = append(out, inst)
	}
	// Map order is random; dispatch in attachment order.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].createdAt.Before(out[j-1].createdAt); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// invokeHook re-creates the bot object and runs one hook under the
// sandbox deadline. Errors never propagate to the triggering caller.
func (m *Manager) invokeHook(ctx context.Context, channelID string, inst *instance, hook string, call func(*Context, Bot) error) {
	workspace, err := m.sandbox.Workspace(channelID, inst.botID)
	if err != nil {
		m.logger.Error("workspace unavailable",
			slog.String("channel_id", channelID),
			slog.String("bot_id", inst.botID),
			slog.Any("error", err),
		)
		return
	}
	hookCtx := &Context{
		ChannelID:    channelID,
		BotID:        inst.botID,
		WorkspaceDir: workspace,
		manager:      m,
	}

	started := time.Now()
	err = m.sandbox.RunHook(ctx, hook, func(context.Context) error {
		bot, err := inst.factory(hookCtx, inst.def.Params())
		if err != nil {
			return err
		}
		return call(hookCtx, bot)
	})
	if m.metrics != nil {
		m.metrics.HookDuration.Observe(time.Since(started).Seconds())
	}
	if err == nil {
		return
	}

	if m.metrics != nil {
		if apperr.Is(err, apperr.CodeHookTimeout) {
			m.metrics.HookTimeouts.Inc()
		} else {
			m.metrics.HookFailures.Inc()
		}
	}
	m.logger.Warn("bot hook failed",
		slog.String("channel_id", channelID),
		slog.String("bot_id", inst.botID),
		slog.String("hook", hook),
		slog.Any("error", err),
	)
}

// PostMessageFromBot appends a channel message under the bot's
// synthesized identity, decorating the body with bot_id and the current
// state version.
func (m *Manager) PostMessageFromBot(channelID, botID, kind string, body map[string]any) (channels.PostResult, error) {
	decorated := make(map[string]any, len(body)+2)
	for k, v := range body {
		decorated[k] = v
	}
	decorated["bot_id"] = botID
	decorated["state_version"] = m.GetBotStateVersion(channelID, botID)

	result, _, err := m.store.PostMessage(channelID, ids.BotSender(botID), kind, decorated)
	return result, err
}

// GetBotState returns a copy of the bot's private state.
func (m *Manager) GetBotState(channelID, botID string) map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inst, ok := m.instances[channelID][botID]; ok {
		return copyState(inst.state)
	}
	return map[string]any{}
}

// SetBotState copies state into the instance and bumps the version.
func (m *Manager) SetBotState(channelID, botID string, state map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[channelID][botID]
	if !ok {
		return apperr.Newf(apperr.CodeBotNotFound, "bot %s is not attached to %s", botID, channelID)
	}
	inst.state = copyState(state)
	inst.stateVersion++
	return nil
}

// GetBotStateVersion returns the monotone state version, zero for
// unknown bots.
func (m *Manager) GetBotStateVersion(channelID, botID string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inst, ok := m.instances[channelID][botID]; ok {
		return inst.stateVersion
	}
	return 0
}

// GetChannelBots lists bots attached to the channel in attachment
// order.
func (m *Manager) GetChannelBots(channelID string) []Info {
	insts := m.snapshot(channelID)
	out := make([]Info, 0, len(insts))
	for _, inst := range insts {
		out = append(out, Info{
			BotID:        inst.botID,
			Name:         inst.def.Name,
			Version:      inst.def.Version,
			Manifest:     inst.def.Manifest,
			CreatedAt:    inst.createdAt,
			StateVersion: inst.stateVersion,
		})
	}
	return out
}

// GetBotCode returns the transparency payload for one bot: source or
// reference, manifest, and both hashes.
func (m *Manager) GetBotCode(channelID, botID string) (Code, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[channelID][botID]
	if !ok {
		return Code{}, apperr.Newf(apperr.CodeBotNotFound, "bot %s is not attached to %s", botID, channelID)
	}
	return Code{
		BotID:        inst.botID,
		Name:         inst.def.Name,
		Version:      inst.def.Version,
		CodeRef:      inst.def.CodeRef,
		InlineCode:   inst.def.InlineCode,
		Manifest:     inst.def.Manifest,
		CodeHash:     inst.codeHash,
		ManifestHash: inst.manifestHash,
	}, nil
}

// DetachByIdentity removes the bot whose id or definition name matches
// the displaced "bot:..." slot holder: instance record, membership
// registration, and workspace.
func (m *Manager) DetachByIdentity(channelID, identity string) {
	suffix := ids.BotSenderSuffix(identity)
	if suffix == "" {
		return
	}

	m.mu.Lock()
	var removed *instance
	set := m.instances[channelID]
	for id, inst := range set {
		if id == suffix || inst.def.Name == suffix {
			removed = inst
			delete(set, id)
			break
		}
	}
	m.mu.Unlock()

	if removed == nil {
		return
	}
	m.store.DetachBot(channelID, removed.botID)
	if err := m.sandbox.RemoveWorkspace(channelID, removed.botID); err != nil {
		m.logger.Warn("workspace cleanup failed",
			slog.String("channel_id", channelID),
			slog.String("bot_id", removed.botID),
			slog.Any("error", err),
		)
	}
	m.logger.Info("bot detached",
		slog.String("channel_id", channelID),
		slog.String("bot_id", removed.botID),
	)
}

func manifestExcerpt(def Definition) map[string]any {
	excerpt := map[string]any{
		"name":    def.Name,
		"version": def.Version,
		"summary": "",
		"hooks":   []any{},
		"emits":   []any{},
	}
	if summary, ok := def.Manifest["summary"].(string); ok {
		excerpt["summary"] = summary
	}
	if hooks, ok := def.Manifest["hooks"].([]any); ok {
		excerpt["hooks"] = hooks
	}
	if emits, ok := def.Manifest["emits"].([]any); ok {
		excerpt["emits"] = emits
	}
	return excerpt
}

func copyState(state map[string]any) map[string]any {
	out := make(map[string]any, len(state))
	for k, v := range state {
		out[k] = v
	}
	return out
}
