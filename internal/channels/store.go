// Package channels implements the in-memory channel engine: slots,
// monotonic message logs, invites and rejoin tokens, admin operations,
// and long-poll delivery.
package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mcpmux/mcpmux/internal/apperr"
	"github.com/mcpmux/mcpmux/internal/ids"
	"github.com/mcpmux/mcpmux/internal/metrics"
)

// Store holds every channel, invite, and rejoin token for the process.
// A single store-wide mutex guards the tables and the channel records;
// bot hooks and long-poll waits always run outside it.
type Store struct {
	mu         sync.Mutex
	channels   map[string]*channel
	invites    map[string]invite
	tokens     map[string]rejoinToken
	dispatcher *Dispatcher
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// NewStore creates an empty store. m may be nil when metrics are
// disabled.
func NewStore(log *slog.Logger, dispatcher *Dispatcher, m *metrics.Metrics) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		channels:   map[string]*channel{},
		invites:    map[string]invite{},
		tokens:     map[string]rejoinToken{},
		dispatcher: dispatcher,
		metrics:    m,
		logger:     log.With(slog.String("service", "channels")),
	}
}

// CreateChannel creates a channel from ordered "kind:label" slot specs.
// Invite-kind slots each mint a one-time invite code; bot-kind slots are
// bound to a declared bot when one matches by slot spec or by order.
func (s *Store) CreateChannel(name string, slotSpecs []string, botDecls []BotDecl) (CreateResult, error) {
	if strings.TrimSpace(name) == "" || len(slotSpecs) == 0 {
		return CreateResult{}, apperr.New(apperr.CodeInvalidRequest, "name and slots are required")
	}

	slots := make([]*Slot, 0, len(slotSpecs))
	type pendingInvite struct {
		code   string
		slotID string
	}
	var pending []pendingInvite

	unclaimed := matchableDecls(botDecls)
	for i, spec := range slotSpecs {
		kind, label, err := parseSlotSpec(spec, i)
		if err != nil {
			return CreateResult{}, err
		}
		slot := &Slot{
			SlotID: fmt.Sprintf("s%d", i),
			Kind:   kind,
			Label:  label,
			Admin:  kind == SlotKindBot,
		}
		switch kind {
		case SlotKindInvite:
			pending = append(pending, pendingInvite{code: ids.NewInviteCode(), slotID: slot.SlotID})
		case SlotKindBot:
			if decl := claimDecl(unclaimed, spec); decl != nil {
				slot.FilledBy = ids.BotSender(decl.Name)
			}
		}
		slots = append(slots, slot)
	}

	c := &channel{
		id:        ids.NewChannelID(),
		name:      name,
		slots:     slots,
		bots:      map[string]string{},
		createdAt: time.Now().UTC(),
	}

	s.mu.Lock()
	s.channels[c.id] = c
	inviteCodes := make([]string, 0, len(pending))
	for _, p := range pending {
		s.invites[p.code] = invite{channelID: c.id, slotID: p.slotID}
		inviteCodes = append(inviteCodes, p.code)
	}
	if len(botDecls) > 0 {
		s.appendLocked(c, SenderSystem, KindSystem, map[string]any{
			"type": "bots_announced",
			"bots": announcedBots(slots, botDecls),
		})
	}
	view := c.view()
	s.mu.Unlock()

	s.notifyAppend(c.id, KindSystem)
	if s.metrics != nil {
		s.metrics.ChannelsCreated.Inc()
	}
	s.logger.Info("channel created",
		slog.String("channel_id", c.id),
		slog.String("name", name),
		slog.Int("slots", len(slots)),
	)

	return CreateResult{ChannelID: c.id, Invites: inviteCodes, View: view}, nil
}

// JoinChannel binds a session to a slot using a one-time invite code or
// an idempotent rejoin token. A fresh rejoin token is minted on every
// successful join.
func (s *Store) JoinChannel(code, sessionID string) (JoinResult, error) {
	code = strings.TrimSpace(code)
	if code == "" || sessionID == "" {
		return JoinResult{}, apperr.New(apperr.CodeInvalidRequest, "invite code and session are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if inv, ok := s.invites[code]; ok {
		return s.joinByInviteLocked(code, inv, sessionID)
	}
	if tok, ok := s.tokens[code]; ok {
		return s.joinByTokenLocked(tok, sessionID)
	}
	return JoinResult{}, apperr.New(apperr.CodeInviteInvalid, "unknown invite code or rejoin token")
}

func (s *Store) joinByInviteLocked(code string, inv invite, sessionID string) (JoinResult, error) {
	c, ok := s.channels[inv.channelID]
	if !ok {
		return JoinResult{}, apperr.New(apperr.CodeChannelNotFound, "channel is gone")
	}
	slot := c.slotByID(inv.slotID)
	if slot == nil {
		return JoinResult{}, apperr.New(apperr.CodeSlotNotFound, "invite slot is gone")
	}

	if slot.FilledBy != "" {
		if slot.FilledBy != sessionID {
			return JoinResult{}, apperr.New(apperr.CodeSlotAlreadyFilled, "slot is held by another session")
		}
		// Same session re-presenting its invite: idempotent, the code
		// stays unconsumed and no state changes.
		return JoinResult{
			ChannelID:   c.id,
			SlotID:      slot.SlotID,
			RejoinToken: s.mintTokenLocked(c.id, slot.SlotID),
			Rejoined:    true,
			View:        c.view(),
		}, nil
	}

	slot.FilledBy = sessionID
	delete(s.invites, code)
	if s.metrics != nil {
		s.metrics.InvitesConsumed.Inc()
	}
	s.logger.Info("session joined",
		slog.String("channel_id", c.id),
		slog.String("slot_id", slot.SlotID),
		slog.String("session_id", sessionID),
	)

	return JoinResult{
		ChannelID:   c.id,
		SlotID:      slot.SlotID,
		RejoinToken: s.mintTokenLocked(c.id, slot.SlotID),
		View:        c.view(),
	}, nil
}

func (s *Store) joinByTokenLocked(tok rejoinToken, sessionID string) (JoinResult, error) {
	c, ok := s.channels[tok.channelID]
	if !ok {
		return JoinResult{}, apperr.New(apperr.CodeChannelNotFound, "channel is gone")
	}
	slot := c.slotByID(tok.slotID)
	if slot == nil {
		return JoinResult{}, apperr.New(apperr.CodeSlotNotFound, "slot is gone")
	}

	// Rejoin rebinds the previously held slot to the presenting session,
	// covering reconnects under a fresh transport session id.
	slot.FilledBy = sessionID
	s.logger.Info("session rejoined",
		slog.String("channel_id", c.id),
		slog.String("slot_id", slot.SlotID),
		slog.String("session_id", sessionID),
	)

	return JoinResult{
		ChannelID:   c.id,
		SlotID:      slot.SlotID,
		RejoinToken: s.mintTokenLocked(c.id, slot.SlotID),
		Rejoined:    true,
		View:        c.view(),
	}, nil
}

func (s *Store) mintTokenLocked(channelID, slotID string) string {
	token := ids.NewRejoinToken()
	s.tokens[token] = rejoinToken{channelID: channelID, slotID: slotID}
	return token
}

// PostMessage appends a message from a member principal: a session
// holding a slot, or an attached bot's synthesized identity.
func (s *Store) PostMessage(channelID, sender, kind string, body map[string]any) (PostResult, Message, error) {
	if kind == "" {
		kind = KindUser
	}

	s.mu.Lock()
	c, ok := s.channels[channelID]
	if !ok {
		s.mu.Unlock()
		return PostResult{}, Message{}, apperr.New(apperr.CodeChannelNotFound, "unknown channel")
	}
	if !isMemberLocked(c, sender) {
		s.mu.Unlock()
		return PostResult{}, Message{}, apperr.Newf(apperr.CodeNotMember, "%s does not hold a slot in %s", sender, channelID)
	}
	msg := s.appendLocked(c, sender, kind, body)
	s.mu.Unlock()

	s.notifyAppend(channelID, kind)
	return PostResult{MsgID: msg.ID, TS: msg.TS}, msg, nil
}

// PostSystem appends a system message. Internal entry point: it bypasses
// the member check and is not exposed on the transport.
func (s *Store) PostSystem(channelID string, body map[string]any) (PostResult, error) {
	s.mu.Lock()
	c, ok := s.channels[channelID]
	if !ok {
		s.mu.Unlock()
		return PostResult{}, apperr.New(apperr.CodeChannelNotFound, "unknown channel")
	}
	msg := s.appendLocked(c, SenderSystem, KindSystem, body)
	s.mu.Unlock()

	s.notifyAppend(channelID, KindSystem)
	return PostResult{MsgID: msg.ID, TS: msg.TS}, nil
}

// SyncMessages returns messages with id strictly greater than cursor.
// With a positive timeout and no new messages it parks on the channel
// notifier until an append, the deadline, or ctx cancellation. The
// returned cursor never regresses and advances only when messages are
// returned. View is included on every empty reply.
func (s *Store) SyncMessages(ctx context.Context, channelID, sessionID string, cursor int64, timeout time.Duration) (SyncResult, error) {
	deadline := time.Now().Add(timeout)

	for {
		s.mu.Lock()
		c, ok := s.channels[channelID]
		if !ok {
			s.mu.Unlock()
			return SyncResult{}, apperr.New(apperr.CodeChannelNotFound, "unknown channel")
		}
		if !isMemberLocked(c, sessionID) {
			s.mu.Unlock()
			return SyncResult{}, apperr.Newf(apperr.CodeNotMember, "%s does not hold a slot in %s", sessionID, channelID)
		}
		fresh := messagesAfter(c.messages, cursor)
		view := c.view()
		// The signal must be fetched before the lock is released: any
		// append landing after the emptiness check closes this exact
		// generation, so the wakeup cannot be lost in the gap.
		var sig <-chan struct{}
		if len(fresh) == 0 && timeout > 0 {
			sig = s.dispatcher.Signal(channelID)
		}
		s.mu.Unlock()

		if len(fresh) > 0 {
			return SyncResult{
				Messages: fresh,
				Cursor:   fresh[len(fresh)-1].ID,
			}, nil
		}

		if sig == nil || !s.dispatcher.Wait(ctx, sig, deadline) {
			return SyncResult{
				Messages: []Message{},
				Cursor:   cursor,
				View:     &view,
			}, nil
		}
	}
}

// UpdateChannel applies admin ops atomically in order. The caller must
// hold an admin slot. Each applied op appends one "<type>_applied"
// system message carrying the op record.
func (s *Store) UpdateChannel(channelID, sessionID string, ops []Op) (View, []AppliedOp, error) {
	if len(ops) == 0 {
		return View{}, nil, apperr.New(apperr.CodeInvalidRequest, "ops are required")
	}

	s.mu.Lock()
	c, ok := s.channels[channelID]
	if !ok {
		s.mu.Unlock()
		return View{}, nil, apperr.New(apperr.CodeChannelNotFound, "unknown channel")
	}
	if !isAdminLocked(c, sessionID) {
		s.mu.Unlock()
		return View{}, nil, apperr.Newf(apperr.CodeNotAdmin, "%s does not hold an admin slot in %s", sessionID, channelID)
	}

	// Validate the whole batch before mutating anything so the sequence
	// applies atomically.
	for _, op := range ops {
		if err := validateOpLocked(c, op); err != nil {
			s.mu.Unlock()
			return View{}, nil, err
		}
	}

	applied := make([]AppliedOp, 0, len(ops))
	for _, op := range ops {
		record := s.applyOpLocked(c, op)
		applied = append(applied, record)
		s.appendLocked(c, SenderSystem, KindSystem, map[string]any{
			"type": op.Type + "_applied",
			"op":   opRecord(op),
		})
	}
	view := c.view()
	s.mu.Unlock()

	s.notifyAppend(channelID, KindSystem)
	s.logger.Info("channel updated",
		slog.String("channel_id", channelID),
		slog.String("session_id", sessionID),
		slog.Int("ops", len(ops)),
	)
	return view, applied, nil
}

// AttachBot registers an attached bot for membership checks and binds
// it into a slot: the first unfilled bot-kind slot, else a bot slot
// already pre-bound to this bot name at creation, else a freshly
// appended bot slot.
func (s *Store) AttachBot(channelID, botID, name string) error {
	sender := ids.BotSender(name)

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.channels[channelID]
	if !ok {
		return apperr.New(apperr.CodeChannelNotFound, "unknown channel")
	}

	var target *Slot
	for _, slot := range c.slots {
		if slot.Kind == SlotKindBot && slot.FilledBy == "" {
			target = slot
			break
		}
	}
	if target == nil {
		for _, slot := range c.slots {
			if slot.Kind == SlotKindBot && slot.FilledBy == sender {
				target = slot
				break
			}
		}
	}
	if target == nil {
		target = &Slot{
			SlotID: fmt.Sprintf("s%d", len(c.slots)),
			Kind:   SlotKindBot,
			Label:  sender,
			Admin:  true,
		}
		c.slots = append(c.slots, target)
	}
	target.FilledBy = sender
	target.Admin = true

	c.bots[botID] = name
	c.botOrder = append(c.botOrder, botID)
	return nil
}

// DetachBot unregisters a bot from membership checks. Slot changes are
// driven separately through admin ops.
func (s *Store) DetachBot(channelID, botID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.channels[channelID]
	if !ok {
		return
	}
	delete(c.bots, botID)
	for i, id := range c.botOrder {
		if id == botID {
			c.botOrder = append(c.botOrder[:i], c.botOrder[i+1:]...)
			break
		}
	}
}

// BotCount returns the number of bots currently attached to a channel.
func (s *Store) BotCount(channelID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.channels[channelID]; ok {
		return len(c.bots)
	}
	return 0
}

// View returns the channel view, enforcing membership.
func (s *Store) View(channelID, principal string) (View, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.channels[channelID]
	if !ok {
		return View{}, apperr.New(apperr.CodeChannelNotFound, "unknown channel")
	}
	if !isMemberLocked(c, principal) {
		return View{}, apperr.Newf(apperr.CodeNotMember, "%s does not hold a slot in %s", principal, channelID)
	}
	return c.view(), nil
}

// PeekView returns the channel view without a membership check.
// Internal entry point for creation replies and server-side handlers;
// not exposed on the transport as a member operation.
func (s *Store) PeekView(channelID string) (View, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.channels[channelID]
	if !ok {
		return View{}, apperr.New(apperr.CodeChannelNotFound, "unknown channel")
	}
	return c.view(), nil
}

// IsMember reports whether principal holds a slot (sessions) or is an
// attached bot identity in the channel.
func (s *Store) IsMember(channelID, principal string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.channels[channelID]
	if !ok {
		return false
	}
	return isMemberLocked(c, principal)
}

// ListChannels returns a summary for every channel.
func (s *Store) ListChannels() []Summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Summary, 0, len(s.channels))
	for _, c := range s.channels {
		v := c.view()
		out = append(out, Summary{
			ChannelID:    c.id,
			Name:         c.name,
			Slots:        v.Slots,
			MessageCount: len(c.messages),
			Bots:         append([]string(nil), c.botOrder...),
		})
	}
	return out
}

// --- internals ---

func (s *Store) appendLocked(c *channel, sender, kind string, body map[string]any) Message {
	c.nextMsgID++
	msg := Message{
		ID:        c.nextMsgID,
		ChannelID: c.id,
		Sender:    sender,
		Kind:      kind,
		Body:      copyBody(body),
		TS:        time.Now().UTC(),
	}
	c.messages = append(c.messages, msg)
	return msg
}

func (s *Store) notifyAppend(channelID, kind string) {
	s.dispatcher.Notify(channelID)
	if s.metrics != nil {
		s.metrics.MessagesTotal.WithLabelValues(kind).Inc()
	}
}

// isMemberLocked implements the membership rule. Bot senders pass only
// when the suffix names an attached bot id or an attached bot's
// definition name.
func isMemberLocked(c *channel, principal string) bool {
	if suffix := ids.BotSenderSuffix(principal); suffix != "" {
		if _, ok := c.bots[suffix]; ok {
			return true
		}
		for _, name := range c.bots {
			if name == suffix {
				return true
			}
		}
		return false
	}
	for _, slot := range c.slots {
		if slot.FilledBy != "" && slot.FilledBy == principal {
			return true
		}
	}
	return false
}

func isAdminLocked(c *channel, principal string) bool {
	for _, slot := range c.slots {
		if slot.Admin && slot.FilledBy != "" && slot.FilledBy == principal {
			return true
		}
	}
	return false
}

func messagesAfter(log []Message, cursor int64) []Message {
	// The log is append-only and ids are monotonic, so scan from the
	// tail for the first id <= cursor.
	idx := len(log)
	for idx > 0 && log[idx-1].ID > cursor {
		idx--
	}
	if idx == len(log) {
		return nil
	}
	return append([]Message(nil), log[idx:]...)
}

func copyBody(body map[string]any) map[string]any {
	if body == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(body))
	for k, v := range body {
		out[k] = v
	}
	return out
}

func parseSlotSpec(spec string, index int) (kind, label string, err error) {
	kind, label, found := strings.Cut(spec, ":")
	if !found || label == "" {
		label = fmt.Sprintf("%s_%d", kind, index)
	}
	if kind != SlotKindBot && kind != SlotKindInvite {
		return "", "", apperr.Newf(apperr.CodeInvalidRequest, "unknown slot kind in %q", spec)
	}
	return kind, label, nil
}

func matchableDecls(decls []BotDecl) []*BotDecl {
	out := make([]*BotDecl, len(decls))
	for i := range decls {
		out[i] = &decls[i]
	}
	return out
}

// claimDecl pops the declaration pinned to this slot spec, else the
// first unpinned one.
func claimDecl(unclaimed []*BotDecl, spec string) *BotDecl {
	for i, d := range unclaimed {
		if d != nil && d.Slot == spec {
			unclaimed[i] = nil
			return d
		}
	}
	for i, d := range unclaimed {
		if d != nil && d.Slot == "" {
			unclaimed[i] = nil
			return d
		}
	}
	return nil
}

func announcedBots(slots []*Slot, decls []BotDecl) []map[string]any {
	out := make([]map[string]any, 0, len(decls))
	botSlots := make([]*Slot, 0, len(slots))
	for _, s := range slots {
		if s.Kind == SlotKindBot {
			botSlots = append(botSlots, s)
		}
	}
	for i, d := range decls {
		entry := map[string]any{
			"name":    d.Name,
			"version": d.Version,
			"summary": d.Summary,
		}
		if i < len(botSlots) {
			entry["slot_id"] = botSlots[i].SlotID
		}
		out = append(out, entry)
	}
	return out
}
