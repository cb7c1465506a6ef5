package channels

import (
	"time"
)

// Slot kinds.
const (
	SlotKindBot    = "bot"
	SlotKindInvite = "invite"
)

// Message kinds.
const (
	KindUser    = "user"
	KindBot     = "bot"
	KindSystem  = "system"
	KindControl = "control"
)

// SenderSystem is the sender identity of core-emitted messages.
const SenderSystem = "system"

// Slot is a participant seat in a channel. FilledBy is a session id, a
// synthesized "bot:..." identity, or empty when vacant.
type Slot struct {
	SlotID   string `json:"slot_id"`
	Kind     string `json:"kind"`
	Label    string `json:"label"`
	FilledBy string `json:"filled_by,omitempty"`
	Admin    bool   `json:"admin"`
}

// Message is an immutable channel log entry. IDs are strictly monotonic
// within a channel.
type Message struct {
	ID        int64          `json:"id"`
	ChannelID string         `json:"channel_id"`
	Sender    string         `json:"sender"`
	Kind      string         `json:"kind"`
	Body      map[string]any `json:"body"`
	TS        time.Time      `json:"ts"`
}

// View is the external representation of a channel's composition.
type View struct {
	ChannelID string    `json:"channel_id"`
	Name      string    `json:"name"`
	Slots     []Slot    `json:"slots"`
	CreatedAt time.Time `json:"created_at"`
}

// BotDecl names a bot declared at channel creation, optionally pinned
// to a specific slot spec string (e.g. "bot:referee").
type BotDecl struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
	Summary string `json:"summary,omitempty"`
	Slot    string `json:"slot,omitempty"`
}

// Op is an admin operation applied by update_channel.
type Op struct {
	Type   string         `json:"type"`
	SlotID string         `json:"slot_id,omitempty"`
	BotDef map[string]any `json:"bot_def,omitempty"`
	To     string         `json:"to,omitempty"`
	Name   string         `json:"name,omitempty"`
	Admin  *bool          `json:"admin,omitempty"`
}

// Admin op types.
const (
	OpSetBot    = "set_bot"
	OpRemoveBot = "remove_bot"
	OpYieldSlot = "yield_slot"
	OpRename    = "rename"
	OpSetAdmin  = "set_admin"
)

// CreateResult is returned by CreateChannel.
type CreateResult struct {
	ChannelID string   `json:"channel_id"`
	Invites   []string `json:"invites"`
	View      View     `json:"view"`
}

// JoinResult is returned by JoinChannel.
type JoinResult struct {
	ChannelID   string `json:"channel_id"`
	SlotID      string `json:"slot_id"`
	RejoinToken string `json:"rejoin_token"`
	// Rejoined marks a slot rebind or an idempotent re-present; the
	// holder was already seated, so no join hooks fire.
	Rejoined bool `json:"rejoined"`
	View     View `json:"view"`
}

// PostResult is returned by message appends.
type PostResult struct {
	MsgID int64     `json:"msg_id"`
	TS    time.Time `json:"ts"`
}

// SyncResult is returned by SyncMessages. View is non-nil on replies
// that carry no new messages.
type SyncResult struct {
	Messages []Message `json:"messages"`
	Cursor   int64     `json:"cursor"`
	View     *View     `json:"view,omitempty"`
}

// Summary is the list_channels row.
type Summary struct {
	ChannelID    string   `json:"channel_id"`
	Name         string   `json:"name"`
	Slots        []Slot   `json:"slots"`
	MessageCount int      `json:"message_count"`
	Bots         []string `json:"bots"`
}

type invite struct {
	channelID string
	slotID    string
}

type rejoinToken struct {
	channelID string
	slotID    string
}

type channel struct {
	id        string
	name      string
	slots     []*Slot
	messages  []Message
	nextMsgID int64
	// attached bots: bot id -> definition name. Owned by the BotManager,
	// mirrored here for membership checks.
	bots      map[string]string
	botOrder  []string
	createdAt time.Time
}

func (c *channel) slotByID(id string) *Slot {
	for _, s := range c.slots {
		if s.SlotID == id {
			return s
		}
	}
	return nil
}

func (c *channel) view() View {
	slots := make([]Slot, len(c.slots))
	for i, s := range c.slots {
		slots[i] = *s
	}
	return View{
		ChannelID: c.id,
		Name:      c.name,
		Slots:     slots,
		CreatedAt: c.createdAt,
	}
}
