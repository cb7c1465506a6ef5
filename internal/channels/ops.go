package channels

import (
	"github.com/mcpmux/mcpmux/internal/apperr"
	"github.com/mcpmux/mcpmux/internal/ids"
)

// AppliedOp records an applied admin op together with the identity the
// op displaced, so the caller can drive bot lifecycle cleanup.
type AppliedOp struct {
	Op              Op
	DisplacedHolder string
	BoundBotName    string
}

func validateOpLocked(c *channel, op Op) error {
	switch op.Type {
	case OpSetBot:
		if op.BotDef == nil {
			return apperr.New(apperr.CodeInvalidRequest, "set_bot requires bot_def")
		}
		if name, _ := op.BotDef["name"].(string); name == "" {
			return apperr.New(apperr.CodeInvalidRequest, "bot_def requires a name")
		}
		if c.slotByID(op.SlotID) == nil {
			return apperr.Newf(apperr.CodeSlotNotFound, "unknown slot %s", op.SlotID)
		}
	case OpRemoveBot, OpSetAdmin:
		if c.slotByID(op.SlotID) == nil {
			return apperr.Newf(apperr.CodeSlotNotFound, "unknown slot %s", op.SlotID)
		}
	case OpYieldSlot:
		if op.To != SlotKindBot && op.To != SlotKindInvite {
			return apperr.Newf(apperr.CodeInvalidRequest, "unknown slot kind %q", op.To)
		}
		if c.slotByID(op.SlotID) == nil {
			return apperr.Newf(apperr.CodeSlotNotFound, "unknown slot %s", op.SlotID)
		}
	case OpRename:
		if op.Name == "" {
			return apperr.New(apperr.CodeInvalidRequest, "rename requires a name")
		}
	default:
		return apperr.Newf(apperr.CodeBadOp, "unknown op type %q", op.Type)
	}
	return nil
}

// applyOpLocked mutates the channel for one pre-validated op.
func (s *Store) applyOpLocked(c *channel, op Op) AppliedOp {
	record := AppliedOp{Op: op}

	switch op.Type {
	case OpSetBot:
		slot := c.slotByID(op.SlotID)
		name, _ := op.BotDef["name"].(string)
		record.DisplacedHolder = slot.FilledBy
		record.BoundBotName = name
		slot.Kind = SlotKindBot
		slot.FilledBy = ids.BotSender(name)
		slot.Admin = true
		s.invalidateTokensLocked(c.id, slot.SlotID)

	case OpRemoveBot:
		slot := c.slotByID(op.SlotID)
		record.DisplacedHolder = slot.FilledBy
		slot.FilledBy = ""
		if slot.Kind == SlotKindBot {
			slot.Admin = false
		}
		s.invalidateTokensLocked(c.id, slot.SlotID)

	case OpYieldSlot:
		slot := c.slotByID(op.SlotID)
		record.DisplacedHolder = slot.FilledBy
		slot.Kind = op.To
		slot.FilledBy = ""
		slot.Admin = op.To == SlotKindBot
		s.invalidateTokensLocked(c.id, slot.SlotID)

	case OpRename:
		c.name = op.Name

	case OpSetAdmin:
		slot := c.slotByID(op.SlotID)
		admin := false
		if op.Admin != nil {
			admin = *op.Admin
		}
		slot.Admin = admin
	}

	return record
}

// invalidateTokensLocked drops rejoin tokens for a slot whose occupancy
// was reassigned by an admin op.
func (s *Store) invalidateTokensLocked(channelID, slotID string) {
	for token, rec := range s.tokens {
		if rec.channelID == channelID && rec.slotID == slotID {
			delete(s.tokens, token)
		}
	}
}

// opRecord serializes the op verbatim into a system-message body.
func opRecord(op Op) map[string]any {
	out := map[string]any{"type": op.Type}
	if op.SlotID != "" {
		out["slot_id"] = op.SlotID
	}
	if op.BotDef != nil {
		out["bot_def"] = op.BotDef
	}
	if op.To != "" {
		out["to"] = op.To
	}
	if op.Name != "" {
		out["name"] = op.Name
	}
	if op.Admin != nil {
		out["admin"] = *op.Admin
	}
	return out
}
