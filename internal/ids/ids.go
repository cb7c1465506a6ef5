// Package ids mints the opaque identifiers used across the server.
package ids

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Byte lengths before base64url encoding. Invites and rejoin tokens are
// credentials and get the longer form.
const (
	shortIDBytes = 8
	tokenBytes   = 16
)

// NewChannelID returns a fresh channel id ("chn_...").
func NewChannelID() string { return "chn_" + randomToken(shortIDBytes) }

// NewInviteCode returns a fresh one-time invite code ("inv_...").
func NewInviteCode() string { return "inv_" + randomToken(tokenBytes) }

// NewRejoinToken returns a fresh rejoin token ("tok_...").
func NewRejoinToken() string { return "tok_" + randomToken(tokenBytes) }

// NewSessionID returns a fallback session id ("sess_...") for transports
// that do not supply one, e.g. the stdio binary.
func NewSessionID() string { return "sess_" + randomToken(shortIDBytes) }

// NewStreamID returns an id for transient subscriber streams.
func NewStreamID() string { return uuid.NewString() }

// BotID builds the deterministic bot id for the nth attachment of a
// named bot in a channel.
func BotID(name string, index int) string {
	return fmt.Sprintf("bot_%s_%d", name, index)
}

// BotSender builds the synthesized sender identity for a bot.
func BotSender(id string) string { return "bot:" + id }

// IsBotSender reports whether sender carries the "bot:" prefix.
func IsBotSender(sender string) bool { return strings.HasPrefix(sender, "bot:") }

// BotSenderSuffix returns the part after the "bot:" prefix, or "" when
// sender is not a bot identity.
func BotSenderSuffix(sender string) string {
	suffix, ok := strings.CutPrefix(sender, "bot:")
	if !ok {
		return ""
	}
	return suffix
}

func randomToken(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms; fall back to
		// uuid entropy rather than returning a guessable id.
		return strings.ReplaceAll(uuid.NewString(), "-", "")[:n*2]
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
