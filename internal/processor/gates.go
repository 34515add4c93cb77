package processor

import (
	"context"
	"log/slog"
	"time"

	"github.com/MikeSquared-Agency/conduit/internal/event"
	"github.com/MikeSquared-Agency/conduit/internal/store"
)

// Drop reasons for inbound messages that never reach the concatenation engine.
const (
	dropNoParty   = "no_party"
	dropNoMessage = "no_message"
	dropFromMe    = "from_me"
	dropBotEcho   = "bot_echo"
)

// dropReason returns a non-empty reason when an inbound message must be
// ignored before any state is touched.
func dropReason(evt event.NormalizedEvent, f event.Fragment) string {
	switch {
	case evt.RemoteParty == "":
		return dropNoParty
	case evt.Message == nil:
		return dropNoMessage
	case f.FromMe:
		return dropFromMe
	case event.IsBotEcho(f.Content):
		return dropBotEcho
	}
	return ""
}

// Hold reasons for conversations that must not reach automation.
const (
	holdClosed    = "session_closed"
	holdPaused    = "session_paused"
	holdAIBlocked = "ai_blocked"
	holdBypass    = "contact_bypass"
)

// forwardHold returns why messages of sess must not be forwarded, or "" when
// they may be. expired reports a pause or AI block whose deadline has passed;
// the caller lifts it. A nil contact is treated as not bypassed.
func forwardHold(sess *store.Session, contact *store.Contact, now time.Time) (reason string, expired bool) {
	switch {
	case sess == nil || sess.Status == store.SessionClosed:
		return holdClosed, false
	case contact != nil && contact.BypassBots:
		return holdBypass, false
	case sess.AIEnabled && sess.Status != store.SessionPaused:
		return "", false
	case sess.AIBlockedUntil != nil && now.After(*sess.AIBlockedUntil):
		return "", true
	case sess.Status == store.SessionPaused:
		return holdPaused, false
	}
	return holdAIBlocked, false
}

// liftHold clears an expired pause or AI block. A failure is only logged:
// the deadline has passed either way.
func liftHold(ctx context.Context, s Store, logger *slog.Logger, sess *store.Session) {
	if _, err := s.ResumeSession(ctx, sess.ID); err != nil {
		logger.Warn("failed to lift expired hold", "session_id", sess.ID, "error", err)
		return
	}
	logger.Info("expired hold lifted", "session_id", sess.ID, "status", sess.Status)
}
