package channels

import (
	"context"
	"fmt"
	"strings"

	"github.com/coworkos/cowork/internal/config"
)

// InboundMessage is one message arriving from an external channel adapter.
type InboundMessage struct {
	ChannelID string
	UserID    string
	ChatID    string
	Content   string
	// Context is private | group | public, derived by the adapter.
	Context string
}

// Admission is the gatekeeper's verdict for an inbound message.
type Admission struct {
	// Admit is true when the message may reach the daemon.
	Admit bool
	// Reply, when non-empty, is sent back to the user instead of (or in
	// addition to) admitting.
	Reply string
	// ContextPolicy is the attenuation the daemon applies to admitted
	// messages.
	ContextPolicy config.ContextPolicy
}

// Channel is the adapter interface for chat platforms.
type Channel interface {
	// Name returns the channel type (e.g. "slack").
	Name() string
	// Start begins listening and blocks until ctx is done or a fatal error.
	Start(ctx context.Context) error
	// Stop shuts the adapter down.
	Stop() error
	// Send delivers a message to a chat.
	Send(ctx context.Context, chatID, content string) error
}

// Gatekeeper applies channel security (pairing, allowlist, context policy)
// to every inbound message before the daemon sees it.
type Gatekeeper struct {
	channels *config.ChannelRegistry
	pairing  *Pairing
}

// NewGatekeeper creates the gatekeeper.
func NewGatekeeper(channels *config.ChannelRegistry, pairing *Pairing) *Gatekeeper {
	return &Gatekeeper{channels: channels, pairing: pairing}
}

// Admit decides whether a message reaches the daemon. Pairing-mode channels
// consume pairing codes here; allowlisted users skip pairing entirely.
func (g *Gatekeeper) Admit(msg InboundMessage) (Admission, error) {
	cfg, ok := g.channels.Get(msg.ChannelID)
	if !ok {
		return Admission{}, fmt.Errorf("channel not found: %s", msg.ChannelID)
	}
	if !cfg.Enabled {
		return Admission{}, fmt.Errorf("channel disabled: %s", msg.ChannelID)
	}

	policy := cfg.PolicyFor(normalizeContext(msg.Context))

	switch cfg.SecurityMode {
	case config.SecurityOpen:
		return Admission{Admit: true, ContextPolicy: policy}, nil

	case config.SecurityAllowlist:
		if cfg.Allowed(msg.UserID) {
			return Admission{Admit: true, ContextPolicy: policy}, nil
		}
		return Admission{Reply: "You are not authorized to use this channel."}, nil

	case config.SecurityPairing:
		// Already paired users skip pairing; no record is consumed.
		if cfg.Allowed(msg.UserID) {
			return Admission{Admit: true, ContextPolicy: policy}, nil
		}
		if g.pairing.Banned(msg.ChannelID, msg.UserID) {
			return Admission{Reply: "Too many failed attempts. Try again later."}, nil
		}
		if LooksLikeCode(msg.Content) {
			switch err := g.pairing.Verify(msg.ChannelID, msg.UserID, msg.Content); err {
			case nil:
				return Admission{Reply: "Paired. You can talk to the agent now."}, nil
			case ErrUnauthorized:
				return Admission{Reply: "Too many failed attempts. Try again later."}, nil
			case ErrUnknownCode, ErrExpired:
				return Admission{Reply: err.Error()}, nil
			default:
				return Admission{}, err
			}
		}
		return Admission{Reply: pairingPrompt(cfg.Name)}, nil
	}
	return Admission{}, fmt.Errorf("unknown security mode: %s", cfg.SecurityMode)
}

func normalizeContext(c string) string {
	switch strings.ToLower(strings.TrimSpace(c)) {
	case config.ContextGroup:
		return config.ContextGroup
	case config.ContextPublic:
		return config.ContextPublic
	default:
		return config.ContextPrivate
	}
}
