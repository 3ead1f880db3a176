// Package channels implements external channel security: pairing codes,
// allowlists, context policy, and the chat adapters feeding the daemon.
package channels

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/coworkos/cowork/internal/config"
	"github.com/coworkos/cowork/internal/store"
)

// Pairing defaults.
const (
	codeLength         = 6
	defaultTTL         = 5 * time.Minute
	defaultMaxAttempts = 5
	defaultBanDuration = 15 * time.Minute
)

// Pairing verification errors.
var (
	// ErrUnauthorized is returned inside a ban window; the code is not
	// checked.
	ErrUnauthorized = errors.New("UNAUTHORIZED")
	// ErrUnknownCode is returned for absent or already-consumed codes.
	ErrUnknownCode = errors.New("unknown code")
	// ErrExpired is returned for codes past their TTL.
	ErrExpired = errors.New("code expired")
)

// codeAlphabet avoids confusable characters.
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// Pairing owns pairing-code lifecycle: generation, verification with
// brute-force lockout, and the trust upgrade onto the channel allowlist.
type Pairing struct {
	st       *store.Store
	channels *config.ChannelRegistry

	TTL         time.Duration
	MaxAttempts int
	BanDuration time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewPairing creates the pairing manager.
func NewPairing(st *store.Store, channels *config.ChannelRegistry) *Pairing {
	return &Pairing{
		st:          st,
		channels:    channels,
		TTL:         defaultTTL,
		MaxAttempts: defaultMaxAttempts,
		BanDuration: defaultBanDuration,
		locks:       make(map[string]*sync.Mutex),
	}
}

// channelLock serializes pairing operations per channel so attempt counters
// can't race.
func (p *Pairing) channelLock(channelID string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.locks[channelID]
	if !ok {
		l = &sync.Mutex{}
		p.locks[channelID] = l
	}
	return l
}

func hashCode(code string) string {
	sum := sha256.Sum256([]byte(strings.ToUpper(strings.TrimSpace(code))))
	return hex.EncodeToString(sum[:])
}

// Start generates a pairing code for a channel and stores its hash with TTL.
// The plaintext code is returned once, for display in the desktop UI.
func (p *Pairing) Start(channelID string) (string, error) {
	buf := make([]byte, codeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	code := make([]byte, codeLength)
	for i, b := range buf {
		code[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}

	rec := &store.PairingRecord{
		ChannelID: channelID,
		CodeHash:  hashCode(string(code)),
		ExpiresAt: time.Now().Add(p.TTL),
	}
	if err := p.st.InsertPairingRecord(rec); err != nil {
		return "", err
	}
	return string(code), nil
}

// QRCodePNG renders a pairing code as a scannable PNG.
func (p *Pairing) QRCodePNG(code string) ([]byte, error) {
	return qrcode.Encode(code, qrcode.Medium, 512)
}

// Verify checks a submitted code for channel+user under the per-channel
// mutex. On success the user joins the channel allowlist and the record is
// deleted; the attempt counter is never reset, only the record removed.
func (p *Pairing) Verify(channelID, userID, code string) error {
	lock := p.channelLock(channelID)
	lock.Lock()
	defer lock.Unlock()

	// Inside a ban window the code is not checked at all.
	until, banned, err := p.st.GetPairingBan(channelID, userID)
	if err != nil {
		return err
	}
	if banned && time.Now().Before(until) {
		return ErrUnauthorized
	}

	rec, err := p.st.GetPairingRecord(channelID, hashCode(code))
	if err != nil {
		return err
	}
	if rec == nil {
		return p.recordFailure(channelID, userID, ErrUnknownCode)
	}
	if time.Now().After(rec.ExpiresAt) {
		_ = p.st.DeletePairingRecord(channelID, rec.CodeHash)
		return p.recordFailure(channelID, userID, ErrExpired)
	}

	// Trust upgrade: allowlist the user, then remove the record entirely.
	if err := p.channels.AddToAllowlist(channelID, userID); err != nil {
		return err
	}
	return p.st.DeletePairingRecord(channelID, rec.CodeHash)
}

func (p *Pairing) recordFailure(channelID, userID string, cause error) error {
	// Attempts are counted on the channel's live pairing records; with no
	// outstanding code there is nothing to brute-force.
	attempts, err := p.st.BumpPairingAttempts(channelID)
	if err != nil {
		return err
	}
	if attempts >= p.maxAttempts() {
		if err := p.st.SetPairingBan(channelID, userID, time.Now().Add(p.banDuration())); err != nil {
			return err
		}
	}
	return cause
}

func (p *Pairing) maxAttempts() int {
	if p.MaxAttempts <= 0 {
		return defaultMaxAttempts
	}
	return p.MaxAttempts
}

func (p *Pairing) banDuration() time.Duration {
	if p.BanDuration <= 0 {
		return defaultBanDuration
	}
	return p.BanDuration
}

// Banned reports whether channel+user is inside a ban window.
func (p *Pairing) Banned(channelID, userID string) bool {
	until, banned, err := p.st.GetPairingBan(channelID, userID)
	return err == nil && banned && time.Now().Before(until)
}

// LooksLikeCode reports whether a message plausibly is a pairing code.
func LooksLikeCode(content string) bool {
	content = strings.ToUpper(strings.TrimSpace(content))
	if len(content) != codeLength {
		return false
	}
	for _, r := range content {
		if !strings.ContainsRune(codeAlphabet+"01IO", r) {
			return false
		}
	}
	return true
}

// String formatting helper for pairing prompts.
func pairingPrompt(channelName string) string {
	return fmt.Sprintf("This %s channel requires pairing. Open the desktop app, start pairing, and send the 6-character code here.", channelName)
}
