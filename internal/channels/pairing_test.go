package channels

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/coworkos/cowork/internal/config"
	"github.com/coworkos/cowork/internal/store"
)

type pairingFixture struct {
	st       *store.Store
	channels *config.ChannelRegistry
	pairing  *Pairing
	gate     *Gatekeeper
	chanID   string
}

func newPairingFixture(t *testing.T) *pairingFixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfgStore, _ := config.NewStore(t.TempDir())
	channels, _ := config.NewChannelRegistry(cfgStore)
	ch, err := channels.Create(config.ChannelConfig{
		Type: "slack", Name: "tg", Enabled: true, SecurityMode: config.SecurityPairing,
		ContextPolicy: map[string]config.ContextPolicy{
			config.ContextGroup: {BlockMemoryTools: true},
		},
	})
	if err != nil {
		t.Fatalf("channel: %v", err)
	}

	pairing := NewPairing(st, channels)
	return &pairingFixture{
		st:       st,
		channels: channels,
		pairing:  pairing,
		gate:     NewGatekeeper(channels, pairing),
		chanID:   ch.ID,
	}
}

func TestPairingHappyPath(t *testing.T) {
	f := newPairingFixture(t)
	code, err := f.pairing.Start(f.chanID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if len(code) != codeLength {
		t.Fatalf("code = %q", code)
	}

	if err := f.pairing.Verify(f.chanID, "user1", code); err != nil {
		t.Fatalf("verify: %v", err)
	}
	cfg, _ := f.channels.Get(f.chanID)
	if !cfg.Allowed("user1") {
		t.Fatal("user not allowlisted after pairing")
	}

	// The record was removed: a different user with the same code gets
	// "unknown code".
	if err := f.pairing.Verify(f.chanID, "user2", code); err != ErrUnknownCode {
		t.Fatalf("reused code err = %v", err)
	}
}

func TestPairingLockout(t *testing.T) {
	f := newPairingFixture(t)
	code, _ := f.pairing.Start(f.chanID)

	for i := 0; i < defaultMaxAttempts; i++ {
		if err := f.pairing.Verify(f.chanID, "attacker", "WRONG1"); err != ErrUnknownCode {
			t.Fatalf("attempt %d err = %v", i, err)
		}
	}
	// Inside the ban window even the correct code returns UNAUTHORIZED
	// without being checked.
	if err := f.pairing.Verify(f.chanID, "attacker", code); err != ErrUnauthorized {
		t.Fatalf("banned verify err = %v", err)
	}
	// The record survived, so an unbanned user can still pair.
	if err := f.pairing.Verify(f.chanID, "legit", code); err != nil {
		t.Fatalf("legit verify err = %v", err)
	}
}

func TestPairingExpiry(t *testing.T) {
	f := newPairingFixture(t)
	f.pairing.TTL = -time.Second // already expired
	code, _ := f.pairing.Start(f.chanID)

	if err := f.pairing.Verify(f.chanID, "user1", code); err != ErrExpired {
		t.Fatalf("err = %v", err)
	}
	// Expired record is deleted; the next try is an unknown code.
	if err := f.pairing.Verify(f.chanID, "user1", code); err != ErrUnknownCode {
		t.Fatalf("second err = %v", err)
	}
}

func TestGatekeeperPairingFlow(t *testing.T) {
	f := newPairingFixture(t)
	code, _ := f.pairing.Start(f.chanID)

	// Unpaired chatter gets the pairing prompt.
	adm, err := f.gate.Admit(InboundMessage{ChannelID: f.chanID, UserID: "u1", Content: "hello"})
	if err != nil || adm.Admit || adm.Reply == "" {
		t.Fatalf("adm = %+v, %v", adm, err)
	}

	// Sending the code pairs.
	adm, err = f.gate.Admit(InboundMessage{ChannelID: f.chanID, UserID: "u1", Content: code})
	if err != nil || adm.Admit || adm.Reply != "Paired. You can talk to the agent now." {
		t.Fatalf("pair adm = %+v, %v", adm, err)
	}

	// The next message is delivered without pairing.
	adm, err = f.gate.Admit(InboundMessage{ChannelID: f.chanID, UserID: "u1", Content: "do things", Context: "private"})
	if err != nil || !adm.Admit {
		t.Fatalf("post-pair adm = %+v, %v", adm, err)
	}
}

func TestGatekeeperContextPolicy(t *testing.T) {
	f := newPairingFixture(t)
	_ = f.channels.AddToAllowlist(f.chanID, "u1")

	adm, err := f.gate.Admit(InboundMessage{ChannelID: f.chanID, UserID: "u1", Content: "x", Context: "group"})
	if err != nil || !adm.Admit {
		t.Fatalf("adm = %+v, %v", adm, err)
	}
	if !adm.ContextPolicy.BlockMemoryTools {
		t.Fatal("group context policy not applied")
	}

	adm, _ = f.gate.Admit(InboundMessage{ChannelID: f.chanID, UserID: "u1", Content: "x", Context: "private"})
	if adm.ContextPolicy.BlockMemoryTools {
		t.Fatal("private context wrongly attenuated")
	}
}

func TestGatekeeperAllowlistMode(t *testing.T) {
	f := newPairingFixture(t)
	cfg, _ := f.channels.Get(f.chanID)
	cfg.SecurityMode = config.SecurityAllowlist
	cfg.Allowlist = []string{"member"}
	_ = f.channels.Update(cfg)

	adm, _ := f.gate.Admit(InboundMessage{ChannelID: f.chanID, UserID: "member", Content: "x"})
	if !adm.Admit {
		t.Fatalf("member adm = %+v", adm)
	}
	adm, _ = f.gate.Admit(InboundMessage{ChannelID: f.chanID, UserID: "stranger", Content: "x"})
	if adm.Admit {
		t.Fatalf("stranger adm = %+v", adm)
	}
}

func TestLooksLikeCode(t *testing.T) {
	if !LooksLikeCode("A1B2C3") {
		t.Fatal("valid code rejected")
	}
	if LooksLikeCode("hello there") || LooksLikeCode("AB12") {
		t.Fatal("non-code accepted")
	}
}

func TestQRCodePNG(t *testing.T) {
	f := newPairingFixture(t)
	png, err := f.pairing.QRCodePNG("A1B2C3")
	if err != nil || len(png) == 0 {
		t.Fatalf("qr: %d bytes, %v", len(png), err)
	}
}
