package channels

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	qrcode "github.com/skip2/go-qrcode"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	_ "modernc.org/sqlite"

	"github.com/coworkos/cowork/internal/config"
	"github.com/coworkos/cowork/internal/daemon"
)

// WhatsAppChannel is the native WhatsApp adapter.
type WhatsAppChannel struct {
	cfg     config.ChannelConfig
	gate    *Gatekeeper
	d       *daemon.Daemon
	dataDir string

	client    *whatsmeow.Client
	container *sqlstore.Container
}

// NewWhatsAppChannel creates the WhatsApp adapter. Session state lives in a
// sqlite store under the app-data directory.
func NewWhatsAppChannel(cfg config.ChannelConfig, gate *Gatekeeper, d *daemon.Daemon, dataDir string) *WhatsAppChannel {
	return &WhatsAppChannel{cfg: cfg, gate: gate, d: d, dataDir: dataDir}
}

func (c *WhatsAppChannel) Name() string { return "whatsapp" }

// Start connects the client, pairing via QR when no session exists, and
// blocks until ctx is done.
func (c *WhatsAppChannel) Start(ctx context.Context) error {
	dbLog := waLog.Stdout("Database", "WARN", true)
	clientLog := waLog.Stdout("Client", "INFO", true)

	dbPath := filepath.Join(c.dataDir, "whatsapp.db")
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return err
	}
	container, err := sqlstore.New(ctx, "sqlite",
		"file:"+dbPath+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", dbLog)
	if err != nil {
		return fmt.Errorf("init whatsapp store: %w", err)
	}
	c.container = container

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return fmt.Errorf("get device: %w", err)
	}
	c.client = whatsmeow.NewClient(deviceStore, clientLog)
	c.client.AddEventHandler(func(evt any) { c.handleEvent(ctx, evt) })

	if c.client.Store.ID == nil {
		qrChan, _ := c.client.GetQRChannel(context.Background())
		if err := c.client.Connect(); err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		for evt := range qrChan {
			if evt.Event == "code" {
				qrPath := filepath.Join(c.dataDir, "whatsapp-qr.png")
				if writeErr := qrcode.WriteFile(evt.Code, qrcode.Medium, 512, qrPath); writeErr == nil {
					slog.Info("WhatsApp login QR written", "path", qrPath)
				}
			} else {
				slog.Info("WhatsApp login event", "event", evt.Event)
			}
		}
	} else if err := c.client.Connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	<-ctx.Done()
	return nil
}

// Stop disconnects the client.
func (c *WhatsAppChannel) Stop() error {
	if c.client != nil {
		c.client.Disconnect()
	}
	if c.container != nil {
		_ = c.container.Close()
	}
	return nil
}

func (c *WhatsAppChannel) handleEvent(ctx context.Context, raw any) {
	evt, ok := raw.(*events.Message)
	if !ok || evt.Info.IsFromMe {
		return
	}

	text := evt.Message.GetConversation()
	if text == "" {
		text = evt.Message.GetExtendedTextMessage().GetText()
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	msgContext := config.ContextPrivate
	if evt.Info.IsGroup {
		msgContext = config.ContextGroup
	}

	msg := InboundMessage{
		ChannelID: c.cfg.ID,
		UserID:    evt.Info.Sender.ToNonAD().String(),
		ChatID:    evt.Info.Chat.String(),
		Content:   text,
		Context:   msgContext,
	}

	adm, err := c.gate.Admit(msg)
	if err != nil {
		slog.Warn("WhatsApp admission failed", "channel", msg.ChannelID, "error", err)
		return
	}
	if adm.Reply != "" {
		_ = c.Send(ctx, msg.ChatID, adm.Reply)
	}
	if !adm.Admit {
		return
	}

	task, err := c.d.CreateTask(daemon.TaskRequest{
		Prompt:         msg.Content,
		IdempotencyKey: "whatsapp:" + evt.Info.ID,
		External:       true,
		ContextTag:     msg.Context,
		ContextPolicy:  adm.ContextPolicy,
	})
	if err != nil {
		_ = c.Send(ctx, msg.ChatID, "Error: "+err.Error())
		return
	}

	go func() {
		if err := c.d.WaitTask(ctx, task.ID); err != nil {
			return
		}
		taskEvents, err := c.d.GetTaskEvents(task.ID, 0)
		if err != nil {
			return
		}
		final := "Task finished."
		for _, e := range taskEvents {
			if e.Type == "assistant_message" {
				var payload struct {
					Content string `json:"content"`
				}
				if unmarshalPayload(e.Payload, &payload) == nil && payload.Content != "" {
					final = payload.Content
				}
			}
		}
		_ = c.Send(ctx, msg.ChatID, final)
	}()
}

// Send delivers a text message to a chat JID.
func (c *WhatsAppChannel) Send(ctx context.Context, chatID, content string) error {
	if c.client == nil {
		return fmt.Errorf("whatsapp client not connected")
	}
	jid, err := types.ParseJID(chatID)
	if err != nil {
		return fmt.Errorf("parse jid %q: %w", chatID, err)
	}
	_, err = c.client.SendMessage(ctx, jid, &waE2E.Message{
		Conversation: proto.String(content),
	})
	return err
}
