package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/coworkos/cowork/internal/config"
	"github.com/coworkos/cowork/internal/daemon"
	"github.com/coworkos/cowork/internal/secrets"
)

// SlackChannel is the Slack adapter: socket-mode events in, web API out.
type SlackChannel struct {
	cfg  config.ChannelConfig
	gate *Gatekeeper
	d    *daemon.Daemon

	api    *slack.Client
	socket *socketmode.Client
}

// NewSlackChannel creates the Slack adapter from a channel config. Secrets
// required: bot_token (xoxb-...) and app_token (xapp-...).
func NewSlackChannel(cfg config.ChannelConfig, gate *Gatekeeper, d *daemon.Daemon) (*SlackChannel, error) {
	botToken, err := secrets.Open(cfg.Secrets["bot_token"])
	if err != nil {
		return nil, fmt.Errorf("slack bot_token: %w", err)
	}
	appToken, err := secrets.Open(cfg.Secrets["app_token"])
	if err != nil {
		return nil, fmt.Errorf("slack app_token: %w", err)
	}
	if botToken == "" || appToken == "" {
		return nil, fmt.Errorf("slack channel %s missing bot_token/app_token", cfg.ID)
	}

	api := slack.New(botToken, slack.OptionAppLevelToken(appToken))
	return &SlackChannel{
		cfg:    cfg,
		gate:   gate,
		d:      d,
		api:    api,
		socket: socketmode.New(api),
	}, nil
}

func (c *SlackChannel) Name() string { return "slack" }

// Start runs the socket-mode event loop until ctx is done.
func (c *SlackChannel) Start(ctx context.Context) error {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-c.socket.Events:
				if !ok {
					return
				}
				c.handleEvent(ctx, evt)
			}
		}
	}()
	return c.socket.RunContext(ctx)
}

// Stop is handled by context cancellation in Start.
func (c *SlackChannel) Stop() error { return nil }

func (c *SlackChannel) handleEvent(ctx context.Context, evt socketmode.Event) {
	if evt.Type != socketmode.EventTypeEventsAPI {
		return
	}
	apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
	if !ok {
		return
	}
	if evt.Request != nil {
		c.socket.Ack(*evt.Request)
	}

	inner, ok := apiEvent.InnerEvent.Data.(*slackevents.MessageEvent)
	if !ok || inner.BotID != "" || inner.SubType != "" {
		return
	}

	msg := InboundMessage{
		ChannelID: c.cfg.ID,
		UserID:    inner.User,
		ChatID:    inner.Channel,
		Content:   strings.TrimSpace(inner.Text),
		Context:   slackContext(inner.ChannelType),
	}
	c.process(ctx, msg)
}

// slackContext derives the message context tag from the Slack channel type.
func slackContext(channelType string) string {
	switch channelType {
	case "im":
		return config.ContextPrivate
	case "mpim", "group":
		return config.ContextGroup
	default:
		return config.ContextPublic
	}
}

func (c *SlackChannel) process(ctx context.Context, msg InboundMessage) {
	adm, err := c.gate.Admit(msg)
	if err != nil {
		slog.Warn("Slack admission failed", "channel", msg.ChannelID, "error", err)
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
		IdempotencyKey: fmt.Sprintf("slack:%s:%s:%s", msg.ChatID, msg.UserID, hashCode(msg.Content)[:12]),
		External:       true,
		ContextTag:     msg.Context,
		ContextPolicy:  adm.ContextPolicy,
	})
	if err != nil {
		_ = c.Send(ctx, msg.ChatID, "Error: "+err.Error())
		return
	}

	go c.deliverResult(ctx, msg.ChatID, task.ID)
}

// deliverResult waits for the task and posts its final assistant message.
func (c *SlackChannel) deliverResult(ctx context.Context, chatID, taskID string) {
	if err := c.d.WaitTask(ctx, taskID); err != nil {
		return
	}
	events, err := c.d.GetTaskEvents(taskID, 0)
	if err != nil {
		return
	}
	var final string
	for _, evt := range events {
		if evt.Type == "assistant_message" {
			var payload struct {
				Content string `json:"content"`
			}
			if jsonErr := unmarshalPayload(evt.Payload, &payload); jsonErr == nil {
				final = payload.Content
			}
		}
	}
	if final == "" {
		final = "Task finished."
	}
	_ = c.Send(ctx, chatID, final)
}

// Send posts a message via the web API.
func (c *SlackChannel) Send(ctx context.Context, chatID, content string) error {
	_, _, err := c.api.PostMessageContext(ctx, chatID, slack.MsgOptionText(content, false))
	return err
}
