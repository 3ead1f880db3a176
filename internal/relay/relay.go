// Package relay publishes task events and audit records to Kafka topics for
// external aggregation. It is optional: without configured brokers nothing
// starts.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/coworkos/cowork/internal/config"
	"github.com/coworkos/cowork/internal/daemon"
)

// Topics returns the relay topic names for an agent id.
func Topics(agentID string) (events, audit string) {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		agentID = "default"
	}
	return fmt.Sprintf("cowork.%s.events", agentID), fmt.Sprintf("cowork.%s.audit", agentID)
}

// writer is the minimal kafka producer surface, extracted so tests can fake
// the broker.
type writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Relay forwards daemon events to Kafka.
type Relay struct {
	d      *daemon.Daemon
	events writer
	audit  writer
	sub    *daemon.Subscription
	done   chan struct{}
}

// New creates a relay from configuration. Returns nil when the relay is not
// configured.
func New(d *daemon.Daemon, cfg config.RelayConfig) *Relay {
	if !cfg.Enabled() {
		return nil
	}
	brokers := strings.Split(cfg.Brokers, ",")
	eventsTopic, auditTopic := Topics(cfg.AgentID)
	return &Relay{
		d:      d,
		events: newWriter(brokers, eventsTopic),
		audit:  newWriter(brokers, auditTopic),
		done:   make(chan struct{}),
	}
}

func newWriter(brokers []string, topic string) writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 200 * time.Millisecond,
		Async:        true,
	}
}

// Start subscribes to the daemon and pumps events until Stop.
func (r *Relay) Start() {
	r.sub = r.d.Subscribe(1024)
	go func() {
		defer close(r.done)
		for evt := range r.sub.C {
			r.publish(evt)
		}
	}()
}

func (r *Relay) publish(evt daemon.Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	msg := kafka.Message{Key: []byte(evt.TaskID), Value: data}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.events.WriteMessages(ctx, msg); err != nil {
		slog.Warn("Relay publish failed", "task", evt.TaskID, "error", err)
	}
	if isAuditEvent(evt.Type) {
		if err := r.audit.WriteMessages(ctx, msg); err != nil {
			slog.Warn("Relay audit publish failed", "task", evt.TaskID, "error", err)
		}
	}
}

// isAuditEvent selects the security-relevant subset mirrored onto the audit
// topic.
func isAuditEvent(eventType string) bool {
	switch eventType {
	case "approval_requested", "approval_resolved", "task_failed", "task_cancelled", "error":
		return true
	}
	return false
}

// Stop detaches from the daemon and closes the producers.
func (r *Relay) Stop() {
	if r.sub != nil {
		r.d.Unsubscribe(r.sub)
		<-r.done
	}
	_ = r.events.Close()
	_ = r.audit.Close()
}
