package natsbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/aristath/nexus/internal/events"
)

// StreamName is the JetStream stream that retains bridged events.
const StreamName = "NEXUS_MISSIONS"

// Envelope is the JSON body of every bridged message.
type Envelope struct {
	Type    string          `json:"type"`
	Mission string          `json:"missionId"`
	Task    string          `json:"taskId,omitempty"`
	Data    json.RawMessage `json:"data"`
}

// Bridge publishes bus events to NATS as
//
//	<prefix>.mission.<missionId>.<eventType>
type Bridge struct {
	nc     *nats.Conn
	prefix string
	log    *zap.Logger
}

// NewBridge creates a bridge publishing under prefix.
func NewBridge(nc *nats.Conn, prefix string, logger *zap.Logger) *Bridge {
	if prefix == "" {
		prefix = "nexus"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{nc: nc, prefix: strings.TrimSuffix(prefix, "."), log: logger.Named("nats")}
}

// EnsureStream creates the JetStream stream capturing all bridged subjects.
// It is a no-op when the stream already exists.
func (b *Bridge) EnsureStream() error {
	js, err := b.nc.JetStream()
	if err != nil {
		return fmt.Errorf("jetstream context: %w", err)
	}
	_, err = js.AddStream(&nats.StreamConfig{
		Name:     StreamName,
		Subjects: []string{b.prefix + ".mission.>"},
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return fmt.Errorf("add stream: %w", err)
	}
	return nil
}

// Subject returns the subject an event is published on.
func (b *Bridge) Subject(ev events.Event) string {
	return fmt.Sprintf("%s.mission.%s.%s", b.prefix, ev.MissionID(), ev.EventType())
}

// Publish sends one event.
func (b *Bridge) Publish(ev events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", ev.EventType(), err)
	}
	body, err := json.Marshal(Envelope{
		Type:    ev.EventType(),
		Mission: ev.MissionID(),
		Task:    ev.TaskID(),
		Data:    data,
	})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := b.nc.Publish(b.Subject(ev), body); err != nil {
		return fmt.Errorf("publish %s: %w", ev.EventType(), err)
	}
	return nil
}

// Run forwards events from ch until it closes or ctx is done, then flushes.
func (b *Bridge) Run(ctx context.Context, ch <-chan events.Event) {
	defer func() {
		if err := b.nc.Flush(); err != nil {
			b.log.Debug("flush failed", zap.Error(err))
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := b.Publish(ev); err != nil {
				b.log.Warn("failed to bridge event", zap.String("type", ev.EventType()), zap.Error(err))
			}
		}
	}
}
