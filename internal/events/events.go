// Package events fans persisted chat messages and presence snapshots out to
// downstream consumers.
package events

import (
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"

	"github.com/Tyrowin/dmrelay/internal/protocol"
)

// Subjects the relay publishes to.
const (
	SubjectChat     = "dmrelay.chat"
	SubjectPresence = "dmrelay.presence"
)

// Publisher receives best-effort notifications. Implementations must not
// block the caller for long; failures are reported but never retried.
type Publisher interface {
	PublishChat(msg protocol.ChatMessage) error
	PublishPresence(list protocol.UserList) error
	Close() error
}

// Nop discards every event.
type Nop struct{}

func (Nop) PublishChat(protocol.ChatMessage) error  { return nil }
func (Nop) PublishPresence(protocol.UserList) error { return nil }
func (Nop) Close() error                            { return nil }

// NATSConfig configures a NATSPublisher.
type NATSConfig struct {
	URL           string
	Name          string
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// NATSPublisher publishes events as JSON on core NATS subjects.
type NATSPublisher struct {
	nc *nats.Conn
}

// NewNATSPublisher connects to cfg.URL. The connection reconnects forever
// in the background once established.
func NewNATSPublisher(cfg NATSConfig) (*NATSPublisher, error) {
	if cfg.URL == "" {
		return nil, errors.New("nats url missing")
	}
	if cfg.Name == "" {
		cfg.Name = "dmrelay"
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 500 * time.Millisecond
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 3 * time.Second
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(cfg.Timeout),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "connect to nats %s", cfg.URL)
	}
	return &NATSPublisher{nc: nc}, nil
}

func (p *NATSPublisher) publish(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "encode %s event", subject)
	}
	return errors.Wrapf(p.nc.Publish(subject, data), "publish %s", subject)
}

// PublishChat publishes a persisted chat message on SubjectChat.
func (p *NATSPublisher) PublishChat(msg protocol.ChatMessage) error {
	return p.publish(SubjectChat, msg)
}

// PublishPresence publishes a presence snapshot on SubjectPresence.
func (p *NATSPublisher) PublishPresence(list protocol.UserList) error {
	return p.publish(SubjectPresence, list)
}

// Close flushes pending messages and closes the connection.
func (p *NATSPublisher) Close() error {
	return p.nc.Drain()
}
