package telemetry

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
)

// Conn is the part of *nats.Conn the publisher needs.
type Conn interface {
	Publish(subject string, data []byte) error
}

// PublisherConfig configures the NATS connection.
type PublisherConfig struct {
	URL               string
	Subject           string
	Name              string
	ReconnectInterval time.Duration
	MaxReconnects     int
}

// Envelope is the message published for every cycle.
type Envelope struct {
	Session string            `json:"session"`
	Device  string            `json:"device,omitempty"`
	Time    time.Time         `json:"time"`
	Fields  map[string]string `json:"fields"`
}

// Publisher sends position snapshots to a NATS subject.
type Publisher struct {
	conn    Conn
	nc      *nats.Conn
	subject string
}

// NewPublisher wraps an existing connection.
func NewPublisher(conn Conn, subject string) *Publisher {
	return &Publisher{conn: conn, subject: subject}
}

// Dial connects to the NATS server described by cfg.
func Dial(cfg PublisherConfig) (*Publisher, error) {
	if cfg.Name == "" {
		cfg.Name = "obd-telemetry"
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = 2 * time.Second
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectInterval),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Printf("[nats] disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", cfg.URL, err)
	}
	log.Printf("[nats] connected to %s, publishing on %s", cfg.URL, cfg.Subject)
	p := NewPublisher(nc, cfg.Subject)
	p.nc = nc
	return p, nil
}

// Encode builds the JSON envelope for pos.
func Encode(pos *Position, session, device string) ([]byte, error) {
	return json.Marshal(Envelope{
		Session: session,
		Device:  device,
		Time:    pos.Time.UTC(),
		Fields:  pos.Fields(),
	})
}

// Publish sends pos. Empty positions are skipped.
func (p *Publisher) Publish(pos *Position, session, device string) error {
	if pos.Len() == 0 {
		return nil
	}
	data, err := Encode(pos, session, device)
	if err != nil {
		return fmt.Errorf("encode position: %w", err)
	}
	if err := p.conn.Publish(p.subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", p.subject, err)
	}
	return nil
}

// Close drains and closes a connection opened by Dial.
func (p *Publisher) Close() error {
	if p.nc == nil {
		return nil
	}
	return p.nc.Drain()
}
