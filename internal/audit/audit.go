// Package audit publishes a record of every settled transaction for
// back-office reconciliation.
//
// Publication is best effort. The engine logs and swallows publisher errors;
// a lost settlement record never affects the purchase flow.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultSubject is the NATS subject used when none is configured.
const DefaultSubject = "iapsync.settlements"

// Settlement describes one confirmed transaction.
type Settlement struct {
	// Seq increases monotonically within a session.
	Seq             int64     `json:"seq"`
	TransactionID   string    `json:"transaction_id"`
	ProductID       string    `json:"product_id"`
	StoreSpecificID string    `json:"store_specific_id"`
	ProductType     string    `json:"product_type"`
	Store           string    `json:"store"`
	InCatalog       bool      `json:"in_catalog"`
	SettledAt       time.Time `json:"settled_at"`
}

// Publisher delivers settlements.
type Publisher interface {
	Publish(ctx context.Context, s Settlement) error
}

// Nop discards settlements.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, Settlement) error { return nil }

// LogPublisher writes settlements to the default slog logger.
type LogPublisher struct{}

// Publish implements Publisher.
func (LogPublisher) Publish(_ context.Context, s Settlement) error {
	slog.Info("transaction settled",
		"seq", s.Seq,
		"transaction_id", s.TransactionID,
		"product_id", s.ProductID,
		"store", s.Store,
	)
	return nil
}

// Conn is the subset of *nats.Conn used by NATSPublisher.
type Conn interface {
	Publish(subject string, data []byte) error
}

// NATSPublisher publishes settlements as JSON on a NATS subject.
// nats.Conn buffers publishes, so Publish does not wait on the network.
type NATSPublisher struct {
	conn    Conn
	subject string

	// owned is set when the publisher dialed the connection itself.
	owned *nats.Conn
}

// NewNATSPublisher publishes through an existing connection.
func NewNATSPublisher(conn Conn, subject string) *NATSPublisher {
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATSPublisher{conn: conn, subject: subject}
}

// ConnectNATS dials url and returns a publisher that owns the connection.
func ConnectNATS(url, subject string) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("iapsync"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(10),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	p := NewNATSPublisher(nc, subject)
	p.owned = nc
	slog.Info("connected to nats", "url", nc.ConnectedUrl(), "subject", p.subject)
	return p, nil
}

// Subject returns the subject settlements are published on.
func (p *NATSPublisher) Subject() string { return p.subject }

// Publish implements Publisher.
func (p *NATSPublisher) Publish(_ context.Context, s Settlement) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal settlement: %w", err)
	}
	if err := p.conn.Publish(p.subject, data); err != nil {
		return fmt.Errorf("failed to publish settlement to %s: %w", p.subject, err)
	}
	return nil
}

// Close drains and closes an owned connection.
func (p *NATSPublisher) Close() error {
	if p.owned == nil {
		return nil
	}
	if err := p.owned.Drain(); err != nil {
		p.owned.Close()
		return fmt.Errorf("drain nats connection: %w", err)
	}
	return nil
}

// Recorder keeps settlements in memory. Used by tests and the scenario
// harness.
type Recorder struct {
	mu          sync.Mutex
	settlements []Settlement
}

// Publish implements Publisher.
func (r *Recorder) Publish(_ context.Context, s Settlement) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.settlements = append(r.settlements, s)
	return nil
}

// Settlements returns everything published so far.
func (r *Recorder) Settlements() []Settlement {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Settlement, len(r.settlements))
	copy(out, r.settlements)
	return out
}
