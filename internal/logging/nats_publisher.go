package logging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"

	"ollama_logger/internal/models"
)

// Publisher is the subset of a NATS connection used by NATSPublisher
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSPublisher mirrors each request log as a JSON message on a subject so
// other services can follow traffic live.
type NATSPublisher struct {
	pub     Publisher
	conn    *nats.Conn
	subject string
}

// NewNATSPublisher connects to url and publishes on subject
func NewNATSPublisher(url, subject string) (*NATSPublisher, error) {
	conn, err := nats.Connect(url,
		nats.Name("ollama-logger"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	p := NewNATSPublisherWithConn(conn, subject)
	p.conn = conn
	return p, nil
}

// NewNATSPublisherWithConn publishes through an existing publisher
func NewNATSPublisherWithConn(pub Publisher, subject string) *NATSPublisher {
	return &NATSPublisher{pub: pub, subject: subject}
}

// Insert publishes one record
func (p *NATSPublisher) Insert(ctx context.Context, rec *models.RequestLog) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal request log: %w", err)
	}
	if err := p.pub.Publish(p.subject, data); err != nil {
		return fmt.Errorf("failed to publish request log: %w", err)
	}
	return nil
}

// InsertBatch publishes each record, continuing past failures
func (p *NATSPublisher) InsertBatch(ctx context.Context, recs []*models.RequestLog) error {
	var errs []error
	for _, rec := range recs {
		if err := p.Insert(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close drains the connection when this publisher owns it
func (p *NATSPublisher) Close() error {
	if p.conn == nil {
		return nil
	}
	return p.conn.Drain()
}
