package nats

import (
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"dbchanges/internal/models"
)

// Options configures a Publisher
type Options struct {
	URL              string
	Subject          string
	PerSourceSubject bool // Publish to <subject>.<source> instead of <subject>
	MaxReconnect     int
	ReconnectWait    time.Duration
}

// Publisher handles publishing events to NATS
type Publisher struct {
	conn      *nats.Conn
	subject   string
	perSource bool
	logger    *logrus.Logger
}

// NewPublisher creates a new NATS publisher
func NewPublisher(o Options, logger *logrus.Logger) (*Publisher, error) {
	opts := []nats.Option{
		nats.Name("dbchanges"),
		nats.MaxReconnects(o.MaxReconnect),
		nats.ReconnectWait(o.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warnf("NATS disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Infof("NATS reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Warn("NATS connection closed")
		}),
	}

	conn, err := nats.Connect(o.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	logger.Infof("Connected to NATS at %s", o.URL)

	return &Publisher{
		conn:      conn,
		subject:   o.Subject,
		perSource: o.PerSourceSubject,
		logger:    logger,
	}, nil
}

// Publish publishes a change event to NATS
func (p *Publisher) Publish(event *models.ChangeEvent) error {
	data, err := event.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	subject := p.SubjectFor(event)
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to NATS: %w", err)
	}

	p.logger.Debugf("Published %s event for %s to %s", event.Type, event.Source, subject)
	return nil
}

// SubjectFor returns the subject an event is published to
func (p *Publisher) SubjectFor(event *models.ChangeEvent) string {
	return Subject(p.subject, event, p.perSource)
}

// Subject derives the subject of an event. Per-source subjects use the
// table name, or "request" for query sources, as the last token.
func Subject(base string, event *models.ChangeEvent, perSource bool) string {
	if !perSource {
		return base
	}
	token := "request"
	if strings.EqualFold(event.DataType, "TABLE") {
		token = subjectToken(event.Source)
	}
	return base + "." + token
}

// subjectToken replaces the characters NATS gives meaning to
func subjectToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}

// Flush waits until the server has processed every published message
func (p *Publisher) Flush(timeout time.Duration) error {
	if err := p.conn.FlushTimeout(timeout); err != nil {
		return fmt.Errorf("failed to flush NATS connection: %w", err)
	}
	return nil
}

// Close closes the NATS connection
func (p *Publisher) Close() {
	if p.conn != nil {
		p.conn.Close()
	}
}

// Conn returns the underlying NATS connection
func (p *Publisher) Conn() *nats.Conn {
	return p.conn
}
