package notify

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultSubjectPrefix is used when NATSConfig.SubjectPrefix is empty. Events
// are published on "<prefix>.<type>", for example "voxrelay.session.terminated".
const DefaultSubjectPrefix = "voxrelay"

// NATSConfig configures a NATS connection.
type NATSConfig struct {
	Servers        []string
	SubjectPrefix  string
	Username       string
	Password       string
	Token          string
	TLSInsecure    bool
	ConnectTimeout time.Duration
}

// Conn is the subset of *nats.Conn a [Publisher] needs.
type Conn interface {
	Publish(subject string, data []byte) error
	Status() nats.Status
	Drain() error
}

// Publisher publishes events as JSON on NATS.
type Publisher struct {
	conn   Conn
	prefix string
	log    *slog.Logger
}

var _ Notifier = (*Publisher)(nil)

// NewPublisher wraps an existing connection.
func NewPublisher(conn Conn, prefix string, log *slog.Logger) *Publisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if log == nil {
		log = slog.Default()
	}
	return &Publisher{conn: conn, prefix: strings.TrimSuffix(prefix, "."), log: log}
}

// ConnectNATS dials the configured servers and returns a publisher that owns
// the connection.
func ConnectNATS(cfg NATSConfig, log *slog.Logger) (*Publisher, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("notify: no NATS servers configured")
	}
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	options := []nats.Option{
		nats.Name("voxrelay"),
		nats.Timeout(timeout),
	}
	if cfg.Username != "" || cfg.Password != "" {
		options = append(options, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		options = append(options, nats.Token(cfg.Token))
	}
	if cfg.TLSInsecure {
		options = append(options, nats.Secure(&tls.Config{InsecureSkipVerify: true}))
	}

	url := strings.Join(cfg.Servers, ",")
	conn, err := nats.Connect(url, options...)
	if err != nil {
		return nil, fmt.Errorf("notify: connect to nats: %w", err)
	}
	p := NewPublisher(conn, cfg.SubjectPrefix, log)
	p.log.Info("connected to NATS", slog.String("servers", url))
	return p, nil
}

// Subject returns the subject an event type is published on.
func (p *Publisher) Subject(eventType string) string {
	return p.prefix + "." + eventType
}

// Notify implements [Notifier].
func (p *Publisher) Notify(ctx context.Context, e Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("notify: marshal event: %w", err)
	}
	subject := p.Subject(e.Type)
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("notify: publish %s: %w", subject, err)
	}
	return nil
}

// Healthy reports whether the connection is up.
func (p *Publisher) Healthy() bool {
	return p != nil && p.conn != nil && p.conn.Status() == nats.CONNECTED
}

// Close drains the connection, flushing pending publishes.
func (p *Publisher) Close() error {
	if p == nil || p.conn == nil {
		return nil
	}
	p.log.Info("closing NATS connection")
	return p.conn.Drain()
}
