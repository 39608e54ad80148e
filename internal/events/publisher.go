// Package events publishes the per-asset state feed on NATS so other
// processes can follow installs without polling.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/tanq16/voxpull/internal/state"
)

const DefaultSubjectPrefix = "voxpull.state"

var ErrNoConnection = errors.New("nats connection is required")

// StateChangedEvent is the JSON payload of every published state update.
type StateChangedEvent struct {
	EventID   string              `json:"event_id"`
	Source    string              `json:"source"`
	Published time.Time           `json:"published"`
	State     state.DownloadState `json:"state"`
}

type Publisher struct {
	conn    *nats.Conn
	owned   bool
	prefix  string
	source  string
	logger  zerolog.Logger
	nowFunc func() time.Time
}

// Connect dials url and returns a Publisher that closes the connection on
// Close.
func Connect(url, prefix string, logger zerolog.Logger) (*Publisher, error) {
	conn, err := nats.Connect(url,
		nats.Name("voxpull"),
		nats.MaxReconnects(5),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats at %s: %w", url, err)
	}
	p, err := NewPublisher(conn, prefix, logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	p.owned = true
	return p, nil
}

// NewPublisher wraps an existing connection, which stays owned by the caller.
func NewPublisher(conn *nats.Conn, prefix string, logger zerolog.Logger) (*Publisher, error) {
	if conn == nil {
		return nil, ErrNoConnection
	}
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &Publisher{
		conn:    conn,
		prefix:  strings.TrimSuffix(prefix, "."),
		source:  uuid.NewString(),
		logger:  logger.With().Str("op", "events/publisher").Logger(),
		nowFunc: time.Now,
	}, nil
}

// Subject returns the subject updates for key are published on.
func (p *Publisher) Subject(key string) string {
	return p.prefix + "." + subjectToken(key)
}

// Publish sends one state update.
func (p *Publisher) Publish(st state.DownloadState) error {
	data, err := json.Marshal(StateChangedEvent{
		EventID:   uuid.NewString(),
		Source:    p.source,
		Published: p.nowFunc().UTC(),
		State:     st,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal state event: %w", err)
	}
	if err := p.conn.Publish(p.Subject(st.Key), data); err != nil {
		return fmt.Errorf("failed to publish state event: %w", err)
	}
	return nil
}

// Observe implements state.Observer. Publish failures are logged and never
// block an install.
func (p *Publisher) Observe(st state.DownloadState) {
	if err := p.Publish(st); err != nil {
		p.logger.Warn().Err(err).Str("key", st.Key).Msg("Dropping state event")
	}
}

// Close flushes buffered events and closes a connection opened by Connect.
func (p *Publisher) Close() error {
	if err := p.conn.Flush(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		p.logger.Warn().Err(err).Msg("Could not flush state events")
	}
	if p.owned {
		return p.conn.Drain()
	}
	return nil
}

func subjectToken(key string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, key)
}
