package mirror

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// NATSPublisher mirrors session events to whiteboard.events.<sessionId>.
type NATSPublisher struct {
	nc            *nats.Conn
	subjectPrefix string
}

// NATSConfig holds the connection settings for the mirror bus.
type NATSConfig struct {
	URL           string
	SubjectPrefix string
	MaxReconnects int
	ReconnectWait time.Duration
}

// DefaultNATSConfig returns mirror defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		SubjectPrefix: "whiteboard.events",
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
	}
}

// NewNATSPublisher connects to the bus.
func NewNATSPublisher(config NATSConfig) (*NATSPublisher, error) {
	opts := []nats.Option{
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	return &NATSPublisher{
		nc:            nc,
		subjectPrefix: config.SubjectPrefix,
	}, nil
}

// Publish sends the event to the session's subject. Errors are logged and
// swallowed; the mirror must never stall or fail collaboration.
func (p *NATSPublisher) Publish(sessionID string, event []byte) {
	subject := fmt.Sprintf("%s.%s", p.subjectPrefix, sessionID)
	if err := p.nc.Publish(subject, event); err != nil {
		log.Error().
			Err(err).
			Str("subject", subject).
			Msg("failed to mirror event")
	}
}

// Close drains the connection.
func (p *NATSPublisher) Close() {
	if p.nc != nil {
		p.nc.Close()
	}
}
