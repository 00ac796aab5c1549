package observability

import (
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/kandev/kandev-core/internal/logging"
)

// NATSPublisher mirrors every flushed session-log line onto a NATS
// subject, for a dashboard or external indexer to tail in real time
// without reading the NDJSON files off disk.
type NATSPublisher struct {
	conn    *nats.Conn
	subject string
	logger  *logging.Logger
}

// NewNATSPublisher connects to url and returns a Publisher that
// publishes to subject. The connection is intentionally synchronous and
// short-lived per call site: callers own the returned publisher's
// lifecycle and should Close it alongside the SessionLogger it backs.
func NewNATSPublisher(url, subject string, log *logging.Logger) (*NATSPublisher, error) {
	if log == nil {
		log = logging.Default()
	}
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("observability: connect nats: %w", err)
	}
	return &NATSPublisher{
		conn:    conn,
		subject: subject,
		logger:  log.WithFields(zap.String("component", "observability.nats")),
	}, nil
}

// Publish implements Publisher. Failures are logged, not returned — a
// down NATS server must never block or fail session logging to disk.
func (p *NATSPublisher) Publish(line []byte) {
	if err := p.conn.Publish(p.subject, line); err != nil {
		p.logger.Warn("nats publish failed", zap.Error(err))
	}
}

// Close closes the underlying NATS connection without draining it.
func (p *NATSPublisher) Close() {
	p.conn.Close()
}
