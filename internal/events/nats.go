// ABOUTME: Exports lifecycle events to NATS subjects as JSON.
// ABOUTME: Can also run an embedded NATS server for single-binary deployments.

package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// DefaultSubjectPrefix roots every exported subject.
const DefaultSubjectPrefix = "conclave"

// NATSPublisher forwards events to NATS.
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
	logger *slog.Logger
}

// NewNATSPublisher connects to url. Reconnects are retried indefinitely so a
// NATS restart does not stop the export.
func NewNATSPublisher(url, prefix string, logger *slog.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	logger = logger.With("component", "nats")

	conn, err := nats.Connect(url,
		nats.Name("conclave"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	return &NATSPublisher{conn: conn, prefix: prefix, logger: logger}, nil
}

// Subject returns the subject an event is published on.
func (p *NATSPublisher) Subject(ev *Event) string {
	if ev.Type == ProviderStateChanged {
		return fmt.Sprintf("%s.provider.%s.state", p.prefix, subjectToken(ev.Provider))
	}
	return fmt.Sprintf("%s.task.%s.%s", p.prefix, subjectToken(ev.TaskID), ev.Type)
}

// subjectToken keeps a value from introducing extra subject levels or wildcards.
func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(s)
}

// PublishEvent sends one event as JSON.
func (p *NATSPublisher) PublishEvent(ev *Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return p.conn.Publish(p.Subject(ev), data)
}

// Forward publishes every event from ch until ch closes or ctx is done.
func (p *NATSPublisher) Forward(ctx context.Context, ch <-chan *Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := p.PublishEvent(ev); err != nil {
				p.logger.Warn("failed to publish event", "type", ev.Type, "task_id", ev.TaskID, "error", err)
			}
		}
	}
}

// Flush waits for the server to acknowledge buffered publishes.
func (p *NATSPublisher) Flush() error {
	return p.conn.Flush()
}

// Close drains pending publishes and closes the connection.
func (p *NATSPublisher) Close() error {
	return p.conn.Drain()
}

// EmbeddedServer is an in-process NATS server.
type EmbeddedServer struct {
	server *natsserver.Server
}

// StartEmbedded runs a NATS server in-process. Port -1 picks a random port.
func StartEmbedded(host string, port int) (*EmbeddedServer, error) {
	opts := &natsserver.Options{
		Host:   host,
		Port:   port,
		NoLog:  true,
		NoSigs: true,
	}

	ns, err := natsserver.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create nats server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("nats server not ready")
	}
	return &EmbeddedServer{server: ns}, nil
}

// ClientURL is the URL clients connect to.
func (e *EmbeddedServer) ClientURL() string {
	return e.server.ClientURL()
}

// Close shuts the server down and waits for it to stop.
func (e *EmbeddedServer) Close() {
	e.server.Shutdown()
	e.server.WaitForShutdown()
}
