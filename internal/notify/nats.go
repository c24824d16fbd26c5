package notify

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/ernie/bloodmoon/internal/domain"
)

// DefaultSubject is the subject prefix events are published under
const DefaultSubject = "bloodmoon.events"

// Publisher publishes events to NATS as JSON on <subject>.<event type>
type Publisher struct {
	nc      *nats.Conn
	subject string
}

// Connect dials the NATS server at url. The connection reconnects forever;
// events published while disconnected are buffered by the client.
func Connect(url, subject string) (*Publisher, error) {
	if subject == "" {
		subject = DefaultSubject
	}
	nc, err := nats.Connect(url,
		nats.Name("bloodmoon"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("Warning: NATS disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("NATS reconnected to %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	return &Publisher{nc: nc, subject: subject}, nil
}

// Subject returns the full subject an event type is published on
func (p *Publisher) Subject(eventType string) string {
	return p.subject + "." + eventType
}

// Publish sends one event
func (p *Publisher) Publish(ev domain.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	return p.nc.Publish(p.Subject(ev.Type), data)
}

// Close flushes pending events and closes the connection
func (p *Publisher) Close() {
	if err := p.nc.FlushTimeout(2 * time.Second); err != nil {
		log.Printf("Warning: flushing NATS events: %v", err)
	}
	p.nc.Close()
}

// EmbeddedServer is an in-process NATS broker for single-host setups
type EmbeddedServer struct {
	ns *server.Server
}

// StartEmbedded starts a broker on host:port. Port -1 picks a free port.
func StartEmbedded(host string, port int) (*EmbeddedServer, error) {
	ns, err := server.NewServer(&server.Options{
		Host:   host,
		Port:   port,
		NoSigs: true,
		NoLog:  true,
	})
	if err != nil {
		return nil, fmt.Errorf("creating NATS server: %w", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("NATS server on %s:%d not ready", host, port)
	}
	return &EmbeddedServer{ns: ns}, nil
}

// ClientURL returns the URL clients connect to
func (e *EmbeddedServer) ClientURL() string {
	return e.ns.ClientURL()
}

// Shutdown stops the broker and waits for it to finish
func (e *EmbeddedServer) Shutdown() {
	e.ns.Shutdown()
	e.ns.WaitForShutdown()
}
