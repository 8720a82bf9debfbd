package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"gtfs-arrivals/internal/cache"
)

type NATSPublisher struct {
	nc      *nats.Conn
	subject string
	metrics PublisherMetrics
}

type PublisherMetrics interface {
	NATSPublishedInc()
	NATSPublishErrInc()
	PublishObserve(d time.Duration)
	NATSSetConnected(connected bool)
}

// NewNATSPublisher connects to url and publishes shape updates on subject.
// The connection keeps reconnecting in the background; m may be nil.
func NewNATSPublisher(url, subject string, m PublisherMetrics) (*NATSPublisher, error) {
	connState := func(connected bool, event string) nats.ConnHandler {
		return func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(connected)
			}
			log.Printf("nats %s", event)
		}
	}
	nc, err := nats.Connect(url,
		nats.Name("gtfs-arrivals"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectHandler(connState(false, "disconnected")),
		nats.ReconnectHandler(connState(true, "reconnected")),
		nats.ClosedHandler(connState(false, "closed")),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", url, err)
	}
	if m != nil {
		m.NATSSetConnected(true)
	}
	return &NATSPublisher{nc: nc, subject: subjectName(subject), metrics: m}, nil
}

func (p *NATSPublisher) Close() {
	if p.nc != nil {
		p.nc.Drain()
		p.nc.Close()
	}
}

// ShapesUpdated publishes ev as JSON on the configured subject.
func (p *NATSPublisher) ShapesUpdated(_ context.Context, ev cache.ShapesUpdated) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	start := time.Now()
	err = p.nc.Publish(p.subject, b)
	if p.metrics != nil {
		p.metrics.PublishObserve(time.Since(start))
		if err != nil {
			p.metrics.NATSPublishErrInc()
		} else {
			p.metrics.NATSPublishedInc()
		}
	}
	return err
}

// subjectName sanitizes each dot-separated token of a subject.
func subjectName(s string) string {
	parts := strings.Split(strings.TrimSpace(s), ".")
	for i, part := range parts {
		parts[i] = subjectToken(part)
	}
	return strings.Join(parts, ".")
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS token cannot contain spaces, '>', '*', or trailing '.'
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
