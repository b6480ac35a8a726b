// Package bus moves persisted events from the workers to the control
// plane over NATS, deduplicating redeliveries on the consuming side.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/technosupport/ts-sentinel/internal/sink"
)

// Conn is the slice of *nats.Conn the publisher uses.
type Conn interface {
	Publish(subject string, data []byte) error
}

type Publisher struct {
	conn       Conn
	prefix     string
	maxRetries int
}

func NewPublisher(conn Conn, prefix string, maxRetries int) *Publisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &Publisher{
		conn:       conn,
		prefix:     prefix,
		maxRetries: maxRetries,
	}
}

func (p *Publisher) Publish(m *Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("bus: marshal event %s: %w", m.EventID, err)
	}
	subject := Subject(p.prefix, m.Type, m.CameraID)

	for i := 0; i <= p.maxRetries; i++ {
		err = p.conn.Publish(subject, data)
		if err == nil {
			return nil
		}

		// Backoff
		time.Sleep(time.Duration(i*100) * time.Millisecond)
	}

	return fmt.Errorf("bus: publish %s failed after %d retries: %w", subject, p.maxRetries, err)
}

// Notifier adapts the publisher to the worker's persisted-event hook.
// Publish failures are logged, never surfaced to the detection loop.
type Notifier struct {
	pub        *Publisher
	cameraName string
}

func NewNotifier(pub *Publisher, cameraName string) *Notifier {
	return &Notifier{pub: pub, cameraName: cameraName}
}

func (n *Notifier) EventSaved(_ context.Context, ev *sink.Event) {
	if err := n.pub.Publish(FromEvent(ev, n.cameraName)); err != nil {
		log.Printf("[worker %d] event publish: %v", ev.CameraID, err)
	}
}
