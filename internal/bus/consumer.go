package bus

import (
	"encoding/json"
	"fmt"
	"log"

	"github.com/nats-io/nats.go"
)

// Handler receives one deduplicated event message.
type Handler func(m *Message)

// Consumer subscribes to the whole event hierarchy for the control plane
// and fans each event out to the registered handlers once.
type Consumer struct {
	conn     *nats.Conn
	prefix   string
	dedup    *Dedup
	handlers []Handler
	sub      *nats.Subscription
}

func NewConsumer(conn *nats.Conn, prefix string, dedup *Dedup) *Consumer {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &Consumer{conn: conn, prefix: prefix, dedup: dedup}
}

// OnEvent registers a handler. Not safe to call after Start.
func (c *Consumer) OnEvent(h Handler) {
	c.handlers = append(c.handlers, h)
}

func (c *Consumer) Start() error {
	sub, err := c.conn.Subscribe(c.prefix+".>", func(msg *nats.Msg) {
		c.handle(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("bus: subscribe %s.>: %w", c.prefix, err)
	}
	c.sub = sub
	return nil
}

func (c *Consumer) Stop() {
	if c.sub != nil {
		_ = c.sub.Unsubscribe()
		c.sub = nil
	}
}

func (c *Consumer) handle(data []byte) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		log.Printf("[bus] dropping malformed event: %v", err)
		return
	}
	if m.EventID == "" || m.CameraID <= 0 || m.Type == "" {
		log.Printf("[bus] dropping incomplete event %q (camera %d, type %q)", m.EventID, m.CameraID, m.Type)
		return
	}
	if c.dedup != nil && c.dedup.IsDuplicate(DedupKey(&m)) {
		return
	}
	for _, h := range c.handlers {
		h(&m)
	}
}
