package gateway

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"github.com/netdebug/SignalR/messagebus"
)

// client is one WebSocket connection acting as a single bus subscriber.
// Delivered batches flow into the buffered send channel and out through the
// write pump; a full buffer marks the client slow and tears it down.
type client struct {
	id     int64
	conn   net.Conn
	server *Server

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	// mu guards the interest set and the dynamic-key hooks installed by the
	// bus at subscribe time.
	mu         sync.Mutex
	keys       map[string]struct{}
	keyAdded   func(string)
	keyRemoved func(string)
	reg        *messagebus.Registration
}

func newClient(id int64, conn net.Conn, server *Server, sendBuffer int) *client {
	return &client{
		id:     id,
		conn:   conn,
		server: server,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
		keys:   make(map[string]struct{}),
	}
}

// Identity implements messagebus.Subscriber.
func (c *client) Identity() string {
	return fmt.Sprintf("ws-%d", c.id)
}

// EventKeys implements messagebus.Subscriber.
func (c *client) EventKeys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.keys))
	for k := range c.keys {
		keys = append(keys, k)
	}
	return keys
}

// HookEventKeys implements messagebus.DynamicSubscriber, letting later
// subscribe/unsubscribe frames adjust interest without re-registering.
func (c *client) HookEventKeys(added, removed func(string)) func() {
	c.mu.Lock()
	c.keyAdded = added
	c.keyRemoved = removed
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		c.keyAdded = nil
		c.keyRemoved = nil
		c.mu.Unlock()
	}
}

// wireMessage is one bus message on the client protocol.
type wireMessage struct {
	Topic string          `json:"topic"`
	Data  json.RawMessage `json:"data"`
}

// serverFrame is every frame the gateway sends to a client.
type serverFrame struct {
	Type     string        `json:"type"` // batch, closed, cursor, error
	Cursor   string        `json:"cursor,omitempty"`
	Topic    string        `json:"topic,omitempty"`
	Count    int           `json:"count,omitempty"`
	Messages []wireMessage `json:"messages,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// clientFrame is every frame a client may send to the gateway.
type clientFrame struct {
	Type   string          `json:"type"` // subscribe, unsubscribe, publish, cursor
	Topics []string        `json:"topics,omitempty"`
	Cursor string          `json:"cursor,omitempty"`
	Topic  string          `json:"topic,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// deliver is the bus callback. It runs on an engine worker, so it never
// blocks: a send buffer with no room means the client cannot keep up and
// the connection is dropped.
func (c *client) deliver(r messagebus.MessageResult) (bool, error) {
	frame := serverFrame{
		Cursor: r.Cursor,
		Count:  r.TotalCount,
	}
	if r.Terminal {
		frame.Type = "closed"
	} else {
		frame.Type = "batch"
		frame.Messages = make([]wireMessage, len(r.Messages))
		for i, m := range r.Messages {
			frame.Messages[i] = wireMessage{Topic: m.Key, Data: rawPayload(m.Value)}
		}
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return false, fmt.Errorf("marshal batch for client %d: %w", c.id, err)
	}

	select {
	case <-c.done:
		return false, nil
	default:
	}

	select {
	case c.send <- data:
		return !r.Terminal, nil
	case <-c.done:
		return false, nil
	default:
		slowClientsDisconnected.Inc()
		c.server.logger.Warn().
			Int64("client_id", c.id).
			Int("buffer_size", cap(c.send)).
			Msg("disconnecting slow client, send buffer full")
		c.server.disconnect(c)
		return false, nil
	}
}

// rawPayload passes JSON payloads through untouched and quotes everything
// else so the frame stays valid JSON.
func rawPayload(value []byte) json.RawMessage {
	if json.Valid(value) {
		return json.RawMessage(value)
	}
	quoted, err := json.Marshal(string(value))
	if err != nil {
		return json.RawMessage(`null`)
	}
	return json.RawMessage(quoted)
}

// subscribe handles the first subscribe frame by registering with the bus,
// and later ones by feeding the dynamic-key hooks.
func (c *client) subscribe(topics []string, cursor string) error {
	c.mu.Lock()
	first := c.reg == nil
	if first {
		for _, t := range topics {
			c.keys[t] = struct{}{}
		}
	}
	c.mu.Unlock()

	if first {
		reg, err := c.server.bus.Subscribe(c, cursor, c.deliver, c.server.cfg.MaxBatchMessages)
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.reg = reg
		c.mu.Unlock()
		return nil
	}

	c.mu.Lock()
	added := c.keyAdded
	for _, t := range topics {
		c.keys[t] = struct{}{}
	}
	c.mu.Unlock()
	if added != nil {
		for _, t := range topics {
			added(t)
		}
	}
	return nil
}

func (c *client) unsubscribe(topics []string) {
	c.mu.Lock()
	removed := c.keyRemoved
	for _, t := range topics {
		delete(c.keys, t)
	}
	c.mu.Unlock()
	if removed != nil {
		for _, t := range topics {
			removed(t)
		}
	}
}

// close tears the client down exactly once: the bus registration first so
// no further batches land in the send channel, then the socket.
func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		reg := c.reg
		c.mu.Unlock()
		if reg != nil {
			reg.Close()
		}
		c.conn.Close()
	})
}
