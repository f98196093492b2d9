package bus

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// frame is the gateway wire format. Payloads are base64 so binary relay
// chunks survive JSON transport.
type frame struct {
	ID      string `json:"id,omitempty"`
	Topic   string `json:"topic"`
	Payload string `json:"payload"`
}

// WSBus is a websocket client to a pub/sub gateway. Broadcast publishes a
// frame to the gateway; a background read loop dispatches incoming frames to
// local subscribers. Writes are serialized: the websocket permits only one
// concurrent writer.
type WSBus struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	mu     sync.RWMutex
	subs   map[string]map[uint64]func(string)
	nextID uint64
	closed bool

	shutdownOnce sync.Once
	done         chan struct{}
}

// DialWS connects to the bus gateway and starts the dispatch loop.
func DialWS(ctx context.Context, url string) (*WSBus, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("bus: dial %s: %w", url, err)
	}
	b := &WSBus{
		conn: conn,
		subs: make(map[string]map[uint64]func(string)),
		done: make(chan struct{}),
	}
	go b.readLoop()
	return b, nil
}

// Done is closed when the gateway connection ends.
func (b *WSBus) Done() <-chan struct{} { return b.done }

func (b *WSBus) Broadcast(topic, payload string) error {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return ErrBusClosed
	}
	f := frame{
		ID:      uuid.NewString(),
		Topic:   topic,
		Payload: base64.StdEncoding.EncodeToString([]byte(payload)),
	}
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if err := b.conn.WriteJSON(f); err != nil {
		return fmt.Errorf("bus: broadcast: %w", err)
	}
	return nil
}

func (b *WSBus) Subscribe(topic string, handler func(payload string)) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[uint64]func(string))
	}
	b.nextID++
	id := b.nextID
	b.subs[topic][id] = handler

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[topic], id)
	}
	return unsubscribe, nil
}

// Close is idempotent and ends the dispatch loop.
func (b *WSBus) Close() error {
	b.shutdown()
	return nil
}

func (b *WSBus) shutdown() {
	b.shutdownOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()
		b.conn.Close()
		close(b.done)
	})
}

func (b *WSBus) readLoop() {
	defer b.shutdown()
	for {
		var f frame
		if err := b.conn.ReadJSON(&f); err != nil {
			b.mu.RLock()
			closed := b.closed
			b.mu.RUnlock()
			if !closed {
				log.Warn().Err(err).Msg("bus.WSBus gateway connection ended")
			}
			return
		}
		payload, err := base64.StdEncoding.DecodeString(f.Payload)
		if err != nil {
			log.Warn().Str("topic", f.Topic).Err(err).Msg("bus.WSBus dropping undecodable frame")
			continue
		}
		b.dispatch(f.Topic, string(payload))
	}
}

func (b *WSBus) dispatch(topic, payload string) {
	b.mu.RLock()
	handlers := make([]func(string), 0, len(b.subs[topic]))
	for _, h := range b.subs[topic] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()
	for _, h := range handlers {
		h(payload)
	}
}
