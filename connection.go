package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/quic-go/webtransport-go"
)

// Connection is the transport-agnostic wrapper every Handler talks through.
// It owns the named-event envelope, scoped listener registration (so a Room
// or Handler can release every callback it registered in one call when it
// stops caring about this connection), and a disconnect path. Two concrete
// transports satisfy it: a gorilla/websocket reliable control stream, and a
// webtransport-go session whose reliable stream carries control traffic
// while its datagrams optionally carry tick/input for receivers that don't
// need delivery guarantees on every frame.
type Connection interface {
	ID() string
	RemoteAddr() string
	Send(event string, payload any) error
	On(owner, event string, fn func(json.RawMessage))
	Off(owner string)
	Disconnect(reason string)
	Done() <-chan struct{}
}

// fastSender is an optional capability: connections that can also carry
// unreliable, low-latency datagrams implement it. sendTick (used by
// Room.RelayTick) type-asserts for it and prefers it for tick fan-out,
// falling back to Send otherwise.
type fastSender interface {
	SendFast(event string, payload any) error
}

type listenerEntry struct {
	owner string
	fn    func(json.RawMessage)
}

// listenerRegistry is the scoped event-dispatch table shared by both
// Connection implementations: register callbacks under an owner key (a Room
// code or Handler ID), dispatch incoming envelopes to every registered
// listener for that event, and release every listener an owner registered
// in a single call when that owner stops caring (room destroyed, handler
// moved to a new room).
type listenerRegistry struct {
	mu        sync.RWMutex
	listeners map[string][]listenerEntry // event -> entries
}

func newListenerRegistry() *listenerRegistry {
	return &listenerRegistry{listeners: make(map[string][]listenerEntry)}
}

func (r *listenerRegistry) on(owner, event string, fn func(json.RawMessage)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners[event] = append(r.listeners[event], listenerEntry{owner: owner, fn: fn})
}

func (r *listenerRegistry) off(owner string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for event, entries := range r.listeners {
		kept := entries[:0]
		for _, e := range entries {
			if e.owner != owner {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(r.listeners, event)
		} else {
			r.listeners[event] = kept
		}
	}
}

func (r *listenerRegistry) dispatch(event string, data json.RawMessage) {
	r.mu.RLock()
	entries := append([]listenerEntry(nil), r.listeners[event]...)
	r.mu.RUnlock()
	for _, e := range entries {
		e.fn(data)
	}
}

// --- gorilla/websocket implementation -------------------------------------

type wsConnection struct {
	id     string
	conn   *websocket.Conn
	reg    *listenerRegistry
	sendMu sync.Mutex
	done   chan struct{}
	once   sync.Once
}

func newWSConnection(id string, conn *websocket.Conn) *wsConnection {
	return &wsConnection{
		id:   id,
		conn: conn,
		reg:  newListenerRegistry(),
		done: make(chan struct{}),
	}
}

func (c *wsConnection) ID() string         { return c.id }
func (c *wsConnection) RemoteAddr() string { return c.conn.RemoteAddr().String() }

func (c *wsConnection) Send(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", event, err)
	}
	env := Envelope{Event: event, Data: data}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal %s envelope: %w", event, err)
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, raw)
}

func (c *wsConnection) On(owner, event string, fn func(json.RawMessage)) { c.reg.on(owner, event, fn) }
func (c *wsConnection) Off(owner string)                                { c.reg.off(owner) }

func (c *wsConnection) Disconnect(reason string) {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason), timeNowDeadline())
		_ = c.conn.Close()
	})
}

func (c *wsConnection) Done() <-chan struct{} { return c.done }

// readLoop decodes incoming envelopes and dispatches them to registered
// listeners until the socket closes. Run in its own goroutine per connection.
func (c *wsConnection) readLoop() {
	defer c.Disconnect("read loop ended")
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("ws read error", "conn_id", c.id, "err", err)
			}
			return
		}
		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			slog.Debug("ws malformed envelope", "conn_id", c.id, "err", err)
			continue
		}
		c.reg.dispatch(env.Event, env.Data)
	}
}

// --- quic-go/webtransport-go implementation -------------------------------

type wtConnection struct {
	id     string
	sess   *webtransport.Session
	reg    *listenerRegistry
	stream io.ReadWriteCloser
	ctrl   *wtStream // reliable stream carrying the control-plane envelopes
	sendMu sync.Mutex
	done   chan struct{}
	once   sync.Once
}

// wtStream wraps the stream webtransport-go hands back so newline-delimited
// JSON framing mirrors the control-stream idiom used elsewhere in this
// codebase's ancestor.
type wtStream struct {
	writeMu sync.Mutex
	raw     interface{ Write([]byte) (int, error) }
}

func (w *wtStream) write(b []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	_, err := w.raw.Write(append(b, '\n'))
	return err
}

func newWTConnection(ctx context.Context, id string, sess *webtransport.Session) (*wtConnection, error) {
	stream, err := sess.AcceptStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("accept control stream: %w", err)
	}
	c := &wtConnection{
		id:     id,
		sess:   sess,
		reg:    newListenerRegistry(),
		stream: stream,
		ctrl:   &wtStream{raw: stream},
		done:   make(chan struct{}),
	}
	go c.readControlLoop(bufio.NewReader(stream))
	return c, nil
}

func (c *wtConnection) ID() string         { return c.id }
func (c *wtConnection) RemoteAddr() string { return c.sess.RemoteAddr().String() }

func (c *wtConnection) Send(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", event, err)
	}
	raw, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		return fmt.Errorf("marshal %s envelope: %w", event, err)
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.ctrl.write(raw)
}

// SendFast pushes the envelope over an unreliable WebTransport datagram when
// one fits, falling back to the reliable stream when it doesn't (datagrams
// have a path-MTU-bound size limit and tick frames for large grids can
// exceed it).
func (c *wtConnection) SendFast(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", event, err)
	}
	raw, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		return fmt.Errorf("marshal %s envelope: %w", event, err)
	}
	if len(raw) <= maxDatagramPayload {
		if err := c.sess.SendDatagram(raw); err == nil {
			return nil
		}
	}
	return c.Send(event, payload)
}

func (c *wtConnection) On(owner, event string, fn func(json.RawMessage)) { c.reg.on(owner, event, fn) }
func (c *wtConnection) Off(owner string)                                { c.reg.off(owner) }

func (c *wtConnection) Disconnect(reason string) {
	c.once.Do(func() {
		close(c.done)
		_ = c.sess.CloseWithError(0, reason)
	})
}

func (c *wtConnection) Done() <-chan struct{} { return c.done }

// maxDatagramPayload is a conservative bound under typical path MTU so a
// SendFast envelope fits in one WebTransport datagram.
const maxDatagramPayload = 1200

// readControlLoop decodes newline-delimited JSON envelopes from the reliable
// stream, mirroring wsConnection.readLoop.
func (c *wtConnection) readControlLoop(reader interface{ ReadBytes(byte) ([]byte, error) }) {
	defer c.Disconnect("control read loop ended")
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			return
		}
		var env Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			slog.Debug("wt malformed envelope", "conn_id", c.id, "err", err)
			continue
		}
		c.reg.dispatch(env.Event, env.Data)
	}
}

// readDatagramLoop decodes datagram-carried envelopes (the low-latency
// tick/input fast path) and dispatches them the same way as control-plane
// messages, so a Handler need not care which transport a given event
// arrived over.
func (c *wtConnection) readDatagramLoop(ctx context.Context) {
	for {
		data, err := c.sess.ReceiveDatagram(ctx)
		if err != nil {
			return
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		c.reg.dispatch(env.Event, env.Data)
	}
}
