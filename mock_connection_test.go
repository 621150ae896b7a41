package main

import (
	"encoding/json"
	"sync"
)

// mockConn is an in-process Connection used across this package's tests, the
// way the teacher's room_test.go hand-rolled a fake transport rather than
// standing up a real socket for every assertion.
type mockConn struct {
	mu        sync.Mutex
	id        string
	reg       *listenerRegistry
	sent      []sentMsg
	done      chan struct{}
	closeOnce sync.Once
	failSend  bool
}

type sentMsg struct {
	event   string
	payload any
}

func newMockConn(id string) *mockConn {
	return &mockConn{id: id, reg: newListenerRegistry(), done: make(chan struct{})}
}

func (c *mockConn) ID() string         { return c.id }
func (c *mockConn) RemoteAddr() string { return "127.0.0.1:0" }

func (c *mockConn) Send(event string, payload any) error {
	if c.failSend {
		return errSendFailed
	}
	c.mu.Lock()
	c.sent = append(c.sent, sentMsg{event: event, payload: payload})
	c.mu.Unlock()
	return nil
}

func (c *mockConn) On(owner, event string, fn func(json.RawMessage)) { c.reg.on(owner, event, fn) }
func (c *mockConn) Off(owner string)                                { c.reg.off(owner) }

func (c *mockConn) Disconnect(reason string) {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *mockConn) Done() <-chan struct{} { return c.done }

func (c *mockConn) lastSent() (sentMsg, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sent) == 0 {
		return sentMsg{}, false
	}
	return c.sent[len(c.sent)-1], true
}

func (c *mockConn) sentEvents() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.sent))
	for i, m := range c.sent {
		out[i] = m.event
	}
	return out
}

// deliver simulates an inbound envelope arriving on this connection, as a
// real transport's read loop would dispatch it.
func (c *mockConn) deliver(event string, payload any) {
	data, _ := json.Marshal(payload)
	c.reg.dispatch(event, data)
}

type sendFailedErr struct{}

func (sendFailedErr) Error() string { return "mock send failed" }

var errSendFailed = sendFailedErr{}
