package main

import (
	"encoding/json"
	"testing"
)

func TestListenerRegistryDispatch(t *testing.T) {
	reg := newListenerRegistry()
	var got json.RawMessage
	calls := 0
	reg.on("owner-a", "ping", func(data json.RawMessage) {
		calls++
		got = data
	})

	reg.dispatch("ping", json.RawMessage(`{"n":1}`))
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
	if string(got) != `{"n":1}` {
		t.Errorf("data = %s", got)
	}

	reg.dispatch("pong", json.RawMessage(`{}`))
	if calls != 1 {
		t.Fatalf("unrelated event triggered listener: calls = %d", calls)
	}
}

func TestListenerRegistryOffReleasesOnlyThatOwner(t *testing.T) {
	reg := newListenerRegistry()
	aCalls, bCalls := 0, 0
	reg.on("a", "tick", func(json.RawMessage) { aCalls++ })
	reg.on("b", "tick", func(json.RawMessage) { bCalls++ })

	reg.off("a")
	reg.dispatch("tick", nil)

	if aCalls != 0 {
		t.Errorf("owner a should have been released, got %d calls", aCalls)
	}
	if bCalls != 1 {
		t.Errorf("owner b should still fire, got %d calls", bCalls)
	}
}

func TestListenerRegistryMultipleListenersSameEvent(t *testing.T) {
	reg := newListenerRegistry()
	order := []string{}
	reg.on("a", "x", func(json.RawMessage) { order = append(order, "a") })
	reg.on("b", "x", func(json.RawMessage) { order = append(order, "b") })

	reg.dispatch("x", nil)
	if len(order) != 2 {
		t.Fatalf("expected both listeners to fire, got %v", order)
	}
}
