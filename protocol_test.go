package main

import (
	"encoding/json"
	"testing"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	data, err := json.Marshal(JoinGameRequest{Code: "ABCD12", Spectating: true})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	env := Envelope{Event: EvJoinGame, Data: data}

	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}

	var got Envelope
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if got.Event != EvJoinGame {
		t.Errorf("event = %q, want %q", got.Event, EvJoinGame)
	}

	var req JoinGameRequest
	if err := json.Unmarshal(got.Data, &req); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if req.Code != "ABCD12" || !req.Spectating {
		t.Errorf("payload = %+v", req)
	}
}

func TestTeamConstantsAreDistinct(t *testing.T) {
	seen := map[int]bool{TeamA: true, TeamB: true, TeamSpectator: true}
	if len(seen) != 3 {
		t.Fatalf("expected 3 distinct team constants, got %d", len(seen))
	}
}
