package main

import (
	"testing"
	"time"

	"pixsimrelay/internal/pixelconv"
)

// newTickTestConverter builds a tiny two-pixel rps<->bps converter for tests
// that exercise RelayTick's per-receiver-dialect translation.
func newTickTestConverter(t *testing.T) *pixelconv.Converter {
	t.Helper()
	conv, err := pixelconv.NewConverter([]pixelconv.Row{
		{Canonical: 0, IDs: map[string]string{"rps": "0", "bps": "1"}},
		{Canonical: 1, IDs: map[string]string{"rps": "1", "bps": "2"}},
	})
	if err != nil {
		t.Fatalf("NewConverter: %v", err)
	}
	return conv
}

func TestRoomJoinFirstMemberBecomesHost(t *testing.T) {
	r := NewRoom("ABCD12", ModePixelCrash)
	conn := newMockConn("c1")
	team, err := r.Join(conn, "alice", "rps", false)
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if team != TeamA {
		t.Errorf("first joiner team = %d, want TeamA", team)
	}
	_, _, isHost, ok := r.Member("c1")
	if !ok || !isHost {
		t.Errorf("first joiner should be host: ok=%v isHost=%v", ok, isHost)
	}
}

func TestRoomJoinBalancesTeams(t *testing.T) {
	r := NewRoom("ABCD12", ModePixelCrash)
	r.Join(newMockConn("c1"), "alice", "rps", false)
	team, err := r.Join(newMockConn("c2"), "bob", "rps", false)
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if team != TeamB {
		t.Errorf("second joiner team = %d, want TeamB", team)
	}
}

func TestRoomJoinFullTeamsFallsBackToSpectator(t *testing.T) {
	r := NewRoom("ABCD12", ModePixelCrash)
	r.SetTeamSize(1)
	r.SetAllowSpectators(true)
	r.Join(newMockConn("c1"), "alice", "rps", false)
	r.Join(newMockConn("c2"), "bob", "rps", false)
	team, err := r.Join(newMockConn("c3"), "carol", "rps", false)
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if team != TeamSpectator {
		t.Errorf("third joiner team = %d, want TeamSpectator", team)
	}
}

func TestRoomJoinRejectsWhenFullAndNoSpectators(t *testing.T) {
	r := NewRoom("ABCD12", ModePixelCrash)
	r.SetTeamSize(1)
	r.SetAllowSpectators(false)
	r.Join(newMockConn("c1"), "alice", "rps", false)
	r.Join(newMockConn("c2"), "bob", "rps", false)
	if _, err := r.Join(newMockConn("c3"), "carol", "rps", false); err == nil {
		t.Fatal("expected error joining a full room with spectators disallowed")
	}
}

func TestRoomLeaveEmptyDestroysRoom(t *testing.T) {
	r := NewRoom("ABCD12", ModePixelCrash)
	destroyed := false
	r.SetOnDestroy(func(code string) { destroyed = true })
	r.Join(newMockConn("c1"), "alice", "rps", false)

	empty, wasHost := r.Leave("c1")
	if !empty || !wasHost {
		t.Fatalf("Leave = (%v, %v), want (true, true)", empty, wasHost)
	}
	if !destroyed {
		t.Error("expected onDestroy to fire when the room empties")
	}
}

func TestRoomLeaveHostMidGameEndsGame(t *testing.T) {
	r := NewRoom("ABCD12", ModePixelCrash)
	r.Join(newMockConn("host"), "alice", "rps", false)
	bob := newMockConn("bob")
	r.Join(bob, "bob", "rps", false)

	r.Ready("host")
	r.Ready("bob")
	r.Start("host", func() {}, func() {})
	if !r.IsActive() {
		t.Fatal("expected room to be active after a satisfied start")
	}

	r.Leave("host")
	found := false
	for _, ev := range bob.sentEvents() {
		if ev == EvGameEnd {
			found = true
		}
	}
	if !found {
		t.Errorf("expected remaining member to receive gameEnd, got %v", bob.sentEvents())
	}
}

func TestRoomChangeTeamRejectsFullTeam(t *testing.T) {
	r := NewRoom("ABCD12", ModePixelCrash)
	r.SetTeamSize(1)
	r.Join(newMockConn("c1"), "alice", "rps", false) // TeamA
	r.Join(newMockConn("c2"), "bob", "rps", false)   // TeamB (teams size 1 so balances away from A)
	if err := r.ChangeTeam("c2", TeamA); err == nil {
		t.Fatal("expected error moving into a full team")
	}
}

func TestRoomKickPlayerRequiresHost(t *testing.T) {
	r := NewRoom("ABCD12", ModePixelCrash)
	r.Join(newMockConn("host"), "alice", "rps", false)
	r.Join(newMockConn("c2"), "bob", "rps", false)

	if err := r.KickPlayer("c2", "alice"); err == nil {
		t.Fatal("expected non-host kick attempt to fail")
	}
	if err := r.KickPlayer("host", "bob"); err != nil {
		t.Fatalf("KickPlayer: %v", err)
	}
	if _, _, _, ok := r.Member("c2"); ok {
		t.Error("kicked member should no longer be a room member")
	}
}

func TestRoomMovePlayerSwap(t *testing.T) {
	r := NewRoom("ABCD12", ModePixelCrash)
	r.SetTeamSize(2)
	r.Join(newMockConn("host"), "alice", "rps", false) // TeamA
	r.Join(newMockConn("c2"), "bob", "rps", false)      // TeamB

	if err := r.MovePlayer("host", "alice", TeamB, "bob"); err != nil {
		t.Fatalf("MovePlayer: %v", err)
	}
	aliceTeam, _, _, _ := r.Member("host")
	bobTeam, _, _, _ := r.Member("c2")
	if aliceTeam != TeamB || bobTeam != TeamA {
		t.Errorf("after swap: alice=%d bob=%d, want TeamB/TeamA", aliceTeam, bobTeam)
	}
}

func TestRoomReadinessBarrierPromotesWhenAllReady(t *testing.T) {
	r := NewRoom("ABCD12", ModePixelCrash)
	r.Join(newMockConn("host"), "alice", "rps", false)
	r.Join(newMockConn("c2"), "bob", "rps", false)

	satisfiedCalled := false
	if err := r.Start("host", func() { satisfiedCalled = true }, func() {}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if satisfiedCalled {
		t.Fatal("start should not be immediately satisfied with a pending member")
	}

	r.Ready("host")
	if r.PromoteIfReady() {
		t.Fatal("should not promote with bob still not ready")
	}
	r.Ready("c2")
	if !r.PromoteIfReady() {
		t.Fatal("expected promotion once every member is ready")
	}
	if !r.IsActive() {
		t.Error("room should be active after promotion")
	}
}

func TestRoomStartTimeoutRevertsToOpen(t *testing.T) {
	r := NewRoom("ABCD12", ModePixelCrash)
	r.startTimeout = 20 * time.Millisecond
	r.Join(newMockConn("host"), "alice", "rps", false)
	r.Join(newMockConn("c2"), "bob", "rps", false)

	timedOut := make(chan struct{})
	if err := r.Start("host", func() {}, func() { close(timedOut) }); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case <-timedOut:
	case <-time.After(time.Second):
		t.Fatal("expected start timeout to fire")
	}
	if r.IsActive() {
		t.Error("room should have reverted out of active state")
	}
}

func TestRoomOnlyHostCanRelayTick(t *testing.T) {
	r := NewRoom("ABCD12", ModePixelCrash)
	r.Join(newMockConn("host"), "alice", "rps", false)
	other := newMockConn("c2")
	r.Join(other, "bob", "rps", false)
	r.Ready("host")
	r.Ready("c2")
	r.Start("host", func() {}, func() {})

	validFrame := TickFrame{
		Grid:         []byte{1, 2, 3},
		TeamGrid:     []byte{0, 0},
		BooleanGrids: [][]byte{{1}},
		Origin:       "host",
	}

	if err := r.RelayTick("c2", TickFrame{}); err == nil {
		t.Fatal("expected non-host tick relay to be rejected")
	}
	if err := r.RelayTick("host", validFrame); err != nil {
		t.Fatalf("RelayTick: %v", err)
	}
	events := other.sentEvents()
	if len(events) == 0 || events[len(events)-1] != EvTick {
		t.Errorf("expected receiver to get a tick event, got %v", events)
	}
}

func TestRoomRelayTickInvalidShapeDestroysHost(t *testing.T) {
	r := NewRoom("ABCD12", ModePixelCrash)
	host := newMockConn("host")
	r.Join(host, "alice", "rps", false)
	bob := newMockConn("bob")
	r.Join(bob, "bob", "rps", false)
	r.Ready("host")
	r.Ready("bob")
	r.Start("host", func() {}, func() {})

	if err := r.RelayTick("host", TickFrame{Grid: []byte{1}}); err == nil {
		t.Fatal("expected a tick with no teamGrid/booleanGrids/origin to be rejected")
	}
	select {
	case <-host.Done():
	default:
		t.Error("expected the misbehaving host's connection to be disconnected")
	}
	found := false
	for _, ev := range bob.sentEvents() {
		if ev == EvGameEnd {
			found = true
		}
	}
	if !found {
		t.Errorf("expected survivor to receive gameEnd, got %v", bob.sentEvents())
	}
}

func TestRoomRelayTickTranslatesPerReceiverDialect(t *testing.T) {
	r := NewRoom("ABCD12", ModePixelCrash)
	r.SetConverter(newTickTestConverter(t))
	r.Join(newMockConn("host"), "alice", "rps", false)
	other := newMockConn("c2")
	r.Join(other, "bob", "bps", false)
	r.Ready("host")
	r.Ready("c2")
	r.Start("host", func() {}, func() {})

	// Header 0xFF + a single id byte 0x00: one cell, rps pixel id 0.
	frame := TickFrame{
		Grid:         []byte{0xFF, 0x00},
		TeamGrid:     []byte{0, 0},
		BooleanGrids: [][]byte{{1}},
		Origin:       "host",
		Data:         TickData{TeamPixelAmounts: [][]int{{5, 9}}},
	}
	if err := r.RelayTick("host", frame); err != nil {
		t.Fatalf("RelayTick: %v", err)
	}
	msg, ok := other.lastSent()
	if !ok || msg.event != EvTick {
		t.Fatalf("expected bob to receive a tick, got %v", msg)
	}
	out, ok := msg.payload.(TickFrame)
	if !ok {
		t.Fatalf("payload is %T, want TickFrame", msg.payload)
	}
	// rps pixel id 0 is canonical 0, whose bps native id is 1; the header
	// byte 0xFF passes through unchanged ahead of id byte 1.
	if len(out.Grid) != 2 || out.Grid[0] != 0xFF || out.Grid[1] != 1 {
		t.Fatalf("translated grid = %v, want [0xFF 1]", out.Grid)
	}
	// teamPixelAmounts indices are host-dialect (rps) pixel ids: 0 and 1,
	// remapped to bps native ids 1 and 2.
	if len(out.Data.TeamPixelAmounts) != 1 {
		t.Fatalf("TeamPixelAmounts = %v, want one team row", out.Data.TeamPixelAmounts)
	}
	row := out.Data.TeamPixelAmounts[0]
	if len(row) != 3 || row[1] != 5 || row[2] != 9 {
		t.Fatalf("remapped row = %v, want [0 5 9]", row)
	}
}

func TestRoomRelayInputGoesOnlyToHost(t *testing.T) {
	r := NewRoom("ABCD12", ModePixelCrash)
	host := newMockConn("host")
	r.Join(host, "alice", "rps", false)
	r.Join(newMockConn("c2"), "bob", "rps", false)
	r.Ready("host")
	r.Ready("c2")
	r.Start("host", func() {}, func() {})

	if err := r.RelayInput("c2", InputFrame{Type: 1, Data: []float64{0}}); err != nil {
		t.Fatalf("RelayInput: %v", err)
	}
	events := host.sentEvents()
	if len(events) == 0 || events[len(events)-1] != EvInput {
		t.Errorf("expected host to receive input event, got %v", events)
	}
}

func TestRoomRelayInputTranslatesSingleCellPixelId(t *testing.T) {
	r := NewRoom("ABCD12", ModePixelCrash)
	r.SetConverter(newTickTestConverter(t))
	host := newMockConn("host")
	r.Join(host, "alice", "rps", false)
	r.Join(newMockConn("c2"), "bob", "bps", false)
	r.Ready("host")
	r.Ready("c2")
	r.Start("host", func() {}, func() {})

	// type 0, data[5] is the painted pixel id (canonical 0) in bob's dialect.
	in := InputFrame{Type: 0, Data: []float64{0, 0, 0, 0, 0, 1}}
	if err := r.RelayInput("c2", in); err != nil {
		t.Fatalf("RelayInput: %v", err)
	}
	msg, ok := host.lastSent()
	if !ok || msg.event != EvInput {
		t.Fatalf("expected host to receive an input event, got %v", msg)
	}
	out := msg.payload.(InputFrame)
	if out.Data[5] != 0 {
		t.Fatalf("translated pixel id = %v, want 0 (bps 1 -> rps native 0)", out.Data[5])
	}
}

func TestRoomRelayInputShapeViolationKicksSender(t *testing.T) {
	r := NewRoom("ABCD12", ModePixelCrash)
	r.Join(newMockConn("host"), "alice", "rps", false)
	sender := newMockConn("c2")
	r.Join(sender, "bob", "rps", false)
	r.Ready("host")
	r.Ready("c2")
	r.Start("host", func() {}, func() {})

	// type 0 requires exactly 6 numbers.
	if err := r.RelayInput("c2", InputFrame{Type: 0, Data: []float64{1, 2}}); err == nil {
		t.Fatal("expected a malformed type-0 input to be rejected")
	}
	select {
	case <-sender.Done():
	default:
		t.Error("expected the sender to be disconnected for a shape violation")
	}
	if _, _, _, ok := r.Member("c2"); ok {
		t.Error("kicked sender should no longer be a room member")
	}
}

func TestRoomRelayInputBatchSendsOneCombinedEvent(t *testing.T) {
	r := NewRoom("ABCD12", ModePixelCrash)
	host := newMockConn("host")
	r.Join(host, "alice", "rps", false)
	r.Join(newMockConn("c2"), "bob", "rps", false)
	r.Ready("host")
	r.Ready("c2")
	r.Start("host", func() {}, func() {})

	batch := []InputFrame{
		{Type: 0, Data: []float64{0, 0, 0, 0, 0, -1}},
		{Type: 1, Data: []float64{0}},
	}
	if err := r.RelayInputBatch("c2", batch); err != nil {
		t.Fatalf("RelayInputBatch: %v", err)
	}
	sent := host.sentEvents()
	count := 0
	for _, ev := range sent {
		if ev == EvInput {
			count++
		}
	}
	if count != 0 {
		t.Fatalf("expected no individual input events, got %d", count)
	}
	msg, ok := host.lastSent()
	if !ok || msg.event != EvInputBatch {
		t.Fatalf("expected a single inputBatch event, got %v", sent)
	}
	out, ok := msg.payload.([]InputFrame)
	if !ok || len(out) != 2 {
		t.Fatalf("payload = %v (%T), want 2 translated entries", msg.payload, msg.payload)
	}
}

func TestRoomChatBroadcastsToOthers(t *testing.T) {
	r := NewRoom("ABCD12", ModePixelCrash)
	r.Join(newMockConn("host"), "alice", "rps", false)
	bob := newMockConn("bob-conn")
	r.Join(bob, "bob", "rps", false)

	if err := r.Chat("host", "hello"); err != nil {
		t.Fatalf("Chat: %v", err)
	}
	events := bob.sentEvents()
	if len(events) == 0 || events[len(events)-1] != EvChat {
		t.Errorf("expected bob to receive a chat event, got %v", events)
	}
}

func TestRoomSummaryAndIsPublic(t *testing.T) {
	r := NewRoom("ABCD12", ModePixelCrash)
	r.Join(newMockConn("host"), "alice", "rps", false)
	if r.IsPublic() {
		t.Fatal("room should not be public by default")
	}
	r.SetIsPublic(true)
	if !r.IsPublic() {
		t.Fatal("expected room to report public after SetIsPublic(true)")
	}
	summary := r.Summary()
	if summary.Code != "ABCD12" || summary.HostName != "alice" {
		t.Errorf("summary = %+v", summary)
	}
}
