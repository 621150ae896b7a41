package main

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"pixsimrelay/internal/pixelconv"
)

// roomState is the Room's coarse lifecycle stage.
type roomState int

const (
	stateOpen     roomState = iota // accepting joins and configuration
	stateStarting                  // readiness barrier in progress
	stateActive                    // host is producing ticks
	stateEnded                     // destroyed; joins and ticks are refused
)

func (s roomState) String() string {
	switch s {
	case stateOpen:
		return "open"
	case stateStarting:
		return "starting"
	case stateActive:
		return "active"
	case stateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// defaultTeamSize and defaultStartTimeout match spec.md's stated defaults;
// the latter resolves Open Question #1 (see SPEC_FULL.md §5.1).
const (
	defaultTeamSize     = 4
	defaultStartTimeout = 60 * time.Second
	maxRoomMembers      = 64 // hard ceiling: 2 teams + spectators
)

// member is one connected participant in a Room: a player on a team, a
// spectator, or (transiently, before team assignment) the host.
type member struct {
	conn     Connection
	username string
	dialect  DialectID
	team     int // TeamA, TeamB, or TeamSpectator
	ready    bool
	health   sendHealth // per-member circuit breaker, mirrors the ancestor's datagram fan-out guard
}

// roomTarget is a snapshot of one member's send path, captured under RLock
// and used after the lock is released so one slow member can't block
// delivery to the rest of the room.
type roomTarget struct {
	id     string
	conn   Connection
	health *sendHealth
}

var roomTargetPool = sync.Pool{
	New: func() any {
		s := make([]roomTarget, 0, 8)
		return &s
	},
}

// Room is one live game session: a fixed code, a game mode, up to two
// teams plus spectators, and (once started) a single host whose ticks are
// relayed, pixel-ID-translated per receiver, to every other member.
type Room struct {
	mu sync.RWMutex

	code    string
	mode    GameMode
	members map[string]*member // keyed by Connection.ID()
	hostID  string             // member ID producing authoritative ticks; set by the first Join, cleared when the host leaves

	teamSize         int
	allowSpectators  bool
	isPublic         bool
	state            roomState
	startDeadline    *time.Timer
	startTimeout     time.Duration
	gridW, gridH     int
	createdAt        time.Time

	onDestroy func(code string)
	onAudit   func(action, detail string)

	converter *pixelconv.Converter // nil-safe: translation is a no-op when unset

	tickSeq      atomic.Uint64
	skippedSends atomic.Uint64
}

// NewRoom constructs an empty, Open room for the given code and mode.
func NewRoom(code string, mode GameMode) *Room {
	return &Room{
		code:         code,
		mode:         mode,
		members:      make(map[string]*member),
		teamSize:     defaultTeamSize,
		startTimeout: defaultStartTimeout,
		createdAt:    time.Now(),
	}
}

// SetOnDestroy registers the callback fired once the room transitions out
// of existence (empty after the last member leaves, or host-misbehavior
// destruction). The Broker uses this to drop the room from its registry.
func (r *Room) SetOnDestroy(fn func(code string)) {
	r.mu.Lock()
	r.onDestroy = fn
	r.mu.Unlock()
}

// SetOnAudit registers a callback invoked for operator-visible room events
// (kicks, host-misbehavior destructions). Wired to the audit log store.
func (r *Room) SetOnAudit(fn func(action, detail string)) {
	r.mu.Lock()
	r.onAudit = fn
	r.mu.Unlock()
}

// SetConverter wires the PixelConverter used to translate tick grids between
// the host's dialect and each receiver's dialect.
func (r *Room) SetConverter(c *pixelconv.Converter) {
	r.mu.Lock()
	r.converter = c
	r.mu.Unlock()
}

func (r *Room) audit(action, detail string) {
	r.mu.RLock()
	cb := r.onAudit
	r.mu.RUnlock()
	if cb != nil {
		cb(action, detail)
	}
}

// Code returns the room's join code.
func (r *Room) Code() string { return r.code }

// Join adds conn to the room and returns the team it was assigned. A
// non-spectating joiner goes to the smaller team (TeamA on a tie) while it
// has a free seat, and otherwise to TeamSpectator; a spectating joiner goes
// to TeamSpectator. The first member to join becomes the host. Returns an
// error if the room is full, not accepting joins, or spectators are
// disallowed and no team seat is free.
func (r *Room) Join(conn Connection, username string, dialect DialectID, spectating bool) (team int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != stateOpen {
		return 0, fmt.Errorf("room %s is not accepting joins (state=%s)", r.code, r.state)
	}
	if len(r.members) >= maxRoomMembers {
		return 0, fmt.Errorf("room %s is full", r.code)
	}

	isHost := r.hostID == "" && len(r.members) == 0

	team = TeamSpectator
	if !spectating {
		a, b := r.teamCountsLocked()
		switch {
		case a <= b && a < r.teamSize:
			team = TeamA
		case b < r.teamSize:
			team = TeamB
		default:
			if !r.allowSpectators {
				return 0, fmt.Errorf("room %s teams are full and spectators are disallowed", r.code)
			}
			team = TeamSpectator
		}
	} else if !r.allowSpectators && !isHost {
		return 0, fmt.Errorf("room %s does not allow spectators", r.code)
	}

	r.members[conn.ID()] = &member{conn: conn, username: username, dialect: dialect, team: team}
	if isHost {
		r.hostID = conn.ID()
	}
	return team, nil
}

func (r *Room) teamCountsLocked() (a, b int) {
	for _, m := range r.members {
		switch m.team {
		case TeamA:
			a++
		case TeamB:
			b++
		}
	}
	return
}

// Leave removes conn from the room and reports whether the room is now
// empty and whether the leaving member was the host. An emptied room is
// destroyed; when the host leaves while members remain, they receive
// gameEnd and the room is destroyed.
func (r *Room) Leave(id string) (empty bool, wasHost bool) {
	r.mu.Lock()
	_, existed := r.members[id]
	if existed {
		delete(r.members, id)
	}
	wasHost = id == r.hostID
	if wasHost {
		r.hostID = ""
	}
	empty = len(r.members) == 0
	r.mu.Unlock()

	if empty {
		r.destroy("empty")
	} else if wasHost {
		r.BroadcastExcept("", EvGameEnd, struct{}{})
		r.destroy("host left")
	}
	return empty, wasHost
}

// destroy tears the room down: notifies the Broker (via onDestroy) so it
// drops the registry entry. Idempotent.
func (r *Room) destroy(reason string) {
	r.mu.Lock()
	if r.state == stateEnded && r.startDeadline == nil {
		r.mu.Unlock()
		return
	}
	r.state = stateEnded
	timer := r.startDeadline
	r.startDeadline = nil
	cb := r.onDestroy
	code := r.code
	r.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if cb != nil {
		cb(code)
	}
	slog.Info("room destroyed", "room_code", code, "reason", reason)
}

// Member returns a lightweight snapshot for handler-side checks (host-ness,
// team, dialect). ok is false if id isn't a current member.
func (r *Room) Member(id string) (team int, dialect DialectID, isHost bool, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, exists := r.members[id]
	if !exists {
		return 0, "", false, false
	}
	return m.team, m.dialect, id == r.hostID, true
}

// SetGameType sets the room's simulation mode. Only valid before start.
func (r *Room) SetGameType(mode GameMode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != stateOpen {
		return fmt.Errorf("cannot change game type after start")
	}
	r.mode = mode
	return nil
}

// SetAllowSpectators toggles whether spectators may join.
func (r *Room) SetAllowSpectators(allow bool) {
	r.mu.Lock()
	r.allowSpectators = allow
	r.mu.Unlock()
}

// SetIsPublic toggles whether the room appears in getPublicRooms results.
func (r *Room) SetIsPublic(public bool) {
	r.mu.Lock()
	r.isPublic = public
	r.mu.Unlock()
}

// SetTeamSize sets the per-team player cap. Only valid before start.
func (r *Room) SetTeamSize(size int) error {
	if size < 1 {
		return fmt.Errorf("team size must be positive")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != stateOpen {
		return fmt.Errorf("cannot change team size after start")
	}
	r.teamSize = size
	return nil
}

// ChangeTeam moves a member between TeamA, TeamB, and TeamSpectator.
// Returns an error if the destination team is full.
func (r *Room) ChangeTeam(id string, team int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[id]
	if !ok {
		return fmt.Errorf("not a member of room %s", r.code)
	}
	if team != TeamA && team != TeamB && team != TeamSpectator {
		return fmt.Errorf("invalid team %d", team)
	}
	if team == TeamSpectator && !r.allowSpectators {
		return fmt.Errorf("room %s does not allow spectators", r.code)
	}
	if team == TeamA || team == TeamB {
		a, b := r.teamCountsLocked()
		count := a
		if team == TeamB {
			count = b
		}
		if m.team != team && count >= r.teamSize {
			return fmt.Errorf("team is full")
		}
	}
	m.team = team
	return nil
}

// MovePlayer lets the host force another member onto a team, optionally
// swapping with a second named member (per spec.md's movePlayer payload).
func (r *Room) MovePlayer(hostID, username string, team int, username2 string) error {
	r.mu.RLock()
	isHost := hostID == r.hostID
	r.mu.RUnlock()
	if !isHost {
		return fmt.Errorf("only the host may move players")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	target := r.findByUsernameLocked(username)
	if target == nil {
		return fmt.Errorf("no such player %q", username)
	}
	if username2 != "" {
		other := r.findByUsernameLocked(username2)
		if other == nil {
			return fmt.Errorf("no such player %q", username2)
		}
		target.team, other.team = team, target.team
		return nil
	}
	target.team = team
	return nil
}

func (r *Room) findByUsernameLocked(username string) *member {
	for _, m := range r.members {
		if m.username == username {
			return m
		}
	}
	return nil
}

// KickPlayer removes a member (host-only) and disconnects their Connection.
func (r *Room) KickPlayer(hostID, targetUsername string) error {
	r.mu.RLock()
	isHost := hostID == r.hostID
	var targetID string
	for id, m := range r.members {
		if m.username == targetUsername {
			targetID = id
			break
		}
	}
	r.mu.RUnlock()
	if !isHost {
		return fmt.Errorf("only the host may kick players")
	}
	if targetID == "" {
		return fmt.Errorf("no such player %q", targetUsername)
	}
	r.kickMember(targetID, "kicked by host")
	return nil
}

// kickMember disconnects a member outside the host-initiated KickPlayer
// path: protocol violations (malformed tick/input shape) kick whoever sent
// the bad frame, not the host.
func (r *Room) kickMember(id, reason string) {
	r.mu.RLock()
	m, ok := r.members[id]
	r.mu.RUnlock()
	if !ok {
		return
	}
	_ = m.conn.Send(EvGameKicked, struct{}{})
	m.conn.Disconnect(reason)
	r.Leave(id)
	r.audit("kick", fmt.Sprintf("%s kicked from room %s: %s", m.username, r.code, reason))
}

// DestroyHost disconnects the current host in response to a HostMisbehavior
// condition (spec.md §7): an invalid tick or grid size. Leave's existing
// host-departure handling ends the session and notifies survivors with
// gameEnd; DestroyHost only adds the audit trail naming the cause.
func (r *Room) DestroyHost(reason string) {
	r.mu.RLock()
	hostID := r.hostID
	host, ok := r.members[hostID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	host.conn.Disconnect(reason)
	r.Leave(hostID)
	r.audit("host_misbehavior", fmt.Sprintf("host destroyed in room %s: %s", r.code, reason))
}

// Ready marks a member ready for the start barrier. Returns the number of
// members still pending and whether the barrier is now satisfied.
func (r *Room) Ready(id string) (pending int, satisfied bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.members[id]; ok {
		m.ready = true
	}
	return r.readinessLocked()
}

func (r *Room) readinessLocked() (pending int, satisfied bool) {
	for _, m := range r.members {
		if m.team == TeamSpectator {
			continue
		}
		if !m.ready {
			pending++
		}
	}
	return pending, pending == 0
}

// Start transitions the room into the readiness barrier, arming the
// configurable timeout from Open Question #1. If every non-spectator member
// is already ready, the room becomes Active at once and onSatisfied fires;
// otherwise PromoteIfReady makes that transition later and onSatisfied is
// not called. onTimeout fires if the deadline elapses first with the room
// reverted to Open.
func (r *Room) Start(hostID string, onSatisfied, onTimeout func()) error {
	r.mu.Lock()
	if hostID != r.hostID {
		r.mu.Unlock()
		return fmt.Errorf("only the host may start the game")
	}
	if r.state != stateOpen {
		r.mu.Unlock()
		return fmt.Errorf("room %s already starting or active", r.code)
	}
	r.state = stateStarting
	for _, m := range r.members {
		if m.team == TeamSpectator {
			m.ready = true
		}
	}
	_, satisfied := r.readinessLocked()
	timeout := r.startTimeout
	r.mu.Unlock()

	if satisfied {
		r.mu.Lock()
		r.state = stateActive
		r.mu.Unlock()
		onSatisfied()
		return nil
	}

	r.mu.Lock()
	r.startDeadline = time.AfterFunc(timeout, func() {
		r.mu.Lock()
		if r.state != stateStarting {
			r.mu.Unlock()
			return
		}
		r.state = stateOpen
		for _, m := range r.members {
			m.ready = false
		}
		r.startDeadline = nil
		r.mu.Unlock()
		onTimeout()
	})
	r.mu.Unlock()
	return nil
}

// PromoteIfReady is called after each Ready() to promote Starting->Active
// once the barrier is met; it cancels the pending timeout.
func (r *Room) PromoteIfReady() (promoted bool) {
	r.mu.Lock()
	if r.state != stateStarting {
		r.mu.Unlock()
		return false
	}
	_, satisfied := r.readinessLocked()
	if !satisfied {
		r.mu.Unlock()
		return false
	}
	r.state = stateActive
	timer := r.startDeadline
	r.startDeadline = nil
	r.mu.Unlock()
	if timer != nil {
		timer.Stop()
	}
	return true
}

// SetGridSize records the grid dimensions the host announced at game start.
func (r *Room) SetGridSize(w, h int) {
	r.mu.Lock()
	r.gridW, r.gridH = w, h
	r.mu.Unlock()
}

// IsActive reports whether the room is currently relaying ticks.
func (r *Room) IsActive() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state == stateActive
}

// validateTickFrame checks the shape spec.md §4.6 requires of a host tick:
// a non-empty grid, a non-empty teamGrid, a present booleanGrids list, and
// an origin tag. Anything else is a HostMisbehavior.
func validateTickFrame(frame TickFrame) error {
	if len(frame.Grid) == 0 {
		return fmt.Errorf("tick: empty grid")
	}
	if len(frame.TeamGrid) == 0 {
		return fmt.Errorf("tick: empty teamGrid")
	}
	if frame.BooleanGrids == nil {
		return fmt.Errorf("tick: missing booleanGrids")
	}
	if frame.Origin == "" {
		return fmt.Errorf("tick: missing origin")
	}
	return nil
}

// remapPixelAmounts rewrites a teamPixelAmounts table (one array per team,
// each indexed by pixel id in the host's dialect) into the receiver dialect's index
// space, per spec.md §4.6: remap every index through ConvertSingle,
// dropping entries the receiver dialect doesn't define.
func remapPixelAmounts(conv *pixelconv.Converter, amounts [][]int, from, to DialectID) [][]int {
	if amounts == nil {
		return nil
	}
	out := make([][]int, len(amounts))
	for ti, row := range amounts {
		remapped := make(map[int]int, len(row))
		maxIdx := -1
		for idx, count := range row {
			if idx < 0 || idx > 255 {
				continue
			}
			newIdx := conv.ConvertSingle(byte(idx), string(from), string(to))
			if newIdx == pixelconv.Unmapped {
				continue
			}
			remapped[int(newIdx)] = count
			if int(newIdx) > maxIdx {
				maxIdx = int(newIdx)
			}
		}
		remappedRow := make([]int, maxIdx+1)
		for idx, count := range remapped {
			remappedRow[idx] = count
		}
		out[ti] = remappedRow
	}
	return out
}

// tickTranslation is one receiver dialect's translated grid and pixel-amount
// table, computed at most once per tick no matter how many members share
// that dialect.
type tickTranslation struct {
	grid    []byte
	amounts [][]int
}

// RelayTick fans a host-produced frame out to every non-host member,
// translating pixel IDs per receiver's dialect and stamping a monotonic
// per-room tick sequence so no two ticks from the same host interleave on
// the wire (spec.md's ordering invariant). A malformed frame is
// HostMisbehavior: the host is destroyed rather than the tick silently
// dropped. Snapshot-under-RLock-then-send mirrors the ancestor's
// Broadcast: one slow member cannot block the rest.
func (r *Room) RelayTick(hostID string, frame TickFrame) error {
	r.mu.RLock()
	if hostID != r.hostID {
		r.mu.RUnlock()
		return fmt.Errorf("tick from non-host connection")
	}
	if r.state != stateActive {
		r.mu.RUnlock()
		return fmt.Errorf("room %s is not active", r.code)
	}
	conv := r.converter
	hostDialect := r.members[hostID].dialect

	sp := roomTargetPool.Get().(*[]roomTarget)
	targets := (*sp)[:0]
	for id, m := range r.members {
		if id == hostID {
			continue
		}
		targets = append(targets, roomTarget{id: id, conn: m.conn, health: &m.health})
	}
	dialects := make(map[string]DialectID, len(targets))
	for _, t := range targets {
		dialects[t.id] = r.members[t.id].dialect
	}
	r.mu.RUnlock()

	if err := validateTickFrame(frame); err != nil {
		*sp = targets
		roomTargetPool.Put(sp)
		r.DestroyHost(err.Error())
		return err
	}

	seq := r.tickSeq.Add(1)
	frame.Data.Tick = int(seq)

	cache := make(map[DialectID]tickTranslation)

	for _, t := range targets {
		if t.health.shouldSkip() {
			r.skippedSends.Add(1)
			continue
		}
		dialect := dialects[t.id]
		out := frame
		if conv != nil && dialect != hostDialect {
			tr, ok := cache[dialect]
			if !ok {
				if g, err := conv.ConvertGrid(frame.Grid, string(hostDialect), string(dialect)); err == nil {
					tr.grid = g
				}
				tr.amounts = remapPixelAmounts(conv, frame.Data.TeamPixelAmounts, hostDialect, dialect)
				cache[dialect] = tr
			}
			if tr.grid != nil {
				out.Grid = tr.grid
			}
			out.Data.TeamPixelAmounts = tr.amounts
		}
		if err := sendTick(t.conn, out); err != nil {
			t.health.recordFailure()
		} else {
			t.health.recordSuccess()
		}
	}

	*sp = targets
	roomTargetPool.Put(sp)
	return nil
}

// sendTick uses the fast (possibly unreliable) path when the connection
// supports it, since a dropped tick is superseded by the next one anyway.
func sendTick(conn Connection, frame TickFrame) error {
	if fs, ok := conn.(fastSender); ok {
		return fs.SendFast(EvTick, frame)
	}
	return conn.Send(EvTick, frame)
}

// translateInputFrame validates and dialect-translates one input entry per
// spec.md §4.6. Type 0 ("single cell input") carries exactly 6 numbers,
// data[5] a pixel ID in the sender's dialect (unless -1); type 1 ("region
// paint") carries a header byte followed by a packed grid in the sender's
// dialect. Any other shape is a protocol violation.
func translateInputFrame(conv *pixelconv.Converter, in InputFrame, sender, host DialectID) (InputFrame, error) {
	switch in.Type {
	case 0:
		if len(in.Data) != 6 {
			return InputFrame{}, fmt.Errorf("type 0 input requires 6 numbers, got %d", len(in.Data))
		}
		out := in
		out.Data = append([]float64(nil), in.Data...)
		if conv != nil && sender != host && out.Data[5] != -1 {
			pid := out.Data[5]
			if pid < 0 || pid > 255 {
				return InputFrame{}, fmt.Errorf("type 0 pixel id %v out of range", pid)
			}
			out.Data[5] = float64(conv.ConvertSingle(byte(pid), string(sender), string(host)))
		}
		return out, nil

	case 1:
		if len(in.Data) < 1 {
			return InputFrame{}, fmt.Errorf("type 1 input requires a header byte")
		}
		grid := make([]byte, len(in.Data)-1)
		for i, v := range in.Data[1:] {
			if v < 0 || v > 255 {
				return InputFrame{}, fmt.Errorf("type 1 grid byte %v out of range", v)
			}
			grid[i] = byte(v)
		}
		if conv != nil {
			translated, err := conv.ConvertGrid(grid, string(sender), string(host))
			if err != nil {
				return InputFrame{}, fmt.Errorf("type 1 grid: %w", err)
			}
			grid = translated
		}
		out := in
		out.Data = make([]float64, 0, len(grid)+1)
		out.Data = append(out.Data, in.Data[0])
		for _, b := range grid {
			out.Data = append(out.Data, float64(b))
		}
		return out, nil

	default:
		return InputFrame{}, fmt.Errorf("unknown input type %d", in.Type)
	}
}

// RelayInput forwards one team member's input to the host, dialect
// translated. A shape violation kicks the sender, per spec.md §4.6 — never
// the host.
func (r *Room) RelayInput(senderID string, input InputFrame) error {
	r.mu.RLock()
	m, ok := r.members[senderID]
	host, hostOK := r.members[r.hostID]
	active := r.state == stateActive
	conv := r.converter
	r.mu.RUnlock()
	if !ok || !hostOK || !active {
		return fmt.Errorf("room %s cannot accept input right now", r.code)
	}
	out, err := translateInputFrame(conv, input, m.dialect, host.dialect)
	if err != nil {
		r.kickMember(senderID, "malformed input: "+err.Error())
		return err
	}
	out.Team = m.team
	return host.conn.Send(EvInput, out)
}

// RelayInputBatch validates and translates every entry in batch, then sends
// one combined inputBatch to the host (spec.md §4.6) instead of relaying
// each entry separately. A shape violation anywhere in the batch kicks the
// sender and the batch is dropped.
func (r *Room) RelayInputBatch(senderID string, batch []InputFrame) error {
	r.mu.RLock()
	m, ok := r.members[senderID]
	host, hostOK := r.members[r.hostID]
	active := r.state == stateActive
	conv := r.converter
	r.mu.RUnlock()
	if !ok || !hostOK || !active {
		return fmt.Errorf("room %s cannot accept input right now", r.code)
	}

	out := make([]InputFrame, 0, len(batch))
	for _, in := range batch {
		translated, err := translateInputFrame(conv, in, m.dialect, host.dialect)
		if err != nil {
			r.kickMember(senderID, "malformed input batch: "+err.Error())
			return err
		}
		translated.Team = m.team
		out = append(out, translated)
	}
	return host.conn.Send(EvInputBatch, out)
}

// GameEnd transitions the room back to Open, clears every member's ready
// flag, and notifies every member; it does not destroy the room.
func (r *Room) GameEnd() {
	r.mu.Lock()
	r.state = stateOpen
	for _, m := range r.members {
		m.ready = false
	}
	r.mu.Unlock()
	r.BroadcastExcept("", EvGameEnd, struct{}{})
}

// BroadcastExcept sends event/payload to every member except excludeID
// (pass "" to include everyone). JSON-marshal errors are logged once rather
// than per-member since the payload is shared.
func (r *Room) BroadcastExcept(excludeID, event string, payload any) {
	r.mu.RLock()
	sp := roomTargetPool.Get().(*[]roomTarget)
	targets := (*sp)[:0]
	for id, m := range r.members {
		if id == excludeID {
			continue
		}
		targets = append(targets, roomTarget{id: id, conn: m.conn})
	}
	r.mu.RUnlock()

	for _, t := range targets {
		if err := t.conn.Send(event, payload); err != nil {
			slog.Debug("room broadcast send failed", "room_code", r.code, "member_id", t.id, "event", event, "err", err)
		}
	}

	*sp = targets
	roomTargetPool.Put(sp)
}

// TeamLists returns the current team rosters, used for updateTeamLists.
func (r *Room) TeamLists() TeamLists {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := TeamLists{TeamSize: r.teamSize}
	for _, m := range r.members {
		switch m.team {
		case TeamA:
			out.TeamA = append(out.TeamA, m.username)
		case TeamB:
			out.TeamB = append(out.TeamB, m.username)
		default:
			out.Spectators = append(out.Spectators, m.username)
		}
	}
	return out
}

// Summary returns the publicRooms listing entry for this room.
func (r *Room) Summary() PublicRoomSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	hostName := ""
	if h, ok := r.members[r.hostID]; ok {
		hostName = h.username
	}
	return PublicRoomSummary{
		Code:             r.code,
		Type:             r.mode,
		HostName:         hostName,
		TeamSize:         r.teamSize,
		AllowsSpectators: r.allowSpectators,
	}
}

// IsPublic reports whether the room should appear in publicRooms listings.
func (r *Room) IsPublic() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.isPublic && r.state == stateOpen
}

// MemberCount returns the number of currently connected members.
func (r *Room) MemberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// Chat relays a room-scoped chat message to every member (supplemented
// feature, see SPEC_FULL.md §4).
func (r *Room) Chat(senderID, message string) error {
	r.mu.RLock()
	m, ok := r.members[senderID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("not a member")
	}
	out := ChatMsg{Username: m.username, Message: message, Ts: time.Now().UnixMilli()}
	r.BroadcastExcept("", EvChat, out)
	return nil
}

// Stats returns accumulated skip count for operator metrics.
func (r *Room) Stats() (skipped uint64) {
	return r.skippedSends.Swap(0)
}
