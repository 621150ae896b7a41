package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// handshakeGrace bounds how long a connection has to send clientInfo after
// requestClientInfo before it is dropped as an abandoned handshake.
const handshakeGrace = 10 * time.Second

// Handler owns one Connection's entire lifecycle: the clientInfo handshake,
// lobby routes (createGame/joinGame/getPublicRooms/changeTeam/...), and,
// once a Room is joined, the tick/input relay routes. It registers every
// listener scoped to itself so Off(h.id) releases them all in one call when
// the connection closes or moves rooms.
type Handler struct {
	id      string
	conn    Connection
	broker  *Broker
	ip      string
	dialect DialectID

	username string
	room     *Room

	flood          *floodGuard
	createThrottle *createGameThrottle
}

func newHandler(conn Connection, broker *Broker, ip string) *Handler {
	return &Handler{
		id:             conn.ID(),
		conn:           conn,
		broker:         broker,
		ip:             ip,
		flood:          newFloodGuard(defaultControlEventRate, defaultControlEventRate*2),
		createThrottle: newCreateGameThrottle(),
	}
}

// Run drives the handshake then the lobby/room routing for the lifetime of
// the connection. It blocks until the connection closes.
func (h *Handler) Run(ctx context.Context) {
	defer h.cleanup()

	pubJWK, err := h.broker.HandshakePublicJWK()
	if err != nil {
		slog.Warn("handshake key unavailable", "handler_id", h.id, "err", err)
		h.conn.Disconnect("server error")
		return
	}
	if err := h.conn.Send(EvRequestClientInfo, pubJWK); err != nil {
		return
	}

	infoCh := make(chan ClientInfo, 1)
	h.conn.On(h.id, EvClientInfo, func(data json.RawMessage) {
		var info ClientInfo
		if json.Unmarshal(data, &info) == nil {
			select {
			case infoCh <- info:
			default:
			}
		}
	})

	select {
	case info := <-infoCh:
		if !h.completeHandshake(info) {
			h.conn.Disconnect("handshake rejected")
			return
		}
	case <-time.After(handshakeGrace):
		h.conn.Disconnect("handshake timeout")
		return
	case <-ctx.Done():
		return
	case <-h.conn.Done():
		return
	}

	h.conn.Off(h.id) // drop the one-shot clientInfo listener before installing the full route table
	h.registerLobbyRoutes()

	select {
	case <-ctx.Done():
	case <-h.conn.Done():
	}
}

// completeHandshake validates clientInfo, attempts the (currently
// unenforced) password decode per Open Question #4, and replies
// clientInfoRecieved. Returns false if the connection should be dropped.
func (h *Handler) completeHandshake(info ClientInfo) bool {
	username := strings.TrimSpace(info.Username)
	if username == "" || len(username) > maxUsernameLength {
		return false
	}
	if info.Client == "" {
		return false
	}

	if info.Password != "" {
		if _, err := h.decodePassword(info.Password); err != nil {
			_ = h.conn.Send(EvGameKicked, struct{}{})
			return false
		}
		// Decoded successfully; per this project's design notes the value
		// is not checked against anything yet — there is no account store
		// to check it against. The hook exists so a future identity layer
		// can be wired in without changing the wire protocol.
	}

	h.username = username
	h.dialect = info.Client
	return h.conn.Send(EvClientInfoRecieved, struct{}{}) == nil
}

// decodePassword RSA-OAEP-decrypts the base64-encoded ciphertext with the
// broker's handshake private key.
func (h *Handler) decodePassword(b64 string) ([]byte, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("base64 decode: %w", err)
	}
	priv := h.broker.HandshakePrivateKey()
	return rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, ciphertext, nil)
}

func (h *Handler) registerLobbyRoutes() {
	h.conn.On(h.id, EvGetPublicRooms, h.guard(h.onGetPublicRooms))
	h.conn.On(h.id, EvCreateGame, h.guard(h.onCreateGame))
	h.conn.On(h.id, EvCancelCreateGame, h.guard(h.onCancelCreateGame))
	h.conn.On(h.id, EvJoinGame, h.guard(h.onJoinGame))
	h.conn.On(h.id, EvLeaveGame, h.guard(h.onLeaveGame))
	h.conn.On(h.id, EvChangeTeam, h.guard(h.onChangeTeam))
	h.conn.On(h.id, EvAllowSpectators, h.guard(h.onAllowSpectators))
	h.conn.On(h.id, EvIsPublic, h.guard(h.onIsPublic))
	h.conn.On(h.id, EvTeamSize, h.guard(h.onTeamSize))
	h.conn.On(h.id, EvKickPlayer, h.guard(h.onKickPlayer))
	h.conn.On(h.id, EvMovePlayer, h.guard(h.onMovePlayer))
	h.conn.On(h.id, EvStartGame, h.guard(h.onStartGame))
	h.conn.On(h.id, EvReady, h.guard(h.onReady))
	h.conn.On(h.id, EvGridSize, h.guard(h.onGridSize))
	// Tick/input are the hot path and run at simulation frame rate, well
	// above defaultControlEventRate, so they bypass the flood guard and
	// rely on the circuit breaker and per-room validation instead.
	h.conn.On(h.id, EvTick, h.onTick)
	h.conn.On(h.id, EvInputBatch, h.onInputBatch)
	h.conn.On(h.id, EvInput, h.onInput)
	h.conn.On(h.id, EvPing, h.onPing)
	h.conn.On(h.id, EvChat, h.guard(h.onChat))
}

func (h *Handler) guard(fn func(json.RawMessage)) func(json.RawMessage) {
	return func(data json.RawMessage) {
		if !h.flood.allow() {
			slog.Warn("connection exceeded control rate, disconnecting", "handler_id", h.id, "ip", h.ip)
			h.conn.Disconnect("rate limit exceeded")
			return
		}
		fn(data)
	}
}

func (h *Handler) onGetPublicRooms(data json.RawMessage) {
	var req GetPublicRoomsRequest
	if json.Unmarshal(data, &req) != nil {
		return
	}
	_ = h.conn.Send(EvPublicRooms, h.broker.PublicRooms(req.Type))
}

func (h *Handler) onCreateGame(data json.RawMessage) {
	if !h.createThrottle.allow() {
		return
	}
	var req struct {
		Type GameMode `json:"type"`
	}
	_ = json.Unmarshal(data, &req)
	if req.Type == "" {
		req.Type = ModePixelCrash
	}
	room, err := h.broker.CreateRoom(req.Type)
	if err != nil {
		_ = h.conn.Send(EvJoinFail, err.Error())
		return
	}
	team, err := room.Join(h.conn, h.username, h.dialect, false)
	if err != nil {
		_ = h.conn.Send(EvJoinFail, err.Error())
		return
	}
	h.joinRoom(room, team, false)
	_ = h.conn.Send(EvGameCode, room.Code())
}

func (h *Handler) onCancelCreateGame(json.RawMessage) {
	h.leaveCurrentRoom()
}

func (h *Handler) onJoinGame(data json.RawMessage) {
	var req JoinGameRequest
	if json.Unmarshal(data, &req) != nil {
		_ = h.conn.Send(EvJoinFail, "malformed request")
		return
	}
	if len(req.Code) > maxRoomCodeLength {
		_ = h.conn.Send(EvJoinFail, "room code too long")
		return
	}
	room, ok := h.broker.RoomByCode(req.Code)
	if !ok {
		_ = h.conn.Send(EvJoinFail, "no such room")
		return
	}
	team, err := room.Join(h.conn, h.username, h.dialect, req.Spectating)
	if err != nil {
		_ = h.conn.Send(EvJoinFail, err.Error())
		return
	}
	h.joinRoom(room, team, req.Spectating)
	_ = h.conn.Send(EvJoinSuccess, team)
}

// joinRoom is the shared post-join wiring for both createGame and joinGame:
// attach the room, announce it, and broadcast the refreshed roster.
func (h *Handler) joinRoom(room *Room, team int, spectating bool) {
	h.room = room
	if !spectating && team == TeamSpectator {
		_ = h.conn.Send(EvForcedSpectator, struct{}{})
	}
	_ = h.conn.Send(EvTeam, team)
	room.BroadcastExcept("", EvUpdateTeamLists, room.TeamLists())
}

func (h *Handler) onLeaveGame(json.RawMessage) {
	h.leaveCurrentRoom()
}

func (h *Handler) leaveCurrentRoom() {
	room := h.room
	if room == nil {
		return
	}
	h.room = nil
	room.Leave(h.id)
	room.BroadcastExcept("", EvUpdateTeamLists, room.TeamLists())
}

func (h *Handler) onChangeTeam(data json.RawMessage) {
	if h.room == nil {
		return
	}
	var team int
	if json.Unmarshal(data, &team) != nil {
		return
	}
	if err := h.room.ChangeTeam(h.id, team); err != nil {
		return
	}
	h.room.BroadcastExcept("", EvUpdateTeamLists, h.room.TeamLists())
}

func (h *Handler) onAllowSpectators(data json.RawMessage) {
	if !h.isHost() {
		return
	}
	var allow bool
	if json.Unmarshal(data, &allow) == nil {
		h.room.SetAllowSpectators(allow)
	}
}

func (h *Handler) onIsPublic(data json.RawMessage) {
	if !h.isHost() {
		return
	}
	var public bool
	if json.Unmarshal(data, &public) == nil {
		h.room.SetIsPublic(public)
	}
}

func (h *Handler) onTeamSize(data json.RawMessage) {
	if !h.isHost() {
		return
	}
	var size int
	if json.Unmarshal(data, &size) == nil {
		_ = h.room.SetTeamSize(size)
		h.room.BroadcastExcept("", EvUpdateTeamLists, h.room.TeamLists())
	}
}

func (h *Handler) onKickPlayer(data json.RawMessage) {
	if h.room == nil {
		return
	}
	var username string
	if json.Unmarshal(data, &username) != nil {
		return
	}
	if err := h.room.KickPlayer(h.id, username); err == nil {
		h.room.BroadcastExcept("", EvUpdateTeamLists, h.room.TeamLists())
	}
}

func (h *Handler) onMovePlayer(data json.RawMessage) {
	if h.room == nil {
		return
	}
	var req MovePlayerRequest
	if json.Unmarshal(data, &req) != nil {
		return
	}
	if err := h.room.MovePlayer(h.id, req.Username, req.Team, req.Username2); err == nil {
		h.room.BroadcastExcept("", EvUpdateTeamLists, h.room.TeamLists())
	}
}

func (h *Handler) onStartGame(json.RawMessage) {
	room := h.room
	if room == nil {
		return
	}
	err := room.Start(h.id,
		func() { room.BroadcastExcept("", EvGameStart, struct{}{}) },
		func() { room.BroadcastExcept("", EvGameStartTimeout, struct{}{}) },
	)
	if err != nil {
		slog.Debug("start rejected", "handler_id", h.id, "room_code", room.Code(), "err", err)
	}
}

func (h *Handler) onReady(json.RawMessage) {
	room := h.room
	if room == nil {
		return
	}
	room.Ready(h.id)
	if room.PromoteIfReady() {
		room.BroadcastExcept("", EvGameStart, struct{}{})
	}
}

func (h *Handler) onGridSize(data json.RawMessage) {
	if !h.isHost() {
		return
	}
	var size GridSizeMsg
	if json.Unmarshal(data, &size) == nil {
		h.room.SetGridSize(size.Width, size.Height)
		h.room.BroadcastExcept(h.id, EvGridSize, size)
	}
}

func (h *Handler) onTick(data json.RawMessage) {
	if !h.isHost() {
		return
	}
	var frame TickFrame
	if json.Unmarshal(data, &frame) != nil {
		return
	}
	if err := h.room.RelayTick(h.id, frame); err != nil {
		slog.Debug("tick relay rejected", "handler_id", h.id, "err", err)
	}
}

func (h *Handler) onInputBatch(data json.RawMessage) {
	if h.room == nil {
		return
	}
	var batch []InputFrame
	if json.Unmarshal(data, &batch) != nil {
		return
	}
	if err := h.room.RelayInputBatch(h.id, batch); err != nil {
		slog.Debug("input batch rejected", "handler_id", h.id, "err", err)
	}
}

func (h *Handler) onInput(data json.RawMessage) {
	if h.room == nil {
		return
	}
	var in InputFrame
	if json.Unmarshal(data, &in) != nil {
		return
	}
	_ = h.room.RelayInput(h.id, in)
}

func (h *Handler) onPing(json.RawMessage) {
	_ = h.conn.Send(EvPong, struct{}{})
}

func (h *Handler) onChat(data json.RawMessage) {
	if h.room == nil {
		return
	}
	var msg ChatMsg
	if json.Unmarshal(data, &msg) != nil {
		return
	}
	if msg.Message == "" || len(msg.Message) > maxChatLength {
		return
	}
	_ = h.room.Chat(h.id, msg.Message)
}

func (h *Handler) isHost() bool {
	if h.room == nil {
		return false
	}
	_, _, isHost, ok := h.room.Member(h.id)
	return ok && isHost
}

func (h *Handler) cleanup() {
	h.conn.Off(h.id)
	h.leaveCurrentRoom()
	h.broker.forget(h.id, h.ip)
}
