package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"

	jose "github.com/go-jose/go-jose/v4"

	"pixsimrelay/internal/mapcatalog"
	"pixsimrelay/internal/pixelconv"
	"pixsimrelay/internal/scriptloader"
)

// roomCodeAlphabet excludes visually ambiguous characters (0/O, 1/I) from
// generated room codes.
const roomCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
const roomCodeLength = 6

// Broker is the process-wide registry of live rooms and the entry point
// every accepted Connection is handed to. It owns the handshake keypair
// (requestClientInfo's public key), the shared PixelConverter/MapCatalog
// the whole server translates grids and maps through, and the audit sink
// every Room reports kicks and host-misbehavior destructions to.
type Broker struct {
	mu    sync.RWMutex
	rooms map[string]*Room

	privKey *rsa.PrivateKey
	pubJWK  []byte // cached marshaled JWK, built once at construction

	converter *pixelconv.Converter
	catalog   *mapcatalog.Catalog
	scripts   *scriptloader.Loader

	auditFn func(action, detail string)
}

// NewBroker constructs a Broker with a fresh RSA-2048 handshake keypair.
// converter and catalog may be nil; a Broker with no converter relays ticks
// untranslated, and one with no catalog fails getMap lookups (not part of
// this relay's event set but exposed to the admin API).
func NewBroker(converter *pixelconv.Converter, catalog *mapcatalog.Catalog, scripts *scriptloader.Loader) (*Broker, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate handshake keypair: %w", err)
	}
	jwk := jose.JSONWebKey{
		Key:       &priv.PublicKey,
		KeyID:     "relay-handshake-1",
		Algorithm: string(jose.RSA_OAEP_256),
		Use:       "enc",
	}
	pubJSON, err := jwk.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("marshal handshake JWK: %w", err)
	}
	return &Broker{
		rooms:     make(map[string]*Room),
		privKey:   priv,
		pubJWK:    pubJSON,
		converter: converter,
		catalog:   catalog,
		scripts:   scripts,
	}, nil
}

// SetAuditFunc wires the operational audit log (store.go) that every Room
// created by this Broker reports kicks and destructions to.
func (b *Broker) SetAuditFunc(fn func(action, detail string)) {
	b.mu.Lock()
	b.auditFn = fn
	b.mu.Unlock()
}

// HandshakePublicJWK returns the cached marshaled public key sent as the
// requestClientInfo payload.
func (b *Broker) HandshakePublicJWK() ([]byte, error) {
	return b.pubJWK, nil
}

// HandshakePrivateKey returns the key Handler.decodePassword decrypts
// clientInfo.password with.
func (b *Broker) HandshakePrivateKey() *rsa.PrivateKey {
	return b.privKey
}

// HandleConnection is the entry point Server hands every admitted
// Connection to. It builds a Handler and runs it until the connection
// closes or ctx is canceled.
func (b *Broker) HandleConnection(ctx context.Context, conn Connection, ip string) {
	slog.Info("connection accepted", "conn_id", conn.ID(), "ip", ip)
	h := newHandler(conn, b, ip)
	h.Run(ctx)
	slog.Info("connection closed", "conn_id", conn.ID(), "ip", ip)
}

// CreateRoom allocates a fresh room with a unique code and registers it.
func (b *Broker) CreateRoom(mode GameMode) (*Room, error) {
	code, err := b.reserveCodeLocked()
	if err != nil {
		return nil, err
	}
	room := NewRoom(code, mode)
	room.SetConverter(b.converter)
	room.SetOnDestroy(b.forgetRoom)
	room.SetOnAudit(func(action, detail string) {
		b.mu.RLock()
		fn := b.auditFn
		b.mu.RUnlock()
		if fn != nil {
			fn(action, detail)
		}
	})

	b.mu.Lock()
	b.rooms[code] = room
	b.mu.Unlock()

	slog.Info("room created", "room_code", code, "mode", mode)
	return room, nil
}

// reserveCodeLocked generates a room code not already in use. It takes the
// registry lock itself only for the existence check, retrying on collision.
func (b *Broker) reserveCodeLocked() (string, error) {
	for attempt := 0; attempt < 20; attempt++ {
		code, err := randomRoomCode()
		if err != nil {
			return "", err
		}
		b.mu.RLock()
		_, exists := b.rooms[code]
		b.mu.RUnlock()
		if !exists {
			return code, nil
		}
	}
	return "", fmt.Errorf("could not allocate a unique room code")
}

func randomRoomCode() (string, error) {
	var sb strings.Builder
	for i := 0; i < roomCodeLength; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(roomCodeAlphabet))))
		if err != nil {
			return "", err
		}
		sb.WriteByte(roomCodeAlphabet[n.Int64()])
	}
	return sb.String(), nil
}

// forgetRoom drops a destroyed room from the registry. Wired as every
// Room's onDestroy callback.
func (b *Broker) forgetRoom(code string) {
	b.mu.Lock()
	delete(b.rooms, code)
	b.mu.Unlock()
}

// RoomByCode looks up a room for joinGame.
func (b *Broker) RoomByCode(code string) (*Room, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	room, ok := b.rooms[strings.ToUpper(strings.TrimSpace(code))]
	return room, ok
}

// PublicRooms lists every public, open, joinable room, optionally filtered
// to one game mode (an empty mode matches all).
func (b *Broker) PublicRooms(mode GameMode) []PublicRoomSummary {
	b.mu.RLock()
	rooms := make([]*Room, 0, len(b.rooms))
	for _, r := range b.rooms {
		rooms = append(rooms, r)
	}
	b.mu.RUnlock()

	out := make([]PublicRoomSummary, 0, len(rooms))
	for _, r := range rooms {
		if !r.IsPublic() {
			continue
		}
		summary := r.Summary()
		if mode != "" && summary.Type != mode {
			continue
		}
		out = append(out, summary)
	}
	return out
}

// RoomCount reports the number of live rooms, used by the metrics endpoint.
func (b *Broker) RoomCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.rooms)
}

// Catalog exposes the shared MapCatalog to the admin API.
func (b *Broker) Catalog() *mapcatalog.Catalog { return b.catalog }

// Converter exposes the shared PixelConverter to the admin API.
func (b *Broker) Converter() *pixelconv.Converter { return b.converter }

// Scripts exposes the shared pixel-ID extractor script loader to the admin
// API (for an operator-triggered cache refresh).
func (b *Broker) Scripts() *scriptloader.Loader { return b.scripts }

// forget is a no-op hook reserved for per-IP bookkeeping Handler.cleanup
// calls on disconnect; IP-scoped rate limiting lives entirely in
// ipLimiterSet (admission.go), which is time-based rather than
// connection-count-based, so there is nothing to release here today.
func (b *Broker) forget(connID, ip string) {
	slog.Debug("connection released", "conn_id", connID, "ip", ip)
}
