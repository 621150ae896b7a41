package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"pixsimrelay/internal/pixelconv"
	"pixsimrelay/store"
)

func newTestAPIServer(t *testing.T) *APIServer {
	t.Helper()
	conv, err := pixelconv.NewConverter(nil)
	if err != nil {
		t.Fatalf("NewConverter: %v", err)
	}
	broker, err := NewBroker(conv, nil, nil)
	if err != nil {
		t.Fatalf("NewBroker: %v", err)
	}
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return NewAPIServer(broker, st)
}

func doRequest(api *APIServer, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	api.echo.ServeHTTP(rec, req)
	return rec
}

func TestHandleHealth(t *testing.T) {
	api := newTestAPIServer(t)
	rec := doRequest(api, http.MethodGet, "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("status = %q, want ok", resp.Status)
	}
}

func TestHandleRoomsEmpty(t *testing.T) {
	api := newTestAPIServer(t)
	rec := doRequest(api, http.MethodGet, "/pixsim-api/rooms")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var rooms []PublicRoomSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &rooms); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(rooms) != 0 {
		t.Errorf("got %d rooms, want 0", len(rooms))
	}
}

func TestHandleRoomsListsPublicRoom(t *testing.T) {
	api := newTestAPIServer(t)
	room, err := api.broker.CreateRoom(ModePixelCrash)
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	room.SetIsPublic(true)

	rec := doRequest(api, http.MethodGet, "/pixsim-api/rooms")
	var rooms []PublicRoomSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &rooms); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(rooms) != 1 || rooms[0].Code != room.Code() {
		t.Fatalf("rooms = %+v, want one entry for %s", rooms, room.Code())
	}
}

func TestHandleAuditLog(t *testing.T) {
	api := newTestAPIServer(t)
	if err := api.store.InsertAuditLog("kick", "alice kicked"); err != nil {
		t.Fatalf("InsertAuditLog: %v", err)
	}

	rec := doRequest(api, http.MethodGet, "/pixsim-api/audit")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var entries []store.AuditEntry
	if err := json.Unmarshal(rec.Body.Bytes(), &entries); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(entries) != 1 || entries[0].Action != "kick" {
		t.Fatalf("entries = %+v", entries)
	}
}

func TestHandleVersion(t *testing.T) {
	api := newTestAPIServer(t)
	rec := doRequest(api, http.MethodGet, "/pixsim-api/version")
	var resp VersionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Version == "" {
		t.Error("expected non-empty version")
	}
}

func TestAPIServerRunShutsDownOnCancel(t *testing.T) {
	api := newTestAPIServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		api.Run(ctx, "127.0.0.1:0")
		close(done)
	}()
	cancel()
	<-done
}
