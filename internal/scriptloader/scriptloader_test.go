package scriptloader

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestLoadStubDialectIsEmpty(t *testing.T) {
	l, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	mapping, err := l.Load(context.Background(), "bps", "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(mapping) != 0 {
		t.Fatalf("expected empty mapping for stub dialect, got %v", mapping)
	}
}

func TestLoadFetchesAndEvaluates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`({ "rock": "0", "paper": "1", "scissors": "2" })`))
	}))
	defer srv.Close()

	l, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	mapping, err := l.Load(context.Background(), "rps", srv.URL)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if mapping["paper"] != "1" {
		t.Fatalf("mapping[paper] = %q, want 1", mapping["paper"])
	}
}

func TestLoadUsesCacheOnSecondCall(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Write([]byte(`({ "0": "x" })`))
	}))
	defer srv.Close()

	l, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := l.Load(context.Background(), "rps", srv.URL); err != nil {
		t.Fatalf("first Load: %v", err)
	}
	if _, err := l.Load(context.Background(), "rps", srv.URL); err != nil {
		t.Fatalf("second Load: %v", err)
	}
	if hits != 1 {
		t.Fatalf("expected exactly one fetch, got %d", hits)
	}
}

func TestLoadFetchFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	l, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := l.Load(context.Background(), "rps", srv.URL); err == nil {
		t.Fatalf("expected fetch error")
	}
}

func TestEvaluateRejectsNonObjectResult(t *testing.T) {
	_, err := evaluate(`42`)
	if err == nil {
		t.Fatalf("expected error for non-object script result")
	}
}

func TestEvaluateTimesOutOnInfiniteLoop(t *testing.T) {
	_, err := evaluate(`while (true) {}`)
	if err == nil {
		t.Fatalf("expected timeout error for infinite loop")
	}
	if !strings.Contains(err.Error(), "time budget") && !strings.Contains(err.Error(), "interrupt") {
		t.Logf("got error (acceptable if goja surfaces its own interrupt wording): %v", err)
	}
}
