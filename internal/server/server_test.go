package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/itsChris/wgsync/internal/db"
	"github.com/itsChris/wgsync/internal/logging"
	"github.com/itsChris/wgsync/internal/testutil"
	"github.com/itsChris/wgsync/internal/wg"
)

func newDiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testEnv struct {
	srv     *Server
	db      *db.DB
	backend *testutil.MockBackend
	journal *logging.Journal
}

func newTestServer(t *testing.T, configure ...func(*Config)) *testEnv {
	t.Helper()
	ctx := context.Background()
	journal := logging.NewJournal(50)
	logger := logging.NewWithJournal(logging.Config{Level: slog.LevelWarn, Output: io.Discard}, journal)

	database, err := db.New(ctx, ":memory:", logger, db.WithDevMode(true))
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	if err := db.Migrate(ctx, database, logger); err != nil {
		t.Fatalf("db.Migrate: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	backend := testutil.NewMockBackend()
	rec, err := wg.NewReconciler(backend, logger)
	if err != nil {
		t.Fatalf("wg.NewReconciler: %v", err)
	}

	cfg := Config{
		DB:         database,
		Reconciler: rec,
		Journal:    journal,
		Logger:     logger,
		Version:    "test",
	}
	for _, fn := range configure {
		fn(&cfg)
	}
	srv, err := New(cfg)
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}
	return &testEnv{srv: srv, db: database, backend: backend, journal: journal}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.srv.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func genKey(t *testing.T) *wg.SecretKey {
	t.Helper()
	k, err := wg.GeneratePrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(k.Wipe)
	return k
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected an error without dependencies")
	}
}

func TestHealth(t *testing.T) {
	env := newTestServer(t)

	w := env.do(t, "GET", "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID header")
	}
	resp := decode[map[string]any](t, w)
	if resp["status"] != "healthy" || resp["database"] != "ok" {
		t.Errorf("health = %v", resp)
	}
}

func TestHealth_BackendDown(t *testing.T) {
	env := newTestServer(t)
	env.backend.ListInterfacesFn = func(ctx context.Context) ([]string, error) {
		return nil, wg.NewError(wg.BackendDown, "list_interfaces", "", nil)
	}

	w := env.do(t, "GET", "/health", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func TestUnknownRoute(t *testing.T) {
	env := newTestServer(t)
	if w := env.do(t, "GET", "/api/networks", ""); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
	if w := env.do(t, "POST", "/api/interfaces/wg0", "{}"); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", w.Code)
	}
}

func TestBodyTooLarge(t *testing.T) {
	env := newTestServer(t)
	body := `{"name":"wg0","addresses":["` + strings.Repeat("x", 5<<20) + `"]}`
	w := env.do(t, "POST", "/api/interfaces", body)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", w.Code)
	}
}

func TestFormatDuration(t *testing.T) {
	tests := map[string]string{
		"3m":   "3m",
		"2h5m": "2h 5m",
		"50h":  "2d 2h 0m",
	}
	for in, want := range tests {
		d, err := time.ParseDuration(in)
		if err != nil {
			t.Fatal(err)
		}
		if got := formatDuration(d); got != want {
			t.Errorf("formatDuration(%s) = %q, want %q", in, got, want)
		}
	}
}
