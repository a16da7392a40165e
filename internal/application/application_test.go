package application

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/eugenenazirov/piano-esp/internal/config"
	"github.com/eugenenazirov/piano-esp/internal/esp"
	"github.com/eugenenazirov/piano-esp/internal/storage"
)

func TestNewInitializesDependencies(t *testing.T) {
	cfg := baseTestConfig(t, ":8085")
	app := newTestApp(t, cfg)

	if app.server == nil || app.router == nil || app.handler == nil || app.collector == nil {
		t.Fatalf("expected server, router, handler, and collector to be initialized")
	}
	if app.Server() != app.server {
		t.Fatalf("Server accessor did not return underlying instance")
	}
	if _, ok := app.storage.(*storage.SQLStorage); !ok {
		t.Fatalf("expected SQL storage, got %T", app.storage)
	}

	current, err := storage.Current()
	if err != nil || current != app.session {
		t.Fatalf("expected app session to be the shared session, got %v", err)
	}

	if err := app.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
	if _, err := storage.Current(); !errors.Is(err, storage.ErrNoSession) {
		t.Fatalf("expected session to be released, got %v", err)
	}
}

func TestNewRejectsUnsupportedDatabase(t *testing.T) {
	cfg := baseTestConfig(t, ":0")
	cfg.Database = config.Database{URL: "oracle://db/esp"}

	if _, err := New(context.Background(), cfg, zaptest.NewLogger(t)); !errors.Is(err, storage.ErrUnsupportedDriver) {
		t.Fatalf("expected ErrUnsupportedDriver, got %v", err)
	}
	if _, err := storage.Current(); !errors.Is(err, storage.ErrNoSession) {
		t.Fatalf("expected no session after failed New, got %v", err)
	}
}

func TestNewServerAppliesConfig(t *testing.T) {
	cfg := baseTestConfig(t, "9090")
	handler := http.NewServeMux()

	server := NewServer(cfg, handler)
	if server.Addr != ":9090" {
		t.Fatalf("expected address :9090, got %s", server.Addr)
	}
	if server.Handler != handler {
		t.Fatalf("expected handler to be applied")
	}
	if server.ReadHeaderTimeout != cfg.ReadHeaderTimeout ||
		server.WriteTimeout != cfg.WriteTimeout ||
		server.IdleTimeout != cfg.IdleTimeout {
		t.Fatalf("server timeouts do not match configuration")
	}
}

func TestDefaultRangeUsesLookback(t *testing.T) {
	cfg := baseTestConfig(t, ":0")
	cfg.LookbackDays = 10
	fixed := time.Date(2026, 5, 20, 23, 30, 0, 0, time.UTC)

	app := newTestApp(t, cfg, WithClock(func() time.Time { return fixed }))

	if got := app.DefaultRange().String(); got != "2026-05-10..2026-05-19" {
		t.Fatalf("expected 2026-05-10..2026-05-19, got %s", got)
	}
}

func TestSyncPersistsAndServes(t *testing.T) {
	server := fakeESP(t)
	cfg := baseTestConfig(t, ":0")
	cfg.APIEndpoint = server.URL
	cfg.Accounts = []config.Account{{SiteID: 557, Name: "Main", APIKey: "good"}}

	app := newTestApp(t, cfg)

	r, err := esp.ParseDateRange("2026-01-01", "2026-01-31")
	if err != nil {
		t.Fatalf("parse range: %v", err)
	}
	report, err := app.Sync(context.Background(), r)
	if err != nil {
		t.Fatalf("Sync returned error: %v", err)
	}
	if len(report.Sites) != 1 || report.Sites[0].Campaigns != 1 || report.Sites[0].Stats != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}

	stats, err := app.storage.Stats(context.Background(), 11)
	if err != nil || len(stats) != 1 {
		t.Fatalf("expected stored stats for campaign 11, got %v (%v)", stats, err)
	}

	rec := httptest.NewRecorder()
	app.Server().Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/sites/557/campaigns", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"name":"Daily"`) {
		t.Fatalf("expected stored campaign in response, got %s", rec.Body.String())
	}
}

func TestSyncWithCustomClientFactory(t *testing.T) {
	cfg := baseTestConfig(t, ":0")
	cfg.Accounts = []config.Account{{SiteID: 1, APIKey: "k"}}

	boom := errors.New("factory failure")
	app := newTestApp(t, cfg, WithClientFactory(func(config.Account) (*esp.ESP, error) {
		return nil, boom
	}))

	report, err := app.Sync(context.Background(), app.DefaultRange())
	if !errors.Is(err, boom) {
		t.Fatalf("expected factory error, got %v", err)
	}
	if report.Failed() != 1 {
		t.Fatalf("expected one failed site, got %+v", report)
	}
}

func TestBuildRootHandler(t *testing.T) {
	apiInvoked := false
	apiHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/health" {
			t.Fatalf("unexpected path passed to API handler: %s", r.URL.Path)
		}
		apiInvoked = true
		w.WriteHeader(http.StatusNoContent)
	})

	handler := BuildRootHandler(apiHandler)

	t.Run("returns not found outside the API", func(t *testing.T) {
		for _, path := range []string{"/", "/unknown"} {
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
			if rec.Code != http.StatusNotFound {
				t.Fatalf("expected status 404 for %s, got %d", path, rec.Code)
			}
		}
	})

	t.Run("forwards api traffic", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

		if rec.Code != http.StatusNoContent {
			t.Fatalf("expected status 204, got %d", rec.Code)
		}
		if !apiInvoked {
			t.Fatalf("expected API handler to be invoked")
		}
	})
}

func newTestApp(t *testing.T, cfg config.Config, opts ...Option) *App {
	t.Helper()

	app, err := New(context.Background(), cfg, zaptest.NewLogger(t), opts...)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	t.Cleanup(func() {
		_ = app.Close()
	})
	return app
}

func fakeESP(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /publisher/list/{site}", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("api_key") != "good" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"lists": [{"Id": 11, "Name": "Daily", "Active": true}, {"Id": 12, "Name": "Old", "Active": false}]}`))
	})
	mux.HandleFunc("GET /stats/campaigns/full/{id}", func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprintf(w, `{"campaign": %s, "from": %q}`, r.PathValue("id"), r.URL.Query().Get("date_start"))
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func baseTestConfig(t *testing.T, port string) config.Config {
	t.Helper()

	return config.Config{
		APIEndpoint:          esp.DefaultEndpoint,
		Concurrency:          4,
		RequestTimeout:       5 * time.Second,
		ActiveOnly:           true,
		LookbackDays:         30,
		Database:             config.Database{URL: "sqlite:///" + filepath.Join(t.TempDir(), "esp.db")},
		LogLevel:             "debug",
		Port:                 port,
		ShutdownGracePeriod:  50 * time.Millisecond,
		ReadHeaderTimeout:    20 * time.Millisecond,
		WriteTimeout:         30 * time.Millisecond,
		IdleTimeout:          40 * time.Millisecond,
		EnableRequestLogging: false,
	}
}
