package collector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"go.uber.org/zap/zaptest"

	"github.com/eugenenazirov/piano-esp/internal/config"
	"github.com/eugenenazirov/piano-esp/internal/esp"
	"github.com/eugenenazirov/piano-esp/internal/storage"
)

var january = esp.DateRange{
	Start: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	End:   time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC),
}

// fakeESP serves two sites: 557 accepts key "good", anything else is rejected.
func fakeESP(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /publisher/list/{site}", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("api_key") != "good" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"lists": [
			{"Id": 11, "Name": "Daily", "Active": true},
			{"Id": 12, "Name": "Weekly", "Active": false},
			{"Name": "Broken", "Active": true}
		]}`))
	})
	mux.HandleFunc("GET /stats/campaigns/full/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("date_start") != "2026-01-01" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = fmt.Fprintf(w, `{"campaign": %s}`, r.PathValue("id"))
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func testFactory(t *testing.T, endpoint string) ClientFactory {
	t.Helper()
	logger := zaptest.NewLogger(t)

	return func(account config.Account) (*esp.ESP, error) {
		client, err := esp.New(endpoint, account.APIKey,
			esp.WithLogger(logger),
			esp.WithMaxRetries(0),
		)
		if err != nil {
			return nil, err
		}
		return esp.NewESP(client, account.SiteID)
	}
}

func TestRunCollectsAndPersists(t *testing.T) {
	server := fakeESP(t)
	store := storage.NewMemoryStorage()
	fixed := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)

	c := New(store, testFactory(t, server.URL), zaptest.NewLogger(t), WithClock(func() time.Time { return fixed }))

	accounts := []config.Account{
		{SiteID: 557, Name: "Main", APIKey: "good"},
		{SiteID: 900, Name: "Locked", APIKey: "bad"},
	}
	report, err := c.Run(context.Background(), accounts, january)
	if !errors.Is(err, esp.ErrAuthentication) {
		t.Fatalf("expected joined authentication error, got %v", err)
	}

	if report.From != "2026-01-01" || report.To != "2026-01-31" || !report.StartedAt.Equal(fixed) {
		t.Fatalf("unexpected report header %+v", report)
	}
	if report.Failed() != 1 {
		t.Fatalf("expected one failed site, got %d", report.Failed())
	}
	want := []SiteReport{
		{SiteID: 557, Name: "Main", Campaigns: 1, Stats: 1},
		{SiteID: 900, Name: "Locked"},
	}
	if diff := cmp.Diff(want, report.Sites, cmpopts.IgnoreFields(SiteReport{}, "Error")); diff != "" {
		t.Fatalf("site reports mismatch (-want +got):\n%s", diff)
	}
	if !strings.Contains(report.Sites[1].Error, "authentication") {
		t.Fatalf("expected authentication error in report, got %q", report.Sites[1].Error)
	}

	campaigns, err := store.Campaigns(context.Background(), 557)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(campaigns) != 1 || campaigns[0].ID != 11 {
		t.Fatalf("expected only the active campaign to be stored, got %+v", campaigns)
	}

	stats, err := store.Stats(context.Background(), 11)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(stats) != 1 || string(stats[0].Data) != `{"campaign": 11}` {
		t.Fatalf("unexpected stored stats %+v", stats)
	}
}

func TestRunIncludesInactiveCampaigns(t *testing.T) {
	server := fakeESP(t)
	store := storage.NewMemoryStorage()

	c := New(store, testFactory(t, server.URL), zaptest.NewLogger(t), WithActiveOnly(false))

	report, err := c.Run(context.Background(), []config.Account{{SiteID: 557, APIKey: "good"}}, january)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := report.Sites[0]; got.Campaigns != 2 || got.Stats != 2 {
		t.Fatalf("expected both campaigns and their stats, got %+v", got)
	}

	for _, id := range []int{11, 12} {
		stats, err := store.Stats(context.Background(), id)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(stats) != 1 {
			t.Fatalf("expected stats for campaign %d, got %d", id, len(stats))
		}
	}
}

func TestRunValidatesInput(t *testing.T) {
	c := New(storage.NewMemoryStorage(), testFactory(t, "http://127.0.0.1:1"), zaptest.NewLogger(t))

	if _, err := c.Run(context.Background(), nil, january); !errors.Is(err, ErrNoAccounts) {
		t.Fatalf("expected ErrNoAccounts, got %v", err)
	}

	accounts := []config.Account{{SiteID: 1, APIKey: "k"}}
	if _, err := c.Run(context.Background(), accounts, esp.DateRange{}); !errors.Is(err, esp.ErrInvalidDate) {
		t.Fatalf("expected ErrInvalidDate, got %v", err)
	}
}

func TestRunStopsWhenCancelled(t *testing.T) {
	server := fakeESP(t)
	c := New(storage.NewMemoryStorage(), testFactory(t, server.URL), zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := c.Run(ctx, []config.Account{{SiteID: 557, APIKey: "good"}}, january)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(report.Sites) != 0 {
		t.Fatalf("expected no site to be processed, got %+v", report.Sites)
	}
}

func TestRunReportsFactoryErrors(t *testing.T) {
	failing := func(config.Account) (*esp.ESP, error) {
		return nil, esp.ErrEmptyAPIKey
	}
	c := New(storage.NewMemoryStorage(), failing, zaptest.NewLogger(t))

	report, err := c.Run(context.Background(), []config.Account{{SiteID: 1, APIKey: "k"}}, january)
	if !errors.Is(err, esp.ErrEmptyAPIKey) {
		t.Fatalf("expected ErrEmptyAPIKey, got %v", err)
	}
	if report.Failed() != 1 {
		t.Fatalf("expected the site to be reported as failed")
	}
}

func TestNewClientFactory(t *testing.T) {
	cfg := config.Config{
		APIEndpoint:    esp.DefaultEndpoint,
		Concurrency:    4,
		RequestTimeout: time.Second,
	}
	factory := NewClientFactory(cfg, zaptest.NewLogger(t))

	client, err := factory(config.Account{SiteID: 557, APIKey: "k"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client.SiteID() != 557 || client.Endpoint() != esp.DefaultEndpoint {
		t.Fatalf("unexpected client %s", client)
	}

	if _, err := factory(config.Account{SiteID: 0, APIKey: "k"}); !errors.Is(err, esp.ErrInvalidSiteID) {
		t.Fatalf("expected ErrInvalidSiteID, got %v", err)
	}
}
