// Package collector runs collection passes: for every configured site it lists
// campaigns, fetches their statistics and persists both.
package collector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/eugenenazirov/piano-esp/internal/config"
	"github.com/eugenenazirov/piano-esp/internal/esp"
	"github.com/eugenenazirov/piano-esp/internal/storage"
)

// ErrNoAccounts is returned when a pass is started without any site account.
var ErrNoAccounts = errors.New("no site accounts configured")

// ClientFactory builds the ESP client of an account.
type ClientFactory func(account config.Account) (*esp.ESP, error)

// NewClientFactory returns a ClientFactory applying the client settings of cfg.
func NewClientFactory(cfg config.Config, logger *zap.Logger) ClientFactory {
	httpClient := &http.Client{Timeout: cfg.RequestTimeout}

	return func(account config.Account) (*esp.ESP, error) {
		client, err := esp.New(cfg.APIEndpoint, account.APIKey,
			esp.WithHTTPClient(httpClient),
			esp.WithLogger(logger.With(zap.Int("site_id", account.SiteID))),
			esp.WithConcurrency(cfg.Concurrency),
			esp.WithMaxRetries(cfg.MaxRetries),
			esp.WithRateLimit(cfg.OutboundRPS, cfg.OutboundBurst),
		)
		if err != nil {
			return nil, err
		}
		return esp.NewESP(client, account.SiteID)
	}
}

// SiteReport summarises the pass of one site.
type SiteReport struct {
	SiteID    int    `json:"siteId"`
	Name      string `json:"name,omitempty"`
	Campaigns int    `json:"campaigns"`
	Stats     int    `json:"stats"`
	Error     string `json:"error,omitempty"`
}

// Report summarises a whole pass.
type Report struct {
	From       string       `json:"from"`
	To         string       `json:"to"`
	StartedAt  time.Time    `json:"startedAt"`
	FinishedAt time.Time    `json:"finishedAt"`
	Sites      []SiteReport `json:"sites"`
}

// Failed counts the sites that ended with an error.
func (r Report) Failed() int {
	failed := 0
	for _, site := range r.Sites {
		if site.Error != "" {
			failed++
		}
	}
	return failed
}

// Collector runs collection passes against a Storage.
type Collector struct {
	store      storage.Storage
	newESP     ClientFactory
	logger     *zap.Logger
	activeOnly bool
	clock      func() time.Time
}

// Option configures a Collector.
type Option func(*Collector)

// WithActiveOnly controls whether inactive campaigns are skipped.
func WithActiveOnly(activeOnly bool) Option {
	return func(c *Collector) {
		c.activeOnly = activeOnly
	}
}

// WithClock overrides the time source, primarily for tests.
func WithClock(clock func() time.Time) Option {
	return func(c *Collector) {
		c.clock = clock
	}
}

// New constructs a Collector.
func New(store storage.Storage, factory ClientFactory, logger *zap.Logger, opts ...Option) *Collector {
	c := &Collector{
		store:      store,
		newESP:     factory,
		logger:     logger,
		activeOnly: true,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run collects every account in order. A failing site does not stop the pass;
// its error is recorded in the report and joined into the returned error.
func (c *Collector) Run(ctx context.Context, accounts []config.Account, r esp.DateRange) (Report, error) {
	if len(accounts) == 0 {
		return Report{}, ErrNoAccounts
	}
	if err := r.Validate(); err != nil {
		return Report{}, err
	}

	report := Report{
		From:      r.Start.Format(esp.DateLayout),
		To:        r.End.Format(esp.DateLayout),
		StartedAt: c.clock(),
		Sites:     make([]SiteReport, 0, len(accounts)),
	}

	var errs []error
	for _, account := range accounts {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		site, err := c.collectSite(ctx, account, r)
		if err != nil {
			site.Error = err.Error()
			errs = append(errs, fmt.Errorf("%s: %w", account, err))
			c.logger.Error("site collection failed",
				zap.Int("site_id", account.SiteID),
				zap.String("site", account.Name),
				zap.Error(err),
			)
		} else {
			c.logger.Info("site collected",
				zap.Int("site_id", account.SiteID),
				zap.String("site", account.Name),
				zap.Int("campaigns", site.Campaigns),
				zap.Int("stats", site.Stats),
			)
		}
		report.Sites = append(report.Sites, site)
	}

	report.FinishedAt = c.clock()
	return report, errors.Join(errs...)
}

func (c *Collector) collectSite(ctx context.Context, account config.Account, r esp.DateRange) (SiteReport, error) {
	site := SiteReport{SiteID: account.SiteID, Name: account.Name}

	client, err := c.newESP(account)
	if err != nil {
		return site, fmt.Errorf("build client: %w", err)
	}

	campaigns, err := client.Campaigns(ctx, c.activeOnly)
	if err != nil {
		return site, fmt.Errorf("list campaigns: %w", err)
	}

	valid := make([]esp.Campaign, 0, len(campaigns))
	ids := make([]int, 0, len(campaigns))
	for _, campaign := range campaigns {
		if campaign.ID <= 0 {
			c.logger.Warn("skipping campaign without id",
				zap.Int("site_id", account.SiteID),
				zap.String("campaign", campaign.Name),
			)
			continue
		}
		valid = append(valid, campaign)
		ids = append(ids, campaign.ID)
	}
	site.Campaigns = len(valid)

	if err := c.store.SaveCampaigns(ctx, account.SiteID, valid); err != nil {
		return site, err
	}
	if len(ids) == 0 {
		return site, nil
	}

	stats, err := client.CampaignStats(ctx, ids, r)
	if err != nil {
		return site, fmt.Errorf("fetch stats: %w", err)
	}
	site.Stats = len(stats)

	if err := c.store.SaveStats(ctx, account.SiteID, stats); err != nil {
		return site, err
	}
	return site, nil
}
