package esp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"go.uber.org/zap"
)

const (
	campaignListPath  = "publisher/list/"
	campaignStatsPath = "stats/campaigns/full/"
)

// ESP exposes the campaign operations of a single site.
type ESP struct {
	*Client
	siteID int
}

// NewESP binds client to siteID.
func NewESP(client *Client, siteID int) (*ESP, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: nil client", ErrClient)
	}
	if siteID <= 0 {
		return nil, ErrInvalidSiteID
	}
	return &ESP{Client: client, siteID: siteID}, nil
}

// SiteID returns the bound site.
func (e *ESP) SiteID() int {
	return e.siteID
}

func (e *ESP) String() string {
	return fmt.Sprintf("ESP(site=%d, endpoint=%s)", e.siteID, e.endpoint)
}

type campaignListResponse struct {
	Lists []Campaign `json:"lists"`
}

// Campaigns lists the site's campaigns, only active ones when activeOnly is set.
// Transport and response failures are logged and produce an empty list;
// authentication failures and cancellation are returned.
func (e *ESP) Campaigns(ctx context.Context, activeOnly bool) ([]Campaign, error) {
	body, err := e.Request(ctx, http.MethodGet, campaignListPath+strconv.Itoa(e.siteID), nil)
	if err != nil {
		if errors.Is(err, ErrAuthentication) || ctx.Err() != nil || !errors.Is(err, ErrClient) {
			return nil, err
		}
		e.logger.Error("failed to list campaigns", zap.Int("site_id", e.siteID), zap.Error(err))
		return []Campaign{}, nil
	}

	var resp campaignListResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		e.logger.Error("failed to decode campaign list", zap.Int("site_id", e.siteID), zap.Error(err))
		return []Campaign{}, nil
	}

	if !activeOnly {
		return resp.Lists, nil
	}

	active := make([]Campaign, 0, len(resp.Lists))
	for _, campaign := range resp.Lists {
		if campaign.Active {
			active = append(active, campaign)
		}
	}
	return active, nil
}

// CampaignStats fetches full statistics for the given campaigns. A single id is
// requested directly and its errors are returned; several ids are fetched as a
// batch, where individual failures are dropped.
func (e *ESP) CampaignStats(ctx context.Context, ids []int, r DateRange) ([]CampaignStats, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: no campaign ids", ErrInvalidCampaignID)
	}

	paths := make([]string, len(ids))
	byPath := make(map[string]int, len(ids))
	for i, id := range ids {
		if id <= 0 {
			return nil, fmt.Errorf("%w: %d", ErrInvalidCampaignID, id)
		}
		paths[i] = campaignStatsPath + strconv.Itoa(id)
		byPath[paths[i]] = id
	}

	if err := r.Validate(); err != nil {
		return nil, err
	}
	params := r.Params()

	if len(ids) == 1 {
		body, err := e.Request(ctx, http.MethodGet, paths[0], params)
		if err != nil {
			return nil, err
		}
		return []CampaignStats{{CampaignID: ids[0], Range: r, Data: body}}, nil
	}

	responses, err := e.Batch(ctx, http.MethodGet, paths, params)
	if err != nil {
		return nil, err
	}

	stats := make([]CampaignStats, 0, len(responses))
	for _, resp := range responses {
		stats = append(stats, CampaignStats{CampaignID: byPath[resp.Path], Range: r, Data: resp.Body})
	}
	return stats, nil
}
