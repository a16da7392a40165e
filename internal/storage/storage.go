package storage

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/eugenenazirov/piano-esp/internal/esp"
)

// Storage persists campaigns and their statistics.
type Storage interface {
	SaveCampaigns(ctx context.Context, siteID int, campaigns []esp.Campaign) error
	Campaigns(ctx context.Context, siteID int) ([]esp.Campaign, error)
	SaveStats(ctx context.Context, siteID int, stats []esp.CampaignStats) error
	Stats(ctx context.Context, campaignID int) ([]esp.CampaignStats, error)
}

type statsKey struct {
	siteID     int
	campaignID int
	start      string
	end        string
}

// MemoryStorage keeps everything in-memory and guards access with a RWMutex.
type MemoryStorage struct {
	mu        sync.RWMutex
	campaigns map[int]map[int]esp.Campaign
	stats     map[statsKey]esp.CampaignStats
}

// NewMemoryStorage returns an empty MemoryStorage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		campaigns: make(map[int]map[int]esp.Campaign),
		stats:     make(map[statsKey]esp.CampaignStats),
	}
}

// SaveCampaigns upserts campaigns of a site by campaign id.
func (s *MemoryStorage) SaveCampaigns(_ context.Context, siteID int, campaigns []esp.Campaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	site, ok := s.campaigns[siteID]
	if !ok {
		site = make(map[int]esp.Campaign, len(campaigns))
		s.campaigns[siteID] = site
	}
	for _, c := range campaigns {
		site[c.ID] = cloneCampaign(c)
	}
	return nil
}

// Campaigns returns copies of the stored campaigns of a site ordered by id.
func (s *MemoryStorage) Campaigns(_ context.Context, siteID int) ([]esp.Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]esp.Campaign, 0, len(s.campaigns[siteID]))
	for _, c := range s.campaigns[siteID] {
		out = append(out, cloneCampaign(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SaveStats upserts statistics by site, campaign id and date range.
func (s *MemoryStorage) SaveStats(_ context.Context, siteID int, stats []esp.CampaignStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, st := range stats {
		st.SiteID = siteID
		s.stats[keyOf(st)] = cloneStats(st)
	}
	return nil
}

// Stats returns the stored statistics of a campaign across sites, ordered by
// site and range start.
func (s *MemoryStorage) Stats(_ context.Context, campaignID int) ([]esp.CampaignStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]esp.CampaignStats, 0)
	for key, st := range s.stats {
		if key.campaignID == campaignID {
			out = append(out, cloneStats(st))
		}
	}
	sortStats(out)
	return out, nil
}

func keyOf(st esp.CampaignStats) statsKey {
	return statsKey{
		siteID:     st.SiteID,
		campaignID: st.CampaignID,
		start:      st.Range.Start.Format(esp.DateLayout),
		end:        st.Range.End.Format(esp.DateLayout),
	}
}

func sortStats(stats []esp.CampaignStats) {
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].SiteID != stats[j].SiteID {
			return stats[i].SiteID < stats[j].SiteID
		}
		if !stats[i].Range.Start.Equal(stats[j].Range.Start) {
			return stats[i].Range.Start.Before(stats[j].Range.Start)
		}
		return stats[i].Range.End.Before(stats[j].Range.End)
	})
}

func cloneCampaign(c esp.Campaign) esp.Campaign {
	c.Raw = cloneRaw(c.Raw)
	return c
}

func cloneStats(st esp.CampaignStats) esp.CampaignStats {
	st.Data = cloneRaw(st.Data)
	return st
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}
