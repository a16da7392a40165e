package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/eugenenazirov/piano-esp/internal/esp"
)

type campaignRecord struct {
	SiteID     int `gorm:"primaryKey;autoIncrement:false"`
	CampaignID int `gorm:"primaryKey;autoIncrement:false"`
	Name       string
	Active     bool
	Payload    string `gorm:"type:text"`
	UpdatedAt  time.Time
}

func (campaignRecord) TableName() string { return "campaigns" }

// Campaign ids are only unique within a site.
type statsRecord struct {
	SiteID     int    `gorm:"primaryKey;autoIncrement:false"`
	CampaignID int    `gorm:"primaryKey;autoIncrement:false;index"`
	DateStart  string `gorm:"primaryKey;size:10"`
	DateEnd    string `gorm:"primaryKey;size:10"`
	Payload    string `gorm:"type:text"`
	UpdatedAt  time.Time
}

func (statsRecord) TableName() string { return "campaign_stats" }

// SQLStorage stores campaigns and statistics through a database session.
type SQLStorage struct {
	db *gorm.DB
}

// NewSQLStorage wraps session and migrates the schema.
func NewSQLStorage(ctx context.Context, session *Session) (*SQLStorage, error) {
	if session == nil {
		return nil, ErrNoSession
	}
	s := &SQLStorage{db: session.DB()}
	if err := s.db.WithContext(ctx).AutoMigrate(&campaignRecord{}, &statsRecord{}); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return s, nil
}

// SaveCampaigns upserts campaigns keyed by site and campaign id.
func (s *SQLStorage) SaveCampaigns(ctx context.Context, siteID int, campaigns []esp.Campaign) error {
	if len(campaigns) == 0 {
		return nil
	}

	records := make([]campaignRecord, 0, len(campaigns))
	for _, c := range campaigns {
		records = append(records, campaignRecord{
			SiteID:     siteID,
			CampaignID: c.ID,
			Name:       c.Name,
			Active:     c.Active,
			Payload:    string(c.Raw),
		})
	}

	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&records).Error
	if err != nil {
		return fmt.Errorf("save campaigns of site %d: %w", siteID, err)
	}
	return nil
}

// Campaigns returns the campaigns of a site ordered by id.
func (s *SQLStorage) Campaigns(ctx context.Context, siteID int) ([]esp.Campaign, error) {
	var records []campaignRecord
	err := s.db.WithContext(ctx).
		Where("site_id = ?", siteID).
		Order("campaign_id").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("load campaigns of site %d: %w", siteID, err)
	}

	out := make([]esp.Campaign, 0, len(records))
	for _, r := range records {
		out = append(out, esp.Campaign{
			ID:     r.CampaignID,
			Name:   r.Name,
			Active: r.Active,
			Raw:    rawOrNil(r.Payload),
		})
	}
	return out, nil
}

// SaveStats upserts statistics keyed by site, campaign id and date range.
func (s *SQLStorage) SaveStats(ctx context.Context, siteID int, stats []esp.CampaignStats) error {
	if len(stats) == 0 {
		return nil
	}

	records := make([]statsRecord, 0, len(stats))
	for _, st := range stats {
		records = append(records, statsRecord{
			CampaignID: st.CampaignID,
			DateStart:  st.Range.Start.Format(esp.DateLayout),
			DateEnd:    st.Range.End.Format(esp.DateLayout),
			SiteID:     siteID,
			Payload:    string(st.Data),
		})
	}

	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&records).Error
	if err != nil {
		return fmt.Errorf("save stats of site %d: %w", siteID, err)
	}
	return nil
}

// Stats returns the statistics of a campaign across sites, ordered by site and date range.
func (s *SQLStorage) Stats(ctx context.Context, campaignID int) ([]esp.CampaignStats, error) {
	var records []statsRecord
	err := s.db.WithContext(ctx).
		Where("campaign_id = ?", campaignID).
		Order("site_id").
		Order("date_start").
		Order("date_end").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("load stats of campaign %d: %w", campaignID, err)
	}

	out := make([]esp.CampaignStats, 0, len(records))
	for _, r := range records {
		start, err := time.Parse(esp.DateLayout, r.DateStart)
		if err != nil {
			return nil, fmt.Errorf("campaign %d: %w", campaignID, err)
		}
		end, err := time.Parse(esp.DateLayout, r.DateEnd)
		if err != nil {
			return nil, fmt.Errorf("campaign %d: %w", campaignID, err)
		}
		out = append(out, esp.CampaignStats{
			SiteID:     r.SiteID,
			CampaignID: r.CampaignID,
			Range:      esp.DateRange{Start: start, End: end},
			Data:       rawOrNil(r.Payload),
		})
	}
	return out, nil
}

func rawOrNil(payload string) json.RawMessage {
	if payload == "" {
		return nil
	}
	return json.RawMessage(payload)
}
