package esp

import (
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DateLayout is the date format the stats endpoints expect.
const DateLayout = "2006-01-02"

// Campaign is a mailing list entry of a site.
type Campaign struct {
	ID     int             `json:"Id"`
	Name   string          `json:"Name"`
	Active bool            `json:"Active"`
	Raw    json.RawMessage `json:"-"`
}

// UnmarshalJSON accepts numeric or quoted ids and any truthy Active value.
// An id that is not an integer decodes as 0 so the rest of a list survives.
func (c *Campaign) UnmarshalJSON(data []byte) error {
	var wire struct {
		ID     json.RawMessage `json:"Id"`
		Name   any             `json:"Name"`
		Active any             `json:"Active"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	name, ok := wire.Name.(string)
	if !ok && wire.Name != nil {
		name = fmt.Sprint(wire.Name)
	}

	*c = Campaign{
		ID:     parseCampaignID(wire.ID),
		Name:   name,
		Active: truthy(wire.Active),
		Raw:    append(json.RawMessage(nil), data...),
	}
	return nil
}

func parseCampaignID(raw json.RawMessage) int {
	text := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if text == "" || text == "null" {
		return 0
	}
	if id, err := strconv.Atoi(text); err == nil {
		return id
	}
	if f, err := strconv.ParseFloat(text, 64); err == nil && f == math.Trunc(f) && math.Abs(f) <= math.MaxInt32 {
		return int(f)
	}
	return 0
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		return t != ""
	case nil:
		return false
	default:
		return true
	}
}

// CampaignStats holds the full statistics of one campaign over a date range.
// SiteID is zero as fetched and is filled in by storage.
type CampaignStats struct {
	SiteID     int
	CampaignID int
	Range      DateRange
	Data       json.RawMessage
}

// DateRange is an inclusive range of calendar days.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// ParseDateRange parses two YYYY-MM-DD dates.
func ParseDateRange(from, to string) (DateRange, error) {
	start, err := time.Parse(DateLayout, from)
	if err != nil {
		return DateRange{}, fmt.Errorf("%w: start %q", ErrInvalidDate, from)
	}
	end, err := time.Parse(DateLayout, to)
	if err != nil {
		return DateRange{}, fmt.Errorf("%w: end %q", ErrInvalidDate, to)
	}
	r := DateRange{Start: start, End: end}
	return r, r.Validate()
}

// DefaultRange covers the lookbackDays days that end yesterday.
func DefaultRange(now time.Time, lookbackDays int) DateRange {
	if lookbackDays <= 0 {
		lookbackDays = 1
	}
	now = now.UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	end := today.AddDate(0, 0, -1)
	return DateRange{Start: end.AddDate(0, 0, -(lookbackDays - 1)), End: end}
}

// Validate reports whether both dates are set and ordered.
func (r DateRange) Validate() error {
	if r.Start.IsZero() {
		return fmt.Errorf("%w: start date is required", ErrInvalidDate)
	}
	if r.End.IsZero() {
		return fmt.Errorf("%w: end date is required", ErrInvalidDate)
	}
	if r.End.Before(r.Start) {
		return fmt.Errorf("%w: end %s is before start %s", ErrInvalidDate, r.End.Format(DateLayout), r.Start.Format(DateLayout))
	}
	return nil
}

// Params renders the range as stats query parameters.
func (r DateRange) Params() url.Values {
	return url.Values{
		"date_start": {r.Start.Format(DateLayout)},
		"date_end":   {r.End.Format(DateLayout)},
	}
}

func (r DateRange) String() string {
	return r.Start.Format(DateLayout) + ".." + r.End.Format(DateLayout)
}
