package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eugenenazirov/piano-esp/internal/collector"
	"github.com/eugenenazirov/piano-esp/internal/config"
	"github.com/eugenenazirov/piano-esp/internal/esp"
	"github.com/eugenenazirov/piano-esp/internal/storage"
)

type contextKey string

const requestIDContextKey contextKey = "requestID"

// Syncer runs a collection pass on demand.
type Syncer interface {
	Sync(ctx context.Context, r esp.DateRange) (collector.Report, error)
	DefaultRange() esp.DateRange
}

// Handler wires storage and the collector into HTTP handlers.
type Handler struct {
	storage  storage.Storage
	syncer   Syncer
	accounts []config.Account

	clock func() time.Time

	syncing  atomic.Bool
	mu       sync.RWMutex
	lastSync *collector.Report
}

// HandlerOption configures Handler behaviour.
type HandlerOption func(*Handler)

// WithClock overrides the time source, primarily for tests.
func WithClock(clock func() time.Time) HandlerOption {
	return func(h *Handler) {
		h.clock = clock
	}
}

// NewHandler constructs a Handler with the provided dependencies.
func NewHandler(store storage.Storage, syncer Syncer, accounts []config.Account, opts ...HandlerOption) *Handler {
	h := &Handler{
		storage:  store,
		syncer:   syncer,
		accounts: accounts,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{
		Status:    "ok",
		Timestamp: h.clock(),
		Syncing:   h.syncing.Load(),
	}
	if last := h.lastReport(); last != nil {
		resp.LastSync = &last.FinishedAt
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleSites(w http.ResponseWriter, _ *http.Request) {
	sites := make([]siteResponse, 0, len(h.accounts))
	for _, account := range h.accounts {
		sites = append(sites, siteResponse{SiteID: account.SiteID, Name: account.Name})
	}
	writeJSON(w, http.StatusOK, sitesResponse{Sites: sites})
}

func (h *Handler) handleCampaigns(w http.ResponseWriter, r *http.Request) {
	siteID, ok := pathID(w, r, "siteID")
	if !ok {
		return
	}
	if !h.knownSite(siteID) {
		writeError(w, http.StatusNotFound, "Unknown site", "site "+strconv.Itoa(siteID)+" is not configured")
		return
	}

	campaigns, err := h.storage.Campaigns(r.Context(), siteID)
	if err != nil {
		writeInternalError(w, err)
		return
	}

	resp := campaignsResponse{SiteID: siteID, Campaigns: make([]campaignResponse, 0, len(campaigns))}
	for _, c := range campaigns {
		resp.Campaigns = append(resp.Campaigns, campaignResponse{ID: c.ID, Name: c.Name, Active: c.Active})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	campaignID, ok := pathID(w, r, "campaignID")
	if !ok {
		return
	}

	stats, err := h.storage.Stats(r.Context(), campaignID)
	if err != nil {
		writeInternalError(w, err)
		return
	}

	resp := statsResponse{CampaignID: campaignID, Stats: make([]statsEntry, 0, len(stats))}
	for _, st := range stats {
		data := st.Data
		if len(data) == 0 {
			data = json.RawMessage("null")
		}
		resp.Stats = append(resp.Stats, statsEntry{
			SiteID: st.SiteID,
			From:   st.Range.Start.Format(esp.DateLayout),
			To:     st.Range.End.Format(esp.DateLayout),
			Data:   data,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleSync(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request", "unable to parse JSON payload")
		return
	}

	dates := h.syncer.DefaultRange()
	switch {
	case req.From == "" && req.To == "":
	case req.From == "" || req.To == "":
		writeError(w, http.StatusBadRequest, "Invalid request", "from and to must be provided together")
		return
	default:
		parsed, err := esp.ParseDateRange(req.From, req.To)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid date range", err.Error(), "use YYYY-MM-DD dates with from <= to")
			return
		}
		dates = parsed
	}

	if !h.syncing.CompareAndSwap(false, true) {
		writeError(w, http.StatusConflict, "Sync in progress", "a collection pass is already running", "retry once it has finished")
		return
	}
	defer h.syncing.Store(false)

	report, err := h.syncer.Sync(r.Context(), dates)
	if err != nil && len(report.Sites) == 0 {
		if errors.Is(err, collector.ErrNoAccounts) {
			writeError(w, http.StatusUnprocessableEntity, "No accounts", err.Error(), "add sites to the keys file")
			return
		}
		writeInternalError(w, err)
		return
	}

	h.mu.Lock()
	h.lastSync = &report
	h.mu.Unlock()

	writeJSON(w, http.StatusOK, syncResponse{Report: report, Failed: report.Failed()})
}

func (h *Handler) lastReport() *collector.Report {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lastSync
}

func (h *Handler) knownSite(siteID int) bool {
	for _, account := range h.accounts {
		if account.SiteID == siteID {
			return true
		}
	}
	return false
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	id, err := strconv.Atoi(r.PathValue(name))
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "Invalid request", name+" must be a positive integer")
		return 0, false
	}
	return id, true
}

func requestIDFromContext(ctx context.Context) string {
	if v := ctx.Value(requestIDContextKey); v != nil {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}

type syncRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type syncResponse struct {
	Report collector.Report `json:"report"`
	Failed int              `json:"failed"`
}

type siteResponse struct {
	SiteID int    `json:"siteId"`
	Name   string `json:"name,omitempty"`
}

type sitesResponse struct {
	Sites []siteResponse `json:"sites"`
}

type campaignResponse struct {
	ID     int    `json:"id"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

type campaignsResponse struct {
	SiteID    int                `json:"siteId"`
	Campaigns []campaignResponse `json:"campaigns"`
}

type statsEntry struct {
	SiteID int             `json:"siteId"`
	From   string          `json:"from"`
	To     string          `json:"to"`
	Data   json.RawMessage `json:"data"`
}

type statsResponse struct {
	CampaignID int          `json:"campaignId"`
	Stats      []statsEntry `json:"stats"`
}

type healthResponse struct {
	Status    string     `json:"status"`
	Timestamp time.Time  `json:"timestamp"`
	Syncing   bool       `json:"syncing"`
	LastSync  *time.Time `json:"lastSync,omitempty"`
}

type errorResponse struct {
	Error      string `json:"error"`
	Details    string `json:"details,omitempty"`
	Suggestion string `json:"suggestion,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != 0 {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message, details string, suggestion ...string) {
	resp := errorResponse{
		Error:   message,
		Details: details,
	}
	if len(suggestion) > 0 {
		resp.Suggestion = suggestion[0]
	}
	writeJSON(w, status, resp)
}

func writeInternalError(w http.ResponseWriter, err error) {
	writeError(w, http.StatusInternalServerError, "Internal error", err.Error())
}
