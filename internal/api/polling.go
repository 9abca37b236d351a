package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"control_plane/internal/models"
	"control_plane/internal/store"
)

func (s *Server) pollingStatus(w http.ResponseWriter, _ *http.Request) {
	writeData(w, http.StatusOK, s.scheduler.Status())
}

func (s *Server) pollingStart(w http.ResponseWriter, _ *http.Request) {
	s.scheduler.ResumeInstancePolling()
	writeData(w, http.StatusOK, s.scheduler.Status())
}

func (s *Server) pollingStop(w http.ResponseWriter, _ *http.Request) {
	s.scheduler.PauseInstancePolling()
	writeData(w, http.StatusOK, s.scheduler.Status())
}

// marketDataScope reads the optional watchlist narrowing. An absent or
// empty body scopes the action to the whole loop.
func marketDataScope(r *http.Request) int64 {
	var body struct {
		WatchlistID int64 `json:"watchlistId"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	return body.WatchlistID
}

func (s *Server) marketDataStart(w http.ResponseWriter, r *http.Request) {
	s.scheduler.ResumeMarketData(marketDataScope(r))
	writeData(w, http.StatusOK, s.scheduler.Status())
}

func (s *Server) marketDataStop(w http.ResponseWriter, r *http.Request) {
	s.scheduler.PauseMarketData(marketDataScope(r))
	writeData(w, http.StatusOK, s.scheduler.Status())
}

func (s *Server) listAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.AlertFilter{
		UnresolvedOnly: q.Get("unresolved") == "true",
		AlertType:      q.Get("type"),
		Severity:       models.AlertSeverity(q.Get("severity")),
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			filter.Limit = n
		}
	}
	if v := q.Get("instance_id"); v != "" {
		filter.InstanceID, _ = strconv.ParseInt(v, 10, 64)
	}
	if v := q.Get("watchlist_id"); v != "" {
		filter.WatchlistID, _ = strconv.ParseInt(v, 10, 64)
	}

	alerts, err := s.store.ListAlertsFiltered(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	if alerts == nil {
		alerts = []*models.SystemAlert{}
	}
	writeData(w, http.StatusOK, alerts)
}

func (s *Server) resolveAlert(w http.ResponseWriter, r *http.Request) {
	id := pathID(r, "id")
	if err := s.store.ResolveAlert(r.Context(), id, "operator"); err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]bool{"resolved": true})
}
