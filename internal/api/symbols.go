package api

import (
	"net/http"
	"strings"
	"time"

	"control_plane/internal/models"
	"control_plane/pkg/apperrors"
)

// searchSymbols matches configured watchlist symbols by substring. The
// control plane has no instrument master; the configured set is the
// searchable universe.
func (s *Server) searchSymbols(w http.ResponseWriter, r *http.Request) {
	q := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("q")))
	if q == "" {
		writeError(w, apperrors.Validation("q is required"))
		return
	}

	symbols, err := s.store.ListAllSymbols(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	matches := []*models.WatchlistSymbol{}
	for _, sym := range symbols {
		if strings.Contains(strings.ToUpper(sym.Symbol), q) {
			matches = append(matches, sym)
		}
	}
	writeData(w, http.StatusOK, matches)
}

type symbolRef struct {
	Exchange string `json:"exchange"`
	Symbol   string `json:"symbol"`
}

// validateSymbol confirms a contract is quotable through an upstream
// instance before the operator adds it to a watchlist.
func (s *Server) validateSymbol(w http.ResponseWriter, r *http.Request) {
	var ref symbolRef
	if err := decodeBody(r, &ref); err != nil {
		writeError(w, err)
		return
	}
	if ref.Exchange == "" || ref.Symbol == "" {
		writeError(w, apperrors.Validation("exchange and symbol are required"))
		return
	}

	// A cached quote is proof enough.
	if _, ok := s.quotes.Get(ref.Exchange, ref.Symbol); ok {
		writeData(w, http.StatusOK, map[string]interface{}{"valid": true, "source": "cache"})
		return
	}

	instances, err := s.store.ListActiveInstances(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	for _, inst := range instances {
		client := s.factory(inst.HostURL, inst.APIKey)
		if q, err := client.Quotes(r.Context(), ref.Exchange, ref.Symbol); err == nil && !q.LTP.IsZero() {
			writeData(w, http.StatusOK, map[string]interface{}{"valid": true, "source": inst.Name})
			return
		}
	}
	writeData(w, http.StatusOK, map[string]interface{}{
		"valid":   false,
		"message": "no instance returned a quote for this contract",
	})
}

func (s *Server) symbolQuotes(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Symbols    []symbolRef `json:"symbols"`
		InstanceID int64       `json:"instanceId"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if len(body.Symbols) == 0 {
		writeData(w, http.StatusOK, []models.MarketDataRow{})
		return
	}
	if body.InstanceID == 0 {
		writeError(w, apperrors.Validation("instanceId is required"))
		return
	}

	inst, err := s.store.GetInstance(r.Context(), body.InstanceID)
	if err != nil {
		writeError(w, err)
		return
	}
	client := s.factory(inst.HostURL, inst.APIKey)

	rows := make([]models.MarketDataRow, 0, len(body.Symbols))
	for _, ref := range body.Symbols {
		q, err := client.Quotes(r.Context(), ref.Exchange, ref.Symbol)
		if err != nil {
			continue
		}
		row := models.MarketDataRow{
			Exchange:    ref.Exchange,
			Symbol:      ref.Symbol,
			LTP:         q.LTP,
			Open:        q.Open,
			High:        q.High,
			Low:         q.Low,
			Close:       q.Close,
			Volume:      q.Volume,
			BidPrice:    q.Bid,
			AskPrice:    q.Ask,
			LastUpdated: time.Now(),
			DataSource:  inst.Name,
		}
		s.quotes.Put(row)
		rows = append(rows, row)
	}
	writeData(w, http.StatusOK, rows)
}
