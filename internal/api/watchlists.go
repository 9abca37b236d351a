package api

import (
	"net/http"

	"github.com/shopspring/decimal"

	"control_plane/internal/core"
	"control_plane/internal/models"
	"control_plane/pkg/apperrors"
)

type watchlistPayload struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	IsActive    *bool  `json:"is_active"`
}

func (s *Server) listWatchlists(w http.ResponseWriter, r *http.Request) {
	lists, err := s.store.ListWatchlists(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if lists == nil {
		lists = []*models.Watchlist{}
	}
	writeData(w, http.StatusOK, lists)
}

func (s *Server) createWatchlist(w http.ResponseWriter, r *http.Request) {
	var p watchlistPayload
	if err := decodeBody(r, &p); err != nil {
		writeError(w, err)
		return
	}
	if p.Name == "" {
		writeError(w, apperrors.Validation("name is required"))
		return
	}

	wl := &models.Watchlist{Name: p.Name, Description: p.Description, IsActive: true}
	if p.IsActive != nil {
		wl.IsActive = *p.IsActive
	}
	id, err := s.store.CreateWatchlist(r.Context(), wl)
	if err != nil {
		writeError(w, err)
		return
	}
	created, err := s.store.GetWatchlist(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusCreated, created)
}

func (s *Server) getWatchlist(w http.ResponseWriter, r *http.Request) {
	wl, err := s.store.GetWatchlist(r.Context(), pathID(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, wl)
}

func (s *Server) updateWatchlist(w http.ResponseWriter, r *http.Request) {
	id := pathID(r, "id")
	wl, err := s.store.GetWatchlist(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	var p watchlistPayload
	if err := decodeBody(r, &p); err != nil {
		writeError(w, err)
		return
	}
	if p.Name != "" {
		wl.Name = p.Name
	}
	wl.Description = p.Description
	if p.IsActive != nil {
		wl.IsActive = *p.IsActive
	}
	if err := s.store.UpdateWatchlist(r.Context(), wl); err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, wl)
}

func (s *Server) deleteWatchlist(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteWatchlist(r.Context(), pathID(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (s *Server) cloneWatchlist(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.Name == "" {
		writeError(w, apperrors.Validation("name is required"))
		return
	}

	id, err := s.store.CloneWatchlist(r.Context(), pathID(r, "id"), body.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	cloned, err := s.store.GetWatchlist(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusCreated, cloned)
}

// validateSymbolRow enforces sizing rules at write time so broadcast
// never sees an impossible configuration.
func validateSymbolRow(sym *models.WatchlistSymbol) error {
	var details []apperrors.FieldError
	if sym.Exchange == "" {
		details = append(details, apperrors.FieldError{Field: "exchange", Message: "required", Type: "required"})
	}
	if sym.Symbol == "" {
		details = append(details, apperrors.FieldError{Field: "symbol", Message: "required", Type: "required"})
	}
	switch sym.QtyMode {
	case models.QtyFixed, models.QtyCapital, models.QtyFundsPercent:
	default:
		details = append(details, apperrors.FieldError{Field: "qty_mode", Message: "must be fixed, capital or funds_percent", Type: "enum"})
	}
	if sym.QtyValue.IsNegative() || sym.QtyValue.IsZero() {
		details = append(details, apperrors.FieldError{Field: "qty_value", Message: "must be positive", Type: "min"})
	}

	// On lot-sized exchanges a raw unit count must land on a lot
	// boundary, otherwise the upstream rejects every order.
	if sym.IsDerivative() && sym.QtyMode == models.QtyFixed && sym.QtyUnits == models.UnitsRaw {
		if sym.LotSize <= 0 {
			details = append(details, apperrors.FieldError{Field: "lot_size", Message: "required for derivative exchanges", Type: "required"})
		} else if !sym.QtyValue.Mod(decimal.NewFromInt(sym.LotSize)).IsZero() {
			details = append(details, apperrors.FieldError{Field: "qty_value", Message: "must be a multiple of lot_size on derivative exchanges", Type: "lot_multiple"})
		}
	}
	if len(details) > 0 {
		return apperrors.Validation("invalid symbol", details...)
	}
	return nil
}

func (s *Server) listSymbols(w http.ResponseWriter, r *http.Request) {
	wlID := pathID(r, "id")
	if _, err := s.store.GetWatchlist(r.Context(), wlID); err != nil {
		writeError(w, err)
		return
	}
	symbols, err := s.store.ListSymbols(r.Context(), wlID)
	if err != nil {
		writeError(w, err)
		return
	}
	if symbols == nil {
		symbols = []*models.WatchlistSymbol{}
	}
	writeData(w, http.StatusOK, symbols)
}

func (s *Server) addSymbol(w http.ResponseWriter, r *http.Request) {
	wlID := pathID(r, "id")
	if _, err := s.store.GetWatchlist(r.Context(), wlID); err != nil {
		writeError(w, err)
		return
	}

	var sym models.WatchlistSymbol
	if err := decodeBody(r, &sym); err != nil {
		writeError(w, err)
		return
	}
	sym.WatchlistID = wlID
	applySymbolDefaults(&sym)
	if err := validateSymbolRow(&sym); err != nil {
		writeError(w, err)
		return
	}

	id, err := s.store.AddSymbol(r.Context(), &sym)
	if err != nil {
		writeError(w, err)
		return
	}
	created, err := s.store.GetSymbol(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusCreated, created)
}

func (s *Server) updateSymbol(w http.ResponseWriter, r *http.Request) {
	wlID := pathID(r, "id")
	sid := pathID(r, "sid")
	existing, err := s.store.GetSymbol(r.Context(), sid)
	if err != nil {
		writeError(w, err)
		return
	}
	if existing.WatchlistID != wlID {
		writeError(w, apperrors.NotFound("symbol not found"))
		return
	}

	var sym models.WatchlistSymbol
	if err := decodeBody(r, &sym); err != nil {
		writeError(w, err)
		return
	}
	sym.ID = sid
	sym.WatchlistID = wlID
	applySymbolDefaults(&sym)
	if err := validateSymbolRow(&sym); err != nil {
		writeError(w, err)
		return
	}

	if err := s.store.UpdateSymbol(r.Context(), &sym); err != nil {
		writeError(w, err)
		return
	}
	updated, err := s.store.GetSymbol(r.Context(), sid)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, updated)
}

func (s *Server) deleteSymbol(w http.ResponseWriter, r *http.Request) {
	sid := pathID(r, "sid")
	existing, err := s.store.GetSymbol(r.Context(), sid)
	if err != nil {
		writeError(w, err)
		return
	}
	if existing.WatchlistID != pathID(r, "id") {
		writeError(w, apperrors.NotFound("symbol not found"))
		return
	}
	if err := s.store.DeleteSymbol(r.Context(), sid); err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]bool{"deleted": true})
}

func applySymbolDefaults(sym *models.WatchlistSymbol) {
	if sym.QtyMode == "" {
		sym.QtyMode = models.QtyFixed
	}
	if sym.QtyMode == models.QtyFixed && sym.QtyUnits == "" {
		sym.QtyUnits = models.UnitsRaw
	}
	if sym.LotSize <= 0 && !sym.IsDerivative() {
		sym.LotSize = 1
	}
	if sym.ContractMultiplier.IsZero() {
		sym.ContractMultiplier = decimal.NewFromInt(1)
	}
	if sym.Rounding == "" {
		sym.Rounding = models.RoundFloorToLot
	}
	if sym.ProductType == "" {
		sym.ProductType = "MIS"
	}
	if sym.OrderType == "" {
		sym.OrderType = "MARKET"
	}
	if sym.TargetType == "" {
		sym.TargetType = models.ExitRuleNone
	}
	if sym.SLType == "" {
		sym.SLType = models.ExitRuleNone
	}
	if sym.TSType == "" {
		sym.TSType = models.ExitRuleNone
	}
	if sym.TrailingActivationType == "" {
		sym.TrailingActivationType = models.ActivateImmediate
	}
}

func (s *Server) listBoundInstances(w http.ResponseWriter, r *http.Request) {
	instances, err := s.store.BoundInstances(r.Context(), pathID(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if instances == nil {
		instances = []*models.Instance{}
	}
	writeData(w, http.StatusOK, instances)
}

func (s *Server) bindInstances(w http.ResponseWriter, r *http.Request) {
	wlID := pathID(r, "id")
	if _, err := s.store.GetWatchlist(r.Context(), wlID); err != nil {
		writeError(w, err)
		return
	}

	var body struct {
		InstanceIDs []int64 `json:"instance_ids"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.BindInstances(r.Context(), wlID, body.InstanceIDs); err != nil {
		writeError(w, err)
		return
	}
	s.writeBoundInstances(w, r, wlID)
}

func (s *Server) bindOneInstance(w http.ResponseWriter, r *http.Request) {
	wlID := pathID(r, "id")
	iid := pathID(r, "iid")
	if _, err := s.store.GetInstance(r.Context(), iid); err != nil {
		writeError(w, err)
		return
	}

	bound, err := s.store.BoundInstances(r.Context(), wlID)
	if err != nil {
		writeError(w, err)
		return
	}
	ids := make([]int64, 0, len(bound)+1)
	for _, inst := range bound {
		if inst.ID == iid {
			s.writeBoundInstances(w, r, wlID)
			return
		}
		ids = append(ids, inst.ID)
	}
	ids = append(ids, iid)

	if err := s.store.BindInstances(r.Context(), wlID, ids); err != nil {
		writeError(w, err)
		return
	}
	s.writeBoundInstances(w, r, wlID)
}

func (s *Server) unbindInstance(w http.ResponseWriter, r *http.Request) {
	wlID := pathID(r, "id")
	iid := pathID(r, "iid")

	bound, err := s.store.BoundInstances(r.Context(), wlID)
	if err != nil {
		writeError(w, err)
		return
	}
	ids := make([]int64, 0, len(bound))
	for _, inst := range bound {
		if inst.ID != iid {
			ids = append(ids, inst.ID)
		}
	}
	if err := s.store.BindInstances(r.Context(), wlID, ids); err != nil {
		writeError(w, err)
		return
	}
	s.writeBoundInstances(w, r, wlID)
}

func (s *Server) writeBoundInstances(w http.ResponseWriter, r *http.Request, wlID int64) {
	bound, err := s.store.BoundInstances(r.Context(), wlID)
	if err != nil {
		writeError(w, err)
		return
	}
	if bound == nil {
		bound = []*models.Instance{}
	}
	writeData(w, http.StatusOK, bound)
}

func (s *Server) placeOrders(w http.ResponseWriter, r *http.Request) {
	var req core.BroadcastRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	req.WatchlistID = pathID(r, "id")

	result, err := s.broadcaster.Broadcast(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	s.hub.PublishBroadcast(result)
	writeData(w, http.StatusOK, result)
}
