package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"control_plane/internal/models"
	"control_plane/pkg/apperrors"
)

func pathID(r *http.Request, name string) int64 {
	id, _ := strconv.ParseInt(mux.Vars(r)[name], 10, 64)
	return id
}

// instancePayload is the operator-facing write shape. The api_key is
// accepted on writes and never echoed back.
type instancePayload struct {
	Name           string          `json:"name"`
	HostURL        string          `json:"host_url"`
	APIKey         string          `json:"api_key"`
	StrategyTag    string          `json:"strategy_tag"`
	TargetProfit   decimal.Decimal `json:"target_profit"`
	TargetLoss     decimal.Decimal `json:"target_loss"`
	IsActive       *bool           `json:"is_active"`
	MarketDataRole string          `json:"market_data_role"`
}

func (p *instancePayload) validate(requireKey bool) error {
	var details []apperrors.FieldError
	if p.Name == "" {
		details = append(details, apperrors.FieldError{Field: "name", Message: "required", Type: "required"})
	}
	if p.HostURL == "" {
		details = append(details, apperrors.FieldError{Field: "host_url", Message: "required", Type: "required"})
	}
	if requireKey && p.APIKey == "" {
		details = append(details, apperrors.FieldError{Field: "api_key", Message: "required", Type: "required"})
	}
	switch models.MarketDataRole(p.MarketDataRole) {
	case "", models.MarketDataNone, models.MarketDataPrimary, models.MarketDataSecondary:
	default:
		details = append(details, apperrors.FieldError{Field: "market_data_role", Message: "must be none, primary or secondary", Type: "enum"})
	}
	if len(details) > 0 {
		return apperrors.Validation("invalid instance", details...)
	}
	return nil
}

func (p *instancePayload) apply(inst *models.Instance) {
	inst.Name = p.Name
	inst.HostURL = p.HostURL
	inst.APIKey = p.APIKey
	inst.StrategyTag = p.StrategyTag
	inst.TargetProfit = p.TargetProfit
	inst.TargetLoss = p.TargetLoss
	if p.IsActive != nil {
		inst.IsActive = *p.IsActive
	}
	if p.MarketDataRole != "" {
		inst.MarketDataRole = models.MarketDataRole(p.MarketDataRole)
	} else if inst.MarketDataRole == "" {
		inst.MarketDataRole = models.MarketDataNone
	}
}

func (s *Server) listInstances(w http.ResponseWriter, r *http.Request) {
	instances, err := s.store.ListInstances(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if v := r.URL.Query().Get("is_active"); v != "" {
		want := v == "true" || v == "1"
		filtered := instances[:0]
		for _, inst := range instances {
			if inst.IsActive == want {
				filtered = append(filtered, inst)
			}
		}
		instances = filtered
	}
	if instances == nil {
		instances = []*models.Instance{}
	}
	writeData(w, http.StatusOK, instances)
}

func (s *Server) createInstance(w http.ResponseWriter, r *http.Request) {
	var p instancePayload
	if err := decodeBody(r, &p); err != nil {
		writeError(w, err)
		return
	}
	if err := p.validate(true); err != nil {
		writeError(w, err)
		return
	}

	inst := &models.Instance{IsActive: true}
	p.apply(inst)
	id, err := s.store.CreateInstance(r.Context(), inst)
	if err != nil {
		writeError(w, err)
		return
	}
	created, err := s.store.GetInstance(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusCreated, created)
}

func (s *Server) getInstance(w http.ResponseWriter, r *http.Request) {
	inst, err := s.store.GetInstance(r.Context(), pathID(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, inst)
}

func (s *Server) updateInstance(w http.ResponseWriter, r *http.Request) {
	id := pathID(r, "id")
	inst, err := s.store.GetInstance(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	var p instancePayload
	if err := decodeBody(r, &p); err != nil {
		writeError(w, err)
		return
	}
	// An omitted api_key keeps the stored credential.
	if err := p.validate(false); err != nil {
		writeError(w, err)
		return
	}

	p.apply(inst)
	if err := s.store.UpdateInstance(r.Context(), inst); err != nil {
		writeError(w, err)
		return
	}
	updated, err := s.store.GetInstance(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, updated)
}

func (s *Server) deleteInstance(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteInstance(r.Context(), pathID(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (s *Server) refreshInstance(w http.ResponseWriter, r *http.Request) {
	id := pathID(r, "id")
	if err := s.orchestrator.RefreshInstance(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	inst, err := s.store.GetInstance(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, inst)
}

func (s *Server) probeInstance(w http.ResponseWriter, r *http.Request) {
	id := pathID(r, "id")
	inst, err := s.store.GetInstance(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	client := s.factory(inst.HostURL, inst.APIKey)
	reachable := client.Ping(r.Context()) == nil
	writeData(w, http.StatusOK, map[string]interface{}{
		"instance_id": id,
		"reachable":   reachable,
	})
}

func (s *Server) instancePnL(w http.ResponseWriter, r *http.Request) {
	id := pathID(r, "id")
	if err := s.orchestrator.RefreshInstance(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	inst, err := s.store.GetInstance(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]interface{}{
		"instance_id":     inst.ID,
		"current_balance": inst.CurrentBalance,
		"realized_pnl":    inst.RealizedPnL,
		"unrealized_pnl":  inst.UnrealizedPnL,
		"total_pnl":       inst.TotalPnL,
		"last_updated":    inst.LastUpdated,
	})
}

func (s *Server) toggleAnalyzer(w http.ResponseWriter, r *http.Request) {
	id := pathID(r, "id")
	var body struct {
		Mode bool `json:"mode"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}

	// Entering analyzer mode goes through the guarded sequence so no
	// live exposure is left behind. Leaving it is a plain toggle.
	if body.Mode {
		outcome := s.switcher.Switch(r.Context(), id, "MANUAL")
		if !outcome.Success {
			writeError(w, apperrors.E(apperrors.KindUpstreamRejected, outcome.Error, nil))
			return
		}
		writeData(w, http.StatusOK, outcome)
		return
	}

	inst, err := s.store.GetInstance(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	client := s.factory(inst.HostURL, inst.APIKey)
	if err := client.ToggleAnalyzer(r.Context(), false); err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.SetInstanceAnalyzerMode(r.Context(), id, false); err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]interface{}{
		"instance_id":      id,
		"is_analyzer_mode": false,
	})
}

// connectionPayload carries throwaway credentials for pre-registration
// checks. Never persisted.
type connectionPayload struct {
	HostURL string `json:"host_url"`
	APIKey  string `json:"api_key"`
}

func (s *Server) testConnection(w http.ResponseWriter, r *http.Request) {
	var p connectionPayload
	if err := decodeBody(r, &p); err != nil {
		writeError(w, err)
		return
	}
	if p.HostURL == "" {
		writeError(w, apperrors.Validation("host_url is required"))
		return
	}

	client := s.factory(p.HostURL, p.APIKey)
	if err := client.Ping(r.Context()); err != nil {
		writeData(w, http.StatusOK, map[string]interface{}{
			"reachable": false,
			"message":   "instance is not reachable",
		})
		return
	}
	writeData(w, http.StatusOK, map[string]interface{}{"reachable": true})
}

func (s *Server) testAPIKey(w http.ResponseWriter, r *http.Request) {
	var p connectionPayload
	if err := decodeBody(r, &p); err != nil {
		writeError(w, err)
		return
	}
	if p.HostURL == "" || p.APIKey == "" {
		writeError(w, apperrors.Validation("host_url and api_key are required"))
		return
	}

	// Funds requires a valid key where ping may not.
	client := s.factory(p.HostURL, p.APIKey)
	if _, err := client.Funds(r.Context()); err != nil {
		writeData(w, http.StatusOK, map[string]interface{}{
			"valid":   false,
			"message": "api key was rejected by the instance",
		})
		return
	}
	writeData(w, http.StatusOK, map[string]interface{}{"valid": true})
}
