package api

import (
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"control_plane/internal/core"
	"control_plane/internal/pnl"
)

func (s *Server) listBrokerPositions(w http.ResponseWriter, r *http.Request) {
	inst, err := s.store.GetInstance(r.Context(), pathID(r, "instanceId"))
	if err != nil {
		writeError(w, err)
		return
	}
	client := s.factory(inst.HostURL, inst.APIKey)
	positions, err := client.Positionbook(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, positions)
}

func (s *Server) brokerPositionsPnL(w http.ResponseWriter, r *http.Request) {
	inst, err := s.store.GetInstance(r.Context(), pathID(r, "instanceId"))
	if err != nil {
		writeError(w, err)
		return
	}
	client := s.factory(inst.HostURL, inst.APIKey)

	trades, err := client.Tradebook(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	positions, err := client.Positionbook(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	perSymbol := pnl.PerSymbol(trades, positions)
	totals := pnl.AccountTotals(trades, positions)
	writeData(w, http.StatusOK, map[string]interface{}{
		"instance_id": inst.ID,
		"symbols":     perSymbol,
		"realized":    totals.Realized,
		"unrealized":  totals.Unrealized,
		"total":       totals.Total,
	})
}

// aggregatePnL sums the last persisted snapshot across instances. It
// reads local state only, the per-instance loops keep it fresh.
func (s *Server) aggregatePnL(w http.ResponseWriter, r *http.Request) {
	instances, err := s.store.ListInstances(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	var realized, unrealized, total decimal.Decimal
	perInstance := make([]map[string]interface{}, 0, len(instances))
	for _, inst := range instances {
		if !inst.IsActive {
			continue
		}
		realized = realized.Add(inst.RealizedPnL)
		unrealized = unrealized.Add(inst.UnrealizedPnL)
		total = total.Add(inst.TotalPnL)
		perInstance = append(perInstance, map[string]interface{}{
			"instance_id":    inst.ID,
			"instance_name":  inst.Name,
			"realized_pnl":   inst.RealizedPnL,
			"unrealized_pnl": inst.UnrealizedPnL,
			"total_pnl":      inst.TotalPnL,
			"last_updated":   inst.LastUpdated,
		})
	}
	writeData(w, http.StatusOK, map[string]interface{}{
		"realized":   realized,
		"unrealized": unrealized,
		"total":      total,
		"instances":  perInstance,
	})
}

func (s *Server) closePositions(w http.ResponseWriter, r *http.Request) {
	inst, err := s.store.GetInstance(r.Context(), pathID(r, "instanceId"))
	if err != nil {
		writeError(w, err)
		return
	}

	client := s.factory(inst.HostURL, inst.APIKey)
	req := &core.ClosePositionRequest{Strategy: strings.TrimSpace(inst.StrategyTag)}
	if err := client.ClosePosition(r.Context(), req); err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]interface{}{
		"instance_id": inst.ID,
		"closed":      true,
	})
}
