package api

import (
	"net/http"
	"strconv"

	"control_plane/internal/models"
	"control_plane/pkg/apperrors"
)

const defaultOrderLimit = 200

func (s *Server) listOrders(w http.ResponseWriter, r *http.Request) {
	limit := defaultOrderLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	orders, err := s.store.ListOrders(r.Context(), 0, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if status := r.URL.Query().Get("status"); status != "" {
		filtered := orders[:0]
		for _, o := range orders {
			if o.Status == models.OrderStatus(status) {
				filtered = append(filtered, o)
			}
		}
		orders = filtered
	}
	if orders == nil {
		orders = []*models.WatchlistOrder{}
	}
	writeData(w, http.StatusOK, orders)
}

func (s *Server) cancelOrder(w http.ResponseWriter, r *http.Request) {
	id := pathID(r, "id")
	order, err := s.store.GetOrder(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if order.Status.Terminal() {
		writeError(w, apperrors.E(apperrors.KindConflict, "order is already in a terminal state", nil))
		return
	}
	if order.BrokerOrderID == "" {
		writeError(w, apperrors.E(apperrors.KindConflict, "order was never dispatched upstream", nil))
		return
	}

	inst, err := s.store.GetInstance(r.Context(), order.InstanceID)
	if err != nil {
		writeError(w, err)
		return
	}
	client := s.factory(inst.HostURL, inst.APIKey)
	if err := client.CancelOrder(r.Context(), order.BrokerOrderID); err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.UpdateOrderStatus(r.Context(), id, models.OrderCancelled,
		order.FilledQuantity, order.AveragePrice, "cancelled by operator"); err != nil {
		writeError(w, err)
		return
	}

	cancelled, err := s.store.GetOrder(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, cancelled)
}

func (s *Server) cancelAllOrders(w http.ResponseWriter, r *http.Request) {
	var body struct {
		InstanceID int64  `json:"instanceId"`
		Strategy   string `json:"strategy"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
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
	if err := client.CancelAllOrders(r.Context(), body.Strategy); err != nil {
		writeError(w, err)
		return
	}

	// Local open rows flip to cancelled; the reconciler corrects any the
	// broker reports otherwise on its next pass.
	open, err := s.store.ListOpenOrders(r.Context(), body.InstanceID)
	if err != nil {
		writeError(w, err)
		return
	}
	cancelled := 0
	for _, o := range open {
		if err := s.store.UpdateOrderStatus(r.Context(), o.ID, models.OrderCancelled,
			o.FilledQuantity, o.AveragePrice, "cancel-all by operator"); err == nil {
			cancelled++
		}
	}
	writeData(w, http.StatusOK, map[string]interface{}{
		"instance_id": body.InstanceID,
		"cancelled":   cancelled,
	})
}
