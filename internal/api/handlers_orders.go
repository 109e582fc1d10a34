/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package api

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/vietstack/vpsd/internal/model"
	"github.com/vietstack/vpsd/internal/obs/logging"
)

func (s *Server) handleCheckout(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PromotionCode string `json:"promotion_code"`
	}
	// An empty body is a checkout with no promotion.
	_ = decodeJSON(r, &req)

	user := userFrom(r)
	order, err := s.deps.Orders.Checkout(r.Context(), user, req.PromotionCode)
	if err != nil {
		writeError(w, r, err)
		return
	}
	logging.FromContext(r.Context()).Info("order created",
		"order", order.Number, "total", order.Total)
	writeJSON(w, http.StatusCreated, order)
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := s.deps.Orders.List(r.Context(), userFrom(r).ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	order, items, err := s.deps.Orders.Get(r.Context(), userFrom(r), mux.Vars(r)["number"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"order": order,
		"items": items,
	})
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.deps.Orders.Cancel(r.Context(), userFrom(r), mux.Vars(r)["number"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// handleVPSSetup triggers provisioning for a paid order.
func (s *Server) handleVPSSetup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OrderNumber string `json:"order_number"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	// A dropped client must not cancel the hypervisor work mid-flight;
	// provisioning either commits or compensates on its own.
	ctx := context.WithoutCancel(r.Context())
	instances, err := s.deps.Prov.SetupOrder(ctx, userFrom(r), req.OrderNumber)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"instances": instancesView(instances),
	})
}

func instancesView(instances []*model.VPSInstance) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(instances))
	for _, in := range instances {
		out = append(out, map[string]interface{}{
			"id":         in.ID.String(),
			"status":     in.Status,
			"expires_at": in.ExpiresAt,
		})
	}
	return out
}
