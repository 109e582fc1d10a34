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
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/vietstack/vpsd/internal/errdefs"
	"github.com/vietstack/vpsd/internal/model"
)

func (s *Server) handleAddCartItem(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r)
	var req struct {
		PlanID         string `json:"plan_id"`
		TemplateID     string `json:"template_id"`
		Hostname       string `json:"hostname"`
		DurationMonths int    `json:"duration_months"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	planID, err := model.ParseID(req.PlanID)
	if err != nil {
		writeError(w, r, errdefs.NewInvalidArgument("malformed plan id"))
		return
	}
	templateID, err := model.ParseID(req.TemplateID)
	if err != nil {
		writeError(w, r, errdefs.NewInvalidArgument("malformed template id"))
		return
	}
	if req.DurationMonths < 1 {
		writeError(w, r, errdefs.NewInvalidArgument("duration must be at least one month"))
		return
	}
	// Fail early on dangling references so checkout cannot trip over them.
	if _, err := s.deps.Store.GetPlan(r.Context(), planID); err != nil {
		writeError(w, r, err)
		return
	}
	if _, err := s.deps.Store.GetTemplate(r.Context(), templateID); err != nil {
		writeError(w, r, err)
		return
	}

	item := &model.CartItem{
		ID:             model.NewID(),
		UserID:         user.ID,
		PlanID:         planID,
		TemplateID:     templateID,
		Hostname:       req.Hostname,
		DurationMonths: req.DurationMonths,
		AddedAt:        time.Now(),
	}
	if err := s.deps.Store.AddCartItem(r.Context(), item); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

func (s *Server) handleListCart(w http.ResponseWriter, r *http.Request) {
	items, err := s.deps.Store.ListCartItems(r.Context(), userFrom(r).ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleClearCart(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.ClearCart(r.Context(), userFrom(r).ID); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteCartItem(w http.ResponseWriter, r *http.Request) {
	itemID, err := model.ParseID(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, errdefs.NewInvalidArgument("malformed cart item id"))
		return
	}
	if err := s.deps.Store.DeleteCartItem(r.Context(), userFrom(r).ID, itemID); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
