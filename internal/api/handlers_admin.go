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
	"strconv"
	"time"

	"github.com/vietstack/vpsd/internal/model"
)

// handleDashboardStats aggregates instance counts by status and lifetime
// paid revenue.
func (s *Server) handleDashboardStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	counts := map[string]int{}
	for _, status := range []model.VPSStatus{
		model.VPSCreating, model.VPSActive, model.VPSSuspended,
		model.VPSTerminated, model.VPSError,
	} {
		instances, err := s.deps.Store.ListVPSByStatus(ctx, status)
		if err != nil {
			writeError(w, r, err)
			return
		}
		counts[string(status)] = len(instances)
	}

	orders, err := s.deps.Store.ListOrdersSince(ctx, time.Time{})
	if err != nil {
		writeError(w, r, err)
		return
	}
	var revenue int64
	var paid, pending int
	for _, o := range orders {
		switch o.Status {
		case model.OrderPaid:
			paid++
			revenue += o.Total
		case model.OrderPending:
			pending++
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"vps_by_status":  counts,
		"orders_total":   len(orders),
		"orders_paid":    paid,
		"orders_pending": pending,
		"revenue":        revenue,
	})
}

// handleDashboardAnalytics returns per-day order and revenue series over a
// trailing window (default 30 days).
func (s *Server) handleDashboardAnalytics(w http.ResponseWriter, r *http.Request) {
	days := 30
	if raw := r.URL.Query().Get("days"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 365 {
			days = parsed
		}
	}

	since := time.Now().AddDate(0, 0, -days)
	orders, err := s.deps.Store.ListOrdersSince(r.Context(), since)
	if err != nil {
		writeError(w, r, err)
		return
	}

	type dayStats struct {
		Orders  int   `json:"orders"`
		Paid    int   `json:"paid"`
		Revenue int64 `json:"revenue"`
	}
	byDay := map[string]*dayStats{}
	for _, o := range orders {
		day := o.CreatedAt.Format("2006-01-02")
		st, ok := byDay[day]
		if !ok {
			st = &dayStats{}
			byDay[day] = st
		}
		st.Orders++
		if o.Status == model.OrderPaid {
			st.Paid++
			st.Revenue += o.Total
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"window_days": days,
		"daily":       byDay,
	})
}
