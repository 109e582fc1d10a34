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

// Package api is the HTTP boundary of the control plane: routing,
// authentication middleware, request decoding, and the mapping from
// service errors to status codes. Handlers stay thin; all decisions live
// in the services.
package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vietstack/vpsd/internal/auth"
	"github.com/vietstack/vpsd/internal/model"
	"github.com/vietstack/vpsd/internal/order"
	"github.com/vietstack/vpsd/internal/payment"
	"github.com/vietstack/vpsd/internal/provision"
	"github.com/vietstack/vpsd/internal/store"
	"github.com/vietstack/vpsd/internal/vps"
)

// Deps collects everything the HTTP layer delegates to.
type Deps struct {
	Store    store.Store
	Auth     *auth.Service
	Orders   *order.Service
	Payments *payment.Service
	Prov     *provision.Coordinator
	VPS      *vps.Service

	// VNCUpstream is the hypervisor base URL the websocket proxy dials.
	VNCUpstream string
	// VNCVerifyTLS controls certificate verification on that dial.
	VNCVerifyTLS bool
}

// Server is the HTTP API.
type Server struct {
	deps   Deps
	router *mux.Router
}

// New builds the router. The returned server is an http.Handler.
func New(deps Deps) *Server {
	s := &Server{deps: deps}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := mux.NewRouter()
	r.Use(s.correlationMiddleware, s.metricsMiddleware)

	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)

	r.HandleFunc("/vnc/ws", s.handleVNCProxy).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()

	// Account endpoints, no token required.
	ar := api.PathPrefix("/auth").Subrouter()
	ar.HandleFunc("/register", s.handleRegister).Methods(http.MethodPost)
	ar.HandleFunc("/login", s.handleLogin).Methods(http.MethodPost)
	ar.HandleFunc("/verify-email", s.handleVerifyEmail).Methods(http.MethodPost)
	ar.HandleFunc("/forgot-password", s.handleForgotPassword).Methods(http.MethodPost)
	ar.HandleFunc("/reset-password", s.handleResetPassword).Methods(http.MethodPost)
	ar.HandleFunc("/refresh-token", s.handleRefreshToken).Methods(http.MethodPost)
	ar.HandleFunc("/logout", s.handleLogout).Methods(http.MethodPost)

	// Catalog is public.
	api.HandleFunc("/plans", s.handleListPlans).Methods(http.MethodGet)
	api.HandleFunc("/plans/{id}", s.handleGetPlan).Methods(http.MethodGet)
	api.HandleFunc("/templates", s.handleListTemplates).Methods(http.MethodGet)

	// Gateway callbacks authenticate by signature, not by token.
	api.HandleFunc("/payments/momo/return", s.handleMoMoReturn).Methods(http.MethodGet)
	api.HandleFunc("/payments/momo/notify", s.handleMoMoNotify).Methods(http.MethodPost)
	api.HandleFunc("/payments/vnpay/return", s.handleVNPayReturn).Methods(http.MethodGet)
	api.HandleFunc("/payments/vnpay/ipn", s.handleVNPayIPN).Methods(http.MethodGet, http.MethodPost)

	// Everything below requires a logged-in user.
	ur := api.NewRoute().Subrouter()
	ur.Use(s.requireUser)

	ur.HandleFunc("/cart", s.handleAddCartItem).Methods(http.MethodPost)
	ur.HandleFunc("/cart", s.handleListCart).Methods(http.MethodGet)
	ur.HandleFunc("/cart", s.handleClearCart).Methods(http.MethodDelete)
	ur.HandleFunc("/cart/{id}", s.handleDeleteCartItem).Methods(http.MethodDelete)

	ur.HandleFunc("/orders", s.handleListOrders).Methods(http.MethodGet)
	ur.HandleFunc("/orders/checkout", s.handleCheckout).Methods(http.MethodPost)
	ur.HandleFunc("/orders/{number}", s.handleGetOrder).Methods(http.MethodGet)

	ur.HandleFunc("/payments/{gateway}/create", s.handleCreatePayment).Methods(http.MethodPost)
	ur.HandleFunc("/payments/{gateway}/repay", s.handleCreatePayment).Methods(http.MethodPost)

	ur.HandleFunc("/vps/setup", s.handleVPSSetup).Methods(http.MethodPost)
	ur.HandleFunc("/vps/my-vps", s.handleMyVPS).Methods(http.MethodGet)
	ur.HandleFunc("/vps/{id}/info", s.handleVPSInfo).Methods(http.MethodGet)
	ur.HandleFunc("/vps/{id}/rrd", s.handleVPSRrd).Methods(http.MethodGet)
	ur.HandleFunc("/vps/{id}/power", s.handleVPSPower).Methods(http.MethodPost)
	ur.HandleFunc("/vps/{id}/vnc", s.handleVPSVNC).Methods(http.MethodGet)
	ur.HandleFunc("/vps/{id}/snapshots", s.handleListSnapshots).Methods(http.MethodGet)
	ur.HandleFunc("/vps/{id}/snapshots", s.handleCreateSnapshot).Methods(http.MethodPost)
	ur.HandleFunc("/vps/{id}/snapshots/{name}", s.handleDeleteSnapshot).Methods(http.MethodDelete)
	ur.HandleFunc("/vps/{id}/snapshots/{name}/rollback", s.handleRollbackSnapshot).Methods(http.MethodPost)

	// Admin surface.
	adm := api.PathPrefix("/admin").Subrouter()
	adm.Use(s.requireUser, s.requireAdmin)
	adm.HandleFunc("/dashboard/stats", s.handleDashboardStats).Methods(http.MethodGet)
	adm.HandleFunc("/dashboard/analytics", s.handleDashboardAnalytics).Methods(http.MethodGet)
	adm.HandleFunc("/orders/{number}/cancel", s.handleCancelOrder).Methods(http.MethodPost)

	s.router = r
}

func parseGateway(raw string) (model.PaymentMethod, bool) {
	switch model.PaymentMethod(raw) {
	case model.MethodMoMo:
		return model.MethodMoMo, true
	case model.MethodVNPay:
		return model.MethodVNPay, true
	}
	return "", false
}
