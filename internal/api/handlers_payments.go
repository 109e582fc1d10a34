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
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/vietstack/vpsd/internal/errdefs"
	"github.com/vietstack/vpsd/internal/model"
	"github.com/vietstack/vpsd/internal/obs/logging"
)

func (s *Server) handleCreatePayment(w http.ResponseWriter, r *http.Request) {
	gateway, ok := parseGateway(mux.Vars(r)["gateway"])
	if !ok {
		writeError(w, r, errdefs.NewNotFound("unknown payment gateway"))
		return
	}
	var req struct {
		OrderNumber string `json:"order_number"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	resp, err := s.deps.Payments.CreatePayment(r.Context(), userFrom(r).ID, gateway,
		req.OrderNumber, clientIP(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"pay_url": resp.PayURL})
}

// handleMoMoReturn lands the user after paying. The signature is verified
// and the outcome is reported, but the authoritative state change happens
// on the IPN path.
func (s *Server) handleMoMoReturn(w http.ResponseWriter, r *http.Request) {
	params := flattenQuery(r)
	result, err := s.deps.Payments.VerifyCallback(r.Context(), model.MethodMoMo, params)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"valid":      result.Valid,
		"success":    result.Valid && result.Success,
		"order":      result.OrderNumber,
		"resultCode": params["resultCode"],
		"message":    params["message"],
	})
}

// handleMoMoNotify is the server-to-server IPN. The gateway sends JSON
// with numeric fields; values are flattened to strings before signature
// verification. The acknowledgment echoes the received resultCode with
// HTTP 200 regardless of business outcome, so the gateway stops retrying
// even on a replay.
func (s *Server) handleMoMoNotify(w http.ResponseWriter, r *http.Request) {
	var raw map[string]interface{}
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		writeError(w, r, errdefs.NewInvalidArgument("malformed notify body: %v", err))
		return
	}

	params := make(map[string]string, len(raw))
	for k, v := range raw {
		switch t := v.(type) {
		case string:
			params[k] = t
		case json.Number:
			params[k] = t.String()
		case bool:
			if t {
				params[k] = "true"
			} else {
				params[k] = "false"
			}
		}
	}

	result, err := s.deps.Payments.VerifyCallback(r.Context(), model.MethodMoMo, params)
	if err != nil {
		logging.FromContext(r.Context()).Error(err, "momo notify processing failed")
	} else if !result.Valid {
		logging.FromContext(r.Context()).Info("momo notify with invalid signature dropped")
	}

	code := 0
	if parsed, convErr := strconv.Atoi(params["resultCode"]); convErr == nil {
		code = parsed
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"partnerCode": params["partnerCode"],
		"orderId":     params["orderId"],
		"resultCode":  code,
		"message":     params["message"],
	})
}

func (s *Server) handleVNPayReturn(w http.ResponseWriter, r *http.Request) {
	result, err := s.deps.Payments.VerifyCallback(r.Context(), model.MethodVNPay, flattenQuery(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"valid":   result.Valid,
		"success": result.Valid && result.Success,
		"order":   result.OrderNumber,
		"code":    result.Code,
	})
}

// handleVNPayIPN answers in the gateway's RspCode dialect. The HTTP status
// is always 200; the code carries the verdict.
func (s *Server) handleVNPayIPN(w http.ResponseWriter, r *http.Request) {
	result, err := s.deps.Payments.VerifyCallback(r.Context(), model.MethodVNPay, flattenQuery(r))
	switch {
	case err != nil && errdefs.IsKind(err, errdefs.KindNotFound):
		writeJSON(w, http.StatusOK, map[string]string{"RspCode": "01", "Message": "Order not found"})
	case err != nil:
		logging.FromContext(r.Context()).Error(err, "vnpay ipn processing failed")
		writeJSON(w, http.StatusOK, map[string]string{"RspCode": "99", "Message": "Unknown error"})
	case !result.Valid:
		writeJSON(w, http.StatusOK, map[string]string{"RspCode": "97", "Message": "Invalid signature"})
	default:
		writeJSON(w, http.StatusOK, map[string]string{"RspCode": "00", "Message": "Confirm Success"})
	}
}

// flattenQuery keeps the first value of each query parameter, which is all
// either gateway ever sends.
func flattenQuery(r *http.Request) map[string]string {
	query := r.URL.Query()
	params := make(map[string]string, len(query))
	for k, vs := range query {
		if len(vs) > 0 {
			params[k] = vs[0]
		}
	}
	return params
}
