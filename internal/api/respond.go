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
	"errors"
	"net/http"

	"github.com/vietstack/vpsd/internal/errdefs"
	"github.com/vietstack/vpsd/internal/obs/logging"
)

type errorBody struct {
	Error         string `json:"error"`
	Kind          string `json:"kind"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// writeError maps a service error to its status code. Internal causes are
// logged but never serialized to the client.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var e *errdefs.Error
	if !errors.As(err, &e) {
		e = errdefs.NewInternal("internal error", err)
	}

	status := e.HTTPStatus()
	if status >= http.StatusInternalServerError {
		logging.FromContext(r.Context()).Error(err, "request failed",
			"method", r.Method, "path", r.URL.Path)
	}

	body := errorBody{Error: e.Message, Kind: string(e.Kind)}
	if status >= http.StatusInternalServerError {
		body.Error = "internal error"
		body.CorrelationID = logging.CorrelationID(r.Context())
	}
	writeJSON(w, status, body)
}

// decodeJSON decodes a request body, rejecting unknown garbage early.
func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return errdefs.NewInvalidArgument("malformed request body: %v", err)
	}
	return nil
}
