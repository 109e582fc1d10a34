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

	"github.com/gorilla/mux"

	"github.com/vietstack/vpsd/internal/errdefs"
	"github.com/vietstack/vpsd/internal/model"
)

func vpsID(r *http.Request) (model.ID, error) {
	id, err := model.ParseID(mux.Vars(r)["id"])
	if err != nil {
		return model.ID{}, errdefs.NewInvalidArgument("malformed vps id")
	}
	return id, nil
}

func (s *Server) handleMyVPS(w http.ResponseWriter, r *http.Request) {
	instances, err := s.deps.VPS.List(r.Context(), userFrom(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, instances)
}

func (s *Server) handleVPSInfo(w http.ResponseWriter, r *http.Request) {
	id, err := vpsID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	info, err := s.deps.VPS.GetInfo(r.Context(), userFrom(r), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":           info.Instance.ID.String(),
		"status":       info.Instance.Status,
		"expires_at":   info.Instance.ExpiresAt,
		"auto_renew":   info.Instance.AutoRenew,
		"plan":         info.Plan,
		"hostname":     info.VM.Hostname,
		"ip_address":   info.VM.IPAddress,
		"username":     info.VM.Username,
		"power_status": info.LivePower,
	})
}

func (s *Server) handleVPSRrd(w http.ResponseWriter, r *http.Request) {
	id, err := vpsID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	data, err := s.deps.VPS.Rrd(r.Context(), userFrom(r), id, r.URL.Query().Get("timeframe"), r.URL.Query().Get("cf"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, data)
}

func (s *Server) handleVPSPower(w http.ResponseWriter, r *http.Request) {
	id, err := vpsID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req struct {
		Action string `json:"action"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.deps.VPS.Power(r.Context(), userFrom(r), id, req.Action); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "action applied"})
}

func (s *Server) handleVPSVNC(w http.ResponseWriter, r *http.Request) {
	id, err := vpsID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	console, err := s.deps.VPS.VNCConsole(r.Context(), userFrom(r), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"node":       console.Node,
		"vmid":       console.VMID,
		"port":       console.Port,
		"ticket":     console.Ticket,
		"password":   console.VNCPassword,
		"expires_in": console.ExpiresIn,
	})
}

func (s *Server) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	id, err := vpsID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	snaps, err := s.deps.VPS.ListSnapshots(r.Context(), userFrom(r), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snaps)
}

func (s *Server) handleCreateSnapshot(w http.ResponseWriter, r *http.Request) {
	id, err := vpsID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	snap, err := s.deps.VPS.CreateSnapshot(r.Context(), userFrom(r), id, req.Name, req.Description)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

func (s *Server) handleDeleteSnapshot(w http.ResponseWriter, r *http.Request) {
	id, err := vpsID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.deps.VPS.DeleteSnapshot(r.Context(), userFrom(r), id, mux.Vars(r)["name"]); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRollbackSnapshot(w http.ResponseWriter, r *http.Request) {
	id, err := vpsID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.deps.VPS.RollbackSnapshot(r.Context(), userFrom(r), id, mux.Vars(r)["name"]); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "rollback complete"})
}
