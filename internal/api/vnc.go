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
	"crypto/tls"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/vietstack/vpsd/internal/obs/logging"
)

var vncUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The browser console runs on a different origin than the API.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleVNCProxy bridges the browser's websocket to the hypervisor's VNC
// websocket. The caller supplies a short-lived VNC ticket minted by the
// console endpoint plus its API auth ticket; the proxy only moves frames.
func (s *Server) handleVNCProxy(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	node := q.Get("node")
	vmid := q.Get("vmid")
	port := q.Get("port")
	ticket := q.Get("ticket")
	authTicket := q.Get("authticket")
	if node == "" || vmid == "" || port == "" || ticket == "" {
		http.Error(w, "node, vmid, port and ticket are required", http.StatusBadRequest)
		return
	}

	log := logging.FromContext(r.Context()).WithValues("node", node, "vmid", vmid)

	upstream := fmt.Sprintf("%s/api2/json/nodes/%s/qemu/%s/vncwebsocket?port=%s&vncticket=%s",
		strings.Replace(strings.Replace(s.deps.VNCUpstream, "https://", "wss://", 1), "http://", "ws://", 1),
		url.PathEscape(node), url.PathEscape(vmid), url.QueryEscape(port), url.QueryEscape(ticket))

	dialer := websocket.Dialer{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: !s.deps.VNCVerifyTLS}, //nolint:gosec
		Subprotocols:    []string{"binary"},
	}
	header := http.Header{}
	if authTicket != "" {
		header.Set("Cookie", "PVEAuthCookie="+authTicket)
	}

	hvConn, resp, err := dialer.Dial(upstream, header)
	if err != nil {
		log.Error(err, "failed to dial hypervisor vnc websocket")
		status := http.StatusBadGateway
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			status = http.StatusUnauthorized
		}
		http.Error(w, "vnc upstream unavailable", status)
		return
	}
	defer hvConn.Close()

	clientConn, err := vncUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error(err, "failed to upgrade client connection")
		return
	}
	defer clientConn.Close()

	// Both directions pump until either side drops; the first error tears
	// down both connections.
	var once sync.Once
	done := make(chan struct{})
	closeBoth := func() {
		once.Do(func() {
			_ = clientConn.Close()
			_ = hvConn.Close()
			close(done)
		})
	}

	go pumpFrames(clientConn, hvConn, closeBoth)
	go pumpFrames(hvConn, clientConn, closeBoth)
	<-done

	log.Info("vnc session closed")
}

func pumpFrames(src, dst *websocket.Conn, teardown func()) {
	defer teardown()
	for {
		msgType, payload, err := src.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		if err := dst.WriteMessage(msgType, payload); err != nil {
			return
		}
	}
}
