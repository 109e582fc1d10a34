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

// Package pvefake provides an in-memory Proxmox VE API server for testing
// the hypervisor adapter and everything layered on top of it without a real
// cluster.
package pvefake

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
)

// Server is a fake Proxmox VE API server.
type Server struct {
	router    *mux.Router
	vms       map[int]*VM
	tasks     map[string]*Task
	snapshots map[int][]*Snapshot
	nextVmid  int
	mu        sync.RWMutex
	config    *Config
}

// Config holds fake server behavior knobs.
type Config struct {
	// FailureMode can be "none", "random", "always"
	FailureMode string
	// FailureRate for random failures (0.0-1.0)
	FailureRate float64
	// TaskDelay simulates async task processing time. Zero completes tasks
	// on the first status poll.
	TaskDelay time.Duration
	// StopDelay delays the transition to stopped after a stop request,
	// exercising the caller's stop-verify polling.
	StopDelay time.Duration
	// GuestIPOnStart, when set, assigns this address and marks the guest
	// agent ready as soon as a VM starts.
	GuestIPOnStart string
}

// VM is a fake VM record.
type VM struct {
	VMID      int    `json:"vmid"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	Node      string `json:"node"`
	CPUs      int    `json:"cpus,omitempty"`
	Memory    int64  `json:"maxmem,omitempty"`
	Template  int    `json:"template,omitempty"`
	QMPStatus string `json:"qmpstatus,omitempty"`
	Lock      string `json:"lock,omitempty"`

	DiskSizeGB int       `json:"-"`
	CIUser     string    `json:"-"`
	CIPassword string    `json:"-"`
	IP         string    `json:"-"`
	MAC        string    `json:"-"`
	AgentReady bool      `json:"-"`
	StopAt     time.Time `json:"-"`
	CreatedAt  time.Time `json:"-"`
}

// Task is a fake task record.
type Task struct {
	UPID      string `json:"upid"`
	Type      string `json:"type"`
	Node      string `json:"node"`
	StartTime int64  `json:"starttime"`
	Status    string `json:"status"`
	ExitCode  string `json:"exitstatus,omitempty"`
	CreatedAt time.Time
}

// Snapshot is a fake snapshot record.
type Snapshot struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	SnapTime    int64  `json:"snaptime,omitempty"`
	Parent      string `json:"parent,omitempty"`
}

type apiResponse struct {
	Data   interface{} `json:"data"`
	Errors interface{} `json:"errors,omitempty"`
}

// NewServer creates a fake PVE server with a seeded template VM (vmid 9000)
// and one running VM (vmid 100).
func NewServer(config *Config) *Server {
	if config == nil {
		config = &Config{}
	}

	s := &Server{
		router:    mux.NewRouter(),
		vms:       make(map[int]*VM),
		tasks:     make(map[string]*Task),
		snapshots: make(map[int][]*Snapshot),
		nextVmid:  100,
		config:    config,
	}

	s.setupRoutes()
	s.seedData()

	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/api2/json/access/ticket", s.handleLogin).Methods("POST")

	api := s.router.PathPrefix("/api2/json").Subrouter()

	api.HandleFunc("/cluster/nextid", s.handleNextID).Methods("GET")
	api.HandleFunc("/nodes", s.handleListNodes).Methods("GET")
	api.HandleFunc("/nodes/{node}/storage", s.handleListStorages).Methods("GET")

	api.HandleFunc("/nodes/{node}/qemu/{vmid}", s.handleDeleteVM).Methods("DELETE")
	api.HandleFunc("/nodes/{node}/qemu/{vmid}/status/current", s.handleGetVM).Methods("GET")
	api.HandleFunc("/nodes/{node}/qemu/{vmid}/config", s.handleReconfigureVM).Methods("PUT")
	api.HandleFunc("/nodes/{node}/qemu/{vmid}/resize", s.handleResizeDisk).Methods("PUT")
	api.HandleFunc("/nodes/{node}/qemu/{vmid}/clone", s.handleCloneVM).Methods("POST")
	api.HandleFunc("/nodes/{node}/qemu/{vmid}/status/{action}", s.handlePowerOp).Methods("POST")

	api.HandleFunc("/nodes/{node}/tasks/{taskid}/status", s.handleGetTaskStatus).Methods("GET")

	api.HandleFunc("/nodes/{node}/qemu/{vmid}/snapshot", s.handleCreateSnapshot).Methods("POST")
	api.HandleFunc("/nodes/{node}/qemu/{vmid}/snapshot", s.handleListSnapshots).Methods("GET")
	api.HandleFunc("/nodes/{node}/qemu/{vmid}/snapshot/{snapname}", s.handleDeleteSnapshot).Methods("DELETE")
	api.HandleFunc("/nodes/{node}/qemu/{vmid}/snapshot/{snapname}/rollback", s.handleRollbackSnapshot).Methods("POST")

	api.HandleFunc("/nodes/{node}/qemu/{vmid}/agent/network-get-interfaces", s.handleAgentInterfaces).Methods("GET")
	api.HandleFunc("/nodes/{node}/qemu/{vmid}/vncproxy", s.handleVncProxy).Methods("POST")
	api.HandleFunc("/nodes/{node}/qemu/{vmid}/rrddata", s.handleRrd).Methods("GET")
}

func (s *Server) seedData() {
	s.vms[9000] = &VM{
		VMID:      9000,
		Name:      "ubuntu-2204-cloud",
		Status:    "stopped",
		Node:      "pve",
		Template:  1,
		QMPStatus: "stopped",
		CPUs:      1,
		Memory:    1024 * 1024 * 1024,
		CreatedAt: time.Now(),
	}

	s.vms[100] = &VM{
		VMID:       100,
		Name:       "seeded-vm",
		Status:     "running",
		Node:       "pve",
		CPUs:       2,
		Memory:     2048 * 1024 * 1024,
		QMPStatus:  "running",
		IP:         "10.0.10.100",
		MAC:        "BC:24:11:00:01:00",
		AgentReady: true,
		CreatedAt:  time.Now(),
	}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/api2/json/access/ticket" {
		if !s.authenticated(r) {
			s.writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
	}

	if s.shouldFail() {
		s.writeError(w, http.StatusInternalServerError, "simulated failure")
		return
	}

	s.router.ServeHTTP(w, r)
}

func (s *Server) authenticated(r *http.Request) bool {
	if r.Header.Get("Authorization") != "" {
		return true
	}
	if c, err := r.Cookie("PVEAuthCookie"); err == nil && c.Value != "" {
		return true
	}
	return false
}

func (s *Server) shouldFail() bool {
	switch s.config.FailureMode {
	case "always":
		return true
	case "random":
		return rand.Float64() < s.config.FailureRate
	default:
		return false
	}
}

// SetGuestAddress makes the guest agent report the given address for a VM.
func (s *Server) SetGuestAddress(vmid int, ip, mac string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if vm, ok := s.vms[vmid]; ok {
		vm.IP = ip
		vm.MAC = mac
		vm.AgentReady = true
	}
}

// GetVM returns a copy of a VM record, for test assertions.
func (s *Server) GetVM(vmid int) (VM, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	vm, ok := s.vms[vmid]
	if !ok {
		return VM{}, false
	}
	return *vm, true
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid form data")
		return
	}
	if r.FormValue("username") == "" || r.FormValue("password") == "" {
		s.writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	s.writeResponse(w, map[string]string{
		"ticket":              fmt.Sprintf("PVE:%s:%08X", r.FormValue("username"), rand.Int31()),
		"CSRFPreventionToken": fmt.Sprintf("%08X:token", rand.Int31()),
	})
}

func (s *Server) handleNextID(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		s.nextVmid++
		if _, taken := s.vms[s.nextVmid]; !taken {
			break
		}
	}
	s.writeResponse(w, strconv.Itoa(s.nextVmid))
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	s.writeResponse(w, []map[string]interface{}{
		{
			"node":   "pve",
			"status": "online",
			"cpu":    0.05,
			"maxcpu": 16,
			"mem":    int64(8) << 30,
			"maxmem": int64(64) << 30,
		},
	})
}

func (s *Server) handleListStorages(w http.ResponseWriter, r *http.Request) {
	s.writeResponse(w, []map[string]interface{}{
		{
			"storage": "local-lvm",
			"type":    "lvmthin",
			"active":  1,
			"total":   int64(500) << 30,
			"used":    int64(120) << 30,
			"avail":   int64(380) << 30,
		},
	})
}

func (s *Server) vmidFromRequest(w http.ResponseWriter, r *http.Request) (int, bool) {
	vmid, err := strconv.Atoi(mux.Vars(r)["vmid"])
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid vmid")
		return 0, false
	}
	return vmid, true
}

func (s *Server) handleGetVM(w http.ResponseWriter, r *http.Request) {
	vmid, ok := s.vmidFromRequest(w, r)
	if !ok {
		return
	}

	s.mu.Lock()
	vm, exists := s.vms[vmid]
	if exists && vm.Status == "stopping" && time.Now().After(vm.StopAt) {
		vm.Status = "stopped"
		vm.QMPStatus = "stopped"
	}
	var copied VM
	if exists {
		copied = *vm
	}
	s.mu.Unlock()

	if !exists {
		s.writeError(w, http.StatusNotFound, "vm not found")
		return
	}
	// "stopping" is internal bookkeeping; PVE reports running until the
	// guest is actually down.
	if copied.Status == "stopping" {
		copied.Status = "running"
	}
	s.writeResponse(w, copied)
}

func (s *Server) handleCloneVM(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	node := vars["node"]
	sourceVmid, ok := s.vmidFromRequest(w, r)
	if !ok {
		return
	}

	if err := r.ParseForm(); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid form data")
		return
	}

	newVmid, err := strconv.Atoi(r.FormValue("newid"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid newid")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	source, exists := s.vms[sourceVmid]
	if !exists {
		s.writeError(w, http.StatusNotFound, "source vm not found")
		return
	}
	if _, exists := s.vms[newVmid]; exists {
		s.writeError(w, http.StatusInternalServerError, "config file already exists")
		return
	}

	s.vms[newVmid] = &VM{
		VMID:      newVmid,
		Name:      r.FormValue("name"),
		Status:    "stopped",
		Node:      node,
		CPUs:      source.CPUs,
		Memory:    source.Memory,
		QMPStatus: "stopped",
		MAC:       fmt.Sprintf("BC:24:11:%02X:%02X:%02X", rand.Intn(256), rand.Intn(256), rand.Intn(256)),
		CreatedAt: time.Now(),
	}

	s.writeResponse(w, s.createTask(node, "qmclone"))
}

func (s *Server) handleDeleteVM(w http.ResponseWriter, r *http.Request) {
	node := mux.Vars(r)["node"]
	vmid, ok := s.vmidFromRequest(w, r)
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	vm, exists := s.vms[vmid]
	if !exists {
		s.writeError(w, http.StatusNotFound, "vm not found")
		return
	}
	if vm.Status != "stopped" {
		s.writeError(w, http.StatusInternalServerError, "vm is running, wrong status")
		return
	}

	delete(s.vms, vmid)
	delete(s.snapshots, vmid)

	s.writeResponse(w, s.createTask(node, "qmdestroy"))
}

func (s *Server) handlePowerOp(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	node := vars["node"]
	action := vars["action"]
	vmid, ok := s.vmidFromRequest(w, r)
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	vm, exists := s.vms[vmid]
	if !exists {
		s.writeError(w, http.StatusNotFound, "vm not found")
		return
	}

	switch action {
	case "start", "resume":
		vm.Status = "running"
		vm.QMPStatus = "running"
		if s.config.GuestIPOnStart != "" && vm.IP == "" {
			vm.IP = s.config.GuestIPOnStart
			vm.AgentReady = true
		}
	case "stop", "shutdown":
		if s.config.StopDelay > 0 {
			vm.Status = "stopping"
			vm.StopAt = time.Now().Add(s.config.StopDelay)
		} else {
			vm.Status = "stopped"
			vm.QMPStatus = "stopped"
		}
	case "suspend":
		vm.Status = "running"
		vm.QMPStatus = "paused"
	case "reboot", "reset":
		vm.Status = "running"
		vm.QMPStatus = "running"
	default:
		s.writeError(w, http.StatusBadRequest, "unknown power action")
		return
	}

	s.writeResponse(w, s.createTask(node, "qm"+action))
}

func (s *Server) handleGetTaskStatus(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["taskid"]

	s.mu.Lock()
	task, exists := s.tasks[taskID]
	if exists && task.Status == "running" && time.Since(task.CreatedAt) >= s.config.TaskDelay {
		task.Status = "stopped"
		task.ExitCode = "OK"
	}
	var copied Task
	if exists {
		copied = *task
	}
	s.mu.Unlock()

	if !exists {
		s.writeError(w, http.StatusNotFound, "task not found")
		return
	}
	s.writeResponse(w, copied)
}

func (s *Server) handleReconfigureVM(w http.ResponseWriter, r *http.Request) {
	vmid, ok := s.vmidFromRequest(w, r)
	if !ok {
		return
	}
	if err := r.ParseForm(); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid form data")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	vm, exists := s.vms[vmid]
	if !exists {
		s.writeError(w, http.StatusNotFound, "vm not found")
		return
	}

	if cores := r.FormValue("cores"); cores != "" {
		if c, err := strconv.Atoi(cores); err == nil {
			vm.CPUs = c
		}
	}
	if memory := r.FormValue("memory"); memory != "" {
		if m, err := strconv.ParseInt(memory, 10, 64); err == nil {
			vm.Memory = m * 1024 * 1024
		}
	}
	if user := r.FormValue("ciuser"); user != "" {
		vm.CIUser = user
	}
	if password := r.FormValue("cipassword"); password != "" {
		vm.CIPassword = password
	}

	s.writeResponse(w, nil)
}

func (s *Server) handleResizeDisk(w http.ResponseWriter, r *http.Request) {
	vmid, ok := s.vmidFromRequest(w, r)
	if !ok {
		return
	}
	if err := r.ParseForm(); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid form data")
		return
	}

	disk := r.FormValue("disk")
	size := r.FormValue("size")
	if disk == "" || size == "" {
		s.writeError(w, http.StatusBadRequest, "disk and size required")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	vm, exists := s.vms[vmid]
	if !exists {
		s.writeError(w, http.StatusNotFound, "vm not found")
		return
	}

	if gb, err := strconv.Atoi(size[:len(size)-1]); err == nil {
		if gb < vm.DiskSizeGB {
			s.writeError(w, http.StatusInternalServerError, "shrinking is not supported")
			return
		}
		vm.DiskSizeGB = gb
	}

	s.writeResponse(w, nil)
}

func (s *Server) handleCreateSnapshot(w http.ResponseWriter, r *http.Request) {
	node := mux.Vars(r)["node"]
	vmid, ok := s.vmidFromRequest(w, r)
	if !ok {
		return
	}
	if err := r.ParseForm(); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid form data")
		return
	}

	snapName := r.FormValue("snapname")
	if snapName == "" {
		s.writeError(w, http.StatusBadRequest, "snapshot name required")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.vms[vmid]; !exists {
		s.writeError(w, http.StatusNotFound, "vm not found")
		return
	}
	for _, snap := range s.snapshots[vmid] {
		if snap.Name == snapName {
			s.writeError(w, http.StatusInternalServerError, "snapshot name already exists")
			return
		}
	}

	s.snapshots[vmid] = append(s.snapshots[vmid], &Snapshot{
		Name:        snapName,
		Description: r.FormValue("description"),
		SnapTime:    time.Now().Unix(),
	})

	s.writeResponse(w, s.createTask(node, "qmsnapshot"))
}

func (s *Server) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	vmid, ok := s.vmidFromRequest(w, r)
	if !ok {
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.vms[vmid]; !exists {
		s.writeError(w, http.StatusNotFound, "vm not found")
		return
	}

	list := make([]*Snapshot, 0, len(s.snapshots[vmid])+1)
	list = append(list, s.snapshots[vmid]...)
	// PVE always reports the live state as a synthetic entry.
	list = append(list, &Snapshot{Name: "current", Description: "You are here!"})

	s.writeResponse(w, list)
}

func (s *Server) handleDeleteSnapshot(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	node := vars["node"]
	snapName := vars["snapname"]
	vmid, ok := s.vmidFromRequest(w, r)
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.vms[vmid]; !exists {
		s.writeError(w, http.StatusNotFound, "vm not found")
		return
	}

	snaps := s.snapshots[vmid]
	found := false
	for i, snap := range snaps {
		if snap.Name == snapName {
			s.snapshots[vmid] = append(snaps[:i], snaps[i+1:]...)
			found = true
			break
		}
	}
	if !found {
		s.writeError(w, http.StatusNotFound, "snapshot not found")
		return
	}

	s.writeResponse(w, s.createTask(node, "qmdelsnapshot"))
}

func (s *Server) handleRollbackSnapshot(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	node := vars["node"]
	snapName := vars["snapname"]
	vmid, ok := s.vmidFromRequest(w, r)
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.vms[vmid]; !exists {
		s.writeError(w, http.StatusNotFound, "vm not found")
		return
	}

	found := false
	for _, snap := range s.snapshots[vmid] {
		if snap.Name == snapName {
			found = true
			break
		}
	}
	if !found {
		s.writeError(w, http.StatusNotFound, "snapshot not found")
		return
	}

	s.writeResponse(w, s.createTask(node, "qmrollback"))
}

func (s *Server) handleAgentInterfaces(w http.ResponseWriter, r *http.Request) {
	vmid, ok := s.vmidFromRequest(w, r)
	if !ok {
		return
	}

	s.mu.RLock()
	vm, exists := s.vms[vmid]
	var copied VM
	if exists {
		copied = *vm
	}
	s.mu.RUnlock()

	if !exists {
		s.writeError(w, http.StatusNotFound, "vm not found")
		return
	}
	if !copied.AgentReady || copied.Status != "running" {
		s.writeError(w, http.StatusInternalServerError, "QEMU guest agent is not running")
		return
	}

	ifaces := []map[string]interface{}{
		{
			"name":             "lo",
			"hardware-address": "00:00:00:00:00:00",
			"ip-addresses": []map[string]interface{}{
				{"ip-address-type": "ipv4", "ip-address": "127.0.0.1", "prefix": 8},
			},
		},
		{
			"name":             "eth0",
			"hardware-address": copied.MAC,
			"ip-addresses": []map[string]interface{}{
				{"ip-address-type": "ipv4", "ip-address": copied.IP, "prefix": 24},
				{"ip-address-type": "ipv4", "ip-address": "169.254.13.37", "prefix": 16},
				{"ip-address-type": "ipv6", "ip-address": "fe80::be24:11ff:fe00:100", "prefix": 64},
			},
		},
	}

	s.writeResponse(w, map[string]interface{}{"result": ifaces})
}

func (s *Server) handleVncProxy(w http.ResponseWriter, r *http.Request) {
	vmid, ok := s.vmidFromRequest(w, r)
	if !ok {
		return
	}

	s.mu.RLock()
	vm, exists := s.vms[vmid]
	var status string
	if exists {
		status = vm.Status
	}
	s.mu.RUnlock()

	if !exists {
		s.writeError(w, http.StatusNotFound, "vm not found")
		return
	}
	if status != "running" {
		s.writeError(w, http.StatusInternalServerError, "vm is not running")
		return
	}

	s.writeResponse(w, map[string]interface{}{
		"port":   strconv.Itoa(5900 + vmid%100),
		"ticket": fmt.Sprintf("PVEVNC:%08X", rand.Int31()),
	})
}

func (s *Server) handleRrd(w http.ResponseWriter, r *http.Request) {
	vmid, ok := s.vmidFromRequest(w, r)
	if !ok {
		return
	}

	s.mu.RLock()
	_, exists := s.vms[vmid]
	s.mu.RUnlock()

	if !exists {
		s.writeError(w, http.StatusNotFound, "vm not found")
		return
	}

	now := time.Now().Unix()
	points := make([]map[string]interface{}, 0, 10)
	for i := 9; i >= 0; i-- {
		points = append(points, map[string]interface{}{
			"time":   now - int64(i)*60,
			"cpu":    rand.Float64() * 0.5,
			"mem":    float64(rand.Int63n(2 << 30)),
			"maxmem": float64(int64(2) << 30),
			"netin":  rand.Float64() * 1e6,
			"netout": rand.Float64() * 1e6,
		})
	}

	s.writeResponse(w, points)
}

func (s *Server) createTask(node, taskType string) string {
	timestamp := time.Now().Unix()
	upid := fmt.Sprintf("UPID:%s:%08X:%08X:%08X:%s:100:root@pam:",
		node, rand.Intn(99999), rand.Intn(99999999), timestamp, taskType)

	s.tasks[upid] = &Task{
		UPID:      upid,
		Type:      taskType,
		Node:      node,
		StartTime: timestamp,
		Status:    "running",
		CreatedAt: time.Now(),
	}
	return upid
}

func (s *Server) writeResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(apiResponse{Data: data})
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(apiResponse{
		Errors: map[string]string{"error": message},
	})
}

// Start runs the fake server on a random localhost port and returns the
// endpoint URL plus a shutdown func.
func Start() (*Server, string, func(), error) {
	server := NewServer(nil)
	return serve(server)
}

// StartWith runs a fake server with the given config.
func StartWith(config *Config) (*Server, string, func(), error) {
	server := NewServer(config)
	return serve(server)
}

func serve(server *Server) (*Server, string, func(), error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, "", nil, fmt.Errorf("failed to start fake server: %w", err)
	}

	endpoint := fmt.Sprintf("http://%s", listener.Addr().String())
	httpServer := &http.Server{Handler: server}

	go httpServer.Serve(listener) //nolint:errcheck

	stop := func() { _ = httpServer.Close() }
	return server, endpoint, stop, nil
}
