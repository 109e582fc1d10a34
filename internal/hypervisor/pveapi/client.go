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

// Package pveapi implements the hypervisor adapter: typed operations over a
// Proxmox-compatible cluster API. It is the only package that talks to the
// hypervisor. Write operations are submit-then-poll: they return a task
// handle (UPID) which callers resolve through WaitForTask.
package pveapi

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/vietstack/vpsd/internal/errdefs"
	"github.com/vietstack/vpsd/internal/obs/metrics"
	"github.com/vietstack/vpsd/internal/resilience"
)

// Config holds the PVE API client configuration. TLS verification is driven
// by the cluster record, never hardcoded: self-signed clusters set
// VerifyTLS=false.
type Config struct {
	Endpoint         string
	TokenID          string
	TokenSecret      string
	Username         string
	Password         string
	VerifyTLS        bool
	RequestTimeout   time.Duration
	TaskPollInterval time.Duration
	TaskTimeout      time.Duration
	StopPollAttempts int
	StopPollInterval time.Duration
	// Retry overrides the read-path retry policy. Nil means defaults.
	Retry *resilience.RetryConfig
}

// Client is a Proxmox VE API client. One client is shared per (host, user)
// pair; all methods are safe for concurrent use.
type Client struct {
	config     *Config
	httpClient *http.Client
	baseURL    *url.URL
	readPolicy *resilience.Policy

	authMu     sync.Mutex
	ticket     string
	csrfToken  string
	ticketTime time.Time
}

// PVE login tickets are valid for two hours; refresh well before that.
const ticketLifetime = 90 * time.Minute

// NewClient creates a new PVE API client.
func NewClient(config *Config) (*Client, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint is required")
	}

	baseURL, err := url.Parse(config.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint URL: %w", err)
	}

	if config.RequestTimeout == 0 {
		config.RequestTimeout = 30 * time.Second
	}
	if config.TaskPollInterval == 0 {
		config.TaskPollInterval = 2 * time.Second
	}
	if config.TaskTimeout == 0 {
		config.TaskTimeout = 5 * time.Minute
	}
	if config.StopPollAttempts == 0 {
		config.StopPollAttempts = 10
	}
	if config.StopPollInterval == 0 {
		config.StopPollInterval = 30 * time.Second
	}

	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: !config.VerifyTLS,
		},
	}

	httpClient := &http.Client{
		Transport: transport,
		Timeout:   config.RequestTimeout,
	}

	breaker := resilience.NewCircuitBreaker("pveapi", nil)

	return &Client{
		config:     config,
		httpClient: httpClient,
		baseURL:    baseURL,
		readPolicy: resilience.NewPolicy("pveapi-read", config.Retry, breaker),
	}, nil
}

// Config returns the client configuration.
func (c *Client) Config() *Config {
	return c.config
}

// VM represents a Proxmox VE virtual machine status record.
type VM struct {
	VMID      int     `json:"vmid"`
	Name      string  `json:"name"`
	Status    string  `json:"status"`
	Node      string  `json:"node"`
	CPUs      int     `json:"cpus,omitempty"`
	CPUUsage  float64 `json:"cpu,omitempty"`
	Memory    int64   `json:"maxmem,omitempty"`
	MemUsed   int64   `json:"mem,omitempty"`
	Uptime    int64   `json:"uptime,omitempty"`
	Template  int     `json:"template,omitempty"`
	QMPStatus string  `json:"qmpstatus,omitempty"`
	Lock      string  `json:"lock,omitempty"`
}

// Task represents a PVE task status record.
type Task struct {
	UPID       string  `json:"upid"`
	Type       string  `json:"type"`
	Node       string  `json:"node"`
	StartTime  int64   `json:"starttime"`
	Status     string  `json:"status"`
	ExitStatus *string `json:"exitstatus,omitempty"`
}

// Done reports whether the task reached a terminal state.
func (t *Task) Done() bool { return t.Status == "stopped" }

// Failed reports whether a finished task exited with an error.
func (t *Task) Failed() bool {
	return t.Done() && t.ExitStatus != nil && *t.ExitStatus != "OK"
}

// Snapshot represents a VM snapshot as the hypervisor reports it. The
// listing includes a synthetic "current" entry for the live state.
type Snapshot struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	SnapTime    int64  `json:"snaptime,omitempty"`
	VMState     int    `json:"vmstate,omitempty"`
	Parent      string `json:"parent,omitempty"`
}

// GuestAddress is one IPv4 address reported by the guest agent.
type GuestAddress struct {
	IP  string
	MAC string
}

// VNCTicket is a short-lived VNC console grant.
type VNCTicket struct {
	Port      int
	Ticket    string
	ExpiresIn int // seconds
}

// NodeStatus is one cluster node as reported by /nodes.
type NodeStatus struct {
	Node   string  `json:"node"`
	Status string  `json:"status"`
	CPU    float64 `json:"cpu,omitempty"`
	MaxCPU int     `json:"maxcpu,omitempty"`
	Mem    int64   `json:"mem,omitempty"`
	MaxMem int64   `json:"maxmem,omitempty"`
}

// StorageStatus is one datastore as reported by /nodes/{node}/storage.
type StorageStatus struct {
	Storage string `json:"storage"`
	Type    string `json:"type"`
	Active  int    `json:"active,omitempty"`
	Total   int64  `json:"total,omitempty"`
	Used    int64  `json:"used,omitempty"`
	Avail   int64  `json:"avail,omitempty"`
	Shared  int    `json:"shared,omitempty"`
}

// PowerAction is a power operation accepted by the hypervisor.
type PowerAction string

const (
	PowerStart    PowerAction = "start"
	PowerStop     PowerAction = "stop"
	PowerShutdown PowerAction = "shutdown"
	PowerReboot   PowerAction = "reboot"
	PowerReset    PowerAction = "reset"
	PowerSuspend  PowerAction = "suspend"
	PowerResume   PowerAction = "resume"
)

// ParsePowerAction validates a wire-level action name.
func ParsePowerAction(s string) (PowerAction, error) {
	switch PowerAction(s) {
	case PowerStart, PowerStop, PowerShutdown, PowerReboot, PowerReset, PowerSuspend, PowerResume:
		return PowerAction(s), nil
	}
	return "", errdefs.NewInvalidArgument("unsupported power action %q", s)
}

// apiResponse represents a generic PVE API response envelope.
type apiResponse struct {
	Data   interface{} `json:"data"`
	Errors interface{} `json:"errors,omitempty"`
}

// login obtains an auth ticket and CSRF token using username/password.
func (c *Client) login(ctx context.Context) error {
	values := url.Values{}
	values.Set("username", c.config.Username)
	values.Set("password", c.config.Password)

	reqURL := c.baseURL.ResolveReference(&url.URL{Path: "/api2/json/access/ticket"})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL.String(), strings.NewReader(values.Encode()))
	if err != nil {
		return errdefs.NewInternal("failed to create login request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errdefs.NewUpstreamUnavailable("hypervisor login failed", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode == 401 {
		return errdefs.NewUnauthenticated("hypervisor rejected credentials for %s", c.config.Username)
	}
	if resp.StatusCode != 200 {
		return errdefs.NewUpstreamUnavailable(fmt.Sprintf("login returned status %d", resp.StatusCode), nil)
	}

	var payload struct {
		Data struct {
			Ticket    string `json:"ticket"`
			CSRFToken string `json:"CSRFPreventionToken"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return errdefs.NewUpstreamUnavailable("failed to decode login response", err)
	}

	c.ticket = payload.Data.Ticket
	c.csrfToken = payload.Data.CSRFToken
	c.ticketTime = time.Now()
	return nil
}

// ensureAuth refreshes the login ticket when password auth is in use.
func (c *Client) ensureAuth(ctx context.Context) error {
	if c.config.TokenID != "" && c.config.TokenSecret != "" {
		return nil // stateless token auth
	}

	c.authMu.Lock()
	defer c.authMu.Unlock()

	if c.ticket != "" && time.Since(c.ticketTime) < ticketLifetime {
		return nil
	}
	return c.login(ctx)
}

// request makes an HTTP request to the PVE API.
func (c *Client) request(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	if err := c.ensureAuth(ctx); err != nil {
		return nil, err
	}

	var reqBody io.Reader
	if body != nil {
		if data, ok := body.(url.Values); ok {
			reqBody = strings.NewReader(data.Encode())
		} else {
			jsonData, err := json.Marshal(body)
			if err != nil {
				return nil, errdefs.NewInternal("failed to marshal request body", err)
			}
			reqBody = bytes.NewReader(jsonData)
		}
	}

	rel, err := url.Parse(path)
	if err != nil {
		return nil, errdefs.NewInternal("invalid request path", err)
	}
	reqURL := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, reqURL.String(), reqBody)
	if err != nil {
		return nil, errdefs.NewInternal("failed to create request", err)
	}

	if c.config.TokenID != "" && c.config.TokenSecret != "" {
		req.Header.Set("Authorization", fmt.Sprintf("PVEAPIToken=%s=%s", c.config.TokenID, c.config.TokenSecret))
	} else {
		c.authMu.Lock()
		req.AddCookie(&http.Cookie{Name: "PVEAuthCookie", Value: c.ticket})
		if method != http.MethodGet {
			req.Header.Set("CSRFPreventionToken", c.csrfToken)
		}
		c.authMu.Unlock()
	}

	if body != nil {
		if _, ok := body.(url.Values); ok {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		} else {
			req.Header.Set("Content-Type", "application/json")
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errdefs.NewUpstreamUnavailable("hypervisor request failed", err)
	}
	return resp, nil
}

// decodeData decodes the response envelope's data field into out.
func decodeData(resp *http.Response, out interface{}) error {
	var envelope apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return errdefs.NewUpstreamUnavailable("failed to decode response", err)
	}
	raw, err := json.Marshal(envelope.Data)
	if err != nil {
		return errdefs.NewInternal("failed to re-marshal response data", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errdefs.NewUpstreamUnavailable("unexpected response format", err)
	}
	return nil
}

// taskFromResponse extracts the task UPID from a write response.
func taskFromResponse(resp *http.Response) (string, error) {
	var envelope apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return "", errdefs.NewUpstreamUnavailable("failed to decode response", err)
	}
	if upid, ok := envelope.Data.(string); ok {
		return upid, nil
	}
	return "", nil // synchronous operation, no task handle
}

// mapStatusError converts a non-200 response to a categorized error. The
// body text distinguishes semantic errors from transport problems.
func mapStatusError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(body))

	switch {
	case resp.StatusCode == 404:
		return errdefs.NewNotFound("%s: not found", op)
	case resp.StatusCode == 401 || resp.StatusCode == 403:
		return errdefs.NewUnauthenticated("%s: hypervisor auth failed", op)
	case strings.Contains(msg, "already exists") || strings.Contains(msg, "config file already exists"):
		return errdefs.NewConflict("%s: %s", op, msg)
	case strings.Contains(msg, "not running") || strings.Contains(msg, "wrong status") || strings.Contains(msg, "lock"):
		return errdefs.NewInvalidState("%s: %s", op, msg)
	case resp.StatusCode >= 500:
		return errdefs.NewUpstreamUnavailable(fmt.Sprintf("%s failed with status %d: %s", op, resp.StatusCode, msg), nil)
	default:
		return errdefs.NewInternal(fmt.Sprintf("%s failed with status %d: %s", op, resp.StatusCode, msg), nil)
	}
}

func observe(op string, start time.Time, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	metrics.RecordHypervisorOp(op, outcome, time.Since(start))
}

// NextVmid reserves a fresh vmid from the cluster's allocator. Allocation is
// serialized by the hypervisor itself.
func (c *Client) NextVmid(ctx context.Context) (vmid int, err error) {
	start := time.Now()
	defer func() { observe("nextid", start, err) }()

	err = c.readPolicy.Execute(ctx, func(ctx context.Context) error {
		resp, reqErr := c.request(ctx, http.MethodGet, "/api2/json/cluster/nextid", nil)
		if reqErr != nil {
			return reqErr
		}
		defer resp.Body.Close() //nolint:errcheck

		if resp.StatusCode != 200 {
			return mapStatusError("nextid", resp)
		}

		var raw string
		if decErr := decodeData(resp, &raw); decErr != nil {
			return decErr
		}
		parsed, convErr := strconv.Atoi(raw)
		if convErr != nil {
			return errdefs.NewUpstreamUnavailable("nextid returned non-numeric id", convErr)
		}
		vmid = parsed
		return nil
	})
	return vmid, err
}

// GetVM retrieves the live status of a VM.
func (c *Client) GetVM(ctx context.Context, node string, vmid int) (vm *VM, err error) {
	start := time.Now()
	defer func() { observe("status", start, err) }()

	err = c.readPolicy.Execute(ctx, func(ctx context.Context) error {
		resp, reqErr := c.request(ctx, http.MethodGet, fmt.Sprintf("/api2/json/nodes/%s/qemu/%d/status/current", node, vmid), nil)
		if reqErr != nil {
			return reqErr
		}
		defer resp.Body.Close() //nolint:errcheck

		if resp.StatusCode != 200 {
			return mapStatusError("status", resp)
		}

		var out VM
		if decErr := decodeData(resp, &out); decErr != nil {
			return decErr
		}
		out.Node = node
		out.VMID = vmid
		vm = &out
		return nil
	})
	return vm, err
}

// Clone clones a template VM into a new vmid. Full clones only; linked
// clones tie the instance's disk to the template storage.
func (c *Client) Clone(ctx context.Context, node string, templateVmid, newVmid int, name, storage string) (upid string, err error) {
	start := time.Now()
	defer func() { observe("clone", start, err) }()

	values := url.Values{}
	values.Set("newid", strconv.Itoa(newVmid))
	values.Set("name", name)
	values.Set("full", "1")
	if storage != "" {
		values.Set("storage", storage)
	}

	resp, err := c.request(ctx, http.MethodPost, fmt.Sprintf("/api2/json/nodes/%s/qemu/%d/clone", node, templateVmid), values)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != 200 {
		return "", mapStatusError("clone", resp)
	}
	return taskFromResponse(resp)
}

// Configure applies CPU and memory settings to a VM.
func (c *Client) Configure(ctx context.Context, node string, vmid, cores int, memoryMB int64) (err error) {
	start := time.Now()
	defer func() { observe("configure", start, err) }()

	values := url.Values{}
	if cores > 0 {
		values.Set("cores", strconv.Itoa(cores))
	}
	if memoryMB > 0 {
		values.Set("memory", strconv.FormatInt(memoryMB, 10))
	}

	resp, err := c.request(ctx, http.MethodPut, fmt.Sprintf("/api2/json/nodes/%s/qemu/%d/config", node, vmid), values)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != 200 {
		return mapStatusError("configure", resp)
	}
	io.Copy(io.Discard, resp.Body) //nolint:errcheck
	return nil
}

// SetCloudInit applies cloud-init user and password to a VM.
func (c *Client) SetCloudInit(ctx context.Context, node string, vmid int, user, password string) (err error) {
	start := time.Now()
	defer func() { observe("cloudinit", start, err) }()

	values := url.Values{}
	if user != "" {
		values.Set("ciuser", user)
	}
	if password != "" {
		values.Set("cipassword", password)
	}

	resp, err := c.request(ctx, http.MethodPut, fmt.Sprintf("/api2/json/nodes/%s/qemu/%d/config", node, vmid), values)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != 200 {
		return mapStatusError("cloudinit", resp)
	}
	io.Copy(io.Discard, resp.Body) //nolint:errcheck
	return nil
}

// ResizeDisk grows a VM disk to the given size. Shrinking is not allowed.
func (c *Client) ResizeDisk(ctx context.Context, node string, vmid int, disk string, sizeGB int) (err error) {
	start := time.Now()
	defer func() { observe("resize", start, err) }()

	values := url.Values{}
	values.Set("disk", disk)
	values.Set("size", fmt.Sprintf("%dG", sizeGB))

	resp, err := c.request(ctx, http.MethodPut, fmt.Sprintf("/api2/json/nodes/%s/qemu/%d/resize", node, vmid), values)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != 200 {
		return mapStatusError("resize", resp)
	}
	io.Copy(io.Discard, resp.Body) //nolint:errcheck
	return nil
}

// Power performs a power operation on a VM and returns the task handle.
func (c *Client) Power(ctx context.Context, node string, vmid int, action PowerAction) (upid string, err error) {
	start := time.Now()
	defer func() { observe(string(action), start, err) }()

	resp, err := c.request(ctx, http.MethodPost, fmt.Sprintf("/api2/json/nodes/%s/qemu/%d/status/%s", node, vmid, action), nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != 200 {
		return "", mapStatusError(string(action), resp)
	}
	return taskFromResponse(resp)
}

// Delete deletes a stopped VM. Callers must run StopAndVerify first; the
// adapter never forces deletion of a running VM.
func (c *Client) Delete(ctx context.Context, node string, vmid int) (upid string, err error) {
	start := time.Now()
	defer func() { observe("delete", start, err) }()

	resp, err := c.request(ctx, http.MethodDelete, fmt.Sprintf("/api2/json/nodes/%s/qemu/%d", node, vmid), nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode == 404 {
		// VM doesn't exist, consider it deleted
		io.Copy(io.Discard, resp.Body) //nolint:errcheck
		return "", nil
	}
	if resp.StatusCode != 200 {
		return "", mapStatusError("delete", resp)
	}
	return taskFromResponse(resp)
}

// TaskStatus gets the status of a task.
func (c *Client) TaskStatus(ctx context.Context, node, upid string) (task *Task, err error) {
	start := time.Now()
	defer func() { observe("taskstatus", start, err) }()

	err = c.readPolicy.Execute(ctx, func(ctx context.Context) error {
		resp, reqErr := c.request(ctx, http.MethodGet, fmt.Sprintf("/api2/json/nodes/%s/tasks/%s/status", node, url.PathEscape(upid)), nil)
		if reqErr != nil {
			return reqErr
		}
		defer resp.Body.Close() //nolint:errcheck

		if resp.StatusCode != 200 {
			return mapStatusError("taskstatus", resp)
		}

		var out Task
		if decErr := decodeData(resp, &out); decErr != nil {
			return decErr
		}
		task = &out
		return nil
	})
	return task, err
}

// WaitForTask polls a task with backoff until it reaches a terminal state.
func (c *Client) WaitForTask(ctx context.Context, node, upid string) error {
	if upid == "" {
		return nil // synchronous operation, nothing to wait for
	}

	start := time.Now()
	defer func() { metrics.RecordTaskWait(time.Since(start)) }()

	timeoutCtx, cancel := context.WithTimeout(ctx, c.config.TaskTimeout)
	defer cancel()

	ticker := time.NewTicker(c.config.TaskPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-timeoutCtx.Done():
			return errdefs.NewUpstreamUnavailable(fmt.Sprintf("task %s timed out", upid), timeoutCtx.Err())
		case <-ticker.C:
			task, err := c.TaskStatus(ctx, node, upid)
			if err != nil {
				return err
			}
			if task.Done() {
				if task.Failed() {
					return errdefs.NewInternal(fmt.Sprintf("task %s failed: %s", upid, *task.ExitStatus), nil)
				}
				return nil
			}
		}
	}
}

// StopAndVerify submits a stop and polls until the VM is confirmed stopped,
// bounded by StopPollAttempts at StopPollInterval. If the VM never stops the
// adapter surfaces a hard failure rather than forcing a delete.
func (c *Client) StopAndVerify(ctx context.Context, node string, vmid int) error {
	vm, err := c.GetVM(ctx, node, vmid)
	if err != nil {
		return err
	}
	if vm.Status == "stopped" {
		return nil
	}

	upid, err := c.Power(ctx, node, vmid, PowerStop)
	if err != nil {
		return err
	}
	if err := c.WaitForTask(ctx, node, upid); err != nil {
		return err
	}

	for attempt := 0; attempt < c.config.StopPollAttempts; attempt++ {
		vm, err := c.GetVM(ctx, node, vmid)
		if err != nil {
			return err
		}
		if vm.Status == "stopped" {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.config.StopPollInterval):
		}
	}

	return errdefs.NewInternal(fmt.Sprintf("vm %d did not stop after %d attempts", vmid, c.config.StopPollAttempts), nil)
}

// CreateSnapshot creates a VM snapshot and returns the task handle.
func (c *Client) CreateSnapshot(ctx context.Context, node string, vmid int, name, description string) (upid string, err error) {
	start := time.Now()
	defer func() { observe("snapshot_create", start, err) }()

	values := url.Values{}
	values.Set("snapname", name)
	if description != "" {
		values.Set("description", description)
	}

	resp, err := c.request(ctx, http.MethodPost, fmt.Sprintf("/api2/json/nodes/%s/qemu/%d/snapshot", node, vmid), values)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != 200 {
		return "", mapStatusError("snapshot_create", resp)
	}
	return taskFromResponse(resp)
}

// ListSnapshots lists VM snapshots, including the synthetic "current" entry.
func (c *Client) ListSnapshots(ctx context.Context, node string, vmid int) (snaps []*Snapshot, err error) {
	start := time.Now()
	defer func() { observe("snapshot_list", start, err) }()

	err = c.readPolicy.Execute(ctx, func(ctx context.Context) error {
		resp, reqErr := c.request(ctx, http.MethodGet, fmt.Sprintf("/api2/json/nodes/%s/qemu/%d/snapshot", node, vmid), nil)
		if reqErr != nil {
			return reqErr
		}
		defer resp.Body.Close() //nolint:errcheck

		if resp.StatusCode != 200 {
			return mapStatusError("snapshot_list", resp)
		}
		return decodeData(resp, &snaps)
	})
	return snaps, err
}

// DeleteSnapshot deletes a VM snapshot and returns the task handle.
func (c *Client) DeleteSnapshot(ctx context.Context, node string, vmid int, name string) (upid string, err error) {
	start := time.Now()
	defer func() { observe("snapshot_delete", start, err) }()

	resp, err := c.request(ctx, http.MethodDelete, fmt.Sprintf("/api2/json/nodes/%s/qemu/%d/snapshot/%s", node, vmid, url.PathEscape(name)), nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode == 404 {
		io.Copy(io.Discard, resp.Body) //nolint:errcheck
		return "", nil
	}
	if resp.StatusCode != 200 {
		return "", mapStatusError("snapshot_delete", resp)
	}
	return taskFromResponse(resp)
}

// RollbackSnapshot reverts a VM to a snapshot and returns the task handle.
func (c *Client) RollbackSnapshot(ctx context.Context, node string, vmid int, name string) (upid string, err error) {
	start := time.Now()
	defer func() { observe("snapshot_rollback", start, err) }()

	resp, err := c.request(ctx, http.MethodPost, fmt.Sprintf("/api2/json/nodes/%s/qemu/%d/snapshot/%s/rollback", node, vmid, url.PathEscape(name)), nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != 200 {
		return "", mapStatusError("snapshot_rollback", resp)
	}
	return taskFromResponse(resp)
}

// guest agent wire types for network-get-interfaces
type guestInterface struct {
	Name        string `json:"name"`
	HardwareMAC string `json:"hardware-address"`
	Addresses   []struct {
		Type   string `json:"ip-address-type"`
		IP     string `json:"ip-address"`
		Prefix int    `json:"prefix"`
	} `json:"ip-addresses"`
}

// GuestIP asks the guest agent for configured addresses, keeping only IPv4
// entries with their MAC and filtering loopback (127/8) and link-local
// (169.254/16) ranges. Absence is normal while the guest is booting: the
// method returns an empty list rather than an error when the agent is not
// ready.
func (c *Client) GuestIP(ctx context.Context, node string, vmid int) (addrs []GuestAddress, err error) {
	start := time.Now()
	defer func() { observe("guest_ip", start, err) }()

	resp, err := c.request(ctx, http.MethodGet, fmt.Sprintf("/api2/json/nodes/%s/qemu/%d/agent/network-get-interfaces", node, vmid), nil)
	if err != nil {
		// Transport failure is still a soft path for IP discovery.
		return nil, nil
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != 200 {
		// Guest agent not running yet
		io.Copy(io.Discard, resp.Body) //nolint:errcheck
		return nil, nil
	}

	var payload struct {
		Result []guestInterface `json:"result"`
	}
	if decErr := decodeData(resp, &payload); decErr != nil {
		return nil, nil
	}

	for _, iface := range payload.Result {
		if iface.Name == "lo" {
			continue
		}
		for _, addr := range iface.Addresses {
			if addr.Type != "ipv4" {
				continue
			}
			if strings.HasPrefix(addr.IP, "127.") || strings.HasPrefix(addr.IP, "169.254.") {
				continue
			}
			addrs = append(addrs, GuestAddress{IP: addr.IP, MAC: iface.HardwareMAC})
		}
	}
	return addrs, nil
}

// VncProxy mints a short-lived VNC ticket for a running VM.
func (c *Client) VncProxy(ctx context.Context, node string, vmid int) (ticket *VNCTicket, err error) {
	start := time.Now()
	defer func() { observe("vncproxy", start, err) }()

	values := url.Values{}
	values.Set("websocket", "1")

	resp, err := c.request(ctx, http.MethodPost, fmt.Sprintf("/api2/json/nodes/%s/qemu/%d/vncproxy", node, vmid), values)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != 200 {
		return nil, mapStatusError("vncproxy", resp)
	}

	var payload struct {
		Port   interface{} `json:"port"`
		Ticket string      `json:"ticket"`
	}
	if decErr := decodeData(resp, &payload); decErr != nil {
		return nil, decErr
	}

	port := 0
	switch v := payload.Port.(type) {
	case string:
		port, _ = strconv.Atoi(v)
	case float64:
		port = int(v)
	}

	return &VNCTicket{
		Port:   port,
		Ticket: payload.Ticket,
		// PVE VNC tickets expire quickly; clients must connect promptly.
		ExpiresIn: 120,
	}, nil
}

// Rrd returns time-series metrics for a VM.
func (c *Client) Rrd(ctx context.Context, node string, vmid int, timeframe, cf string) (points []map[string]interface{}, err error) {
	start := time.Now()
	defer func() { observe("rrd", start, err) }()

	query := url.Values{}
	query.Set("timeframe", timeframe)
	if cf != "" {
		query.Set("cf", cf)
	}

	err = c.readPolicy.Execute(ctx, func(ctx context.Context) error {
		path := fmt.Sprintf("/api2/json/nodes/%s/qemu/%d/rrddata", node, vmid)
		resp, reqErr := c.request(ctx, http.MethodGet, path+"?"+query.Encode(), nil)
		if reqErr != nil {
			return reqErr
		}
		defer resp.Body.Close() //nolint:errcheck

		if resp.StatusCode != 200 {
			return mapStatusError("rrd", resp)
		}
		return decodeData(resp, &points)
	})
	return points, err
}

// ListNodes returns the cluster's node inventory.
func (c *Client) ListNodes(ctx context.Context) (nodes []*NodeStatus, err error) {
	start := time.Now()
	defer func() { observe("nodes", start, err) }()

	err = c.readPolicy.Execute(ctx, func(ctx context.Context) error {
		resp, reqErr := c.request(ctx, http.MethodGet, "/api2/json/nodes", nil)
		if reqErr != nil {
			return reqErr
		}
		defer resp.Body.Close() //nolint:errcheck

		if resp.StatusCode != 200 {
			return mapStatusError("nodes", resp)
		}
		return decodeData(resp, &nodes)
	})
	return nodes, err
}

// ListStorages returns the datastores visible on a node.
func (c *Client) ListStorages(ctx context.Context, node string) (storages []*StorageStatus, err error) {
	start := time.Now()
	defer func() { observe("storages", start, err) }()

	err = c.readPolicy.Execute(ctx, func(ctx context.Context) error {
		resp, reqErr := c.request(ctx, http.MethodGet, fmt.Sprintf("/api2/json/nodes/%s/storage", node), nil)
		if reqErr != nil {
			return reqErr
		}
		defer resp.Body.Close() //nolint:errcheck

		if resp.StatusCode != 200 {
			return mapStatusError("storages", resp)
		}
		return decodeData(resp, &storages)
	})
	return storages, err
}
