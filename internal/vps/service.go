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

// Package vps implements the customer-facing lifecycle operations on
// provisioned instances: info, power, console access, snapshots, and
// metrics. Every operation enforces ownership and the instance state gates.
package vps

import (
	"context"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/vietstack/vpsd/internal/errdefs"
	"github.com/vietstack/vpsd/internal/hypervisor/pveapi"
	"github.com/vietstack/vpsd/internal/model"
	"github.com/vietstack/vpsd/internal/obs/logging"
	"github.com/vietstack/vpsd/internal/store"
)

// ClientProvider hands out the shared hypervisor client for a cluster.
type ClientProvider interface {
	ClientFor(cluster *model.Cluster) (*pveapi.Client, error)
}

// Service is the VPS lifecycle controller.
type Service struct {
	store   store.Store
	clients ClientProvider
	// statusCache keeps recent live power readings so info-heavy pages do
	// not hammer the hypervisor.
	statusCache *gocache.Cache
	now         func() time.Time
}

// NewService creates a VPS service. statusTTL bounds how stale a cached
// live power status may be.
func NewService(st store.Store, clients ClientProvider, statusTTL time.Duration) *Service {
	if statusTTL == 0 {
		statusTTL = 30 * time.Second
	}
	return &Service{
		store:       st,
		clients:     clients,
		statusCache: gocache.New(statusTTL, 2*statusTTL),
		now:         time.Now,
	}
}

// Info is the merged customer view of one instance.
type Info struct {
	Instance  *model.VPSInstance
	Plan      *model.Plan
	VM        *model.HypervisorVM
	LivePower model.PowerStatus
}

// resolved bundles everything an operation needs about one instance.
type resolved struct {
	instance *model.VPSInstance
	vm       *model.HypervisorVM
	node     *model.Node
	cluster  *model.Cluster
	client   *pveapi.Client
}

func (s *Service) resolve(ctx context.Context, user *model.User, id model.ID) (*resolved, error) {
	instance, err := s.store.GetVPS(ctx, id)
	if err != nil {
		return nil, err
	}
	if instance.UserID != user.ID && !user.IsAdmin() {
		return nil, errdefs.NewForbidden("vps does not belong to user")
	}
	if instance.VMID == nil {
		return nil, errdefs.NewInvalidState("vps has no backing vm")
	}

	vm, err := s.store.GetVM(ctx, *instance.VMID)
	if err != nil {
		return nil, err
	}
	node, err := s.store.GetNode(ctx, vm.NodeID)
	if err != nil {
		return nil, err
	}
	cluster, err := s.store.GetCluster(ctx, vm.ClusterID)
	if err != nil {
		return nil, err
	}
	client, err := s.clients.ClientFor(cluster)
	if err != nil {
		return nil, err
	}

	return &resolved{instance: instance, vm: vm, node: node, cluster: cluster, client: client}, nil
}

// List returns the user's instances.
func (s *Service) List(ctx context.Context, user *model.User) ([]*model.VPSInstance, error) {
	return s.store.ListVPSByUser(ctx, user.ID)
}

// GetInfo returns the merged instance view with a live power status. The
// live reading is cached; a hypervisor outage degrades to the stored
// status instead of failing the read. An instance provisioned before its
// guest reported an address gets the address refreshed here.
func (s *Service) GetInfo(ctx context.Context, user *model.User, id model.ID) (*Info, error) {
	r, err := s.resolve(ctx, user, id)
	if err != nil {
		return nil, err
	}

	plan, err := s.store.GetPlan(ctx, r.instance.PlanID)
	if err != nil {
		return nil, err
	}

	live := s.livePower(ctx, r)

	if r.vm.IPAddress == "" && live == model.PowerRunning {
		if addrs, err := r.client.GuestIP(ctx, r.node.Name, r.vm.VMID); err == nil && len(addrs) > 0 {
			r.vm.IPAddress = addrs[0].IP
			r.vm.MACAddress = addrs[0].MAC
			if err := s.store.UpdateVM(ctx, r.vm); err != nil {
				logging.FromContext(ctx).Error(err, "failed to persist refreshed address")
			}
		}
	}

	return &Info{Instance: r.instance, Plan: plan, VM: r.vm, LivePower: live}, nil
}

func (s *Service) livePower(ctx context.Context, r *resolved) model.PowerStatus {
	key := r.vm.ID.String()
	if cached, ok := s.statusCache.Get(key); ok {
		return cached.(model.PowerStatus)
	}

	status := r.vm.PowerStatus
	if vm, err := r.client.GetVM(ctx, r.node.Name, r.vm.VMID); err == nil {
		switch {
		case vm.QMPStatus == "paused":
			status = model.PowerSuspended
		case vm.Status == "running":
			status = model.PowerRunning
		default:
			status = model.PowerStopped
		}
	}

	s.statusCache.SetDefault(key, status)
	return status
}

// gate checks whether the instance state admits customer operations.
// Suspension is a billing state: the user has to pay, not poke.
func gate(instance *model.VPSInstance) error {
	switch instance.Status {
	case model.VPSActive:
		return nil
	case model.VPSSuspended:
		return errdefs.NewPaymentRequired("VPS is suspended")
	default:
		return errdefs.NewInvalidState("action not allowed while vps is %s", instance.Status)
	}
}

// Power performs a named power action on an active instance.
func (s *Service) Power(ctx context.Context, user *model.User, id model.ID, action string) error {
	parsed, err := pveapi.ParsePowerAction(action)
	if err != nil {
		return err
	}

	r, err := s.resolve(ctx, user, id)
	if err != nil {
		return err
	}
	if err := gate(r.instance); err != nil {
		return err
	}

	upid, err := r.client.Power(ctx, r.node.Name, r.vm.VMID, parsed)
	if err != nil {
		return err
	}
	if err := r.client.WaitForTask(ctx, r.node.Name, upid); err != nil {
		return err
	}

	switch parsed {
	case pveapi.PowerStop, pveapi.PowerShutdown:
		r.vm.PowerStatus = model.PowerStopped
	case pveapi.PowerSuspend:
		r.vm.PowerStatus = model.PowerSuspended
	default:
		r.vm.PowerStatus = model.PowerRunning
	}
	if err := s.store.UpdateVM(ctx, r.vm); err != nil {
		return err
	}

	s.statusCache.Delete(r.vm.ID.String())
	logging.FromContext(ctx).Info("applied power action", "vps", id.String(), "action", action)
	return nil
}

// Console is a short-lived VNC grant plus what the websocket proxy needs
// to reach the hypervisor.
type Console struct {
	Node        string
	VMID        int
	Port        int
	Ticket      string
	VNCPassword string
	ExpiresIn   int
}

// VNCConsole mints a console ticket for an active instance.
func (s *Service) VNCConsole(ctx context.Context, user *model.User, id model.ID) (*Console, error) {
	r, err := s.resolve(ctx, user, id)
	if err != nil {
		return nil, err
	}
	if err := gate(r.instance); err != nil {
		return nil, err
	}

	ticket, err := r.client.VncProxy(ctx, r.node.Name, r.vm.VMID)
	if err != nil {
		return nil, err
	}

	return &Console{
		Node:        r.node.Name,
		VMID:        r.vm.VMID,
		Port:        ticket.Port,
		Ticket:      ticket.Ticket,
		VNCPassword: r.vm.VNCPassword,
		ExpiresIn:   ticket.ExpiresIn,
	}, nil
}

// Rrd returns the instance's time-series metrics.
func (s *Service) Rrd(ctx context.Context, user *model.User, id model.ID, timeframe, cf string) ([]map[string]interface{}, error) {
	r, err := s.resolve(ctx, user, id)
	if err != nil {
		return nil, err
	}
	if err := gate(r.instance); err != nil {
		return nil, err
	}
	if timeframe == "" {
		timeframe = "hour"
	}
	if cf == "" {
		cf = "AVERAGE"
	}
	return r.client.Rrd(ctx, r.node.Name, r.vm.VMID, timeframe, cf)
}

// ListSnapshots returns the instance's snapshot records. The hypervisor's
// synthetic "current" entry never appears here because only snapshots this
// service created are stored.
func (s *Service) ListSnapshots(ctx context.Context, user *model.User, id model.ID) ([]*model.Snapshot, error) {
	r, err := s.resolve(ctx, user, id)
	if err != nil {
		return nil, err
	}
	if err := gate(r.instance); err != nil {
		return nil, err
	}
	return s.store.ListSnapshotsByVM(ctx, r.vm.ID)
}

// CreateSnapshot creates a named snapshot. The plan cap and the duplicate
// name check both run before the hypervisor is contacted.
func (s *Service) CreateSnapshot(ctx context.Context, user *model.User, id model.ID, name, description string) (*model.Snapshot, error) {
	if name == "" || name == "current" {
		return nil, errdefs.NewInvalidArgument("invalid snapshot name %q", name)
	}

	r, err := s.resolve(ctx, user, id)
	if err != nil {
		return nil, err
	}
	if err := gate(r.instance); err != nil {
		return nil, err
	}

	plan, err := s.store.GetPlan(ctx, r.instance.PlanID)
	if err != nil {
		return nil, err
	}

	// Duplicate name wins over the cap: re-creating an existing snapshot
	// at the limit is a conflict, not a quota problem.
	if _, err := s.store.GetSnapshotByName(ctx, r.vm.ID, name); err == nil {
		return nil, errdefs.NewConflict("snapshot %q already exists", name)
	} else if !errdefs.IsKind(err, errdefs.KindNotFound) {
		return nil, err
	}

	existing, err := s.store.ListSnapshotsByVM(ctx, r.vm.ID)
	if err != nil {
		return nil, err
	}
	if plan.MaxSnapshots > 0 && len(existing) >= plan.MaxSnapshots {
		return nil, errdefs.NewLimitExceeded("Snapshot limit reached")
	}

	upid, err := r.client.CreateSnapshot(ctx, r.node.Name, r.vm.VMID, name, description)
	if err != nil {
		return nil, err
	}
	if err := r.client.WaitForTask(ctx, r.node.Name, upid); err != nil {
		return nil, err
	}

	snap := &model.Snapshot{
		ID:          model.NewID(),
		VMID:        r.vm.ID,
		Name:        name,
		Description: description,
		Status:      model.SnapshotAvailable,
		CreatedAt:   s.now(),
	}
	if err := s.store.CreateSnapshot(ctx, snap); err != nil {
		return nil, err
	}
	return snap, nil
}

// DeleteSnapshot removes a snapshot on the hypervisor and its record.
func (s *Service) DeleteSnapshot(ctx context.Context, user *model.User, id model.ID, name string) error {
	r, err := s.resolve(ctx, user, id)
	if err != nil {
		return err
	}
	if err := gate(r.instance); err != nil {
		return err
	}

	snap, err := s.store.GetSnapshotByName(ctx, r.vm.ID, name)
	if err != nil {
		return err
	}

	upid, err := r.client.DeleteSnapshot(ctx, r.node.Name, r.vm.VMID, name)
	if err != nil {
		return err
	}
	if err := r.client.WaitForTask(ctx, r.node.Name, upid); err != nil {
		return err
	}

	return s.store.DeleteSnapshot(ctx, snap.ID)
}

// RollbackSnapshot reverts the instance to a named snapshot.
func (s *Service) RollbackSnapshot(ctx context.Context, user *model.User, id model.ID, name string) error {
	r, err := s.resolve(ctx, user, id)
	if err != nil {
		return err
	}
	if err := gate(r.instance); err != nil {
		return err
	}

	if _, err := s.store.GetSnapshotByName(ctx, r.vm.ID, name); err != nil {
		return err
	}

	upid, err := r.client.RollbackSnapshot(ctx, r.node.Name, r.vm.VMID, name)
	if err != nil {
		return err
	}
	if err := r.client.WaitForTask(ctx, r.node.Name, upid); err != nil {
		return err
	}

	s.statusCache.Delete(r.vm.ID.String())
	logging.FromContext(ctx).Info("rolled back snapshot",
		"vps", id.String(), "snapshot", fmt.Sprintf("%q", name))
	return nil
}
