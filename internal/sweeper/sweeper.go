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

// Package sweeper runs the expiration lifecycle: expired active instances
// are suspended, and suspended instances past the grace period are
// terminated. One dedicated task on an interval clock; Tick is exposed so
// tests can drive sweeps deterministically.
package sweeper

import (
	"context"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/vietstack/vpsd/internal/errdefs"
	"github.com/vietstack/vpsd/internal/hypervisor/pveapi"
	"github.com/vietstack/vpsd/internal/model"
	"github.com/vietstack/vpsd/internal/obs/logging"
	"github.com/vietstack/vpsd/internal/obs/metrics"
	"github.com/vietstack/vpsd/internal/store"
)

// ClientProvider hands out the shared hypervisor client for a cluster.
type ClientProvider interface {
	ClientFor(cluster *model.Cluster) (*pveapi.Client, error)
}

// Sweeper is the expiration scheduler.
type Sweeper struct {
	store    store.Store
	clients  ClientProvider
	interval time.Duration
	grace    time.Duration

	// running makes sweeps single-flight: a slow sweep is skipped over,
	// never stacked.
	running sync.Mutex
}

// New creates a sweeper. Grace is how long a suspended instance survives
// before termination.
func New(st store.Store, clients ClientProvider, interval, grace time.Duration) *Sweeper {
	if interval == 0 {
		interval = 5 * time.Minute
	}
	if grace == 0 {
		grace = 24 * time.Hour
	}
	return &Sweeper{store: st, clients: clients, interval: interval, grace: grace}
}

// Run drives sweeps on the interval clock until ctx is cancelled. Sweep
// errors are logged and never propagate anywhere a user could see them.
func (s *Sweeper) Run(ctx context.Context) {
	log := logging.FromContext(ctx).WithValues("component", "sweeper")
	log.Info("starting expiration sweeper", "interval", s.interval, "grace", s.grace)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("stopping expiration sweeper")
			return
		case <-ticker.C:
			if err := s.Tick(ctx, time.Now()); err != nil {
				log.Error(err, "sweep finished with errors")
			}
		}
	}
}

// Tick runs one full sweep against the given clock reading. Returns the
// aggregated per-instance errors; callers besides tests only log it. If a
// sweep is already in flight the tick is a no-op.
func (s *Sweeper) Tick(ctx context.Context, now time.Time) error {
	if !s.running.TryLock() {
		return nil
	}
	defer s.running.Unlock()

	start := time.Now()
	defer func() { metrics.RecordSweepDuration(time.Since(start)) }()

	err := multierr.Combine(
		s.suspendExpired(ctx, now),
		s.terminateLapsed(ctx, now),
	)

	s.publishCounts(ctx)
	return err
}

// suspendExpired is phase one: every active instance whose expiry has
// passed gets its VM stopped and moves to suspended. An instance whose VM
// cannot be stopped is marked error; a later sweep will not retry it.
func (s *Sweeper) suspendExpired(ctx context.Context, now time.Time) error {
	instances, err := s.store.ListVPSByStatus(ctx, model.VPSActive)
	if err != nil {
		return err
	}

	var errs error
	for _, instance := range instances {
		if instance.ExpiresAt.After(now) {
			continue
		}
		if err := s.suspendOne(ctx, instance); err != nil {
			metrics.RecordSweepInstance("suspend", "error")
			errs = multierr.Append(errs, err)
			continue
		}
		metrics.RecordSweepInstance("suspend", "success")
	}
	return errs
}

func (s *Sweeper) suspendOne(ctx context.Context, instance *model.VPSInstance) error {
	log := logging.FromContext(ctx).WithValues("vps", instance.ID.String())

	// An instance without a backing vm still expires. There is nothing to
	// stop, so the state transition happens on its own.
	if instance.VMID == nil {
		instance.Status = model.VPSSuspended
		return s.store.UpdateVPS(ctx, instance)
	}

	r, err := s.resolveVM(ctx, instance)
	if err != nil {
		return err
	}

	if err := r.client.StopAndVerify(ctx, r.node.Name, r.vm.VMID); err != nil {
		log.Error(err, "failed to stop expired instance, marking error")
		instance.Status = model.VPSError
		if updErr := s.store.UpdateVPS(ctx, instance); updErr != nil {
			return multierr.Append(err, updErr)
		}
		return err
	}

	return s.store.Atomic(ctx, func(tx store.Store) error {
		instance.Status = model.VPSSuspended
		if err := tx.UpdateVPS(ctx, instance); err != nil {
			return err
		}
		r.vm.PowerStatus = model.PowerStopped
		return tx.UpdateVM(ctx, r.vm)
	})
}

// terminateLapsed is phase two: suspended instances whose grace period has
// run out are deleted from the hypervisor, their VM record removed, and
// the instance moved to its terminal state.
func (s *Sweeper) terminateLapsed(ctx context.Context, now time.Time) error {
	instances, err := s.store.ListVPSByStatus(ctx, model.VPSSuspended)
	if err != nil {
		return err
	}

	var errs error
	for _, instance := range instances {
		if instance.ExpiresAt.Add(s.grace).After(now) {
			continue
		}
		if err := s.terminateOne(ctx, instance); err != nil {
			metrics.RecordSweepInstance("terminate", "error")
			errs = multierr.Append(errs, err)
			continue
		}
		metrics.RecordSweepInstance("terminate", "success")
	}
	return errs
}

func (s *Sweeper) terminateOne(ctx context.Context, instance *model.VPSInstance) error {
	log := logging.FromContext(ctx).WithValues("vps", instance.ID.String())

	if instance.VMID == nil {
		instance.Status = model.VPSTerminated
		return s.store.UpdateVPS(ctx, instance)
	}

	r, err := s.resolveVM(ctx, instance)
	if err != nil {
		return err
	}

	if err := r.client.StopAndVerify(ctx, r.node.Name, r.vm.VMID); err != nil {
		return err
	}
	upid, err := r.client.Delete(ctx, r.node.Name, r.vm.VMID)
	if err != nil {
		return err
	}
	if err := r.client.WaitForTask(ctx, r.node.Name, upid); err != nil {
		return err
	}

	log.Info("terminated lapsed instance", "vmid", r.vm.VMID)

	return s.store.Atomic(ctx, func(tx store.Store) error {
		if err := tx.DeleteVM(ctx, r.vm.ID); err != nil {
			return err
		}
		instance.Status = model.VPSTerminated
		instance.VMID = nil
		return tx.UpdateVPS(ctx, instance)
	})
}

type resolvedVM struct {
	vm     *model.HypervisorVM
	node   *model.Node
	client *pveapi.Client
}

func (s *Sweeper) resolveVM(ctx context.Context, instance *model.VPSInstance) (*resolvedVM, error) {
	if instance.VMID == nil {
		return nil, errdefs.NewInternal("instance has no backing vm", nil)
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
	return &resolvedVM{vm: vm, node: node, client: client}, nil
}

func (s *Sweeper) publishCounts(ctx context.Context) {
	for _, status := range []model.VPSStatus{
		model.VPSCreating, model.VPSActive, model.VPSSuspended,
		model.VPSTerminated, model.VPSError,
	} {
		instances, err := s.store.ListVPSByStatus(ctx, status)
		if err != nil {
			continue
		}
		metrics.SetVPSCount(string(status), len(instances))
	}
}
