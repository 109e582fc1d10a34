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

package provision

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietstack/vpsd/internal/config"
	"github.com/vietstack/vpsd/internal/errdefs"
	"github.com/vietstack/vpsd/internal/hypervisor/pvefake"
	"github.com/vietstack/vpsd/internal/model"
	"github.com/vietstack/vpsd/internal/store/memstore"
)

type fixture struct {
	store   *memstore.Store
	fake    *pvefake.Server
	coord   *Coordinator
	user    *model.User
	order   *model.Order
	item    *model.OrderItem
	cluster *model.Cluster
}

func newFixture(t *testing.T, fakeCfg *pvefake.Config) *fixture {
	t.Helper()

	fake, endpoint, stop, err := pvefake.StartWith(fakeCfg)
	require.NoError(t, err)
	t.Cleanup(stop)

	st := memstore.New()
	cluster := &model.Cluster{
		ID:       model.NewID(),
		Name:     "hn-cluster-1",
		Endpoint: endpoint,
		TokenID:  "vpsd@pve!prov",
		TokenSec: "secret",
	}
	node := &model.Node{ID: model.NewID(), ClusterID: cluster.ID, Name: "pve", Active: true}
	storage := &model.Storage{ID: model.NewID(), NodeID: node.ID, Name: "local-lvm"}
	plan := &model.Plan{
		ID: model.NewID(), Name: "Starter",
		VCPU: 2, RAMGiB: 4, StorageGiB: 80, MonthlyPrice: 150000,
	}
	tmpl := &model.Template{
		ID:          model.NewID(),
		Name:        "ubuntu-22.04",
		ClusterID:   cluster.ID,
		NodeID:      node.ID,
		StorageID:   storage.ID,
		CloudInit:   true,
		DefaultUser: "ubuntu",
		BaseVMID:    9000,
	}
	st.Seed([]*model.Plan{plan}, []*model.Template{tmpl}, []*model.Cluster{cluster},
		[]*model.Node{node}, []*model.Storage{storage})

	ctx := context.Background()
	user := &model.User{ID: model.NewID(), Email: "buyer@example.com", Role: model.RoleUser}
	require.NoError(t, st.CreateUser(ctx, user))

	paidAt := time.Now()
	order := &model.Order{
		ID: model.NewID(), Number: "VPS-TEST01-ABC123", UserID: user.ID,
		Total: 150000, Currency: "VND", Status: model.OrderPaid, PaidAt: &paidAt,
	}
	require.NoError(t, st.CreateOrder(ctx, order))

	item := &model.OrderItem{
		ID: model.NewID(), OrderID: order.ID, PlanID: plan.ID, TemplateID: tmpl.ID,
		Hostname: "web-01", DurationMonths: 2, UnitPrice: 150000, TotalPrice: 300000,
		Config: model.ItemConfig{VCPU: 2, RAMGiB: 4, StorageGiB: 80},
	}
	require.NoError(t, st.CreateOrderItem(ctx, item))

	coord := NewCoordinator(st, config.HypervisorConfig{
		TaskPollInterval: 10 * time.Millisecond,
		TaskTimeout:      5 * time.Second,
		StopPollAttempts: 3,
		StopPollInterval: 10 * time.Millisecond,
		IPWaitTimeout:    200 * time.Millisecond,
		IPPollInterval:   20 * time.Millisecond,
	})

	return &fixture{store: st, fake: fake, coord: coord, user: user, order: order, item: item, cluster: cluster}
}

func TestSetupOrderProvisionsInstance(t *testing.T) {
	f := newFixture(t, &pvefake.Config{GuestIPOnStart: "10.10.7.42"})
	ctx := context.Background()

	instances, err := f.coord.SetupOrder(ctx, f.user, f.order.Number)
	require.NoError(t, err)
	require.Len(t, instances, 1)

	instance := instances[0]
	assert.Equal(t, model.VPSActive, instance.Status)
	assert.Equal(t, f.item.ID, instance.OrderItemID)
	require.NotNil(t, instance.VMID)

	// Two billing months of 30 days each.
	expectedExpiry := instance.CreatedAt.Add(2 * 30 * 24 * time.Hour)
	assert.WithinDuration(t, expectedExpiry, instance.ExpiresAt, time.Second)

	vm, err := f.store.GetVM(ctx, *instance.VMID)
	require.NoError(t, err)
	assert.Equal(t, "10.10.7.42", vm.IPAddress)
	assert.Equal(t, "web-01", vm.Hostname)
	assert.Equal(t, "ubuntu", vm.Username)
	assert.Len(t, vm.Password, 16)
	assert.Len(t, vm.VNCPassword, 8)
	assert.Equal(t, model.PowerRunning, vm.PowerStatus)

	// The hypervisor side really has a running VM with the plan's shape.
	fakeVM, ok := f.fake.GetVM(vm.VMID)
	require.True(t, ok)
	assert.Equal(t, "running", fakeVM.Status)
	assert.Equal(t, 2, fakeVM.CPUs)
	assert.Equal(t, int64(4096)*1024*1024, fakeVM.Memory)
	assert.Equal(t, "ubuntu", fakeVM.CIUser)
}

func TestProvisionIsIdempotent(t *testing.T) {
	f := newFixture(t, &pvefake.Config{GuestIPOnStart: "10.10.7.42"})
	ctx := context.Background()

	first, err := f.coord.SetupOrder(ctx, f.user, f.order.Number)
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := f.coord.SetupOrder(ctx, f.user, f.order.Number)
	require.NoError(t, err)
	require.Len(t, second, 1)

	assert.Equal(t, first[0].ID, second[0].ID, "second call returns the same instance")
}

func TestProvisionMissingIPIsNotFatal(t *testing.T) {
	f := newFixture(t, nil) // agent never reports an address
	ctx := context.Background()

	instances, err := f.coord.SetupOrder(ctx, f.user, f.order.Number)
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, model.VPSActive, instances[0].Status)

	vm, err := f.store.GetVM(ctx, *instances[0].VMID)
	require.NoError(t, err)
	assert.Empty(t, vm.IPAddress, "instance is recorded with an empty address")
}

func TestSetupOrderRequiresPaid(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.order.Status = model.OrderPending
	f.order.PaidAt = nil
	require.NoError(t, f.store.UpdateOrder(ctx, f.order))

	_, err := f.coord.SetupOrder(ctx, f.user, f.order.Number)
	require.Error(t, err)
	assert.True(t, errdefs.IsKind(err, errdefs.KindInvalidState))
}

func TestSetupOrderOwnership(t *testing.T) {
	f := newFixture(t, nil)

	stranger := &model.User{ID: model.NewID(), Role: model.RoleUser}
	_, err := f.coord.SetupOrder(context.Background(), stranger, f.order.Number)
	require.Error(t, err)
	assert.True(t, errdefs.IsKind(err, errdefs.KindForbidden))
}

func TestProvisionShortCircuitsOnExistingInstance(t *testing.T) {
	f := newFixture(t, &pvefake.Config{GuestIPOnStart: "10.10.7.42"})
	ctx := context.Background()

	// Even a terminated instance keeps the item link: the at-most-once
	// guard never provisions twice for the same item.
	existing := &model.VPSInstance{
		ID:          model.NewID(),
		UserID:      f.user.ID,
		PlanID:      f.item.PlanID,
		OrderItemID: f.item.ID,
		Status:      model.VPSTerminated,
	}
	require.NoError(t, f.store.CreateVPS(ctx, existing))

	got, err := f.coord.ProvisionItem(ctx, f.order, f.item)
	require.NoError(t, err)
	assert.Equal(t, existing.ID, got.ID)
}

func TestProvisionCloneFailureLeavesNoState(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	tmpl, err := f.store.GetTemplate(ctx, f.item.TemplateID)
	require.NoError(t, err)
	tmpl.BaseVMID = 4242 // no such template vm on the hypervisor

	badTmpl := *tmpl
	badTmpl.ID = model.NewID()
	f.store.Seed(nil, []*model.Template{&badTmpl}, nil, nil, nil)
	f.item.TemplateID = badTmpl.ID

	// The failed clone goes through compensation like every later failure
	// and surfaces as an internal provisioning error.
	_, err = f.coord.ProvisionItem(ctx, f.order, f.item)
	require.Error(t, err)
	assert.True(t, errdefs.IsKind(err, errdefs.KindInternal))
	assert.Contains(t, err.Error(), "provisioning failed")

	// Nothing was persisted for the item.
	_, err = f.store.GetVPSByOrderItem(ctx, f.item.ID)
	assert.True(t, errdefs.IsKind(err, errdefs.KindNotFound))
}

func TestProvisionRejectsNodeWithoutCapacity(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	// A node advertising 2 GiB at the default 1.5x overcommit cannot fit
	// the plan's 4 GiB.
	small := &model.Node{
		ID: model.NewID(), ClusterID: f.cluster.ID, Name: "pve-small",
		TotalCPU: 8, TotalRAMGiB: 2, Active: true,
	}
	storage := &model.Storage{ID: model.NewID(), NodeID: small.ID, Name: "local-lvm"}

	tmpl, err := f.store.GetTemplate(ctx, f.item.TemplateID)
	require.NoError(t, err)
	crowded := *tmpl
	crowded.ID = model.NewID()
	crowded.NodeID = small.ID
	crowded.StorageID = storage.ID
	f.store.Seed(nil, []*model.Template{&crowded}, nil, []*model.Node{small}, []*model.Storage{storage})
	f.item.TemplateID = crowded.ID

	_, err = f.coord.ProvisionItem(ctx, f.order, f.item)
	require.Error(t, err)
	assert.True(t, errdefs.IsKind(err, errdefs.KindLimitExceeded))

	// Refused before anything was reserved or persisted.
	_, err = f.store.GetVPSByOrderItem(ctx, f.item.ID)
	assert.True(t, errdefs.IsKind(err, errdefs.KindNotFound))
}
