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

// Package provision turns paid order items into running VPS instances. The
// coordinator is the only writer of the OrderItem to VPSInstance link and
// enforces its at-most-once property.
package provision

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vietstack/vpsd/internal/config"
	"github.com/vietstack/vpsd/internal/errdefs"
	"github.com/vietstack/vpsd/internal/hypervisor/pveapi"
	"github.com/vietstack/vpsd/internal/model"
	"github.com/vietstack/vpsd/internal/obs/logging"
	"github.com/vietstack/vpsd/internal/obs/metrics"
	"github.com/vietstack/vpsd/internal/store"
)

// billingMonth is the billing period unit. A month is 30 days.
const billingMonth = 30 * 24 * time.Hour

// Coordinator provisions VPS instances from paid orders.
type Coordinator struct {
	store store.Store
	cfg   config.HypervisorConfig
	now   func() time.Time

	mu      sync.Mutex
	clients map[model.ID]*pveapi.Client
}

// NewCoordinator creates a provisioning coordinator.
func NewCoordinator(st store.Store, cfg config.HypervisorConfig) *Coordinator {
	return &Coordinator{
		store:   st,
		cfg:     cfg,
		now:     time.Now,
		clients: make(map[model.ID]*pveapi.Client),
	}
}

// ClientFor returns the shared API client for a cluster, creating it on
// first use. TLS verification follows the cluster record.
func (c *Coordinator) ClientFor(cluster *model.Cluster) (*pveapi.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if client, ok := c.clients[cluster.ID]; ok {
		return client, nil
	}

	client, err := pveapi.NewClient(&pveapi.Config{
		Endpoint:         cluster.Endpoint,
		TokenID:          cluster.TokenID,
		TokenSecret:      cluster.TokenSec,
		Username:         cluster.Username,
		Password:         cluster.Password,
		VerifyTLS:        cluster.VerifyTLS,
		RequestTimeout:   c.cfg.RequestTimeout,
		TaskPollInterval: c.cfg.TaskPollInterval,
		TaskTimeout:      c.cfg.TaskTimeout,
		StopPollAttempts: c.cfg.StopPollAttempts,
		StopPollInterval: c.cfg.StopPollInterval,
	})
	if err != nil {
		return nil, errdefs.NewInternal(fmt.Sprintf("failed to build client for cluster %s", cluster.Name), err)
	}

	c.clients[cluster.ID] = client
	return client, nil
}

// SetupOrder provisions every item of a paid order. The call is idempotent:
// items that already have an instance are returned unchanged.
func (c *Coordinator) SetupOrder(ctx context.Context, user *model.User, orderNumber string) ([]*model.VPSInstance, error) {
	order, err := c.store.GetOrderByNumber(ctx, orderNumber)
	if err != nil {
		return nil, err
	}
	if order.UserID != user.ID && !user.IsAdmin() {
		return nil, errdefs.NewForbidden("order %s does not belong to user", orderNumber)
	}
	if order.Status != model.OrderPaid {
		return nil, errdefs.NewInvalidState("order %s is not paid", orderNumber)
	}

	items, err := c.store.ListOrderItems(ctx, order.ID)
	if err != nil {
		return nil, err
	}

	instances := make([]*model.VPSInstance, 0, len(items))
	for _, item := range items {
		instance, err := c.ProvisionItem(ctx, order, item)
		if err != nil {
			return instances, err
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

// ProvisionItem runs the provisioning sequence for one order item: reserve
// a vmid, clone the template, size the VM, boot it, wait for an address,
// then persist the instance and its VM record in one transaction. A failure
// after the clone tears the VM back down before surfacing.
func (c *Coordinator) ProvisionItem(ctx context.Context, order *model.Order, item *model.OrderItem) (*model.VPSInstance, error) {
	// Idempotence: the second call returns the same instance.
	if existing, err := c.store.GetVPSByOrderItem(ctx, item.ID); err == nil {
		return existing, nil
	} else if !errdefs.IsKind(err, errdefs.KindNotFound) {
		return nil, err
	}

	start := c.now()
	log := logging.FromContext(ctx).WithValues("order", order.Number, "hostname", item.Hostname)

	tmpl, err := c.store.GetTemplate(ctx, item.TemplateID)
	if err != nil {
		return nil, err
	}
	cluster, err := c.store.GetCluster(ctx, tmpl.ClusterID)
	if err != nil {
		return nil, err
	}
	node, err := c.store.GetNode(ctx, tmpl.NodeID)
	if err != nil {
		return nil, err
	}
	storage, err := c.store.GetStorage(ctx, tmpl.StorageID)
	if err != nil {
		return nil, err
	}

	if err := c.ensureCapacity(ctx, node, item.Config); err != nil {
		return nil, err
	}

	client, err := c.ClientFor(cluster)
	if err != nil {
		return nil, err
	}

	vmid, err := client.NextVmid(ctx)
	if err != nil {
		metrics.RecordProvisioning("error", time.Since(start))
		return nil, err
	}

	log = log.WithValues("vmid", vmid, "node", node.Name)
	log.Info("cloning template", "template", tmpl.Name)

	upid, err := client.Clone(ctx, node.Name, tmpl.BaseVMID, vmid, item.Hostname, storage.Name)
	if err != nil {
		metrics.RecordProvisioning("error", time.Since(start))
		return nil, c.compensate(ctx, client, node.Name, vmid, err)
	}
	if err := client.WaitForTask(ctx, node.Name, upid); err != nil {
		metrics.RecordProvisioning("error", time.Since(start))
		return nil, c.compensate(ctx, client, node.Name, vmid, err)
	}

	instance, err := c.finishProvision(ctx, client, order, item, tmpl, cluster, node, vmid)
	if err != nil {
		metrics.RecordProvisioning("error", time.Since(start))
		return nil, c.compensate(ctx, client, node.Name, vmid, err)
	}

	log.Info("provisioned instance", "vps", instance.ID.String(), "expiresAt", instance.ExpiresAt)
	metrics.RecordProvisioning("success", time.Since(start))
	return instance, nil
}

// ensureCapacity verifies the target node still has headroom for the item
// after overcommit. A node with no recorded totals is not capacity-managed
// and accepts everything.
func (c *Coordinator) ensureCapacity(ctx context.Context, node *model.Node, cfg model.ItemConfig) error {
	if node.TotalCPU == 0 && node.TotalRAMGiB == 0 {
		return nil
	}

	var usedCPU, usedRAM int
	for _, status := range []model.VPSStatus{model.VPSCreating, model.VPSActive, model.VPSSuspended} {
		instances, err := c.store.ListVPSByStatus(ctx, status)
		if err != nil {
			return err
		}
		for _, instance := range instances {
			if instance.VMID == nil {
				continue
			}
			vm, err := c.store.GetVM(ctx, *instance.VMID)
			if err != nil || vm.NodeID != node.ID {
				continue
			}
			item, err := c.store.GetOrderItem(ctx, instance.OrderItemID)
			if err != nil {
				continue
			}
			usedCPU += item.Config.VCPU
			usedRAM += item.Config.RAMGiB
		}
	}

	if node.TotalCPU > 0 && float64(usedCPU+cfg.VCPU) > node.EffectiveCPU() {
		return errdefs.NewLimitExceeded("node %s has no cpu capacity left", node.Name)
	}
	if node.TotalRAMGiB > 0 && float64(usedRAM+cfg.RAMGiB) > node.EffectiveRAMGiB() {
		return errdefs.NewLimitExceeded("node %s has no memory capacity left", node.Name)
	}
	return nil
}

// finishProvision runs everything between a successful clone and the final
// commit. Split out so its error paths share one compensation point.
func (c *Coordinator) finishProvision(
	ctx context.Context,
	client *pveapi.Client,
	order *model.Order,
	item *model.OrderItem,
	tmpl *model.Template,
	cluster *model.Cluster,
	node *model.Node,
	vmid int,
) (*model.VPSInstance, error) {
	if err := client.Configure(ctx, node.Name, vmid, item.Config.VCPU, int64(item.Config.RAMGiB)*1024); err != nil {
		return nil, err
	}
	if err := client.ResizeDisk(ctx, node.Name, vmid, "scsi0", item.Config.StorageGiB); err != nil {
		return nil, err
	}

	username := tmpl.DefaultUser
	if username == "" {
		username = "root"
	}
	password, err := newPassword(16)
	if err != nil {
		return nil, errdefs.NewInternal("credential generation failed", err)
	}
	vncPassword, err := newPassword(8)
	if err != nil {
		return nil, errdefs.NewInternal("credential generation failed", err)
	}

	if tmpl.CloudInit {
		if err := client.SetCloudInit(ctx, node.Name, vmid, username, password); err != nil {
			return nil, err
		}
	}

	upid, err := client.Power(ctx, node.Name, vmid, pveapi.PowerStart)
	if err != nil {
		return nil, err
	}
	if err := client.WaitForTask(ctx, node.Name, upid); err != nil {
		return nil, err
	}

	// Address discovery is best effort: a VM that has not reported an IP by
	// the deadline is still recorded active with an empty address.
	ip, mac := c.waitForAddress(ctx, client, node.Name, vmid)

	now := c.now()
	vm := &model.HypervisorVM{
		ID:          model.NewID(),
		ClusterID:   cluster.ID,
		NodeID:      node.ID,
		TemplateID:  tmpl.ID,
		VMID:        vmid,
		Hostname:    item.Hostname,
		IPAddress:   ip,
		MACAddress:  mac,
		Username:    username,
		Password:    password,
		VNCPassword: vncPassword,
		PowerStatus: model.PowerRunning,
	}
	instance := &model.VPSInstance{
		ID:          model.NewID(),
		UserID:      order.UserID,
		PlanID:      item.PlanID,
		OrderItemID: item.ID,
		VMID:        &vm.ID,
		Status:      model.VPSActive,
		ExpiresAt:   now.Add(time.Duration(item.DurationMonths) * billingMonth),
		CreatedAt:   now,
	}

	err = c.store.Atomic(ctx, func(tx store.Store) error {
		if err := tx.CreateVM(ctx, vm); err != nil {
			return err
		}
		return tx.CreateVPS(ctx, instance)
	})
	if err != nil {
		return nil, err
	}
	return instance, nil
}

// waitForAddress polls the guest agent until an address appears or the
// window closes. Absence is not an error.
func (c *Coordinator) waitForAddress(ctx context.Context, client *pveapi.Client, node string, vmid int) (string, string) {
	timeout := c.cfg.IPWaitTimeout
	if timeout == 0 {
		timeout = 5 * time.Minute
	}
	interval := c.cfg.IPPollInterval
	if interval == 0 {
		interval = 10 * time.Second
	}

	deadline := time.Now().Add(timeout)
	for {
		addrs, err := client.GuestIP(ctx, node, vmid)
		if err == nil && len(addrs) > 0 {
			return addrs[0].IP, addrs[0].MAC
		}
		if time.Now().After(deadline) {
			return "", ""
		}
		select {
		case <-ctx.Done():
			return "", ""
		case <-time.After(interval):
		}
	}
}

// compensate tears down a half-provisioned VM so a retry starts clean, then
// wraps the original failure with the correlation id for the caller.
func (c *Coordinator) compensate(ctx context.Context, client *pveapi.Client, node string, vmid int, cause error) error {
	log := logging.FromContext(ctx).WithValues("vmid", vmid, "node", node)
	log.Error(cause, "provisioning failed, tearing down vm")

	if err := client.StopAndVerify(ctx, node, vmid); err != nil {
		log.Error(err, "compensation stop failed")
	} else if upid, err := client.Delete(ctx, node, vmid); err != nil {
		log.Error(err, "compensation delete failed")
	} else if err := client.WaitForTask(ctx, node, upid); err != nil {
		log.Error(err, "compensation delete task failed")
	}

	msg := "provisioning failed"
	if cid := logging.CorrelationID(ctx); cid != "" {
		msg = fmt.Sprintf("provisioning failed (correlation id %s)", cid)
	}
	return errdefs.NewInternal(msg, cause)
}
