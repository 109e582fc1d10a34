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

package pveapi

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietstack/vpsd/internal/errdefs"
	"github.com/vietstack/vpsd/internal/hypervisor/pvefake"
	"github.com/vietstack/vpsd/internal/resilience"
)

func newTestClient(t *testing.T, config *pvefake.Config) (*Client, *pvefake.Server) {
	t.Helper()

	fake, endpoint, stop, err := pvefake.StartWith(config)
	require.NoError(t, err)
	t.Cleanup(stop)

	client, err := NewClient(&Config{
		Endpoint:         endpoint,
		TokenID:          "vpsd@pve!test",
		TokenSecret:      "secret",
		TaskPollInterval: 10 * time.Millisecond,
		TaskTimeout:      5 * time.Second,
		StopPollAttempts: 5,
		StopPollInterval: 20 * time.Millisecond,
		Retry: &resilience.RetryConfig{
			MaxAttempts: 2,
			BaseDelay:   time.Millisecond,
			MaxDelay:    10 * time.Millisecond,
			Multiplier:  2.0,
		},
	})
	require.NoError(t, err)

	return client, fake
}

func TestNextVmid(t *testing.T) {
	client, _ := newTestClient(t, nil)
	ctx := context.Background()

	first, err := client.NextVmid(ctx)
	require.NoError(t, err)
	assert.Greater(t, first, 100)

	second, err := client.NextVmid(ctx)
	require.NoError(t, err)
	assert.Greater(t, second, first)
}

func TestGetVM(t *testing.T) {
	client, _ := newTestClient(t, nil)
	ctx := context.Background()

	vm, err := client.GetVM(ctx, "pve", 100)
	require.NoError(t, err)
	assert.Equal(t, 100, vm.VMID)
	assert.Equal(t, "running", vm.Status)
	assert.Equal(t, "pve", vm.Node)
}

func TestGetVMNotFound(t *testing.T) {
	client, _ := newTestClient(t, nil)

	_, err := client.GetVM(context.Background(), "pve", 4242)
	require.Error(t, err)
	assert.True(t, errdefs.IsKind(err, errdefs.KindNotFound))
}

func TestCloneAndWait(t *testing.T) {
	client, _ := newTestClient(t, nil)
	ctx := context.Background()

	vmid, err := client.NextVmid(ctx)
	require.NoError(t, err)

	upid, err := client.Clone(ctx, "pve", 9000, vmid, "web-01", "local-lvm")
	require.NoError(t, err)
	require.NotEmpty(t, upid)

	require.NoError(t, client.WaitForTask(ctx, "pve", upid))

	vm, err := client.GetVM(ctx, "pve", vmid)
	require.NoError(t, err)
	assert.Equal(t, "web-01", vm.Name)
	assert.Equal(t, "stopped", vm.Status)
}

func TestCloneDuplicateVmid(t *testing.T) {
	client, _ := newTestClient(t, nil)
	ctx := context.Background()

	_, err := client.Clone(ctx, "pve", 9000, 100, "dup", "")
	require.Error(t, err)
	assert.True(t, errdefs.IsKind(err, errdefs.KindConflict))
}

func TestConfigureAndResize(t *testing.T) {
	client, fake := newTestClient(t, nil)
	ctx := context.Background()

	require.NoError(t, client.Configure(ctx, "pve", 100, 4, 4096))

	vm, ok := fake.GetVM(100)
	require.True(t, ok)
	assert.Equal(t, 4, vm.CPUs)
	assert.Equal(t, int64(4096)*1024*1024, vm.Memory)

	require.NoError(t, client.ResizeDisk(ctx, "pve", 100, "scsi0", 80))
}

func TestPowerLifecycle(t *testing.T) {
	client, _ := newTestClient(t, nil)
	ctx := context.Background()

	upid, err := client.Power(ctx, "pve", 100, PowerStop)
	require.NoError(t, err)
	require.NoError(t, client.WaitForTask(ctx, "pve", upid))

	vm, err := client.GetVM(ctx, "pve", 100)
	require.NoError(t, err)
	assert.Equal(t, "stopped", vm.Status)

	upid, err = client.Power(ctx, "pve", 100, PowerStart)
	require.NoError(t, err)
	require.NoError(t, client.WaitForTask(ctx, "pve", upid))

	vm, err = client.GetVM(ctx, "pve", 100)
	require.NoError(t, err)
	assert.Equal(t, "running", vm.Status)
}

func TestParsePowerAction(t *testing.T) {
	for _, name := range []string{"start", "stop", "shutdown", "reboot", "reset", "suspend", "resume"} {
		action, err := ParsePowerAction(name)
		require.NoError(t, err)
		assert.Equal(t, PowerAction(name), action)
	}

	_, err := ParsePowerAction("hibernate")
	require.Error(t, err)
	assert.True(t, errdefs.IsKind(err, errdefs.KindInvalidArgument))
}

func TestStopAndVerify(t *testing.T) {
	client, _ := newTestClient(t, &pvefake.Config{StopDelay: 50 * time.Millisecond})
	ctx := context.Background()

	err := client.StopAndVerify(ctx, "pve", 100)
	require.NoError(t, err)

	vm, err := client.GetVM(ctx, "pve", 100)
	require.NoError(t, err)
	assert.Equal(t, "stopped", vm.Status)
}

func TestStopAndVerifyAlreadyStopped(t *testing.T) {
	client, _ := newTestClient(t, nil)
	ctx := context.Background()

	upid, err := client.Power(ctx, "pve", 100, PowerStop)
	require.NoError(t, err)
	require.NoError(t, client.WaitForTask(ctx, "pve", upid))

	// No stop task should be needed on an already-stopped VM.
	require.NoError(t, client.StopAndVerify(ctx, "pve", 100))
}

func TestDeleteRequiresStopped(t *testing.T) {
	client, _ := newTestClient(t, nil)
	ctx := context.Background()

	_, err := client.Delete(ctx, "pve", 100)
	require.Error(t, err)
	assert.True(t, errdefs.IsKind(err, errdefs.KindInvalidState))

	require.NoError(t, client.StopAndVerify(ctx, "pve", 100))

	upid, err := client.Delete(ctx, "pve", 100)
	require.NoError(t, err)
	require.NoError(t, client.WaitForTask(ctx, "pve", upid))

	_, err = client.GetVM(ctx, "pve", 100)
	assert.True(t, errdefs.IsKind(err, errdefs.KindNotFound))
}

func TestDeleteMissingVMIsIdempotent(t *testing.T) {
	client, _ := newTestClient(t, nil)

	upid, err := client.Delete(context.Background(), "pve", 31337)
	require.NoError(t, err)
	assert.Empty(t, upid)
}

func TestSnapshotLifecycle(t *testing.T) {
	client, _ := newTestClient(t, nil)
	ctx := context.Background()

	upid, err := client.CreateSnapshot(ctx, "pve", 100, "before-upgrade", "pre maintenance")
	require.NoError(t, err)
	require.NoError(t, client.WaitForTask(ctx, "pve", upid))

	snaps, err := client.ListSnapshots(ctx, "pve", 100)
	require.NoError(t, err)

	names := make([]string, 0, len(snaps))
	for _, snap := range snaps {
		names = append(names, snap.Name)
	}
	assert.Contains(t, names, "before-upgrade")
	assert.Contains(t, names, "current")

	_, err = client.CreateSnapshot(ctx, "pve", 100, "before-upgrade", "")
	require.Error(t, err)
	assert.True(t, errdefs.IsKind(err, errdefs.KindConflict))

	upid, err = client.RollbackSnapshot(ctx, "pve", 100, "before-upgrade")
	require.NoError(t, err)
	require.NoError(t, client.WaitForTask(ctx, "pve", upid))

	upid, err = client.DeleteSnapshot(ctx, "pve", 100, "before-upgrade")
	require.NoError(t, err)
	require.NoError(t, client.WaitForTask(ctx, "pve", upid))

	snaps, err = client.ListSnapshots(ctx, "pve", 100)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, "current", snaps[0].Name)
}

func TestGuestIPFiltering(t *testing.T) {
	client, fake := newTestClient(t, nil)
	fake.SetGuestAddress(100, "203.0.113.7", "BC:24:11:AA:BB:CC")

	addrs, err := client.GuestIP(context.Background(), "pve", 100)
	require.NoError(t, err)
	require.Len(t, addrs, 1)
	assert.Equal(t, "203.0.113.7", addrs[0].IP)
	assert.Equal(t, "BC:24:11:AA:BB:CC", addrs[0].MAC)
}

func TestGuestIPAgentNotReadyIsSoft(t *testing.T) {
	client, _ := newTestClient(t, nil)
	ctx := context.Background()

	vmid, err := client.NextVmid(ctx)
	require.NoError(t, err)
	upid, err := client.Clone(ctx, "pve", 9000, vmid, "booting", "")
	require.NoError(t, err)
	require.NoError(t, client.WaitForTask(ctx, "pve", upid))

	addrs, err := client.GuestIP(ctx, "pve", vmid)
	require.NoError(t, err)
	assert.Empty(t, addrs)
}

func TestVncProxy(t *testing.T) {
	client, _ := newTestClient(t, nil)
	ctx := context.Background()

	ticket, err := client.VncProxy(ctx, "pve", 100)
	require.NoError(t, err)
	assert.NotZero(t, ticket.Port)
	assert.NotEmpty(t, ticket.Ticket)
	assert.Positive(t, ticket.ExpiresIn)
}

func TestRrd(t *testing.T) {
	client, _ := newTestClient(t, nil)

	points, err := client.Rrd(context.Background(), "pve", 100, "hour", "AVERAGE")
	require.NoError(t, err)
	assert.NotEmpty(t, points)
	assert.Contains(t, points[0], "cpu")
}

func TestListNodes(t *testing.T) {
	client, _ := newTestClient(t, nil)

	nodes, err := client.ListNodes(context.Background())
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "pve", nodes[0].Node)
	assert.Equal(t, "online", nodes[0].Status)
}

// hypervisorOpCount reads the operations counter for one label pair from
// the default registry.
func hypervisorOpCount(t *testing.T, operation, outcome string) float64 {
	t.Helper()

	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)

	for _, mf := range families {
		if mf.GetName() != "vpsd_hypervisor_operations_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := make(map[string]string, len(m.GetLabel()))
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			if labels["operation"] == operation && labels["outcome"] == outcome {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func TestOperationOutcomesReachMetrics(t *testing.T) {
	client, _ := newTestClient(t, nil)
	ctx := context.Background()

	errBefore := hypervisorOpCount(t, "delete", "error")
	okBefore := hypervisorOpCount(t, "status", "success")

	// Deleting a running VM is refused by the hypervisor.
	_, err := client.Delete(ctx, "pve", 100)
	require.Error(t, err)

	_, err = client.GetVM(ctx, "pve", 100)
	require.NoError(t, err)

	assert.Equal(t, errBefore+1, hypervisorOpCount(t, "delete", "error"),
		"failed delete counts as an error")
	assert.Equal(t, okBefore+1, hypervisorOpCount(t, "status", "success"))
}

func TestUpstreamFailureIsRetryable(t *testing.T) {
	client, _ := newTestClient(t, &pvefake.Config{FailureMode: "always"})

	_, err := client.GetVM(context.Background(), "pve", 100)
	require.Error(t, err)
	assert.True(t, errdefs.IsRetryable(err))
}
