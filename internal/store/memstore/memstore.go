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

// Package memstore provides the in-memory reference implementation of the
// store interface, used by the test suite and for local development.
//
// Records are kept in per-entity maps guarded by one RW mutex. Every write
// stores a copy and every read returns a copy, so stored values are never
// mutated in place; that makes a transaction snapshot a plain shallow copy
// of the maps. Atomic serializes transactions with a dedicated mutex, which
// doubles as the advisory lock for payment-callback replay protection.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vietstack/vpsd/internal/errdefs"
	"github.com/vietstack/vpsd/internal/model"
	"github.com/vietstack/vpsd/internal/store"
)

// Store is the in-memory store.
type Store struct {
	mu   sync.RWMutex
	txMu sync.Mutex

	users     map[model.ID]*model.User
	plans     map[model.ID]*model.Plan
	templates map[model.ID]*model.Template
	clusters  map[model.ID]*model.Cluster
	nodes     map[model.ID]*model.Node
	storages  map[model.ID]*model.Storage
	orders    map[model.ID]*model.Order
	items     map[model.ID]*model.OrderItem
	payments  map[model.ID]*model.PaymentTransaction
	instances map[model.ID]*model.VPSInstance
	vms       map[model.ID]*model.HypervisorVM
	snapshots map[model.ID]*model.Snapshot
	promos    map[model.ID]*model.Promotion
	promoUses map[model.ID]*model.UserPromotion
	cart      map[model.ID]*model.CartItem
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		users:     make(map[model.ID]*model.User),
		plans:     make(map[model.ID]*model.Plan),
		templates: make(map[model.ID]*model.Template),
		clusters:  make(map[model.ID]*model.Cluster),
		nodes:     make(map[model.ID]*model.Node),
		storages:  make(map[model.ID]*model.Storage),
		orders:    make(map[model.ID]*model.Order),
		items:     make(map[model.ID]*model.OrderItem),
		payments:  make(map[model.ID]*model.PaymentTransaction),
		instances: make(map[model.ID]*model.VPSInstance),
		vms:       make(map[model.ID]*model.HypervisorVM),
		snapshots: make(map[model.ID]*model.Snapshot),
		promos:    make(map[model.ID]*model.Promotion),
		promoUses: make(map[model.ID]*model.UserPromotion),
		cart:      make(map[model.ID]*model.CartItem),
	}
}

var _ store.Store = (*Store)(nil)

// snapshotState captures the current maps for rollback.
type snapshotState struct {
	users     map[model.ID]*model.User
	plans     map[model.ID]*model.Plan
	templates map[model.ID]*model.Template
	clusters  map[model.ID]*model.Cluster
	nodes     map[model.ID]*model.Node
	storages  map[model.ID]*model.Storage
	orders    map[model.ID]*model.Order
	items     map[model.ID]*model.OrderItem
	payments  map[model.ID]*model.PaymentTransaction
	instances map[model.ID]*model.VPSInstance
	vms       map[model.ID]*model.HypervisorVM
	snapshots map[model.ID]*model.Snapshot
	promos    map[model.ID]*model.Promotion
	promoUses map[model.ID]*model.UserPromotion
	cart      map[model.ID]*model.CartItem
}

func copyMap[V any](src map[model.ID]*V) map[model.ID]*V {
	dst := make(map[model.ID]*V, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func (s *Store) snapshotAll() *snapshotState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return &snapshotState{
		users:     copyMap(s.users),
		plans:     copyMap(s.plans),
		templates: copyMap(s.templates),
		clusters:  copyMap(s.clusters),
		nodes:     copyMap(s.nodes),
		storages:  copyMap(s.storages),
		orders:    copyMap(s.orders),
		items:     copyMap(s.items),
		payments:  copyMap(s.payments),
		instances: copyMap(s.instances),
		vms:       copyMap(s.vms),
		snapshots: copyMap(s.snapshots),
		promos:    copyMap(s.promos),
		promoUses: copyMap(s.promoUses),
		cart:      copyMap(s.cart),
	}
}

func (s *Store) restore(st *snapshotState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users = st.users
	s.plans = st.plans
	s.templates = st.templates
	s.clusters = st.clusters
	s.nodes = st.nodes
	s.storages = st.storages
	s.orders = st.orders
	s.items = st.items
	s.payments = st.payments
	s.instances = st.instances
	s.vms = st.vms
	s.snapshots = st.snapshots
	s.promos = st.promos
	s.promoUses = st.promoUses
	s.cart = st.cart
}

// Atomic runs fn as one serialized transaction with rollback on error.
func (s *Store) Atomic(ctx context.Context, fn func(tx store.Store) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	before := s.snapshotAll()
	if err := fn(s); err != nil {
		s.restore(before)
		return err
	}
	return nil
}

// Seed loads fixtures outside any transaction; intended for tests and dev.
func (s *Store) Seed(plans []*model.Plan, templates []*model.Template, clusters []*model.Cluster, nodes []*model.Node, storages []*model.Storage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range plans {
		cp := *p
		s.plans[p.ID] = &cp
	}
	for _, t := range templates {
		cp := *t
		s.templates[t.ID] = &cp
	}
	for _, c := range clusters {
		cp := *c
		s.clusters[c.ID] = &cp
	}
	for _, n := range nodes {
		cp := *n
		s.nodes[n.ID] = &cp
	}
	for _, st := range storages {
		cp := *st
		s.storages[st.ID] = &cp
	}
}

// AddPromotion installs a promotion fixture.
func (s *Store) AddPromotion(p *model.Promotion) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.promos[p.ID] = &cp
}

// --- Users ---

func (s *Store) CreateUser(_ context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.users {
		if strings.EqualFold(existing.Email, u.Email) {
			return errdefs.NewConflict("email %s already registered", u.Email)
		}
	}
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

func (s *Store) GetUser(_ context.Context, id model.ID) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, errdefs.NewNotFound("user %s", id)
	}
	cp := *u
	return &cp, nil
}

func (s *Store) GetUserByEmail(_ context.Context, email string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if strings.EqualFold(u.Email, email) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, errdefs.NewNotFound("user %s", email)
}

func (s *Store) UpdateUser(_ context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.ID]; !ok {
		return errdefs.NewNotFound("user %s", u.ID)
	}
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

// --- Catalog ---

func (s *Store) GetPlan(_ context.Context, id model.ID) (*model.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.plans[id]
	if !ok {
		return nil, errdefs.NewNotFound("plan %s", id)
	}
	cp := *p
	return &cp, nil
}

func (s *Store) ListPlans(_ context.Context) ([]*model.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.Plan, 0, len(s.plans))
	for _, p := range s.plans {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MonthlyPrice < out[j].MonthlyPrice })
	return out, nil
}

func (s *Store) GetTemplate(_ context.Context, id model.ID) (*model.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.templates[id]
	if !ok {
		return nil, errdefs.NewNotFound("template %s", id)
	}
	cp := *t
	return &cp, nil
}

func (s *Store) ListTemplates(_ context.Context) ([]*model.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.Template, 0, len(s.templates))
	for _, t := range s.templates {
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// --- Inventory ---

func (s *Store) GetCluster(_ context.Context, id model.ID) (*model.Cluster, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clusters[id]
	if !ok {
		return nil, errdefs.NewNotFound("cluster %s", id)
	}
	cp := *c
	return &cp, nil
}

func (s *Store) GetNode(_ context.Context, id model.ID) (*model.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	if !ok {
		return nil, errdefs.NewNotFound("node %s", id)
	}
	cp := *n
	return &cp, nil
}

func (s *Store) ListNodesByCluster(_ context.Context, clusterID model.ID) ([]*model.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Node
	for _, n := range s.nodes {
		if n.ClusterID == clusterID {
			cp := *n
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) GetStorage(_ context.Context, id model.ID) (*model.Storage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.storages[id]
	if !ok {
		return nil, errdefs.NewNotFound("storage %s", id)
	}
	cp := *st
	return &cp, nil
}

// --- Orders ---

func (s *Store) CreateOrder(_ context.Context, o *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.orders {
		if existing.Number == o.Number {
			return errdefs.NewConflict("order number %s already exists", o.Number)
		}
	}
	cp := *o
	s.orders[o.ID] = &cp
	return nil
}

func (s *Store) GetOrder(_ context.Context, id model.ID) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, errdefs.NewNotFound("order %s", id)
	}
	cp := *o
	return &cp, nil
}

func (s *Store) GetOrderByNumber(_ context.Context, number string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, o := range s.orders {
		if o.Number == number {
			cp := *o
			return &cp, nil
		}
	}
	return nil, errdefs.NewNotFound("order %s", number)
}

func (s *Store) UpdateOrder(_ context.Context, o *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[o.ID]; !ok {
		return errdefs.NewNotFound("order %s", o.ID)
	}
	cp := *o
	s.orders[o.ID] = &cp
	return nil
}

func (s *Store) ListOrdersByUser(_ context.Context, userID model.ID) ([]*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Order
	for _, o := range s.orders {
		if o.UserID == userID {
			cp := *o
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ListOrdersSince(_ context.Context, since time.Time) ([]*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Order
	for _, o := range s.orders {
		if !o.CreatedAt.Before(since) {
			cp := *o
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) CreateOrderItem(_ context.Context, it *model.OrderItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *it
	s.items[it.ID] = &cp
	return nil
}

func (s *Store) GetOrderItem(_ context.Context, id model.ID) (*model.OrderItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	it, ok := s.items[id]
	if !ok {
		return nil, errdefs.NewNotFound("order item %s", id)
	}
	cp := *it
	return &cp, nil
}

func (s *Store) ListOrderItems(_ context.Context, orderID model.ID) ([]*model.OrderItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.OrderItem
	for _, it := range s.items {
		if it.OrderID == orderID {
			cp := *it
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hostname < out[j].Hostname })
	return out, nil
}

// --- Payments ---

func (s *Store) CreatePayment(_ context.Context, p *model.PaymentTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.payments {
		if existing.TxnID == p.TxnID {
			return errdefs.NewConflict("transaction %s already exists", p.TxnID)
		}
	}
	cp := clonePayment(p)
	s.payments[p.ID] = cp
	return nil
}

func (s *Store) GetPayment(_ context.Context, id model.ID) (*model.PaymentTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.payments[id]
	if !ok {
		return nil, errdefs.NewNotFound("payment %s", id)
	}
	return clonePayment(p), nil
}

func (s *Store) GetPaymentByTxnID(_ context.Context, txnID string) (*model.PaymentTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.payments {
		if p.TxnID == txnID {
			return clonePayment(p), nil
		}
	}
	return nil, errdefs.NewNotFound("transaction %s", txnID)
}

func (s *Store) GetPaymentByOrder(_ context.Context, orderID model.ID, method model.PaymentMethod) (*model.PaymentTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.payments {
		if p.OrderID == orderID && p.Method == method {
			return clonePayment(p), nil
		}
	}
	return nil, errdefs.NewNotFound("no %s transaction for order %s", method, orderID)
}

func (s *Store) UpdatePayment(_ context.Context, p *model.PaymentTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.payments[p.ID]; !ok {
		return errdefs.NewNotFound("payment %s", p.ID)
	}
	s.payments[p.ID] = clonePayment(p)
	return nil
}

func clonePayment(p *model.PaymentTransaction) *model.PaymentTransaction {
	cp := *p
	if p.RawResponse != nil {
		cp.RawResponse = make(map[string]string, len(p.RawResponse))
		for k, v := range p.RawResponse {
			cp.RawResponse[k] = v
		}
	}
	return &cp
}

// --- VPS instances ---

func (s *Store) CreateVPS(_ context.Context, v *model.VPSInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.instances {
		if existing.OrderItemID == v.OrderItemID {
			return errdefs.NewConflict("order item %s already provisioned", v.OrderItemID)
		}
	}
	cp := *v
	s.instances[v.ID] = &cp
	return nil
}

func (s *Store) GetVPS(_ context.Context, id model.ID) (*model.VPSInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.instances[id]
	if !ok {
		return nil, errdefs.NewNotFound("vps %s", id)
	}
	cp := *v
	return &cp, nil
}

func (s *Store) GetVPSByOrderItem(_ context.Context, itemID model.ID) (*model.VPSInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, v := range s.instances {
		if v.OrderItemID == itemID {
			cp := *v
			return &cp, nil
		}
	}
	return nil, errdefs.NewNotFound("no vps for order item %s", itemID)
}

func (s *Store) UpdateVPS(_ context.Context, v *model.VPSInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[v.ID]; !ok {
		return errdefs.NewNotFound("vps %s", v.ID)
	}
	cp := *v
	s.instances[v.ID] = &cp
	return nil
}

func (s *Store) ListVPSByUser(_ context.Context, userID model.ID) ([]*model.VPSInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.VPSInstance
	for _, v := range s.instances {
		if v.UserID == userID {
			cp := *v
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ListVPSByStatus(_ context.Context, status model.VPSStatus) ([]*model.VPSInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.VPSInstance
	for _, v := range s.instances {
		if v.Status == status {
			cp := *v
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out, nil
}

// --- Hypervisor VMs ---

func (s *Store) CreateVM(_ context.Context, vm *model.HypervisorVM) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.vms {
		if existing.ClusterID == vm.ClusterID && existing.VMID == vm.VMID {
			return errdefs.NewConflict("vmid %d already exists in cluster %s", vm.VMID, vm.ClusterID)
		}
	}
	cp := *vm
	s.vms[vm.ID] = &cp
	return nil
}

func (s *Store) GetVM(_ context.Context, id model.ID) (*model.HypervisorVM, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	vm, ok := s.vms[id]
	if !ok {
		return nil, errdefs.NewNotFound("vm %s", id)
	}
	cp := *vm
	return &cp, nil
}

func (s *Store) UpdateVM(_ context.Context, vm *model.HypervisorVM) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.vms[vm.ID]; !ok {
		return errdefs.NewNotFound("vm %s", vm.ID)
	}
	cp := *vm
	s.vms[vm.ID] = &cp
	return nil
}

func (s *Store) DeleteVM(_ context.Context, id model.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.vms[id]; !ok {
		return errdefs.NewNotFound("vm %s", id)
	}
	delete(s.vms, id)
	return nil
}

// --- Snapshots ---

func (s *Store) CreateSnapshot(_ context.Context, snap *model.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.snapshots {
		if existing.VMID == snap.VMID && existing.Name == snap.Name {
			return errdefs.NewConflict("snapshot %s already exists", snap.Name)
		}
	}
	cp := *snap
	s.snapshots[snap.ID] = &cp
	return nil
}

func (s *Store) ListSnapshotsByVM(_ context.Context, vmID model.ID) ([]*model.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Snapshot
	for _, snap := range s.snapshots {
		if snap.VMID == vmID {
			cp := *snap
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) GetSnapshotByName(_ context.Context, vmID model.ID, name string) (*model.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, snap := range s.snapshots {
		if snap.VMID == vmID && snap.Name == name {
			cp := *snap
			return &cp, nil
		}
	}
	return nil, errdefs.NewNotFound("snapshot %s", name)
}

func (s *Store) UpdateSnapshot(_ context.Context, snap *model.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.snapshots[snap.ID]; !ok {
		return errdefs.NewNotFound("snapshot %s", snap.ID)
	}
	cp := *snap
	s.snapshots[snap.ID] = &cp
	return nil
}

func (s *Store) DeleteSnapshot(_ context.Context, id model.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.snapshots[id]; !ok {
		return errdefs.NewNotFound("snapshot %s", id)
	}
	delete(s.snapshots, id)
	return nil
}

// --- Promotions ---

func (s *Store) GetPromotionByCode(_ context.Context, code string) (*model.Promotion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.promos {
		if strings.EqualFold(p.Code, code) {
			cp := *p
			return &cp, nil
		}
	}
	return nil, errdefs.NewNotFound("promotion %s", code)
}

func (s *Store) CountPromotionUses(_ context.Context, promoID model.ID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, up := range s.promoUses {
		if up.PromotionID == promoID {
			n++
		}
	}
	return n, nil
}

func (s *Store) CountPromotionUsesByUser(_ context.Context, promoID, userID model.ID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, up := range s.promoUses {
		if up.PromotionID == promoID && up.UserID == userID {
			n++
		}
	}
	return n, nil
}

func (s *Store) CreateUserPromotion(_ context.Context, up *model.UserPromotion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *up
	s.promoUses[up.ID] = &cp
	return nil
}

// --- Cart ---

func (s *Store) AddCartItem(_ context.Context, it *model.CartItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *it
	s.cart[it.ID] = &cp
	return nil
}

func (s *Store) ListCartItems(_ context.Context, userID model.ID) ([]*model.CartItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.CartItem
	for _, it := range s.cart {
		if it.UserID == userID {
			cp := *it
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AddedAt.Before(out[j].AddedAt) })
	return out, nil
}

func (s *Store) DeleteCartItem(_ context.Context, userID, itemID model.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.cart[itemID]
	if !ok || it.UserID != userID {
		return errdefs.NewNotFound("cart item %s", itemID)
	}
	delete(s.cart, itemID)
	return nil
}

func (s *Store) ClearCart(_ context.Context, userID model.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, it := range s.cart {
		if it.UserID == userID {
			delete(s.cart, id)
		}
	}
	return nil
}
