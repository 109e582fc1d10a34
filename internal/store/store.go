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

// Package store defines the persistence boundary of the control plane. The
// relational engine behind it is an external collaborator; services depend on
// this interface only and receive entities by value.
package store

import (
	"context"
	"time"

	"github.com/vietstack/vpsd/internal/model"
)

// Store is the persistence interface consumed by every service. All reads
// return copies; all writes inside Atomic either commit together or not at
// all. Atomic calls are serialized per store, which also provides the
// advisory lock required for idempotent payment-callback processing.
type Store interface {
	// Atomic runs fn inside one transaction scope. The transaction commits
	// when fn returns nil and rolls back on any error.
	Atomic(ctx context.Context, fn func(tx Store) error) error

	// Users
	CreateUser(ctx context.Context, u *model.User) error
	GetUser(ctx context.Context, id model.ID) (*model.User, error)
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)
	UpdateUser(ctx context.Context, u *model.User) error

	// Catalog
	GetPlan(ctx context.Context, id model.ID) (*model.Plan, error)
	ListPlans(ctx context.Context) ([]*model.Plan, error)
	GetTemplate(ctx context.Context, id model.ID) (*model.Template, error)
	ListTemplates(ctx context.Context) ([]*model.Template, error)

	// Inventory
	GetCluster(ctx context.Context, id model.ID) (*model.Cluster, error)
	GetNode(ctx context.Context, id model.ID) (*model.Node, error)
	ListNodesByCluster(ctx context.Context, clusterID model.ID) ([]*model.Node, error)
	GetStorage(ctx context.Context, id model.ID) (*model.Storage, error)

	// Orders
	CreateOrder(ctx context.Context, o *model.Order) error
	GetOrder(ctx context.Context, id model.ID) (*model.Order, error)
	GetOrderByNumber(ctx context.Context, number string) (*model.Order, error)
	UpdateOrder(ctx context.Context, o *model.Order) error
	ListOrdersByUser(ctx context.Context, userID model.ID) ([]*model.Order, error)
	ListOrdersSince(ctx context.Context, since time.Time) ([]*model.Order, error)
	CreateOrderItem(ctx context.Context, it *model.OrderItem) error
	GetOrderItem(ctx context.Context, id model.ID) (*model.OrderItem, error)
	ListOrderItems(ctx context.Context, orderID model.ID) ([]*model.OrderItem, error)

	// Payments
	CreatePayment(ctx context.Context, p *model.PaymentTransaction) error
	GetPayment(ctx context.Context, id model.ID) (*model.PaymentTransaction, error)
	GetPaymentByTxnID(ctx context.Context, txnID string) (*model.PaymentTransaction, error)
	GetPaymentByOrder(ctx context.Context, orderID model.ID, method model.PaymentMethod) (*model.PaymentTransaction, error)
	UpdatePayment(ctx context.Context, p *model.PaymentTransaction) error

	// VPS instances
	CreateVPS(ctx context.Context, v *model.VPSInstance) error
	GetVPS(ctx context.Context, id model.ID) (*model.VPSInstance, error)
	GetVPSByOrderItem(ctx context.Context, itemID model.ID) (*model.VPSInstance, error)
	UpdateVPS(ctx context.Context, v *model.VPSInstance) error
	ListVPSByUser(ctx context.Context, userID model.ID) ([]*model.VPSInstance, error)
	ListVPSByStatus(ctx context.Context, status model.VPSStatus) ([]*model.VPSInstance, error)

	// Hypervisor VMs
	CreateVM(ctx context.Context, vm *model.HypervisorVM) error
	GetVM(ctx context.Context, id model.ID) (*model.HypervisorVM, error)
	UpdateVM(ctx context.Context, vm *model.HypervisorVM) error
	DeleteVM(ctx context.Context, id model.ID) error

	// Snapshots
	CreateSnapshot(ctx context.Context, s *model.Snapshot) error
	ListSnapshotsByVM(ctx context.Context, vmID model.ID) ([]*model.Snapshot, error)
	GetSnapshotByName(ctx context.Context, vmID model.ID, name string) (*model.Snapshot, error)
	UpdateSnapshot(ctx context.Context, s *model.Snapshot) error
	DeleteSnapshot(ctx context.Context, id model.ID) error

	// Promotions
	GetPromotionByCode(ctx context.Context, code string) (*model.Promotion, error)
	CountPromotionUses(ctx context.Context, promoID model.ID) (int, error)
	CountPromotionUsesByUser(ctx context.Context, promoID, userID model.ID) (int, error)
	CreateUserPromotion(ctx context.Context, up *model.UserPromotion) error

	// Cart
	AddCartItem(ctx context.Context, it *model.CartItem) error
	ListCartItems(ctx context.Context, userID model.ID) ([]*model.CartItem, error)
	DeleteCartItem(ctx context.Context, userID, itemID model.ID) error
	ClearCart(ctx context.Context, userID model.ID) error
}
