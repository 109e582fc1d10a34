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

// Package model holds the persisted entities of the control plane. Entities
// are plain values; relationships are carried as IDs and resolved by the
// store with explicit joined queries at the service boundary.
package model

import (
	"time"

	"github.com/google/uuid"
)

// ID is the opaque 128-bit identifier used for every entity key.
type ID = uuid.UUID

// NewID returns a fresh entity identifier.
func NewID() ID { return uuid.New() }

// ParseID parses the canonical string form of an identifier.
func ParseID(s string) (ID, error) { return uuid.Parse(s) }

// Role classifies a user account.
type Role string

const (
	RoleUser  Role = "USER"
	RoleAdmin Role = "ADMIN"
)

// User is an account that owns orders and VPS instances.
type User struct {
	ID              ID
	Email           string
	PasswordHash    string
	FullName        string
	Role            Role
	EmailVerifiedAt *time.Time
	CreatedAt       time.Time
}

// Verified reports whether the user's email address has been confirmed.
func (u *User) Verified() bool { return u.EmailVerifiedAt != nil }

// IsAdmin reports whether the user holds the admin role.
func (u *User) IsAdmin() bool { return u.Role == RoleAdmin }

// StorageType is the disk technology backing a plan.
type StorageType string

const (
	StorageSSD  StorageType = "SSD"
	StorageNVMe StorageType = "NVMe"
)

// PlanCategory groups plans for the catalog.
type PlanCategory string

const (
	PlanBasic    PlanCategory = "basic"
	PlanStandard PlanCategory = "standard"
	PlanPremium  PlanCategory = "premium"
)

// Plan is an immutable catalog entry.
type Plan struct {
	ID            ID
	Name          string
	VCPU          int
	RAMGiB        int
	StorageGiB    int
	StorageType   StorageType
	BandwidthMbps int
	MonthlyPrice  int64
	Currency      string
	MaxSnapshots  int
	MaxIPs        int
	Category      PlanCategory
}

// Template references a VM image available for cloning.
type Template struct {
	ID          ID
	Name        string
	ClusterID   ID
	NodeID      ID
	StorageID   ID
	OSFamily    string
	OSVersion   string
	CloudInit   bool
	DefaultUser string
	// BaseVMID is the hypervisor vmid of the template used as clone source.
	BaseVMID int
}

// Cluster is a hypervisor cluster reachable at one API endpoint.
type Cluster struct {
	ID        ID
	Name      string
	Endpoint  string
	Username  string
	Password  string
	TokenID   string
	TokenSec  string
	VerifyTLS bool
}

// Node is one hypervisor host inside a cluster.
type Node struct {
	ID            ID
	ClusterID     ID
	Name          string
	TotalCPU      int
	TotalRAMGiB   int
	CPUOvercommit float64
	RAMOvercommit float64
	Active        bool
}

// EffectiveCPU returns the schedulable vCPU capacity after overcommit.
func (n *Node) EffectiveCPU() float64 {
	oc := n.CPUOvercommit
	if oc == 0 {
		oc = 2.0
	}
	return float64(n.TotalCPU) * oc
}

// EffectiveRAMGiB returns the schedulable RAM capacity after overcommit.
func (n *Node) EffectiveRAMGiB() float64 {
	oc := n.RAMOvercommit
	if oc == 0 {
		oc = 1.5
	}
	return float64(n.TotalRAMGiB) * oc
}

// Storage is a datastore exposed by a node.
type Storage struct {
	ID       ID
	NodeID   ID
	Name     string
	Shared   bool
	TotalGiB int
}

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderPaid      OrderStatus = "paid"
	OrderCancelled OrderStatus = "cancelled"
)

// Order groups one purchase; the number is the externally visible key.
type Order struct {
	ID          ID
	Number      string
	UserID      ID
	Subtotal    int64
	Discount    int64
	Total       int64
	Currency    string
	Status      OrderStatus
	PromotionID *ID
	BillingName string
	BillingMail string
	CreatedAt   time.Time
	PaidAt      *time.Time
}

// OrderItem is one plan+template purchase inside an order. It links 1:1 to a
// VPSInstance once provisioned.
type OrderItem struct {
	ID             ID
	OrderID        ID
	PlanID         ID
	TemplateID     ID
	Hostname       string
	DurationMonths int
	UnitPrice      int64
	TotalPrice     int64
	// Config snapshots the plan dimensions at purchase time so later plan
	// edits do not change what was bought.
	Config ItemConfig
}

// ItemConfig is the frozen resource configuration of an order item.
type ItemConfig struct {
	VCPU        int
	RAMGiB      int
	StorageGiB  int
	StorageType StorageType
}

// PaymentMethod identifies a gateway driver.
type PaymentMethod string

const (
	MethodMoMo  PaymentMethod = "momo"
	MethodVNPay PaymentMethod = "vnpay"
)

// PaymentStatus is the state of one gateway transaction.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
)

// PaymentTransaction records one attempt to pay an order through a gateway.
type PaymentTransaction struct {
	ID        ID
	OrderID   ID
	TxnID     string
	Method    PaymentMethod
	Amount    int64
	Currency  string
	Status    PaymentStatus
	GatewayID string
	// RawResponse keeps the gateway's last payload for audit.
	RawResponse map[string]string
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// VPSStatus is the lifecycle state of a rented instance.
type VPSStatus string

const (
	VPSCreating   VPSStatus = "creating"
	VPSActive     VPSStatus = "active"
	VPSSuspended  VPSStatus = "suspended"
	VPSTerminated VPSStatus = "terminated"
	VPSError      VPSStatus = "error"
)

// Terminal reports whether the status admits no further transitions.
func (s VPSStatus) Terminal() bool {
	return s == VPSTerminated || s == VPSError
}

// VPSInstance is one rented server.
type VPSInstance struct {
	ID          ID
	UserID      ID
	PlanID      ID
	OrderItemID ID
	VMID        *ID
	Status      VPSStatus
	ExpiresAt   time.Time
	AutoRenew   bool
	CreatedAt   time.Time
}

// PowerStatus mirrors the hypervisor's view of a VM.
type PowerStatus string

const (
	PowerRunning   PowerStatus = "running"
	PowerStopped   PowerStatus = "stopped"
	PowerSuspended PowerStatus = "suspended"
)

// HypervisorVM is the hypervisor-side record of a provisioned instance.
type HypervisorVM struct {
	ID          ID
	ClusterID   ID
	NodeID      ID
	TemplateID  ID
	VMID        int
	Hostname    string
	IPAddress   string
	MACAddress  string
	Username    string
	Password    string
	VNCPort     int
	VNCPassword string
	PowerStatus PowerStatus
}

// SnapshotStatus is the state of a snapshot record.
type SnapshotStatus string

const (
	SnapshotCreating  SnapshotStatus = "creating"
	SnapshotAvailable SnapshotStatus = "available"
	SnapshotDeleting  SnapshotStatus = "deleting"
	SnapshotError     SnapshotStatus = "error"
)

// Snapshot is a point-in-time image of a HypervisorVM. Names are unique per
// VM; the hypervisor's synthetic "current" entry is never persisted.
type Snapshot struct {
	ID          ID
	VMID        ID
	Name        string
	Description string
	SizeBytes   int64
	Status      SnapshotStatus
	CreatedAt   time.Time
}

// DiscountType selects how a promotion reduces the cart total.
type DiscountType string

const (
	DiscountPercent DiscountType = "percentage"
	DiscountFixed   DiscountType = "fixed"
)

// Promotion is a discount rule with optional window and usage caps.
type Promotion struct {
	ID          ID
	Code        string
	Type        DiscountType
	Value       int64
	StartsAt    *time.Time
	EndsAt      *time.Time
	MaxUses     int
	MaxUsesUser int
	Active      bool
}

// WithinWindow reports whether the promotion is usable at the given time.
func (p *Promotion) WithinWindow(now time.Time) bool {
	if !p.Active {
		return false
	}
	if p.StartsAt != nil && now.Before(*p.StartsAt) {
		return false
	}
	if p.EndsAt != nil && now.After(*p.EndsAt) {
		return false
	}
	return true
}

// DiscountFor computes the discount the promotion grants on a cart total.
// Fixed discounts never exceed the total.
func (p *Promotion) DiscountFor(total int64) int64 {
	switch p.Type {
	case DiscountPercent:
		return total * p.Value / 100
	case DiscountFixed:
		if p.Value > total {
			return total
		}
		return p.Value
	}
	return 0
}

// UserPromotion records one consumed promotion use; inserted in the same
// transaction that marks the order paid.
type UserPromotion struct {
	ID          ID
	UserID      ID
	PromotionID ID
	OrderID     ID
	UsedAt      time.Time
}

// CartItem is one staged purchase before checkout.
type CartItem struct {
	ID             ID
	UserID         ID
	PlanID         ID
	TemplateID     ID
	Hostname       string
	DurationMonths int
	AddedAt        time.Time
}
