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

// Package order implements order creation, the pending/paid/cancelled state
// machine, and promotion validation.
package order

import (
	"context"
	"time"

	"github.com/samber/lo"

	"github.com/vietstack/vpsd/internal/errdefs"
	"github.com/vietstack/vpsd/internal/model"
	"github.com/vietstack/vpsd/internal/obs/logging"
	"github.com/vietstack/vpsd/internal/store"
)

// ItemRequest is one line of a checkout request.
type ItemRequest struct {
	PlanID         model.ID
	TemplateID     model.ID
	Hostname       string
	DurationMonths int
}

// Service owns order state. Transitions are pending to paid (done by the
// payment service on a verified callback) and pending to cancelled (admin
// action, here); nothing else.
type Service struct {
	store store.Store
	now   func() time.Time
}

// NewService creates an order service.
func NewService(st store.Store) *Service {
	return &Service{store: st, now: time.Now}
}

// ValidatePromotion checks a code against existence, active window, global
// usage cap, and per-user usage cap, then returns the promotion and the
// discount it grants on the given total.
func (s *Service) ValidatePromotion(ctx context.Context, code string, userID model.ID, total int64) (*model.Promotion, int64, error) {
	promo, err := s.store.GetPromotionByCode(ctx, code)
	if err != nil {
		return nil, 0, err
	}
	if !promo.WithinWindow(s.now()) {
		return nil, 0, errdefs.NewInvalidState("promotion %s is not active", code)
	}

	if promo.MaxUses > 0 {
		uses, err := s.store.CountPromotionUses(ctx, promo.ID)
		if err != nil {
			return nil, 0, err
		}
		if uses >= promo.MaxUses {
			return nil, 0, errdefs.NewLimitExceeded("promotion %s has been fully redeemed", code)
		}
	}

	if promo.MaxUsesUser > 0 {
		uses, err := s.store.CountPromotionUsesByUser(ctx, promo.ID, userID)
		if err != nil {
			return nil, 0, err
		}
		if uses >= promo.MaxUsesUser {
			return nil, 0, errdefs.NewLimitExceeded("promotion %s already used", code)
		}
	}

	return promo, promo.DiscountFor(total), nil
}

// Create builds an order from explicit item requests. Prices and resource
// dimensions are snapshotted from the plan at purchase time.
func (s *Service) Create(ctx context.Context, user *model.User, items []ItemRequest, promoCode string) (*model.Order, error) {
	if len(items) == 0 {
		return nil, errdefs.NewInvalidArgument("order must contain at least one item")
	}

	orderItems := make([]*model.OrderItem, 0, len(items))
	var subtotal int64

	for _, req := range items {
		if req.DurationMonths < 1 {
			return nil, errdefs.NewInvalidArgument("duration must be at least one month")
		}

		plan, err := s.store.GetPlan(ctx, req.PlanID)
		if err != nil {
			return nil, err
		}
		if _, err := s.store.GetTemplate(ctx, req.TemplateID); err != nil {
			return nil, err
		}

		total := plan.MonthlyPrice * int64(req.DurationMonths)
		subtotal += total

		orderItems = append(orderItems, &model.OrderItem{
			ID:             model.NewID(),
			PlanID:         plan.ID,
			TemplateID:     req.TemplateID,
			Hostname:       req.Hostname,
			DurationMonths: req.DurationMonths,
			UnitPrice:      plan.MonthlyPrice,
			TotalPrice:     total,
			Config: model.ItemConfig{
				VCPU:        plan.VCPU,
				RAMGiB:      plan.RAMGiB,
				StorageGiB:  plan.StorageGiB,
				StorageType: plan.StorageType,
			},
		})
	}

	var promoID *model.ID
	var discount int64
	if promoCode != "" {
		promo, d, err := s.ValidatePromotion(ctx, promoCode, user.ID, subtotal)
		if err != nil {
			return nil, err
		}
		promoID = &promo.ID
		discount = d
	}

	order := &model.Order{
		ID:          model.NewID(),
		UserID:      user.ID,
		Subtotal:    subtotal,
		Discount:    discount,
		Total:       subtotal - discount,
		Currency:    "VND",
		Status:      model.OrderPending,
		PromotionID: promoID,
		BillingName: user.FullName,
		BillingMail: user.Email,
		CreatedAt:   s.now(),
	}

	err := s.store.Atomic(ctx, func(tx store.Store) error {
		// Number collisions retry generation.
		for attempt := 0; ; attempt++ {
			order.Number = NewNumber(s.now())
			err := tx.CreateOrder(ctx, order)
			if err == nil {
				break
			}
			if !errdefs.IsKind(err, errdefs.KindConflict) || attempt >= 4 {
				return err
			}
		}
		for _, item := range orderItems {
			item.OrderID = order.ID
			if err := tx.CreateOrderItem(ctx, item); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logging.FromContext(ctx).Info("created order",
		"order", order.Number, "items", len(orderItems), "total", order.Total)
	return order, nil
}

// Checkout converts the user's cart into an order and clears the cart on
// success, in one transaction with the order rows.
func (s *Service) Checkout(ctx context.Context, user *model.User, promoCode string) (*model.Order, error) {
	cartItems, err := s.store.ListCartItems(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	if len(cartItems) == 0 {
		return nil, errdefs.NewInvalidState("cart is empty")
	}

	requests := lo.Map(cartItems, func(it *model.CartItem, _ int) ItemRequest {
		return ItemRequest{
			PlanID:         it.PlanID,
			TemplateID:     it.TemplateID,
			Hostname:       it.Hostname,
			DurationMonths: it.DurationMonths,
		}
	})

	order, err := s.Create(ctx, user, requests, promoCode)
	if err != nil {
		return nil, err
	}
	if err := s.store.ClearCart(ctx, user.ID); err != nil {
		return nil, err
	}
	return order, nil
}

// Get returns an order with its items, enforcing ownership unless the
// caller is an admin.
func (s *Service) Get(ctx context.Context, user *model.User, number string) (*model.Order, []*model.OrderItem, error) {
	order, err := s.store.GetOrderByNumber(ctx, number)
	if err != nil {
		return nil, nil, err
	}
	if order.UserID != user.ID && !user.IsAdmin() {
		return nil, nil, errdefs.NewForbidden("order %s does not belong to user", number)
	}
	items, err := s.store.ListOrderItems(ctx, order.ID)
	if err != nil {
		return nil, nil, err
	}
	return order, items, nil
}

// List returns the user's orders.
func (s *Service) List(ctx context.Context, userID model.ID) ([]*model.Order, error) {
	return s.store.ListOrdersByUser(ctx, userID)
}

// Cancel moves a pending order to cancelled. Admin only; no other
// transition out of pending exists besides a verified payment.
func (s *Service) Cancel(ctx context.Context, admin *model.User, number string) (*model.Order, error) {
	if !admin.IsAdmin() {
		return nil, errdefs.NewForbidden("only admins can cancel orders")
	}

	var order *model.Order
	err := s.store.Atomic(ctx, func(tx store.Store) error {
		var err error
		order, err = tx.GetOrderByNumber(ctx, number)
		if err != nil {
			return err
		}
		if order.Status != model.OrderPending {
			return errdefs.NewInvalidState("cannot cancel order in state %s", order.Status)
		}
		order.Status = model.OrderCancelled
		return tx.UpdateOrder(ctx, order)
	})
	if err != nil {
		return nil, err
	}

	logging.FromContext(ctx).Info("cancelled order", "order", order.Number)
	return order, nil
}
