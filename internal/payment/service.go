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

package payment

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vietstack/vpsd/internal/errdefs"
	"github.com/vietstack/vpsd/internal/model"
	"github.com/vietstack/vpsd/internal/obs/logging"
	"github.com/vietstack/vpsd/internal/obs/metrics"
	"github.com/vietstack/vpsd/internal/store"
)

// Service coordinates gateway drivers with order and transaction state.
// Drivers never touch the store; all transitions happen here, inside one
// transaction per callback so replays cannot double-apply.
type Service struct {
	store   store.Store
	drivers map[model.PaymentMethod]Driver
	now     func() time.Time
}

// NewService creates a payment service with the given drivers.
func NewService(st store.Store, drivers ...Driver) *Service {
	byMethod := make(map[model.PaymentMethod]Driver, len(drivers))
	for _, d := range drivers {
		byMethod[d.Method()] = d
	}
	return &Service{store: st, drivers: byMethod, now: time.Now}
}

func (s *Service) driver(method model.PaymentMethod) (Driver, error) {
	d, ok := s.drivers[method]
	if !ok {
		return nil, errdefs.NewInvalidArgument("unsupported payment method %q", method)
	}
	return d, nil
}

// ensurePayable checks that an order can accept a (re)payment: it must be
// pending and none of its items may already have a provisioned instance.
func (s *Service) ensurePayable(ctx context.Context, tx store.Store, order *model.Order) error {
	if order.Status != model.OrderPending {
		return errdefs.NewInvalidState("Order is not in a payable state")
	}

	items, err := tx.ListOrderItems(ctx, order.ID)
	if err != nil {
		return err
	}
	for _, item := range items {
		if _, err := tx.GetVPSByOrderItem(ctx, item.ID); err == nil {
			return errdefs.NewInvalidState("Order is not in a payable state")
		} else if !errdefs.IsKind(err, errdefs.KindNotFound) {
			return err
		}
	}
	return nil
}

// CreatePayment initiates a payment for an order through the chosen
// gateway. On repay, the existing transaction row is reused and its gateway
// response updated in place. The gateway is called before any row is
// committed, so transport failures leave no state behind.
func (s *Service) CreatePayment(ctx context.Context, userID model.ID, method model.PaymentMethod, orderNumber, clientIP string) (*CreateResponse, error) {
	driver, err := s.driver(method)
	if err != nil {
		return nil, err
	}

	order, err := s.store.GetOrderByNumber(ctx, orderNumber)
	if err != nil {
		return nil, err
	}
	if order.UserID != userID {
		return nil, errdefs.NewForbidden("order %s does not belong to user", orderNumber)
	}
	if err := s.ensurePayable(ctx, s.store, order); err != nil {
		return nil, err
	}

	existing, err := s.store.GetPaymentByOrder(ctx, order.ID, method)
	if err != nil && !errdefs.IsKind(err, errdefs.KindNotFound) {
		return nil, err
	}

	txnID := fmt.Sprintf("%s-%s", order.Number, uuid.New().String()[:8])
	if existing != nil {
		txnID = existing.TxnID
	}

	resp, err := driver.CreatePayment(ctx, &CreateRequest{
		OrderNumber: order.Number,
		Amount:      order.Total,
		OrderInfo:   fmt.Sprintf("Thanh toan don hang %s", order.Number),
		ClientIP:    clientIP,
		TxnID:       txnID,
	})
	if err != nil {
		metrics.RecordPayment(string(method), "create_failed")
		return nil, err
	}

	err = s.store.Atomic(ctx, func(tx store.Store) error {
		if existing != nil {
			existing.Status = model.PaymentPending
			existing.RawResponse = resp.Raw
			return tx.UpdatePayment(ctx, existing)
		}
		return tx.CreatePayment(ctx, &model.PaymentTransaction{
			ID:          model.NewID(),
			OrderID:     order.ID,
			TxnID:       txnID,
			Method:      method,
			Amount:      order.Total,
			Currency:    order.Currency,
			Status:      model.PaymentPending,
			RawResponse: resp.Raw,
			CreatedAt:   s.now(),
		})
	})
	if err != nil {
		return nil, err
	}

	metrics.RecordPayment(string(method), "initiated")
	return resp, nil
}

// VerifyCallback validates a gateway callback and applies its state
// effects. Invalid signatures change nothing. Valid callbacks are applied
// exactly once: a replay finds the transaction already terminal and leaves
// state untouched while still reporting the original outcome.
func (s *Service) VerifyCallback(ctx context.Context, method model.PaymentMethod, params map[string]string) (*CallbackResult, error) {
	driver, err := s.driver(method)
	if err != nil {
		return nil, err
	}

	result, err := driver.VerifyCallback(params)
	if err != nil {
		return nil, err
	}

	log := logging.FromContext(ctx).WithValues("gateway", method, "order", result.OrderNumber)

	if !result.Valid {
		log.Info("rejected callback with bad signature")
		metrics.RecordPayment(string(method), "invalid_signature")
		return result, nil
	}

	err = s.store.Atomic(ctx, func(tx store.Store) error {
		order, err := tx.GetOrderByNumber(ctx, result.OrderNumber)
		if err != nil {
			return err
		}
		txn, err := tx.GetPaymentByOrder(ctx, order.ID, method)
		if err != nil {
			return err
		}

		// Replay: the transaction already reached a terminal state.
		if txn.Status != model.PaymentPending {
			return nil
		}

		txn.RawResponse = logging.RedactMap(params)
		txn.GatewayID = result.GatewayTxnID

		if !result.Success {
			txn.Status = model.PaymentFailed
			return tx.UpdatePayment(ctx, txn)
		}

		now := s.now()
		txn.Status = model.PaymentCompleted
		txn.CompletedAt = &now
		if err := tx.UpdatePayment(ctx, txn); err != nil {
			return err
		}

		// The order transition only runs from pending. A settlement that
		// arrives after the order was cancelled is recorded on the
		// transaction but must not resurrect the order or consume its
		// promotion.
		if order.Status != model.OrderPending {
			return nil
		}

		order.Status = model.OrderPaid
		order.PaidAt = &now
		if err := tx.UpdateOrder(ctx, order); err != nil {
			return err
		}

		// Promotion consumption is recorded with the paid transition, in
		// the same transaction.
		if order.PromotionID != nil {
			return tx.CreateUserPromotion(ctx, &model.UserPromotion{
				ID:          model.NewID(),
				UserID:      order.UserID,
				PromotionID: *order.PromotionID,
				OrderID:     order.ID,
				UsedAt:      now,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	outcome := "failed"
	if result.Success {
		outcome = "completed"
	}
	log.Info("processed payment callback", "outcome", outcome, "code", result.Code)
	metrics.RecordPayment(string(method), outcome)
	return result, nil
}
