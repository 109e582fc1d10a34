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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietstack/vpsd/internal/errdefs"
	"github.com/vietstack/vpsd/internal/model"
	"github.com/vietstack/vpsd/internal/store/memstore"
)

// stubDriver lets service tests control the gateway verdict without wire
// formats getting in the way.
type stubDriver struct {
	method    model.PaymentMethod
	createErr error
	result    *CallbackResult
	created   []*CreateRequest
}

func (d *stubDriver) Method() model.PaymentMethod { return d.method }

func (d *stubDriver) CreatePayment(_ context.Context, req *CreateRequest) (*CreateResponse, error) {
	if d.createErr != nil {
		return nil, d.createErr
	}
	d.created = append(d.created, req)
	return &CreateResponse{
		PayURL: "https://gateway.example/pay/" + req.OrderNumber,
		Raw:    map[string]string{"payUrl": "https://gateway.example/pay/" + req.OrderNumber},
	}, nil
}

func (d *stubDriver) VerifyCallback(params map[string]string) (*CallbackResult, error) {
	return d.result, nil
}

func seedOrder(t *testing.T, st *memstore.Store, status model.OrderStatus) (*model.Order, *model.OrderItem) {
	t.Helper()
	ctx := context.Background()

	order := &model.Order{
		ID:       model.NewID(),
		Number:   "VPS-TEST-" + model.NewID().String()[:6],
		UserID:   model.NewID(),
		Subtotal: 150000,
		Total:    150000,
		Currency: "VND",
		Status:   status,
	}
	require.NoError(t, st.CreateOrder(ctx, order))

	item := &model.OrderItem{
		ID:             model.NewID(),
		OrderID:        order.ID,
		PlanID:         model.NewID(),
		TemplateID:     model.NewID(),
		Hostname:       "web-01",
		DurationMonths: 1,
		UnitPrice:      150000,
		TotalPrice:     150000,
	}
	require.NoError(t, st.CreateOrderItem(ctx, item))

	return order, item
}

func TestCreatePaymentPersistsPendingTransaction(t *testing.T) {
	st := memstore.New()
	driver := &stubDriver{method: model.MethodVNPay}
	svc := NewService(st, driver)
	ctx := context.Background()

	order, _ := seedOrder(t, st, model.OrderPending)

	resp, err := svc.CreatePayment(ctx, order.UserID, model.MethodVNPay, order.Number, "203.0.113.9")
	require.NoError(t, err)
	assert.Contains(t, resp.PayURL, order.Number)

	txn, err := st.GetPaymentByOrder(ctx, order.ID, model.MethodVNPay)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentPending, txn.Status)
	assert.Equal(t, order.Total, txn.Amount)

	require.Len(t, driver.created, 1)
	assert.Equal(t, order.Total, driver.created[0].Amount)
}

func TestCreatePaymentRejectsPaidOrder(t *testing.T) {
	st := memstore.New()
	svc := NewService(st, &stubDriver{method: model.MethodVNPay})
	ctx := context.Background()

	order, _ := seedOrder(t, st, model.OrderPaid)

	_, err := svc.CreatePayment(ctx, order.UserID, model.MethodVNPay, order.Number, "")
	require.Error(t, err)
	assert.True(t, errdefs.IsKind(err, errdefs.KindInvalidState))
	assert.Contains(t, err.Error(), "not in a payable state")
}

func TestCreatePaymentRepayGuard(t *testing.T) {
	st := memstore.New()
	svc := NewService(st, &stubDriver{method: model.MethodVNPay})
	ctx := context.Background()

	order, item := seedOrder(t, st, model.OrderPending)
	require.NoError(t, st.CreateVPS(ctx, &model.VPSInstance{
		ID:          model.NewID(),
		UserID:      order.UserID,
		OrderItemID: item.ID,
		Status:      model.VPSActive,
	}))

	_, err := svc.CreatePayment(ctx, order.UserID, model.MethodVNPay, order.Number, "")
	require.Error(t, err)
	assert.True(t, errdefs.IsKind(err, errdefs.KindInvalidState))
}

func TestCreatePaymentRepayReusesTransaction(t *testing.T) {
	st := memstore.New()
	svc := NewService(st, &stubDriver{method: model.MethodMoMo})
	ctx := context.Background()

	order, _ := seedOrder(t, st, model.OrderPending)

	_, err := svc.CreatePayment(ctx, order.UserID, model.MethodMoMo, order.Number, "")
	require.NoError(t, err)
	first, err := st.GetPaymentByOrder(ctx, order.ID, model.MethodMoMo)
	require.NoError(t, err)

	_, err = svc.CreatePayment(ctx, order.UserID, model.MethodMoMo, order.Number, "")
	require.NoError(t, err)
	second, err := st.GetPaymentByOrder(ctx, order.ID, model.MethodMoMo)
	require.NoError(t, err)

	assert.Equal(t, first.TxnID, second.TxnID, "repay updates the row in place")
	assert.Equal(t, first.ID, second.ID)
}

func TestCreatePaymentForeignOrder(t *testing.T) {
	st := memstore.New()
	svc := NewService(st, &stubDriver{method: model.MethodVNPay})

	order, _ := seedOrder(t, st, model.OrderPending)

	_, err := svc.CreatePayment(context.Background(), model.NewID(), model.MethodVNPay, order.Number, "")
	require.Error(t, err)
	assert.True(t, errdefs.IsKind(err, errdefs.KindForbidden))
}

func TestCreatePaymentTransportErrorLeavesNoRow(t *testing.T) {
	st := memstore.New()
	driver := &stubDriver{
		method:    model.MethodMoMo,
		createErr: errdefs.NewUpstreamUnavailable("gateway unreachable", nil),
	}
	svc := NewService(st, driver)
	ctx := context.Background()

	order, _ := seedOrder(t, st, model.OrderPending)

	_, err := svc.CreatePayment(ctx, order.UserID, model.MethodMoMo, order.Number, "")
	require.Error(t, err)
	assert.True(t, errdefs.IsKind(err, errdefs.KindUpstreamUnavailable))

	_, err = st.GetPaymentByOrder(ctx, order.ID, model.MethodMoMo)
	assert.True(t, errdefs.IsKind(err, errdefs.KindNotFound))
}

func TestVerifyCallbackSuccessMarksOrderPaid(t *testing.T) {
	st := memstore.New()
	driver := &stubDriver{method: model.MethodVNPay}
	svc := NewService(st, driver)
	ctx := context.Background()

	order, _ := seedOrder(t, st, model.OrderPending)
	_, err := svc.CreatePayment(ctx, order.UserID, model.MethodVNPay, order.Number, "")
	require.NoError(t, err)

	driver.result = &CallbackResult{
		Valid:        true,
		Success:      true,
		OrderNumber:  order.Number,
		Amount:       order.Total,
		GatewayTxnID: "14226112",
		Code:         "00",
	}

	result, err := svc.VerifyCallback(ctx, model.MethodVNPay, map[string]string{})
	require.NoError(t, err)
	assert.True(t, result.Success)

	updated, err := st.GetOrderByNumber(ctx, order.Number)
	require.NoError(t, err)
	assert.Equal(t, model.OrderPaid, updated.Status)
	require.NotNil(t, updated.PaidAt)

	txn, err := st.GetPaymentByOrder(ctx, order.ID, model.MethodVNPay)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentCompleted, txn.Status)
	assert.Equal(t, "14226112", txn.GatewayID)
}

func TestVerifyCallbackReplayIsIdempotent(t *testing.T) {
	st := memstore.New()
	driver := &stubDriver{method: model.MethodMoMo}
	svc := NewService(st, driver)
	ctx := context.Background()

	order, _ := seedOrder(t, st, model.OrderPending)
	_, err := svc.CreatePayment(ctx, order.UserID, model.MethodMoMo, order.Number, "")
	require.NoError(t, err)

	driver.result = &CallbackResult{
		Valid:       true,
		Success:     true,
		OrderNumber: order.Number,
		Code:        "0",
	}

	_, err = svc.VerifyCallback(ctx, model.MethodMoMo, map[string]string{})
	require.NoError(t, err)

	first, err := st.GetPaymentByOrder(ctx, order.ID, model.MethodMoMo)
	require.NoError(t, err)

	// Replay of the exact same callback.
	result, err := svc.VerifyCallback(ctx, model.MethodMoMo, map[string]string{})
	require.NoError(t, err)
	assert.True(t, result.Success, "replay still reports the original verdict")

	second, err := st.GetPaymentByOrder(ctx, order.ID, model.MethodMoMo)
	require.NoError(t, err)
	assert.Equal(t, first.CompletedAt, second.CompletedAt, "replay must not re-apply transitions")

	updated, err := st.GetOrderByNumber(ctx, order.Number)
	require.NoError(t, err)
	assert.Equal(t, model.OrderPaid, updated.Status)
}

func TestVerifyCallbackCancelledOrderStaysCancelled(t *testing.T) {
	st := memstore.New()
	driver := &stubDriver{method: model.MethodVNPay}
	svc := NewService(st, driver)
	ctx := context.Background()

	promo := &model.Promotion{
		ID:     model.NewID(),
		Code:   "LAUNCH20",
		Type:   model.DiscountPercent,
		Value:  20,
		Active: true,
	}
	st.AddPromotion(promo)

	order, _ := seedOrder(t, st, model.OrderPending)
	order.PromotionID = &promo.ID
	require.NoError(t, st.UpdateOrder(ctx, order))

	_, err := svc.CreatePayment(ctx, order.UserID, model.MethodVNPay, order.Number, "")
	require.NoError(t, err)

	// An admin cancels the order while the user sits on the gateway page.
	order.Status = model.OrderCancelled
	require.NoError(t, st.UpdateOrder(ctx, order))

	driver.result = &CallbackResult{
		Valid:        true,
		Success:      true,
		OrderNumber:  order.Number,
		Amount:       order.Total,
		GatewayTxnID: "14226113",
		Code:         "00",
	}
	_, err = svc.VerifyCallback(ctx, model.MethodVNPay, map[string]string{})
	require.NoError(t, err)

	// The settlement is recorded, the order stays cancelled.
	txn, err := st.GetPaymentByOrder(ctx, order.ID, model.MethodVNPay)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentCompleted, txn.Status)

	updated, err := st.GetOrderByNumber(ctx, order.Number)
	require.NoError(t, err)
	assert.Equal(t, model.OrderCancelled, updated.Status)
	assert.Nil(t, updated.PaidAt)

	uses, err := st.CountPromotionUses(ctx, promo.ID)
	require.NoError(t, err)
	assert.Zero(t, uses, "promotion is not consumed for a cancelled order")
}

func TestVerifyCallbackGatewayFailure(t *testing.T) {
	st := memstore.New()
	driver := &stubDriver{method: model.MethodVNPay}
	svc := NewService(st, driver)
	ctx := context.Background()

	order, _ := seedOrder(t, st, model.OrderPending)
	_, err := svc.CreatePayment(ctx, order.UserID, model.MethodVNPay, order.Number, "")
	require.NoError(t, err)

	driver.result = &CallbackResult{
		Valid:       true,
		Success:     false,
		OrderNumber: order.Number,
		Code:        "24",
	}

	_, err = svc.VerifyCallback(ctx, model.MethodVNPay, map[string]string{})
	require.NoError(t, err)

	txn, err := st.GetPaymentByOrder(ctx, order.ID, model.MethodVNPay)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentFailed, txn.Status)

	updated, err := st.GetOrderByNumber(ctx, order.Number)
	require.NoError(t, err)
	assert.Equal(t, model.OrderPending, updated.Status, "failed payment leaves order pending")
}

func TestVerifyCallbackInvalidSignatureTouchesNothing(t *testing.T) {
	st := memstore.New()
	driver := &stubDriver{method: model.MethodVNPay}
	svc := NewService(st, driver)
	ctx := context.Background()

	order, _ := seedOrder(t, st, model.OrderPending)
	_, err := svc.CreatePayment(ctx, order.UserID, model.MethodVNPay, order.Number, "")
	require.NoError(t, err)

	driver.result = &CallbackResult{Valid: false, Code: "97"}

	result, err := svc.VerifyCallback(ctx, model.MethodVNPay, map[string]string{})
	require.NoError(t, err)
	assert.False(t, result.Valid)

	txn, err := st.GetPaymentByOrder(ctx, order.ID, model.MethodVNPay)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentPending, txn.Status)
}

func TestVerifyCallbackConsumesPromotion(t *testing.T) {
	st := memstore.New()
	driver := &stubDriver{method: model.MethodVNPay}
	svc := NewService(st, driver)
	ctx := context.Background()

	promo := &model.Promotion{
		ID:     model.NewID(),
		Code:   "LAUNCH20",
		Type:   model.DiscountPercent,
		Value:  20,
		Active: true,
	}
	st.AddPromotion(promo)

	order, _ := seedOrder(t, st, model.OrderPending)
	order.PromotionID = &promo.ID
	require.NoError(t, st.UpdateOrder(ctx, order))

	_, err := svc.CreatePayment(ctx, order.UserID, model.MethodVNPay, order.Number, "")
	require.NoError(t, err)

	driver.result = &CallbackResult{
		Valid:       true,
		Success:     true,
		OrderNumber: order.Number,
		Code:        "00",
	}
	_, err = svc.VerifyCallback(ctx, model.MethodVNPay, map[string]string{})
	require.NoError(t, err)

	uses, err := st.CountPromotionUses(ctx, promo.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, uses)

	userUses, err := st.CountPromotionUsesByUser(ctx, promo.ID, order.UserID)
	require.NoError(t, err)
	assert.Equal(t, 1, userUses)
}
