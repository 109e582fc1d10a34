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
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietstack/vpsd/internal/config"
	"github.com/vietstack/vpsd/internal/errdefs"
	"github.com/vietstack/vpsd/internal/model"
)

func newMoMoDriver(endpoint string) *MoMoDriver {
	return NewMoMoDriver(config.MoMoConfig{
		PartnerCode: "MOMOVPS1",
		AccessKey:   "accesskey123",
		SecretKey:   "momosecret456",
		Endpoint:    endpoint,
		RedirectURL: "https://vps.example.com/payments/momo/return",
		IPNURL:      "https://vps.example.com/payments/momo/notify",
	})
}

// ipnParams returns a callback payload signed with the driver's secret.
func signedIPN(d *MoMoDriver, orderID, resultCode string) map[string]string {
	params := map[string]string{
		"partnerCode":  "MOMOVPS1",
		"orderId":      orderID,
		"requestId":    orderID + "-req1",
		"amount":       "150000",
		"orderInfo":    "Thanh toan don hang " + orderID,
		"orderType":    "momo_wallet",
		"transId":      "2147483999",
		"resultCode":   resultCode,
		"message":      "Successful.",
		"payType":      "qr",
		"responseTime": "1700000000000",
		"extraData":    "",
	}
	params["signature"] = d.signCallback(params)
	return params
}

func TestMoMoSignatureIsLowercaseHex(t *testing.T) {
	d := newMoMoDriver("")

	sig := d.sign("accessKey=a&amount=1")
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{64}$`), sig)
}

func TestMoMoVerifyCallbackSuccess(t *testing.T) {
	d := newMoMoDriver("")

	result, err := d.VerifyCallback(signedIPN(d, "VPS-ABC-123", "0"))
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.True(t, result.Success)
	assert.Equal(t, "VPS-ABC-123", result.OrderNumber)
	assert.Equal(t, int64(150000), result.Amount)
	assert.Equal(t, "2147483999", result.GatewayTxnID)
}

func TestMoMoVerifyCallbackGatewayFailure(t *testing.T) {
	d := newMoMoDriver("")

	result, err := d.VerifyCallback(signedIPN(d, "VPS-ABC-123", "1006"))
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.False(t, result.Success)
	assert.Equal(t, "1006", result.Code)
}

func TestMoMoVerifyCallbackTampered(t *testing.T) {
	d := newMoMoDriver("")

	params := signedIPN(d, "VPS-ABC-123", "0")
	params["amount"] = "1"

	result, err := d.VerifyCallback(params)
	require.NoError(t, err)
	assert.False(t, result.Valid)
}

func TestMoMoCreatePayment(t *testing.T) {
	var received momoCreateBody
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"payUrl":     "https://test-payment.momo.vn/pay/abc",
			"resultCode": 0,
			"message":    "Success",
		})
	}))
	defer gateway.Close()

	d := newMoMoDriver(gateway.URL)
	assert.Equal(t, model.MethodMoMo, d.Method())

	resp, err := d.CreatePayment(context.Background(), &CreateRequest{
		OrderNumber: "VPS-ABC-123",
		Amount:      150000,
		OrderInfo:   "Thanh toan don hang VPS-ABC-123",
		TxnID:       "VPS-ABC-123-aabbccdd",
	})
	require.NoError(t, err)
	assert.Equal(t, "https://test-payment.momo.vn/pay/abc", resp.PayURL)

	// The request must be signed over the documented create-field order.
	assert.Equal(t, d.signCreate(&momoCreateBody{
		PartnerCode: received.PartnerCode,
		RequestID:   received.RequestID,
		Amount:      received.Amount,
		OrderID:     received.OrderID,
		OrderInfo:   received.OrderInfo,
		RedirectURL: received.RedirectURL,
		IPNURL:      received.IPNURL,
		RequestType: received.RequestType,
		ExtraData:   received.ExtraData,
	}), received.Signature)
}

func TestMoMoCreatePaymentTransportError(t *testing.T) {
	d := newMoMoDriver("http://127.0.0.1:1") // nothing listens here

	_, err := d.CreatePayment(context.Background(), &CreateRequest{
		OrderNumber: "VPS-ABC-123",
		Amount:      150000,
	})
	require.Error(t, err)
	assert.True(t, errdefs.IsKind(err, errdefs.KindUpstreamUnavailable))
}

func TestMoMoCreatePaymentRejected(t *testing.T) {
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"resultCode": 41,
			"message":    "Duplicate orderId",
		})
	}))
	defer gateway.Close()

	d := newMoMoDriver(gateway.URL)

	_, err := d.CreatePayment(context.Background(), &CreateRequest{OrderNumber: "VPS-DUP-1", Amount: 1000})
	require.Error(t, err)
	assert.True(t, errdefs.IsKind(err, errdefs.KindUpstreamUnavailable))
}
