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
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietstack/vpsd/internal/config"
)

func newVNPayDriver() *VNPayDriver {
	return NewVNPayDriver(config.VNPayConfig{
		TmnCode:    "VPSTEST1",
		HashSecret: "VNPAYSECRETKEY123456",
		PayURL:     "https://sandbox.vnpayment.vn/paymentv2/vpcpay.html",
		ReturnURL:  "https://vps.example.com/payments/vnpay/return",
	})
}

func TestVNPayHashDataSortedAndEncoded(t *testing.T) {
	params := map[string]string{
		"vnp_TxnRef":     "VPS-ABC-123",
		"vnp_Amount":     "15000000",
		"vnp_OrderInfo":  "Thanh toan don hang VPS-ABC-123",
		"vnp_SecureHash": "should-be-excluded",
	}

	data := hashData(params)

	assert.True(t, strings.HasPrefix(data, "vnp_Amount="), "keys must be sorted ascending")
	assert.Contains(t, data, "Thanh+toan+don+hang", "spaces must encode as +")
	assert.NotContains(t, data, "SecureHash")
}

func TestVNPaySignVerifyRoundTrip(t *testing.T) {
	d := newVNPayDriver()

	params := map[string]string{
		"vnp_Amount":        "15000000",
		"vnp_TxnRef":        "VPS-ABC-123",
		"vnp_ResponseCode":  "00",
		"vnp_TransactionNo": "14226112",
		"vnp_OrderInfo":     "Thanh toan don hang VPS-ABC-123",
	}
	params["vnp_SecureHash"] = d.sign(params)

	result, err := d.VerifyCallback(params)
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.True(t, result.Success)
	assert.Equal(t, "VPS-ABC-123", result.OrderNumber)
	assert.Equal(t, int64(150000), result.Amount, "amount scales back from VND x 100")
	assert.Equal(t, "14226112", result.GatewayTxnID)
}

func TestVNPayVerifyCaseInsensitiveHex(t *testing.T) {
	d := newVNPayDriver()

	params := map[string]string{
		"vnp_Amount":       "10000000",
		"vnp_TxnRef":       "VPS-XYZ-777",
		"vnp_ResponseCode": "00",
	}
	params["vnp_SecureHash"] = strings.ToUpper(d.sign(params))

	result, err := d.VerifyCallback(params)
	require.NoError(t, err)
	assert.True(t, result.Valid)
}

func TestVNPayVerifyTamperedAmount(t *testing.T) {
	d := newVNPayDriver()

	params := map[string]string{
		"vnp_Amount":       "15000000",
		"vnp_TxnRef":       "VPS-ABC-123",
		"vnp_ResponseCode": "00",
	}
	params["vnp_SecureHash"] = d.sign(params)
	params["vnp_Amount"] = "100"

	result, err := d.VerifyCallback(params)
	require.NoError(t, err)
	assert.False(t, result.Valid)
}

func TestVNPayVerifyGatewayFailureCode(t *testing.T) {
	d := newVNPayDriver()

	params := map[string]string{
		"vnp_Amount":       "15000000",
		"vnp_TxnRef":       "VPS-ABC-123",
		"vnp_ResponseCode": "24", // user cancelled
	}
	params["vnp_SecureHash"] = d.sign(params)

	result, err := d.VerifyCallback(params)
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.False(t, result.Success)
	assert.Equal(t, "24", result.Code)
}

func TestVNPayCreatePaymentBuildsSignedURL(t *testing.T) {
	d := newVNPayDriver()

	resp, err := d.CreatePayment(context.Background(), &CreateRequest{
		OrderNumber: "VPS-ABC-123",
		Amount:      150000,
		OrderInfo:   "Thanh toan don hang VPS-ABC-123",
		ClientIP:    "203.0.113.9",
	})
	require.NoError(t, err)

	parsed, err := url.Parse(resp.PayURL)
	require.NoError(t, err)
	query := parsed.Query()

	assert.Equal(t, "15000000", query.Get("vnp_Amount"), "amount is VND x 100")
	assert.Equal(t, "VPS-ABC-123", query.Get("vnp_TxnRef"))
	assert.NotEmpty(t, query.Get("vnp_SecureHash"))

	// The signature on the generated URL must verify with the same driver.
	params := make(map[string]string, len(query))
	for k := range query {
		params[k] = query.Get(k)
	}
	result, err := d.VerifyCallback(params)
	require.NoError(t, err)
	assert.True(t, result.Valid)
}
