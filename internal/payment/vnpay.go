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
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/vietstack/vpsd/internal/config"
	"github.com/vietstack/vpsd/internal/model"
)

// VNPayDriver implements the VNPay gateway protocol. The signature is
// HMAC-SHA512 over all vnp_* parameters sorted by key, with each value
// URL-encoded using + for space. Amounts are sent as VND multiplied by 100
// and scaled back on verification.
type VNPayDriver struct {
	config config.VNPayConfig
	// now is injectable for deterministic create dates in tests.
	now func() time.Time
}

// NewVNPayDriver creates a VNPay gateway driver.
func NewVNPayDriver(cfg config.VNPayConfig) *VNPayDriver {
	return &VNPayDriver{config: cfg, now: time.Now}
}

// Method implements Driver.
func (d *VNPayDriver) Method() model.PaymentMethod { return model.MethodVNPay }

// hashData builds the canonical string: keys sorted ascending, values
// query-escaped (space becomes +), joined as k=v pairs with &. The
// signature fields themselves are never part of the string.
func hashData(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		if k == "vnp_SecureHash" || k == "vnp_SecureHashType" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(params[k]))
	}
	return b.String()
}

func (d *VNPayDriver) sign(params map[string]string) string {
	mac := hmac.New(sha512.New, []byte(d.config.HashSecret))
	mac.Write([]byte(hashData(params)))
	return hex.EncodeToString(mac.Sum(nil))
}

// CreatePayment implements Driver. VNPay is redirect-only: no server-side
// call is made, the signed pay URL is built locally.
func (d *VNPayDriver) CreatePayment(ctx context.Context, req *CreateRequest) (*CreateResponse, error) {
	now := d.now()
	params := map[string]string{
		"vnp_Version":    "2.1.0",
		"vnp_Command":    "pay",
		"vnp_TmnCode":    d.config.TmnCode,
		"vnp_Amount":     strconv.FormatInt(req.Amount*100, 10),
		"vnp_CurrCode":   "VND",
		"vnp_TxnRef":     req.OrderNumber,
		"vnp_OrderInfo":  req.OrderInfo,
		"vnp_OrderType":  "other",
		"vnp_Locale":     "vn",
		"vnp_ReturnUrl":  d.config.ReturnURL,
		"vnp_IpAddr":     req.ClientIP,
		"vnp_CreateDate": now.Format("20060102150405"),
		"vnp_ExpireDate": now.Add(15 * time.Minute).Format("20060102150405"),
	}

	signature := d.sign(params)

	query := url.Values{}
	for k, v := range params {
		query.Set(k, v)
	}
	query.Set("vnp_SecureHash", signature)

	return &CreateResponse{
		PayURL: d.config.PayURL + "?" + query.Encode(),
		Raw:    map[string]string{"vnp_TxnRef": req.OrderNumber, "vnp_CreateDate": params["vnp_CreateDate"]},
	}, nil
}

// VerifyCallback implements Driver. The hex comparison is case-insensitive;
// response code 00 means success.
func (d *VNPayDriver) VerifyCallback(params map[string]string) (*CallbackResult, error) {
	given := params["vnp_SecureHash"]
	expected := d.sign(params)

	if given == "" || !strings.EqualFold(expected, given) {
		return &CallbackResult{Valid: false, Code: params["vnp_ResponseCode"]}, nil
	}

	rawAmount, _ := strconv.ParseInt(params["vnp_Amount"], 10, 64)

	return &CallbackResult{
		Valid:        true,
		Success:      params["vnp_ResponseCode"] == "00",
		OrderNumber:  params["vnp_TxnRef"],
		Amount:       rawAmount / 100,
		GatewayTxnID: params["vnp_TransactionNo"],
		Code:         params["vnp_ResponseCode"],
	}, nil
}
