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
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/vietstack/vpsd/internal/config"
	"github.com/vietstack/vpsd/internal/errdefs"
	"github.com/vietstack/vpsd/internal/model"
)

// MoMoDriver implements the MoMo v2 gateway protocol. Signatures are
// HMAC-SHA256 over a key=value string in the gateway's documented field
// order, which is fixed, not sorted. Changing the order breaks verification
// against the live gateway.
type MoMoDriver struct {
	config     config.MoMoConfig
	httpClient *http.Client
}

// NewMoMoDriver creates a MoMo gateway driver.
func NewMoMoDriver(cfg config.MoMoConfig) *MoMoDriver {
	return &MoMoDriver{
		config:     cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Method implements Driver.
func (d *MoMoDriver) Method() model.PaymentMethod { return model.MethodMoMo }

// momoCreateBody is the JSON request to the create endpoint.
type momoCreateBody struct {
	PartnerCode string `json:"partnerCode"`
	RequestID   string `json:"requestId"`
	Amount      int64  `json:"amount"`
	OrderID     string `json:"orderId"`
	OrderInfo   string `json:"orderInfo"`
	RedirectURL string `json:"redirectUrl"`
	IPNURL      string `json:"ipnUrl"`
	RequestType string `json:"requestType"`
	ExtraData   string `json:"extraData"`
	Lang        string `json:"lang"`
	Signature   string `json:"signature"`
}

// signCreate builds the create-request signature string. Field order per the
// gateway documentation.
func (d *MoMoDriver) signCreate(body *momoCreateBody) string {
	raw := fmt.Sprintf(
		"accessKey=%s&amount=%d&extraData=%s&ipnUrl=%s&orderId=%s&orderInfo=%s&partnerCode=%s&redirectUrl=%s&requestId=%s&requestType=%s",
		d.config.AccessKey, body.Amount, body.ExtraData, body.IPNURL, body.OrderID,
		body.OrderInfo, body.PartnerCode, body.RedirectURL, body.RequestID, body.RequestType,
	)
	return d.sign(raw)
}

// signCallback builds the IPN signature string from the response fields.
// This is a different field list than the create request.
func (d *MoMoDriver) signCallback(params map[string]string) string {
	raw := fmt.Sprintf(
		"accessKey=%s&amount=%s&extraData=%s&message=%s&orderId=%s&orderInfo=%s&orderType=%s&partnerCode=%s&payType=%s&requestId=%s&responseTime=%s&resultCode=%s&transId=%s",
		d.config.AccessKey, params["amount"], params["extraData"], params["message"],
		params["orderId"], params["orderInfo"], params["orderType"], params["partnerCode"],
		params["payType"], params["requestId"], params["responseTime"], params["resultCode"],
		params["transId"],
	)
	return d.sign(raw)
}

func (d *MoMoDriver) sign(raw string) string {
	mac := hmac.New(sha256.New, []byte(d.config.SecretKey))
	mac.Write([]byte(raw))
	return hex.EncodeToString(mac.Sum(nil))
}

// CreatePayment implements Driver.
func (d *MoMoDriver) CreatePayment(ctx context.Context, req *CreateRequest) (*CreateResponse, error) {
	body := &momoCreateBody{
		PartnerCode: d.config.PartnerCode,
		RequestID:   req.TxnID,
		Amount:      req.Amount,
		OrderID:     req.OrderNumber,
		OrderInfo:   req.OrderInfo,
		RedirectURL: d.config.RedirectURL,
		IPNURL:      d.config.IPNURL,
		RequestType: "captureWallet",
		ExtraData:   "",
		Lang:        "vi",
	}
	body.Signature = d.signCreate(body)

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, errdefs.NewInternal("failed to marshal momo request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.config.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, errdefs.NewInternal("failed to create momo request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(httpReq)
	if err != nil {
		return nil, errdefs.NewUpstreamUnavailable("momo gateway unreachable", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != 200 {
		return nil, errdefs.NewUpstreamUnavailable(fmt.Sprintf("momo gateway returned status %d", resp.StatusCode), nil)
	}

	var out struct {
		PayURL     string `json:"payUrl"`
		ResultCode int    `json:"resultCode"`
		Message    string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, errdefs.NewUpstreamUnavailable("failed to decode momo response", err)
	}
	if out.ResultCode != 0 {
		return nil, errdefs.NewUpstreamUnavailable(fmt.Sprintf("momo create rejected: %d %s", out.ResultCode, out.Message), nil)
	}

	return &CreateResponse{
		PayURL: out.PayURL,
		Raw: map[string]string{
			"payUrl":     out.PayURL,
			"resultCode": strconv.Itoa(out.ResultCode),
			"message":    out.Message,
		},
	}, nil
}

// VerifyCallback implements Driver. resultCode 0 means the payment
// succeeded; any other code is a gateway-reported failure.
func (d *MoMoDriver) VerifyCallback(params map[string]string) (*CallbackResult, error) {
	expected := d.signCallback(params)
	if !strings.EqualFold(expected, params["signature"]) {
		return &CallbackResult{Valid: false, Code: params["resultCode"]}, nil
	}

	amount, _ := strconv.ParseInt(params["amount"], 10, 64)

	return &CallbackResult{
		Valid:        true,
		Success:      params["resultCode"] == "0",
		OrderNumber:  params["orderId"],
		Amount:       amount,
		GatewayTxnID: params["transId"],
		Code:         params["resultCode"],
	}, nil
}
