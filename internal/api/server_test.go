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

package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietstack/vpsd/internal/auth"
	"github.com/vietstack/vpsd/internal/config"
	"github.com/vietstack/vpsd/internal/mail"
	"github.com/vietstack/vpsd/internal/model"
	"github.com/vietstack/vpsd/internal/order"
	"github.com/vietstack/vpsd/internal/payment"
	"github.com/vietstack/vpsd/internal/provision"
	"github.com/vietstack/vpsd/internal/store/memstore"
	"github.com/vietstack/vpsd/internal/vps"
)

type env struct {
	store  *memstore.Store
	server *httptest.Server
	mailer *tokenMailer
}

type tokenMailer struct {
	verify map[string]string
}

func (m *tokenMailer) SendVerification(_ context.Context, to, token string) error {
	m.verify[to] = token
	return nil
}

func (m *tokenMailer) SendPasswordReset(context.Context, string, string) error { return nil }

var _ mail.Mailer = (*tokenMailer)(nil)

func newEnv(t *testing.T) *env {
	t.Helper()

	st := memstore.New()
	mailer := &tokenMailer{verify: map[string]string{}}
	authSvc := auth.NewService(st, config.AuthConfig{
		SecretKey:         "api-test-secret",
		Algorithm:         "HS256",
		AccessTokenTTL:    15 * time.Minute,
		RefreshTokenTTL:   14 * 24 * time.Hour,
		RefreshCookieName: "vpsd_refresh_token",
	}, mailer)

	coord := provision.NewCoordinator(st, config.HypervisorConfig{})
	server := New(Deps{
		Store:  st,
		Auth:   authSvc,
		Orders: order.NewService(st),
		Payments: payment.NewService(st,
			payment.NewVNPayDriver(config.VNPayConfig{
				TmnCode: "TESTTMN", HashSecret: "testhashsecret",
				PayURL: "https://pay.example/vpcpay.html", ReturnURL: "https://shop.example/return",
			}),
			payment.NewMoMoDriver(config.MoMoConfig{
				PartnerCode: "MOMOTEST", AccessKey: "testaccess", SecretKey: "testmomosecret",
			}),
		),
		Prov: coord,
		VPS:  vps.NewService(st, coord, 0),
	})

	ts := httptest.NewServer(server)
	t.Cleanup(ts.Close)
	return &env{store: st, server: ts, mailer: mailer}
}

func (e *env) do(t *testing.T, method, path, token string, body interface{}) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.server.URL+path, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := e.server.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

// signup registers, verifies, and logs in one user, returning the access token.
func (e *env) signup(t *testing.T, email, password string) string {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/api/auth/register", "", map[string]string{
		"email": email, "password": password, "full_name": "Test User",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = e.do(t, http.MethodPost, "/api/auth/verify-email", "", map[string]string{
		"token": e.mailer.verify[email],
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = e.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{
		"email": email, "password": password,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	return body["access_token"].(string)
}

func TestRegisterLoginFlow(t *testing.T) {
	e := newEnv(t)

	resp := e.do(t, http.MethodPost, "/api/auth/register", "", map[string]string{
		"email": "alice@example.com", "password": "s3cretpass", "full_name": "Alice",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, "alice@example.com", body["email"])
	assert.Equal(t, false, body["verified"])

	// Login before verification is rejected.
	resp = e.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{
		"email": "alice@example.com", "password": "s3cretpass",
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()

	resp = e.do(t, http.MethodPost, "/api/auth/verify-email", "", map[string]string{
		"token": e.mailer.verify["alice@example.com"],
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = e.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{
		"email": "alice@example.com", "password": "s3cretpass",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var refreshCookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == "vpsd_refresh_token" {
			refreshCookie = c
		}
	}
	require.NotNil(t, refreshCookie, "login sets the refresh cookie")
	assert.True(t, refreshCookie.HttpOnly)

	body = decodeBody(t, resp)
	assert.NotEmpty(t, body["access_token"])

	// The cookie refreshes the session.
	req, err := http.NewRequest(http.MethodPost, e.server.URL+"/api/auth/refresh-token", nil)
	require.NoError(t, err)
	req.AddCookie(refreshCookie)
	refreshResp, err := e.server.Client().Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, refreshResp.StatusCode)
	refreshed := decodeBody(t, refreshResp)
	assert.NotEmpty(t, refreshed["access_token"])
}

func TestAuthenticatedRoutesRejectMissingToken(t *testing.T) {
	e := newEnv(t)
	resp := e.do(t, http.MethodGet, "/api/cart", "", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAdminRoutesRejectRegularUser(t *testing.T) {
	e := newEnv(t)
	token := e.signup(t, "user@example.com", "s3cretpass")

	resp := e.do(t, http.MethodGet, "/api/admin/dashboard/stats", token, nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestAdminDashboardStats(t *testing.T) {
	e := newEnv(t)
	token := e.signup(t, "root@example.com", "s3cretpass")

	admin, err := e.store.GetUserByEmail(context.Background(), "root@example.com")
	require.NoError(t, err)
	admin.Role = model.RoleAdmin
	require.NoError(t, e.store.UpdateUser(context.Background(), admin))

	resp := e.do(t, http.MethodGet, "/api/admin/dashboard/stats", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Contains(t, body, "vps_by_status")
	assert.Contains(t, body, "revenue")
}

func TestCatalogIsPublic(t *testing.T) {
	e := newEnv(t)
	plan := &model.Plan{ID: model.NewID(), Name: "Starter", VCPU: 2, RAMGiB: 4, MonthlyPrice: 150000}
	e.store.Seed([]*model.Plan{plan}, nil, nil, nil, nil)

	resp := e.do(t, http.MethodGet, "/api/plans", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	defer resp.Body.Close()
	var plans []model.Plan
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&plans))
	require.Len(t, plans, 1)
	assert.Equal(t, "Starter", plans[0].Name)

	resp = e.do(t, http.MethodGet, "/api/plans/"+plan.ID.String(), "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = e.do(t, http.MethodGet, "/api/plans/"+model.NewID().String(), "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestCartRoundTrip(t *testing.T) {
	e := newEnv(t)
	token := e.signup(t, "buyer@example.com", "s3cretpass")

	plan := &model.Plan{ID: model.NewID(), Name: "Starter", MonthlyPrice: 150000}
	tmpl := &model.Template{ID: model.NewID(), Name: "ubuntu-22.04"}
	e.store.Seed([]*model.Plan{plan}, []*model.Template{tmpl}, nil, nil, nil)

	resp := e.do(t, http.MethodPost, "/api/cart", token, map[string]interface{}{
		"plan_id": plan.ID.String(), "template_id": tmpl.ID.String(),
		"hostname": "web-01", "duration_months": 3,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decodeBody(t, resp)

	resp = e.do(t, http.MethodGet, "/api/cart", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	defer resp.Body.Close()
	var items []map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&items))
	require.Len(t, items, 1)

	del := e.do(t, http.MethodDelete, fmt.Sprintf("/api/cart/%v", created["ID"]), token, nil)
	assert.Equal(t, http.StatusNoContent, del.StatusCode)
	del.Body.Close()
}

func TestCheckoutEmptyCart(t *testing.T) {
	e := newEnv(t)
	token := e.signup(t, "buyer@example.com", "s3cretpass")

	resp := e.do(t, http.MethodPost, "/api/orders/checkout", token, map[string]string{})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUnknownGatewayIs404(t *testing.T) {
	e := newEnv(t)
	token := e.signup(t, "buyer@example.com", "s3cretpass")

	resp := e.do(t, http.MethodPost, "/api/payments/paypal/create", token, map[string]string{
		"order_number": "VPS-X-YYYYYY",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestVNPayIPNInvalidSignature(t *testing.T) {
	e := newEnv(t)

	// A tampered callback must come back HTTP 200 with the gateway's
	// invalid-signature code, never a 4xx.
	resp := e.do(t, http.MethodGet,
		"/api/payments/vnpay/ipn?vnp_TxnRef=VPS-X-YYYYYY&vnp_Amount=100000&vnp_ResponseCode=00&vnp_SecureHash=deadbeef",
		"", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, "97", body["RspCode"])
}

// momoNotify builds a validly signed IPN payload for the test gateway
// credentials wired into newEnv.
func momoNotify(orderNumber string, amount int64) map[string]interface{} {
	params := map[string]string{
		"partnerCode":  "MOMOTEST",
		"orderId":      orderNumber,
		"requestId":    orderNumber + "-abc123",
		"amount":       strconv.FormatInt(amount, 10),
		"orderInfo":    "Thanh toan don hang " + orderNumber,
		"orderType":    "momo_wallet",
		"transId":      "99001122",
		"resultCode":   "0",
		"message":      "Successful.",
		"payType":      "qr",
		"responseTime": "1700000000000",
		"extraData":    "",
	}
	raw := fmt.Sprintf(
		"accessKey=%s&amount=%s&extraData=%s&message=%s&orderId=%s&orderInfo=%s&orderType=%s&partnerCode=%s&payType=%s&requestId=%s&responseTime=%s&resultCode=%s&transId=%s",
		"testaccess", params["amount"], params["extraData"], params["message"],
		params["orderId"], params["orderInfo"], params["orderType"], params["partnerCode"],
		params["payType"], params["requestId"], params["responseTime"], params["resultCode"],
		params["transId"],
	)
	mac := hmac.New(sha256.New, []byte("testmomosecret"))
	mac.Write([]byte(raw))
	params["signature"] = hex.EncodeToString(mac.Sum(nil))

	body := make(map[string]interface{}, len(params))
	for k, v := range params {
		body[k] = v
	}
	return body
}

func TestMoMoNotifyEchoesResultCodeOnReplay(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	order := &model.Order{
		ID: model.NewID(), Number: "VPS-MOMO01-AAAA01", UserID: model.NewID(),
		Subtotal: 150000, Total: 150000, Currency: "VND", Status: model.OrderPending,
	}
	require.NoError(t, e.store.CreateOrder(ctx, order))
	require.NoError(t, e.store.CreatePayment(ctx, &model.PaymentTransaction{
		ID: model.NewID(), OrderID: order.ID, TxnID: order.Number + "-abc123",
		Method: model.MethodMoMo, Amount: order.Total, Currency: "VND",
		Status: model.PaymentPending, CreatedAt: time.Now(),
	}))

	notify := momoNotify(order.Number, order.Total)

	resp := e.do(t, http.MethodPost, "/api/payments/momo/notify", "", notify)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, float64(0), body["resultCode"])
	assert.Equal(t, order.Number, body["orderId"])

	paid, err := e.store.GetOrderByNumber(ctx, order.Number)
	require.NoError(t, err)
	assert.Equal(t, model.OrderPaid, paid.Status)

	// The gateway retries the same notify. The acknowledgment is identical
	// and nothing is applied twice.
	resp = e.do(t, http.MethodPost, "/api/payments/momo/notify", "", notify)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body = decodeBody(t, resp)
	assert.Equal(t, float64(0), body["resultCode"])
}

func TestCorrelationIDHeader(t *testing.T) {
	e := newEnv(t)
	resp := e.do(t, http.MethodGet, "/healthz", "", nil)
	defer resp.Body.Close()
	assert.NotEmpty(t, resp.Header.Get("X-Correlation-ID"))
}

func TestVNCProxyForwardsBothDirections(t *testing.T) {
	// Fake hypervisor endpoint: greets, then echoes every frame back.
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.True(t, strings.HasSuffix(r.URL.Path, "/vncwebsocket"))
		assert.Equal(t, "5900", r.URL.Query().Get("port"))
		assert.Equal(t, "TICKET", r.URL.Query().Get("vncticket"))

		up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
		conn, err := up.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("RFB 003.008\n")))
		for {
			msgType, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(msgType, payload); err != nil {
				return
			}
		}
	}))
	defer upstream.Close()

	st := memstore.New()
	authSvc := auth.NewService(st, config.AuthConfig{SecretKey: "x", AccessTokenTTL: time.Minute}, nil)
	coord := provision.NewCoordinator(st, config.HypervisorConfig{})
	server := New(Deps{
		Store: st, Auth: authSvc, Orders: order.NewService(st),
		Payments: payment.NewService(st), Prov: coord,
		VPS:         vps.NewService(st, coord, 0),
		VNCUpstream: upstream.URL,
	})
	ts := httptest.NewServer(server)
	defer ts.Close()

	wsURL := strings.Replace(ts.URL, "http://", "ws://", 1) +
		"/vnc/ws?node=pve&vmid=100&port=5900&ticket=TICKET&authticket=AUTH"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	// Server-to-client greeting comes through.
	_, greeting, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "RFB 003.008\n", string(greeting))

	// Client-to-server frames are echoed back through the proxy.
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x02, 0x03}))
	_, echoed, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, echoed)
}

func TestVNCProxyRequiresParams(t *testing.T) {
	e := newEnv(t)
	resp := e.do(t, http.MethodGet, "/vnc/ws?node=pve", "", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
