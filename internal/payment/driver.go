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

// Package payment implements the gateway drivers and the payment service
// that ties transactions to orders. Each driver owns the wire format and
// signature scheme of one external gateway; the service owns all state
// transitions.
package payment

import (
	"context"

	"github.com/vietstack/vpsd/internal/model"
)

// CreateRequest carries what a driver needs to initiate a payment.
type CreateRequest struct {
	OrderNumber string
	// Amount is in VND. Drivers apply their own unit scaling.
	Amount    int64
	OrderInfo string
	ClientIP  string
	// TxnID is the transaction identifier generated by the service; drivers
	// send it as their request/transaction reference.
	TxnID string
}

// CreateResponse is the gateway's answer to a payment initiation.
type CreateResponse struct {
	// PayURL is where the user is redirected to complete payment.
	PayURL string
	// Raw keeps the gateway payload for the transaction audit trail.
	Raw map[string]string
}

// CallbackResult is the outcome of verifying a gateway callback.
type CallbackResult struct {
	// Valid reports whether the signature checked out. Invalid callbacks
	// must not touch any state.
	Valid bool
	// Success reports whether the gateway says the payment went through.
	// Only meaningful when Valid.
	Success     bool
	OrderNumber string
	// Amount is in VND, already scaled back from the gateway's unit.
	Amount int64
	// GatewayTxnID is the gateway-side transaction reference.
	GatewayTxnID string
	// Code is the gateway's raw result code, for logging and responses.
	Code string
}

// Driver is one payment gateway integration.
type Driver interface {
	// Method returns the gateway identifier used in routes and rows.
	Method() model.PaymentMethod
	// CreatePayment initiates a payment and returns the redirect URL.
	// Transport failures surface as UpstreamUnavailable.
	CreatePayment(ctx context.Context, req *CreateRequest) (*CreateResponse, error)
	// VerifyCallback checks the signature on a gateway callback and
	// extracts its verdict. It never touches state.
	VerifyCallback(params map[string]string) (*CallbackResult, error)
}
