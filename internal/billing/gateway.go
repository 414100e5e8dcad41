// Package billing owns checkout, webhook-driven purchase creation, access
// computation and refund processing.
package billing

import (
	"context"

	"github.com/provalab/simulado/internal/model"
)

// Gateway is the payment-provider capability set the reconciler needs.
// Injected so tests can swap in a fake.
type Gateway interface {
	// Name identifies the provider in the payment-event ledger.
	Name() string
	// ActiveProduct returns the configured product with its first active price.
	ActiveProduct(ctx context.Context) (model.ProductInfo, error)
	// CreateCustomer registers a customer and returns its gateway ID.
	CreateCustomer(ctx context.Context, email, phone string) (string, error)
	// CreateCheckoutSession opens a payment-mode checkout session.
	CreateCheckoutSession(ctx context.Context, p CheckoutParams) (CheckoutSession, error)
	// VerifyWebhook checks the signature and decodes the event.
	VerifyWebhook(payload []byte, sigHeader string) (Event, error)
	// PaymentIntentCharge resolves the charge ID behind a payment intent.
	PaymentIntentCharge(ctx context.Context, paymentIntentID string) (string, error)
	// CreateRefund refunds a charge.
	CreateRefund(ctx context.Context, chargeID string) (Refund, error)
}

// CheckoutParams describe a single-item payment-mode checkout session.
type CheckoutParams struct {
	CustomerID        string
	PriceID           string
	SuccessURL        string
	CancelURL         string
	ClientReferenceID string
	Metadata          map[string]string
}

// CheckoutSession is the created session the client is redirected to.
type CheckoutSession struct {
	ID  string
	URL string
}

// Event is a decoded, signature-verified webhook event. Session is set for
// checkout session events only.
type Event struct {
	ID      string
	Type    string
	Payload []byte
	Session *SessionData
}

// SessionData carries the checkout session fields the reconciler acts on.
type SessionData struct {
	ID                string
	Mode              string
	CustomerID        string
	PaymentIntentID   string
	ClientReferenceID string
	Metadata          map[string]string
}

// Refund is the gateway's immediate response to a refund request.
type Refund struct {
	ID     string
	Status string
}

// RefundSucceeded is the gateway status for a synchronously settled refund.
const RefundSucceeded = "succeeded"

// GatewayError is a provider-reported failure, distinguishable from
// network or internal errors. Its message is safe to show to the caller.
type GatewayError struct {
	Msg string
	Err error
}

func (e *GatewayError) Error() string {
	if e.Err != nil {
		return "gateway: " + e.Msg + ": " + e.Err.Error()
	}
	return "gateway: " + e.Msg
}

func (e *GatewayError) Unwrap() error { return e.Err }
