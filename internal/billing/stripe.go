package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/provalab/simulado/internal/model"
)

// StripeGateway implements Gateway against the Stripe API.
type StripeGateway struct {
	api           *client.API
	productID     string
	webhookSecret string
}

// NewStripeGateway creates a Stripe-backed gateway. productID may be empty,
// in which case the first active product is used.
func NewStripeGateway(apiKey, webhookSecret, productID string) *StripeGateway {
	api := &client.API{}
	api.Init(apiKey, nil)
	return &StripeGateway{api: api, productID: productID, webhookSecret: webhookSecret}
}

func (g *StripeGateway) Name() string { return "stripe" }

func (g *StripeGateway) ActiveProduct(ctx context.Context) (model.ProductInfo, error) {
	var prod *stripe.Product
	if g.productID != "" {
		p, err := g.api.Products.Get(g.productID, nil)
		if err != nil {
			return model.ProductInfo{}, wrapStripeErr(err)
		}
		prod = p
	} else {
		params := &stripe.ProductListParams{Active: stripe.Bool(true)}
		params.Context = ctx
		iter := g.api.Products.List(params)
		if !iter.Next() {
			if err := iter.Err(); err != nil {
				return model.ProductInfo{}, wrapStripeErr(err)
			}
			return model.ProductInfo{}, &GatewayError{Msg: "no active product configured"}
		}
		prod = iter.Product()
	}

	priceParams := &stripe.PriceListParams{
		Product: stripe.String(prod.ID),
		Active:  stripe.Bool(true),
	}
	priceParams.Context = ctx
	priceIter := g.api.Prices.List(priceParams)
	if !priceIter.Next() {
		if err := priceIter.Err(); err != nil {
			return model.ProductInfo{}, wrapStripeErr(err)
		}
		return model.ProductInfo{}, &GatewayError{Msg: "no active price configured"}
	}
	price := priceIter.Price()

	return model.ProductInfo{
		ID:          prod.ID,
		Name:        prod.Name,
		Description: prod.Description,
		PriceID:     price.ID,
		UnitAmount:  price.UnitAmount,
		Currency:    string(price.Currency),
	}, nil
}

func (g *StripeGateway) CreateCustomer(ctx context.Context, email, phone string) (string, error) {
	params := &stripe.CustomerParams{
		Email: stripe.String(email),
		Phone: stripe.String(phone),
	}
	params.Context = ctx
	c, err := g.api.Customers.New(params)
	if err != nil {
		return "", wrapStripeErr(err)
	}
	return c.ID, nil
}

func (g *StripeGateway) CreateCheckoutSession(ctx context.Context, p CheckoutParams) (CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL: stripe.String(p.SuccessURL),
		CancelURL:  stripe.String(p.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(p.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
	}
	params.Context = ctx
	if p.CustomerID != "" {
		params.Customer = stripe.String(p.CustomerID)
	}
	if p.ClientReferenceID != "" {
		params.ClientReferenceID = stripe.String(p.ClientReferenceID)
	}
	for k, v := range p.Metadata {
		params.AddMetadata(k, v)
	}

	sess, err := g.api.CheckoutSessions.New(params)
	if err != nil {
		return CheckoutSession{}, wrapStripeErr(err)
	}
	return CheckoutSession{ID: sess.ID, URL: sess.URL}, nil
}

func (g *StripeGateway) VerifyWebhook(payload []byte, sigHeader string) (Event, error) {
	ev, err := webhook.ConstructEvent(payload, sigHeader, g.webhookSecret)
	if err != nil {
		return Event{}, fmt.Errorf("verify webhook signature: %w", err)
	}

	out := Event{
		ID:      ev.ID,
		Type:    string(ev.Type),
		Payload: payload,
	}
	if strings.HasPrefix(out.Type, "checkout.session.") {
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(ev.Data.Raw, &sess); err != nil {
			return Event{}, fmt.Errorf("decode checkout session: %w", err)
		}
		data := &SessionData{
			ID:                sess.ID,
			Mode:              string(sess.Mode),
			ClientReferenceID: sess.ClientReferenceID,
			Metadata:          sess.Metadata,
		}
		if sess.Customer != nil {
			data.CustomerID = sess.Customer.ID
		}
		if sess.PaymentIntent != nil {
			data.PaymentIntentID = sess.PaymentIntent.ID
		}
		out.Session = data
	}
	return out, nil
}

func (g *StripeGateway) PaymentIntentCharge(ctx context.Context, paymentIntentID string) (string, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := g.api.PaymentIntents.Get(paymentIntentID, params)
	if err != nil {
		return "", wrapStripeErr(err)
	}
	if pi.LatestCharge == nil {
		return "", nil
	}
	return pi.LatestCharge.ID, nil
}

func (g *StripeGateway) CreateRefund(ctx context.Context, chargeID string) (Refund, error) {
	params := &stripe.RefundParams{Charge: stripe.String(chargeID)}
	params.Context = ctx
	r, err := g.api.Refunds.New(params)
	if err != nil {
		return Refund{}, wrapStripeErr(err)
	}
	return Refund{ID: r.ID, Status: string(r.Status)}, nil
}

// wrapStripeErr converts Stripe API errors into GatewayError so callers can
// tell provider-reported failures from network ones.
func wrapStripeErr(err error) error {
	var sErr *stripe.Error
	if errors.As(err, &sErr) {
		return &GatewayError{Msg: sErr.Msg, Err: err}
	}
	return err
}
