package billing

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/provalab/simulado/internal/model"
)

// Store is the persistence surface the reconciler depends on.
type Store interface {
	GetUserByID(id int64) (*model.User, error)
	SetStripeCustomerID(userID int64, customerID string) error
	InsertPurchase(p model.Purchase) (int64, error)
	LatestActivePurchase(userID int64, now time.Time) (*model.Purchase, error)
	LatestPurchase(userID int64) (*model.Purchase, error)
	GetPurchaseForUser(id, userID int64) (*model.Purchase, error)
	CompletedRefundCount(purchaseID int64) (int, error)
	RecordRefund(purchaseID int64, refundedAt time.Time, req model.RefundRequest) (int64, error)
	InsertPaymentEvent(e model.PaymentEvent) (bool, error)
}

// Reconciler owns checkout-session creation, webhook-driven purchase
// creation, access computation and refund processing.
type Reconciler struct {
	store   Store
	gateway Gateway
	now     func() time.Time
}

// New creates a Reconciler.
func New(s Store, g Gateway) *Reconciler {
	return &Reconciler{store: s, gateway: g, now: time.Now}
}

// GetProduct returns the configured product with its current active price.
func (r *Reconciler) GetProduct(ctx context.Context) (model.ProductInfo, error) {
	product, err := r.gateway.ActiveProduct(ctx)
	if err != nil {
		return model.ProductInfo{}, r.gatewayErr(err, "ProductUnavailable")
	}
	return product, nil
}

// CreateCheckoutSession opens a payment-mode checkout for the single
// configured product. The gateway customer is created lazily on first
// checkout and persisted on the user. The user ID is stamped into
// client_reference_id and metadata so the webhook can recover identity
// without a session lookup.
func (r *Reconciler) CreateCheckoutSession(ctx context.Context, userID int64, successURL, cancelURL string) (string, error) {
	user, err := r.store.GetUserByID(userID)
	if err != nil {
		return "", model.Internal(err)
	}
	if user == nil {
		return "", model.NotFound("UserNotFound")
	}
	// Phone is required pre-purchase for post-refund contact.
	if user.Phone == "" {
		return "", model.BadRequest("PhoneRequired")
	}

	customerID := user.StripeCustomerID
	if customerID == "" {
		customerID, err = r.gateway.CreateCustomer(ctx, user.Email, user.Phone)
		if err != nil {
			return "", r.gatewayErr(err, "CheckoutFailed")
		}
		if err := r.store.SetStripeCustomerID(userID, customerID); err != nil {
			return "", model.Internal(err)
		}
	}

	product, err := r.gateway.ActiveProduct(ctx)
	if err != nil {
		return "", r.gatewayErr(err, "CheckoutFailed")
	}

	ref := strconv.FormatInt(userID, 10)
	sess, err := r.gateway.CreateCheckoutSession(ctx, CheckoutParams{
		CustomerID:        customerID,
		PriceID:           product.PriceID,
		SuccessURL:        successURL,
		CancelURL:         cancelURL,
		ClientReferenceID: ref,
		Metadata:          map[string]string{"user_id": ref},
	})
	if err != nil {
		return "", r.gatewayErr(err, "CheckoutFailed")
	}
	slog.Info("created checkout session", "user_id", userID, "session_id", sess.ID)
	return sess.URL, nil
}

// ProcessWebhookEvent handles one webhook delivery. The event is recorded
// in the ledger before acting on it: on redelivery the unique constraint
// short-circuits, giving at-most-once business effect under the gateway's
// at-least-once delivery. This ordering must not be reversed.
func (r *Reconciler) ProcessWebhookEvent(ctx context.Context, payload []byte, sigHeader string) error {
	ev, err := r.gateway.VerifyWebhook(payload, sigHeader)
	if err != nil {
		return model.BadRequest("InvalidWebhookSignature")
	}

	inserted, err := r.store.InsertPaymentEvent(model.PaymentEvent{
		Gateway: r.gateway.Name(),
		EventID: ev.ID,
		Type:    ev.Type,
		Payload: string(ev.Payload),
	})
	if err != nil {
		return model.Internal(err)
	}
	if !inserted {
		slog.Info("duplicate webhook event, skipping", "event_id", ev.ID, "type", ev.Type)
		return nil
	}

	if ev.Type != "checkout.session.completed" || ev.Session == nil || ev.Session.Mode != "payment" {
		return nil
	}
	return r.recordPurchase(ctx, ev)
}

func (r *Reconciler) recordPurchase(ctx context.Context, ev Event) error {
	sess := ev.Session

	ref := sess.ClientReferenceID
	if ref == "" {
		ref = sess.Metadata["user_id"]
	}
	userID, err := strconv.ParseInt(ref, 10, 64)
	if ref == "" || err != nil {
		// Not all sessions carry our reference; permissive by design.
		slog.Warn("checkout session without user reference, skipping", "event_id", ev.ID, "session_id", sess.ID)
		return nil
	}

	user, err := r.store.GetUserByID(userID)
	if err != nil {
		return model.Internal(err)
	}
	if user == nil {
		slog.Warn("checkout session for unknown user, skipping", "event_id", ev.ID, "user_id", userID)
		return nil
	}
	if user.StripeCustomerID == "" && sess.CustomerID != "" {
		if err := r.store.SetStripeCustomerID(userID, sess.CustomerID); err != nil {
			return model.Internal(err)
		}
	}

	var chargeID string
	if sess.PaymentIntentID != "" {
		chargeID, err = r.gateway.PaymentIntentCharge(ctx, sess.PaymentIntentID)
		if err != nil {
			// The event is already recorded; a retry would no-op. Keep the
			// purchase and leave the charge unresolved rather than lose it.
			slog.Warn("failed to resolve charge for payment intent",
				"payment_intent", sess.PaymentIntentID, "error", err)
			chargeID = ""
		}
	}

	purchasedAt := r.now()
	id, err := r.store.InsertPurchase(model.Purchase{
		UserID:          userID,
		SessionID:       sess.ID,
		PaymentIntentID: sess.PaymentIntentID,
		ChargeID:        chargeID,
		PurchasedAt:     purchasedAt,
		AccessExpiresAt: purchasedAt.Add(model.AccessDuration),
	})
	if err != nil {
		return model.Internal(err)
	}
	slog.Info("recorded purchase", "purchase_id", id, "user_id", userID, "session_id", sess.ID)
	return nil
}

// GetAccess computes the user's current entitlement. Never cached.
func (r *Reconciler) GetAccess(userID int64) (model.AccessSummary, error) {
	now := r.now()

	active, err := r.store.LatestActivePurchase(userID, now)
	if err != nil {
		return model.AccessSummary{}, model.Internal(err)
	}
	if active != nil {
		canRefund, err := r.canRequestRefund(active, now)
		if err != nil {
			return model.AccessSummary{}, model.Internal(err)
		}
		daysLeft := int(math.Ceil(active.AccessExpiresAt.Sub(now).Hours() / 24))
		return model.AccessSummary{
			HasAccess:        true,
			Status:           model.AccessActive,
			DaysLeft:         daysLeft,
			CanRequestRefund: canRefund,
			PurchaseID:       active.ID,
		}, nil
	}

	// Lapsed access still shows the refund option while the window is
	// open against the most recent purchase.
	latest, err := r.store.LatestPurchase(userID)
	if err != nil {
		return model.AccessSummary{}, model.Internal(err)
	}
	if latest != nil {
		canRefund, err := r.canRequestRefund(latest, now)
		if err != nil {
			return model.AccessSummary{}, model.Internal(err)
		}
		return model.AccessSummary{
			Status:           model.AccessInactive,
			CanRequestRefund: canRefund,
			PurchaseID:       latest.ID,
		}, nil
	}

	return model.AccessSummary{Status: model.AccessInactive}, nil
}

// RequestRefund refunds a purchase inside the 7-day statutory window. The
// purchase stamp and the request row land in one transaction.
func (r *Reconciler) RequestRefund(ctx context.Context, userID, purchaseID int64) error {
	purchase, err := r.store.GetPurchaseForUser(purchaseID, userID)
	if err != nil {
		return model.Internal(err)
	}
	if purchase == nil {
		return model.BadRequest("PurchaseNotFound")
	}
	if purchase.RefundedAt != nil {
		return model.BadRequest("AlreadyRefunded")
	}

	now := r.now()
	if now.After(purchase.PurchasedAt.Add(model.RefundWindow)) {
		return model.BadRequest("RefundWindowExpired")
	}

	completed, err := r.store.CompletedRefundCount(purchaseID)
	if err != nil {
		return model.Internal(err)
	}
	if completed > 0 {
		return model.BadRequest("RefundAlreadyRequested")
	}

	// A purchase without a resolvable charge was never charged.
	if purchase.ChargeID == "" {
		return model.BadRequest("MissingCharge")
	}

	refund, err := r.gateway.CreateRefund(ctx, purchase.ChargeID)
	if err != nil {
		return r.gatewayErr(err, "RefundFailed")
	}

	status := model.RefundPending
	if refund.Status == RefundSucceeded {
		status = model.RefundCompleted
	}
	_, err = r.store.RecordRefund(purchaseID, now, model.RefundRequest{
		UserID:     userID,
		PurchaseID: purchaseID,
		RefundID:   refund.ID,
		Status:     status,
	})
	if err != nil {
		return model.Internal(err)
	}
	slog.Info("recorded refund", "purchase_id", purchaseID, "user_id", userID, "status", status)
	return nil
}

func (r *Reconciler) canRequestRefund(p *model.Purchase, now time.Time) (bool, error) {
	if p.RefundedAt != nil {
		return false, nil
	}
	if now.After(p.PurchasedAt.Add(model.RefundWindow)) {
		return false, nil
	}
	completed, err := r.store.CompletedRefundCount(p.ID)
	if err != nil {
		return false, err
	}
	return completed == 0, nil
}

// gatewayErr maps provider-reported failures to BadRequest with the
// provider's message passed through, falling back to a localized message
// when the provider gave none; anything else stays generic.
func (r *Reconciler) gatewayErr(err error, fallbackID string) error {
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		if gwErr.Msg == "" {
			return model.BadRequest(fallbackID)
		}
		return model.BadRequestMsg(gwErr.Msg)
	}
	return model.Internal(err)
}
