package billing

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/provalab/simulado/internal/model"
	"github.com/provalab/simulado/internal/store"
)

// fakeGateway scripts provider behavior per test. Webhook "signatures" are
// trusted unless failVerify is set; the event is carried in the struct, not
// the payload.
type fakeGateway struct {
	product      model.ProductInfo
	event        Event
	refundStatus string

	failVerify   bool
	customerErr  error
	checkoutErr  error
	chargeErr    error
	refundErr    error

	customersCreated int
	refundedCharges  []string
}

func (g *fakeGateway) Name() string { return "fake" }

func (g *fakeGateway) ActiveProduct(context.Context) (model.ProductInfo, error) {
	if g.product.ID == "" {
		return model.ProductInfo{}, &GatewayError{Msg: "no active product configured"}
	}
	return g.product, nil
}

func (g *fakeGateway) CreateCustomer(_ context.Context, email, _ string) (string, error) {
	if g.customerErr != nil {
		return "", g.customerErr
	}
	g.customersCreated++
	return "cus_" + email, nil
}

func (g *fakeGateway) CreateCheckoutSession(_ context.Context, p CheckoutParams) (CheckoutSession, error) {
	if g.checkoutErr != nil {
		return CheckoutSession{}, g.checkoutErr
	}
	return CheckoutSession{ID: "cs_1", URL: "https://pay.example.com/cs_1?ref=" + p.ClientReferenceID}, nil
}

func (g *fakeGateway) VerifyWebhook(payload []byte, _ string) (Event, error) {
	if g.failVerify {
		return Event{}, errors.New("bad signature")
	}
	ev := g.event
	ev.Payload = payload
	return ev, nil
}

func (g *fakeGateway) PaymentIntentCharge(_ context.Context, piID string) (string, error) {
	if g.chargeErr != nil {
		return "", g.chargeErr
	}
	return "ch_for_" + piID, nil
}

func (g *fakeGateway) CreateRefund(_ context.Context, chargeID string) (Refund, error) {
	if g.refundErr != nil {
		return Refund{}, g.refundErr
	}
	g.refundedCharges = append(g.refundedCharges, chargeID)
	status := g.refundStatus
	if status == "" {
		status = RefundSucceeded
	}
	return Refund{ID: "re_1", Status: status}, nil
}

func newTestReconciler(t *testing.T) (*Reconciler, *store.Store, *fakeGateway) {
	t.Helper()
	s, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	g := &fakeGateway{
		product: model.ProductInfo{
			ID: "prod_1", Name: "Acesso anual", PriceID: "price_1",
			UnitAmount: 9900, Currency: "brl",
		},
	}
	return New(s, g), s, g
}

func createBillingUser(t *testing.T, s *store.Store, email, phone string) int64 {
	t.Helper()
	id, err := s.CreateUser(model.User{
		Email:        email,
		Phone:        phone,
		PasswordHash: "x",
		Role:         model.UserRoleStudent,
	})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	return id
}

func completedSessionEvent(eventID string, userID int64) Event {
	ref := strconv.FormatInt(userID, 10)
	return Event{
		ID:   eventID,
		Type: "checkout.session.completed",
		Session: &SessionData{
			ID:                "cs_1",
			Mode:              "payment",
			CustomerID:        "cus_web",
			PaymentIntentID:   "pi_1",
			ClientReferenceID: ref,
		},
	}
}

func TestCreateCheckoutSession(t *testing.T) {
	r, s, g := newTestReconciler(t)
	userID := createBillingUser(t, s, "aluna@example.com", "+5511988887777")

	url, err := r.CreateCheckoutSession(context.Background(), userID, "https://ok", "https://cancel")
	if err != nil {
		t.Fatalf("CreateCheckoutSession: %v", err)
	}
	if url == "" {
		t.Error("empty checkout URL")
	}
	if g.customersCreated != 1 {
		t.Errorf("customers created = %d, want 1", g.customersCreated)
	}

	// The gateway customer is persisted and reused on the next checkout.
	u, _ := s.GetUserByID(userID)
	if u.StripeCustomerID == "" {
		t.Fatal("customer ID not persisted on user")
	}
	if _, err := r.CreateCheckoutSession(context.Background(), userID, "https://ok", "https://cancel"); err != nil {
		t.Fatalf("second CreateCheckoutSession: %v", err)
	}
	if g.customersCreated != 1 {
		t.Errorf("customers created after second checkout = %d, want 1", g.customersCreated)
	}
}

func TestCreateCheckoutSessionRequiresPhone(t *testing.T) {
	r, s, _ := newTestReconciler(t)
	userID := createBillingUser(t, s, "semfone@example.com", "")

	_, err := r.CreateCheckoutSession(context.Background(), userID, "https://ok", "https://cancel")
	if model.KindOf(err) != model.KindBadRequest {
		t.Errorf("checkout without phone: got %v, want bad_request", err)
	}
}

func TestCreateCheckoutSessionUnknownUser(t *testing.T) {
	r, _, _ := newTestReconciler(t)
	_, err := r.CreateCheckoutSession(context.Background(), 404, "https://ok", "https://cancel")
	if model.KindOf(err) != model.KindNotFound {
		t.Errorf("checkout for unknown user: got %v, want not_found", err)
	}
}

func TestCreateCheckoutSessionGatewayMessagePassthrough(t *testing.T) {
	r, s, g := newTestReconciler(t)
	userID := createBillingUser(t, s, "aluna@example.com", "+5511988887777")
	g.checkoutErr = &GatewayError{Msg: "Your card was declined."}

	_, err := r.CreateCheckoutSession(context.Background(), userID, "https://ok", "https://cancel")
	var e *model.Error
	if !errors.As(err, &e) || e.Kind != model.KindBadRequest {
		t.Fatalf("got %v, want bad_request", err)
	}
	if e.Msg != "Your card was declined." {
		t.Errorf("Msg = %q, want the provider message verbatim", e.Msg)
	}
}

func TestWebhookCreatesPurchase(t *testing.T) {
	r, s, g := newTestReconciler(t)
	userID := createBillingUser(t, s, "aluna@example.com", "+5511988887777")
	g.event = completedSessionEvent("evt_1", userID)

	fixed := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return fixed }

	if err := r.ProcessWebhookEvent(context.Background(), []byte("{}"), "sig"); err != nil {
		t.Fatalf("ProcessWebhookEvent: %v", err)
	}

	p, err := s.LatestPurchase(userID)
	if err != nil {
		t.Fatalf("LatestPurchase: %v", err)
	}
	if p == nil {
		t.Fatal("no purchase recorded")
	}
	if p.ChargeID != "ch_for_pi_1" {
		t.Errorf("ChargeID = %q, want ch_for_pi_1", p.ChargeID)
	}
	if !p.AccessExpiresAt.Equal(fixed.Add(model.AccessDuration)) {
		t.Errorf("AccessExpiresAt = %v, want one year after purchase", p.AccessExpiresAt)
	}

	// The session customer is backfilled onto the user.
	u, _ := s.GetUserByID(userID)
	if u.StripeCustomerID != "cus_web" {
		t.Errorf("StripeCustomerID = %q, want cus_web", u.StripeCustomerID)
	}
}

func TestWebhookRedeliveryIsIdempotent(t *testing.T) {
	r, s, g := newTestReconciler(t)
	userID := createBillingUser(t, s, "aluna@example.com", "+5511988887777")
	g.event = completedSessionEvent("evt_1", userID)

	for i := 0; i < 3; i++ {
		if err := r.ProcessWebhookEvent(context.Background(), []byte("{}"), "sig"); err != nil {
			t.Fatalf("ProcessWebhookEvent #%d: %v", i+1, err)
		}
	}

	n, err := s.CountPurchasesBySession("cs_1")
	if err != nil {
		t.Fatalf("CountPurchasesBySession: %v", err)
	}
	if n != 1 {
		t.Errorf("redelivered event produced %d purchases, want 1", n)
	}
}

func TestWebhookIgnoresOtherEventTypes(t *testing.T) {
	r, s, g := newTestReconciler(t)
	userID := createBillingUser(t, s, "aluna@example.com", "+5511988887777")

	ev := completedSessionEvent("evt_2", userID)
	ev.Type = "checkout.session.expired"
	g.event = ev

	if err := r.ProcessWebhookEvent(context.Background(), []byte("{}"), "sig"); err != nil {
		t.Fatalf("ProcessWebhookEvent: %v", err)
	}
	p, _ := s.LatestPurchase(userID)
	if p != nil {
		t.Errorf("non-completed event created a purchase: %+v", p)
	}
}

func TestWebhookIgnoresSessionWithoutReference(t *testing.T) {
	r, s, g := newTestReconciler(t)
	g.event = Event{
		ID:   "evt_3",
		Type: "checkout.session.completed",
		Session: &SessionData{ID: "cs_anon", Mode: "payment"},
	}

	if err := r.ProcessWebhookEvent(context.Background(), []byte("{}"), "sig"); err != nil {
		t.Fatalf("ProcessWebhookEvent: %v", err)
	}
	n, _ := s.CountPurchasesBySession("cs_anon")
	if n != 0 {
		t.Errorf("session without user reference created %d purchases", n)
	}
}

func TestWebhookFallsBackToMetadataUserID(t *testing.T) {
	r, s, g := newTestReconciler(t)
	userID := createBillingUser(t, s, "aluna@example.com", "+5511988887777")
	ev := completedSessionEvent("evt_4", userID)
	ev.Session.ClientReferenceID = ""
	ev.Session.Metadata = map[string]string{"user_id": strconv.FormatInt(userID, 10)}
	g.event = ev

	if err := r.ProcessWebhookEvent(context.Background(), []byte("{}"), "sig"); err != nil {
		t.Fatalf("ProcessWebhookEvent: %v", err)
	}
	p, _ := s.LatestPurchase(userID)
	if p == nil {
		t.Error("metadata user reference not honored")
	}
}

func TestWebhookBadSignature(t *testing.T) {
	r, _, g := newTestReconciler(t)
	g.failVerify = true

	err := r.ProcessWebhookEvent(context.Background(), []byte("{}"), "sig")
	if model.KindOf(err) != model.KindBadRequest {
		t.Errorf("bad signature: got %v, want bad_request", err)
	}
}

func TestWebhookKeepsPurchaseWhenChargeLookupFails(t *testing.T) {
	r, s, g := newTestReconciler(t)
	userID := createBillingUser(t, s, "aluna@example.com", "+5511988887777")
	g.event = completedSessionEvent("evt_5", userID)
	g.chargeErr = errors.New("stripe timeout")

	if err := r.ProcessWebhookEvent(context.Background(), []byte("{}"), "sig"); err != nil {
		t.Fatalf("ProcessWebhookEvent: %v", err)
	}
	p, _ := s.LatestPurchase(userID)
	if p == nil {
		t.Fatal("purchase lost when charge lookup failed")
	}
	if p.ChargeID != "" {
		t.Errorf("ChargeID = %q, want empty", p.ChargeID)
	}
}

func TestGetAccess(t *testing.T) {
	r, s, g := newTestReconciler(t)
	userID := createBillingUser(t, s, "aluna@example.com", "+5511988887777")

	access, err := r.GetAccess(userID)
	if err != nil {
		t.Fatalf("GetAccess: %v", err)
	}
	if access.HasAccess || access.Status != model.AccessInactive || access.CanRequestRefund {
		t.Errorf("access with no purchases = %+v", access)
	}

	g.event = completedSessionEvent("evt_1", userID)
	purchased := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return purchased }
	if err := r.ProcessWebhookEvent(context.Background(), []byte("{}"), "sig"); err != nil {
		t.Fatalf("ProcessWebhookEvent: %v", err)
	}

	// Two days in: active, full refund window.
	r.now = func() time.Time { return purchased.Add(2 * 24 * time.Hour) }
	access, err = r.GetAccess(userID)
	if err != nil {
		t.Fatalf("GetAccess: %v", err)
	}
	if !access.HasAccess || access.Status != model.AccessActive {
		t.Fatalf("access two days after purchase = %+v", access)
	}
	if !access.CanRequestRefund {
		t.Error("refund window should be open on day 2")
	}
	if access.DaysLeft != 363 {
		t.Errorf("DaysLeft = %d, want 363", access.DaysLeft)
	}

	// Ten days in: still active, refund window closed.
	r.now = func() time.Time { return purchased.Add(10 * 24 * time.Hour) }
	access, _ = r.GetAccess(userID)
	if !access.HasAccess || access.CanRequestRefund {
		t.Errorf("access ten days after purchase = %+v", access)
	}

	// Four hundred days in: lapsed.
	r.now = func() time.Time { return purchased.Add(400 * 24 * time.Hour) }
	access, _ = r.GetAccess(userID)
	if access.HasAccess || access.Status != model.AccessInactive || access.CanRequestRefund {
		t.Errorf("access after expiry = %+v", access)
	}
}

func TestRequestRefundWithinWindow(t *testing.T) {
	r, s, g := newTestReconciler(t)
	userID := createBillingUser(t, s, "aluna@example.com", "+5511988887777")
	g.event = completedSessionEvent("evt_1", userID)

	purchased := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return purchased }
	if err := r.ProcessWebhookEvent(context.Background(), []byte("{}"), "sig"); err != nil {
		t.Fatalf("ProcessWebhookEvent: %v", err)
	}
	p, _ := s.LatestPurchase(userID)

	// Day 6: inside the window.
	r.now = func() time.Time { return purchased.Add(6 * 24 * time.Hour) }
	if err := r.RequestRefund(context.Background(), userID, p.ID); err != nil {
		t.Fatalf("RequestRefund on day 6: %v", err)
	}
	if len(g.refundedCharges) != 1 || g.refundedCharges[0] != p.ChargeID {
		t.Errorf("refunded charges = %v, want [%s]", g.refundedCharges, p.ChargeID)
	}

	refreshed, _ := s.GetPurchaseForUser(p.ID, userID)
	if refreshed.RefundedAt == nil {
		t.Error("purchase not stamped refunded")
	}
	reqs, _ := s.ListRefundRequests(p.ID)
	if len(reqs) != 1 || reqs[0].Status != model.RefundCompleted {
		t.Errorf("refund requests = %+v, want one completed", reqs)
	}

	// A second request against the refunded purchase is rejected.
	err := r.RequestRefund(context.Background(), userID, p.ID)
	if model.KindOf(err) != model.KindBadRequest {
		t.Errorf("refund of refunded purchase: got %v, want bad_request", err)
	}

	access, _ := r.GetAccess(userID)
	if access.HasAccess {
		t.Error("refunded purchase still grants access")
	}
}

func TestRequestRefundRejections(t *testing.T) {
	r, s, g := newTestReconciler(t)
	userID := createBillingUser(t, s, "aluna@example.com", "+5511988887777")
	otherID := createBillingUser(t, s, "outro@example.com", "+5511977776666")
	g.event = completedSessionEvent("evt_1", userID)

	purchased := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return purchased }
	if err := r.ProcessWebhookEvent(context.Background(), []byte("{}"), "sig"); err != nil {
		t.Fatalf("ProcessWebhookEvent: %v", err)
	}
	p, _ := s.LatestPurchase(userID)

	t.Run("unknown purchase", func(t *testing.T) {
		if err := r.RequestRefund(context.Background(), userID, 9999); model.KindOf(err) != model.KindBadRequest {
			t.Errorf("got %v, want bad_request", err)
		}
	})

	t.Run("another user's purchase", func(t *testing.T) {
		if err := r.RequestRefund(context.Background(), otherID, p.ID); model.KindOf(err) != model.KindBadRequest {
			t.Errorf("got %v, want bad_request", err)
		}
	})

	t.Run("window expired on day 8", func(t *testing.T) {
		r.now = func() time.Time { return purchased.Add(8 * 24 * time.Hour) }
		if err := r.RequestRefund(context.Background(), userID, p.ID); model.KindOf(err) != model.KindBadRequest {
			t.Errorf("got %v, want bad_request", err)
		}
		if len(g.refundedCharges) != 0 {
			t.Errorf("gateway refund issued outside the window: %v", g.refundedCharges)
		}
	})
}

func TestRequestRefundGatewayFailureLeavesStateUntouched(t *testing.T) {
	r, s, g := newTestReconciler(t)
	userID := createBillingUser(t, s, "aluna@example.com", "+5511988887777")
	g.event = completedSessionEvent("evt_1", userID)

	purchased := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return purchased }
	if err := r.ProcessWebhookEvent(context.Background(), []byte("{}"), "sig"); err != nil {
		t.Fatalf("ProcessWebhookEvent: %v", err)
	}
	p, _ := s.LatestPurchase(userID)

	g.refundErr = &GatewayError{Msg: "Charge has already been refunded."}
	r.now = func() time.Time { return purchased.Add(24 * time.Hour) }
	err := r.RequestRefund(context.Background(), userID, p.ID)
	if model.KindOf(err) != model.KindBadRequest {
		t.Fatalf("got %v, want bad_request", err)
	}

	refreshed, _ := s.GetPurchaseForUser(p.ID, userID)
	if refreshed.RefundedAt != nil {
		t.Error("purchase stamped refunded despite gateway failure")
	}
	reqs, _ := s.ListRefundRequests(p.ID)
	if len(reqs) != 0 {
		t.Errorf("refund request recorded despite gateway failure: %+v", reqs)
	}
}

func TestRequestRefundPendingStatus(t *testing.T) {
	r, s, g := newTestReconciler(t)
	userID := createBillingUser(t, s, "aluna@example.com", "+5511988887777")
	g.event = completedSessionEvent("evt_1", userID)
	g.refundStatus = "pending"

	purchased := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return purchased }
	if err := r.ProcessWebhookEvent(context.Background(), []byte("{}"), "sig"); err != nil {
		t.Fatalf("ProcessWebhookEvent: %v", err)
	}
	p, _ := s.LatestPurchase(userID)

	if err := r.RequestRefund(context.Background(), userID, p.ID); err != nil {
		t.Fatalf("RequestRefund: %v", err)
	}
	reqs, _ := s.ListRefundRequests(p.ID)
	if len(reqs) != 1 || reqs[0].Status != model.RefundPending {
		t.Errorf("refund requests = %+v, want one pending", reqs)
	}
}

func TestRequestRefundMissingCharge(t *testing.T) {
	r, s, g := newTestReconciler(t)
	userID := createBillingUser(t, s, "aluna@example.com", "+5511988887777")
	g.event = completedSessionEvent("evt_1", userID)
	g.chargeErr = errors.New("stripe timeout")

	purchased := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return purchased }
	if err := r.ProcessWebhookEvent(context.Background(), []byte("{}"), "sig"); err != nil {
		t.Fatalf("ProcessWebhookEvent: %v", err)
	}
	p, _ := s.LatestPurchase(userID)

	err := r.RequestRefund(context.Background(), userID, p.ID)
	if model.KindOf(err) != model.KindBadRequest {
		t.Errorf("refund without resolved charge: got %v, want bad_request", err)
	}
}

func TestGetProduct(t *testing.T) {
	r, _, g := newTestReconciler(t)

	product, err := r.GetProduct(context.Background())
	if err != nil {
		t.Fatalf("GetProduct: %v", err)
	}
	if product.PriceID != "price_1" || product.UnitAmount != 9900 {
		t.Errorf("product = %+v", product)
	}

	g.product = model.ProductInfo{}
	_, err = r.GetProduct(context.Background())
	var e *model.Error
	if !errors.As(err, &e) || e.Kind != model.KindBadRequest {
		t.Fatalf("unconfigured product: got %v, want bad_request", err)
	}
	if e.Msg != "no active product configured" {
		t.Errorf("Msg = %q, want provider message passthrough", e.Msg)
	}
}
