package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/provalab/simulado/internal/billing"
	"github.com/provalab/simulado/internal/exam"
	appI18n "github.com/provalab/simulado/internal/i18n"
	"github.com/provalab/simulado/internal/model"
	"github.com/provalab/simulado/internal/store"
)

// stubGateway satisfies billing.Gateway for routes that never reach the
// provider.
type stubGateway struct{}

func (stubGateway) Name() string { return "stub" }
func (stubGateway) ActiveProduct(context.Context) (model.ProductInfo, error) {
	return model.ProductInfo{ID: "prod_1", Name: "Acesso anual", PriceID: "price_1", UnitAmount: 9900, Currency: "brl"}, nil
}
func (stubGateway) CreateCustomer(context.Context, string, string) (string, error) {
	return "cus_1", nil
}
func (stubGateway) CreateCheckoutSession(context.Context, billing.CheckoutParams) (billing.CheckoutSession, error) {
	return billing.CheckoutSession{ID: "cs_1", URL: "https://pay.example.com/cs_1"}, nil
}
func (stubGateway) VerifyWebhook(payload []byte, _ string) (billing.Event, error) {
	return billing.Event{ID: "evt_1", Type: "ping", Payload: payload}, nil
}
func (stubGateway) PaymentIntentCharge(context.Context, string) (string, error) { return "ch_1", nil }
func (stubGateway) CreateRefund(context.Context, string) (billing.Refund, error) {
	return billing.Refund{ID: "re_1", Status: billing.RefundSucceeded}, nil
}

type testServer struct {
	store  *store.Store
	router chi.Router
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	s, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	if err := appI18n.Init("en"); err != nil {
		t.Fatalf("i18n.Init: %v", err)
	}

	h := New(s, exam.New(s), billing.New(s, stubGateway{}), Config{})
	r := chi.NewRouter()
	r.Use(appI18n.Middleware("en"))
	h.Routes(r)
	return &testServer{store: s, router: r}
}

// createUser registers a user with a known password and returns its ID.
func (ts *testServer) createUser(t *testing.T, email, password string) int64 {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	id, err := ts.store.CreateUser(model.User{
		Email:        email,
		Phone:        "+5511999990000",
		PasswordHash: string(hash),
		Role:         model.UserRoleStudent,
	})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	return id
}

func (ts *testServer) request(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) login(t *testing.T, email, password string) string {
	t.Helper()
	rec := ts.request(t, http.MethodPost, "/auth/login", "", map[string]string{
		"email": email, "password": password,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("login returned %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	return resp.Token
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.request(t, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("GET /health = %d, want 200", rec.Code)
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	ts := newTestServer(t)
	ts.createUser(t, "aluno@example.com", "senha123")

	rec := ts.request(t, http.MethodPost, "/auth/login", "", map[string]string{
		"email": "aluno@example.com", "password": "errada",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong password = %d, want 401", rec.Code)
	}

	rec = ts.request(t, http.MethodPost, "/auth/login", "", map[string]string{
		"email": "ninguem@example.com", "password": "senha123",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("unknown email = %d, want 401", rec.Code)
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	ts := newTestServer(t)
	for _, path := range []string{"/skills", "/exams", "/billing/access"} {
		rec := ts.request(t, http.MethodGet, path, "", nil)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("GET %s without token = %d, want 401", path, rec.Code)
		}
	}

	rec := ts.request(t, http.MethodGet, "/skills", "nonexistent-token", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("GET /skills with bogus token = %d, want 401", rec.Code)
	}
}

func TestExamFlowOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	ts.createUser(t, "aluno@example.com", "senha123")
	token := ts.login(t, "aluno@example.com", "senha123")

	skillID, err := ts.store.InsertSkill("Matemática")
	if err != nil {
		t.Fatalf("InsertSkill: %v", err)
	}
	for i := 0; i < 3; i++ {
		_, err := ts.store.InsertQuestion(model.Question{
			SkillID:     skillID,
			Statement:   fmt.Sprintf("q%d", i),
			Explanation: "because",
			Options: []model.Option{
				{Text: "right", IsCorrect: true},
				{Text: "wrong"},
			},
		})
		if err != nil {
			t.Fatalf("InsertQuestion: %v", err)
		}
	}

	rec := ts.request(t, http.MethodPost, "/exams", token, map[string]any{
		"question_count": 3,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("POST /exams = %d: %s", rec.Code, rec.Body.String())
	}
	var created struct {
		Exam struct {
			ID int64 `json:"id"`
		} `json:"exam"`
		Status    string `json:"status"`
		Questions []struct {
			ID      int64 `json:"id"`
			Options []struct {
				ID        int64           `json:"id"`
				IsCorrect json.RawMessage `json:"is_correct"`
			} `json:"options"`
		} `json:"questions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode exam: %v", err)
	}
	if created.Status != string(model.ExamNotStarted) {
		t.Errorf("new exam status = %s", created.Status)
	}
	if len(created.Questions) != 3 {
		t.Fatalf("got %d questions, want 3", len(created.Questions))
	}
	for _, q := range created.Questions {
		for _, o := range q.Options {
			if o.IsCorrect != nil {
				t.Fatalf("option %d leaked is_correct over the wire", o.ID)
			}
		}
	}

	examID := created.Exam.ID
	rec = ts.request(t, http.MethodPost, fmt.Sprintf("/exams/%d/start", examID), token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /exams/%d/start = %d: %s", examID, rec.Code, rec.Body.String())
	}

	rec = ts.request(t, http.MethodPost, "/attempts", token, map[string]any{
		"exam_id":     examID,
		"question_id": created.Questions[0].ID,
		"option_id":   created.Questions[0].Options[0].ID,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("POST /attempts = %d: %s", rec.Code, rec.Body.String())
	}

	rec = ts.request(t, http.MethodPost, fmt.Sprintf("/exams/%d/finish", examID), token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /exams/%d/finish = %d: %s", examID, rec.Code, rec.Body.String())
	}

	rec = ts.request(t, http.MethodGet, fmt.Sprintf("/exams/%d/results", examID), token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET results = %d: %s", rec.Code, rec.Body.String())
	}
}

func TestErrorStatusMapping(t *testing.T) {
	ts := newTestServer(t)
	ts.createUser(t, "aluno@example.com", "senha123")
	token := ts.login(t, "aluno@example.com", "senha123")

	// Unknown exam -> 404 with the localized message.
	rec := ts.request(t, http.MethodGet, "/exams/9999", token, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown exam = %d, want 404", rec.Code)
	}
	var resp struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if resp.Error != "exam not found" {
		t.Errorf("error message = %q, want %q", resp.Error, "exam not found")
	}

	// Empty question pool -> 400.
	rec = ts.request(t, http.MethodPost, "/exams", token, map[string]any{"question_count": 5})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("exam from empty pool = %d, want 400", rec.Code)
	}
}

func TestWebhookRouteIsPublic(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.request(t, http.MethodPost, "/webhooks/stripe", "", map[string]string{})
	if rec.Code != http.StatusOK {
		t.Errorf("POST /webhooks/stripe = %d, want 200", rec.Code)
	}
}
