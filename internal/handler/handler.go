package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/provalab/simulado/internal/billing"
	"github.com/provalab/simulado/internal/exam"
	appI18n "github.com/provalab/simulado/internal/i18n"
	"github.com/provalab/simulado/internal/model"
	"github.com/provalab/simulado/internal/store"
)

const maxWebhookBody = 1 << 16

// Config holds runtime parameters for the HTTP API.
type Config struct {
	SuccessURL string
	CancelURL  string
}

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	store      *store.Store
	engine     *exam.Engine
	reconciler *billing.Reconciler
	config     Config
}

// New creates a new Handler.
func New(s *store.Store, e *exam.Engine, r *billing.Reconciler, cfg Config) *Handler {
	return &Handler{store: s, engine: e, reconciler: r, config: cfg}
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/health", h.handleHealth)
	r.Post("/auth/login", h.handleLogin)
	r.Post("/webhooks/stripe", h.handleStripeWebhook)

	r.Group(func(r chi.Router) {
		r.Use(h.requireAuth)
		r.Get("/skills", h.handleListSkills)
		r.Get("/exams", h.handleListExams)
		r.Post("/exams", h.handleCreateExam)
		r.Get("/exams/{examID}", h.handleGetExam)
		r.Post("/exams/{examID}/start", h.handleStartExam)
		r.Post("/exams/{examID}/finish", h.handleFinishExam)
		r.Get("/exams/{examID}/results", h.handleExamResults)
		r.Post("/attempts", h.handleCreateAttempt)
		r.Get("/billing/product", h.handleGetProduct)
		r.Post("/billing/checkout", h.handleCreateCheckout)
		r.Get("/billing/access", h.handleGetAccess)
		r.Post("/billing/refunds", h.handleRequestRefund)
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleListSkills(w http.ResponseWriter, r *http.Request) {
	skills, err := h.store.ListSkills()
	if err != nil {
		h.respondError(w, r, model.Internal(err))
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"skills": skills})
}

func (h *Handler) handleCreateExam(w http.ResponseWriter, r *http.Request) {
	user := model.UserFromContext(r.Context())

	var req struct {
		SkillIDs      []int64 `json:"skill_ids"`
		OnlyUnsolved  bool    `json:"only_unsolved"`
		QuestionCount int     `json:"question_count"`
	}
	if err := decodeJSON(r, &req); err != nil {
		h.respondError(w, r, model.BadRequest("InvalidRequestBody"))
		return
	}

	view, err := h.engine.CreateExam(user.ID, exam.CreateExamParams{
		SkillIDs:      req.SkillIDs,
		OnlyUnsolved:  req.OnlyUnsolved,
		QuestionCount: req.QuestionCount,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, view)
}

func (h *Handler) handleListExams(w http.ResponseWriter, r *http.Request) {
	user := model.UserFromContext(r.Context())

	summaries, err := h.engine.ListExams(user.ID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"exams": summaries})
}

func (h *Handler) handleGetExam(w http.ResponseWriter, r *http.Request) {
	user := model.UserFromContext(r.Context())
	examID, err := pathID(r, "examID")
	if err != nil {
		h.respondError(w, r, model.BadRequest("InvalidID"))
		return
	}

	view, err := h.engine.GetExamQuestions(user.ID, examID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, view)
}

func (h *Handler) handleStartExam(w http.ResponseWriter, r *http.Request) {
	h.handleExamTransition(w, r, h.engine.StartExam)
}

func (h *Handler) handleFinishExam(w http.ResponseWriter, r *http.Request) {
	h.handleExamTransition(w, r, h.engine.FinishExam)
}

func (h *Handler) handleExamTransition(w http.ResponseWriter, r *http.Request, transition func(userID, examID int64) (model.Exam, error)) {
	user := model.UserFromContext(r.Context())
	examID, err := pathID(r, "examID")
	if err != nil {
		h.respondError(w, r, model.BadRequest("InvalidID"))
		return
	}

	e, err := transition(user.ID, examID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"exam": e, "status": e.Status()})
}

func (h *Handler) handleExamResults(w http.ResponseWriter, r *http.Request) {
	user := model.UserFromContext(r.Context())
	examID, err := pathID(r, "examID")
	if err != nil {
		h.respondError(w, r, model.BadRequest("InvalidID"))
		return
	}

	results, err := h.engine.GetExamResults(user.ID, examID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, results)
}

func (h *Handler) handleCreateAttempt(w http.ResponseWriter, r *http.Request) {
	user := model.UserFromContext(r.Context())

	var req struct {
		ExamID     *int64 `json:"exam_id"`
		QuestionID int64  `json:"question_id"`
		OptionID   int64  `json:"option_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		h.respondError(w, r, model.BadRequest("InvalidRequestBody"))
		return
	}

	attempt, feedback, err := h.engine.CreateAttempt(user.ID, exam.CreateAttemptParams{
		ExamID:     req.ExamID,
		QuestionID: req.QuestionID,
		OptionID:   req.OptionID,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{"attempt": attempt, "feedback": feedback})
}

func (h *Handler) handleGetProduct(w http.ResponseWriter, r *http.Request) {
	product, err := h.reconciler.GetProduct(r.Context())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"product": product})
}

func (h *Handler) handleCreateCheckout(w http.ResponseWriter, r *http.Request) {
	user := model.UserFromContext(r.Context())

	var req struct {
		SuccessURL string `json:"success_url"`
		CancelURL  string `json:"cancel_url"`
	}
	if err := decodeJSON(r, &req); err != nil {
		h.respondError(w, r, model.BadRequest("InvalidRequestBody"))
		return
	}
	if req.SuccessURL == "" {
		req.SuccessURL = h.config.SuccessURL
	}
	if req.CancelURL == "" {
		req.CancelURL = h.config.CancelURL
	}

	url, err := h.reconciler.CreateCheckoutSession(r.Context(), user.ID, req.SuccessURL, req.CancelURL)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"url": url})
}

func (h *Handler) handleGetAccess(w http.ResponseWriter, r *http.Request) {
	user := model.UserFromContext(r.Context())

	access, err := h.reconciler.GetAccess(user.ID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, access)
}

func (h *Handler) handleRequestRefund(w http.ResponseWriter, r *http.Request) {
	user := model.UserFromContext(r.Context())

	var req struct {
		PurchaseID int64 `json:"purchase_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		h.respondError(w, r, model.BadRequest("InvalidRequestBody"))
		return
	}

	if err := h.reconciler.RequestRefund(r.Context(), user.ID, req.PurchaseID); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleStripeWebhook is unauthenticated; the signature check inside
// ProcessWebhookEvent is the sole authentication mechanism. Non-2xx
// responses make the gateway retry.
func (h *Handler) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		h.respondError(w, r, model.BadRequest("InvalidRequestBody"))
		return
	}

	if err := h.reconciler.ProcessWebhookEvent(r.Context(), payload, r.Header.Get("Stripe-Signature")); err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"received": "true"})
}

func pathID(r *http.Request, name string) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, name), 10, 64)
}

func decodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

// respondError maps the error taxonomy to HTTP statuses. Localized message
// IDs resolve through the request's localizer; literal messages (gateway
// passthrough) ship as-is. Internal details never reach the client.
func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	var e *model.Error
	if !errors.As(err, &e) {
		e = model.Internal(err)
	}

	status := http.StatusInternalServerError
	switch e.Kind {
	case model.KindNotFound:
		status = http.StatusNotFound
	case model.KindForbidden:
		status = http.StatusForbidden
	case model.KindBadRequest, model.KindInvalidState:
		status = http.StatusBadRequest
	}

	if e.Kind == model.KindInternal {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}

	msg := e.Msg
	if msg == "" {
		msg = appI18n.T(r.Context(), e.MsgID)
	}
	respondJSON(w, status, map[string]string{"error": msg})
}
