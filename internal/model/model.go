package model

import (
	"context"
	"time"
)

// Policy constants. Fixed by product policy, not configurable per product.
const (
	AccessDuration  = 365 * 24 * time.Hour
	RefundWindow    = 7 * 24 * time.Hour
	DefaultExamSize = 10
)

// UserRole represents a user's access level.
type UserRole string

const (
	// UserRoleStudent is a regular exam-taking user.
	UserRoleStudent UserRole = "student"
	// UserRoleAdmin is an administrative user.
	UserRoleAdmin UserRole = "admin"
)

// User represents a system user.
type User struct {
	ID               int64     `json:"id"`
	Email            string    `json:"email"`
	Phone            string    `json:"phone,omitempty"`
	PasswordHash     string    `json:"-"`
	Role             UserRole  `json:"role"`
	StripeCustomerID string    `json:"-"`
	CreatedAt        time.Time `json:"created_at"`
}

// AuthToken represents a bearer token issued at login.
type AuthToken struct {
	ID        string
	UserID    int64
	CreatedAt time.Time
	ExpiresAt time.Time
}

type userCtxKey struct{}

// ContextWithUser stores a user in the request context.
func ContextWithUser(ctx context.Context, u *User) context.Context {
	return context.WithValue(ctx, userCtxKey{}, u)
}

// UserFromContext retrieves the authenticated user from context, or nil.
func UserFromContext(ctx context.Context) *User {
	u, _ := ctx.Value(userCtxKey{}).(*User)
	return u
}

// Skill groups questions by subject area.
type Skill struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Question represents a practice question. Immutable from the exam
// engine's perspective; authored via the import command.
type Question struct {
	ID          int64    `json:"id"`
	SkillID     int64    `json:"skill_id"`
	Statement   string   `json:"statement"`
	Explanation string   `json:"explanation"`
	Options     []Option `json:"options,omitempty"`
}

// Option is one answer choice for a question. Exactly one option per
// question carries is_correct, enforced at import time.
type Option struct {
	ID         int64  `json:"id"`
	QuestionID int64  `json:"question_id"`
	Text       string `json:"text"`
	IsCorrect  bool   `json:"-"`
}

// ExamStatus is derived from the exam's timestamps, never stored.
type ExamStatus string

const (
	ExamNotStarted ExamStatus = "not_started"
	ExamInProgress ExamStatus = "in_progress"
	ExamFinished   ExamStatus = "finished"
)

// Exam is a fixed, ordered snapshot of sampled questions assigned to one user.
type Exam struct {
	ID            int64      `json:"id"`
	UserID        int64      `json:"user_id"`
	QuestionCount int        `json:"question_count"`
	OnlyUnsolved  bool       `json:"only_unsolved"`
	SkillIDs      []int64    `json:"skill_ids,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
}

// Status derives the lifecycle state from the exam's timestamps.
// Transitions are strictly forward: not_started -> in_progress -> finished.
func (e Exam) Status() ExamStatus {
	switch {
	case e.FinishedAt != nil:
		return ExamFinished
	case e.StartedAt != nil:
		return ExamInProgress
	default:
		return ExamNotStarted
	}
}

// ExamQuestion pins one question into an exam at a fixed position.
// Never mutated after exam creation.
type ExamQuestion struct {
	ExamID     int64 `json:"exam_id"`
	QuestionID int64 `json:"question_id"`
	Position   int   `json:"position"`
}

// Attempt is one submitted answer to one question, optionally tagged to an
// exam. Append-only; history is never updated or deleted.
type Attempt struct {
	ID         int64     `json:"id"`
	UserID     int64     `json:"user_id"`
	ExamID     *int64    `json:"exam_id,omitempty"`
	QuestionID int64     `json:"question_id"`
	OptionID   int64     `json:"option_id"`
	IsCorrect  bool      `json:"is_correct"`
	CreatedAt  time.Time `json:"created_at"`
}

// AttemptFeedback is returned alongside a recorded attempt. The
// explanation is the question's, regardless of which option was picked.
type AttemptFeedback struct {
	IsCorrect       bool   `json:"is_correct"`
	CorrectOptionID int64  `json:"correct_option_id"`
	Explanation     string `json:"explanation"`
}

// QuestionStatus tags a question within an exam's results.
type QuestionStatus string

const (
	QuestionCorrect    QuestionStatus = "correct"
	QuestionIncorrect  QuestionStatus = "incorrect"
	QuestionUnanswered QuestionStatus = "unanswered"
)

// ExamCounts summarizes a user's progress on one exam. Counts are
// best-ever: a question answered wrong then right counts as correct.
type ExamCounts struct {
	Attempted  int `json:"attempted_count"`
	Correct    int `json:"correct_count"`
	Incorrect  int `json:"incorrect_count"`
	Unanswered int `json:"unanswered_count"`
}

// ExamSummary is one entry in a user's exam list.
type ExamSummary struct {
	Exam
	DerivedStatus ExamStatus `json:"status"`
	ExamCounts
}

// QuestionResult is a question annotated with its result status.
type QuestionResult struct {
	Question
	Status QuestionStatus `json:"status"`
}

// Purchase records one completed checkout. Access runs for a fixed year
// from purchase time.
type Purchase struct {
	ID              int64      `json:"id"`
	UserID          int64      `json:"user_id"`
	SessionID       string     `json:"-"`
	PaymentIntentID string     `json:"-"`
	ChargeID        string     `json:"-"`
	PurchasedAt     time.Time  `json:"purchased_at"`
	AccessExpiresAt time.Time  `json:"access_expires_at"`
	RefundedAt      *time.Time `json:"refunded_at,omitempty"`
}

// RefundStatus is the state of a refund request.
type RefundStatus string

const (
	RefundPending   RefundStatus = "pending"
	RefundCompleted RefundStatus = "completed"
)

// RefundRequest records one refund attempt against a purchase. At most one
// completed request is effective per purchase.
type RefundRequest struct {
	ID         int64        `json:"id"`
	UserID     int64        `json:"user_id"`
	PurchaseID int64        `json:"purchase_id"`
	RefundID   string       `json:"-"`
	Status     RefundStatus `json:"status"`
	CreatedAt  time.Time    `json:"created_at"`
}

// PaymentEvent is the idempotency ledger for webhook processing.
// Unique on (gateway, event id); a redelivered event short-circuits.
type PaymentEvent struct {
	ID         int64
	Gateway    string
	EventID    string
	Type       string
	Payload    string
	ReceivedAt time.Time
}

// AccessStatus reports whether a user currently holds access.
type AccessStatus string

const (
	AccessActive   AccessStatus = "active"
	AccessInactive AccessStatus = "inactive"
)

// AccessSummary is the computed entitlement for one user. Never cached.
type AccessSummary struct {
	HasAccess        bool         `json:"has_access"`
	Status           AccessStatus `json:"status"`
	DaysLeft         int          `json:"days_left"`
	CanRequestRefund bool         `json:"can_request_refund"`
	PurchaseID       int64        `json:"purchase_id,omitempty"`
}

// ProductInfo is the configured product with its current active price.
type ProductInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	PriceID     string `json:"price_id"`
	UnitAmount  int64  `json:"unit_amount"`
	Currency    string `json:"currency"`
}

// SkillImport and QuestionImport are used for loading content from JSON.
type SkillImport struct {
	Name      string           `json:"name"`
	Questions []QuestionImport `json:"questions"`
}

type QuestionImport struct {
	Statement   string         `json:"statement"`
	Explanation string         `json:"explanation"`
	Options     []OptionImport `json:"options"`
}

type OptionImport struct {
	Text      string `json:"text"`
	IsCorrect bool   `json:"is_correct"`
}
