// Package exam implements the exam lifecycle: question sampling, attempt
// recording, scoring and status derivation.
package exam

import (
	"database/sql"
	"errors"
	"log/slog"
	"math/rand"
	"time"

	"github.com/provalab/simulado/internal/model"
	"github.com/provalab/simulado/internal/store"
)

// Store is the persistence surface the engine depends on.
type Store interface {
	CountQuestions(f store.QuestionFilter) (int, error)
	QuestionIDAt(f store.QuestionFilter, offset int) (int64, error)
	GetQuestion(id int64) (model.Question, error)
	GetOption(id int64) (model.Option, error)
	CorrectOption(questionID int64) (model.Option, error)
	CreateExam(e model.Exam, questionIDs []int64) (int64, error)
	GetExam(id int64) (model.Exam, error)
	ListExamsByUser(userID int64) ([]model.Exam, error)
	SetExamStarted(id int64, at time.Time) error
	SetExamFinished(id int64, at time.Time) error
	ExamQuestionIDs(examID int64) ([]int64, error)
	ExamHasQuestion(examID, questionID int64) (bool, error)
	InsertAttempt(a model.Attempt) (int64, error)
	GetAttempt(id int64) (model.Attempt, error)
	ExamAttemptCounts(userID, examID int64) (attempted, correct int, err error)
	ExamQuestionOutcomes(userID, examID int64) (map[int64]bool, error)
}

// Engine owns exam creation, question delivery, answer recording and
// status derivation.
type Engine struct {
	store Store
	now   func() time.Time
}

// New creates an Engine.
func New(s Store) *Engine {
	return &Engine{store: s, now: time.Now}
}

// CreateExamParams are the sampling filters for a new exam.
type CreateExamParams struct {
	SkillIDs      []int64
	OnlyUnsolved  bool
	QuestionCount int
}

// ExamView is an exam with its derived status and hydrated question set.
type ExamView struct {
	Exam      model.Exam       `json:"exam"`
	Status    model.ExamStatus `json:"status"`
	Questions []model.Question `json:"questions"`
}

// ResultsView is an exam with its questions annotated by outcome.
type ResultsView struct {
	Exam      model.Exam             `json:"exam"`
	Status    model.ExamStatus       `json:"status"`
	Questions []model.QuestionResult `json:"questions"`
}

// CreateExam samples a fixed set of distinct questions matching the filters
// and persists the exam with its ordered question set atomically.
//
// onlyUnsolved keeps questions the user attempted but never got right;
// never-attempted questions are excluded. That is the shipped product
// semantics, kept on purpose even though "still to learn" arguably should
// include untouched questions.
func (e *Engine) CreateExam(userID int64, p CreateExamParams) (*ExamView, error) {
	count := p.QuestionCount
	if count <= 0 {
		count = model.DefaultExamSize
	}

	filter := store.QuestionFilter{SkillIDs: p.SkillIDs}
	if p.OnlyUnsolved {
		filter.UnsolvedFor = userID
	}

	total, err := e.store.CountQuestions(filter)
	if err != nil {
		return nil, model.Internal(err)
	}
	if total < count {
		return nil, model.BadRequest("InsufficientQuestions")
	}

	// Uniform without replacement: draw distinct offsets in [0, total),
	// then resolve each with a point query. The count and the point
	// queries run outside one transaction, so the pool can shrink in
	// between; that surfaces as InsufficientQuestions, never as a
	// smaller exam than promised.
	offsets := make(map[int]struct{}, count)
	for len(offsets) < count {
		offsets[rand.Intn(total)] = struct{}{}
	}

	seen := make(map[int64]struct{}, count)
	questionIDs := make([]int64, 0, count)
	for off := range offsets {
		id, err := e.store.QuestionIDAt(filter, off)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, model.Internal(err)
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		questionIDs = append(questionIDs, id)
	}
	if len(questionIDs) < count {
		return nil, model.BadRequest("InsufficientQuestions")
	}

	examID, err := e.store.CreateExam(model.Exam{
		UserID:        userID,
		QuestionCount: count,
		OnlyUnsolved:  p.OnlyUnsolved,
		SkillIDs:      p.SkillIDs,
	}, questionIDs)
	if err != nil {
		return nil, model.Internal(err)
	}
	slog.Info("created exam", "exam_id", examID, "user_id", userID, "questions", count)

	return e.GetExamQuestions(userID, examID)
}

// GetExamQuestions returns the exam with its questions in stored order.
// Options never carry the correct flag to the caller.
func (e *Engine) GetExamQuestions(userID, examID int64) (*ExamView, error) {
	exam, err := e.ownedExam(userID, examID)
	if err != nil {
		return nil, err
	}

	questions, err := e.hydrateQuestions(examID)
	if err != nil {
		return nil, err
	}

	return &ExamView{Exam: exam, Status: exam.Status(), Questions: questions}, nil
}

// StartExam stamps started_at. Starting an already started exam is a no-op
// returning the current state; starting a finished exam fails.
func (e *Engine) StartExam(userID, examID int64) (model.Exam, error) {
	exam, err := e.ownedExam(userID, examID)
	if err != nil {
		return model.Exam{}, err
	}
	switch exam.Status() {
	case model.ExamFinished:
		return model.Exam{}, model.InvalidState("ExamAlreadyFinished")
	case model.ExamInProgress:
		return exam, nil
	}

	now := e.now()
	if err := e.store.SetExamStarted(examID, now); err != nil {
		return model.Exam{}, model.Internal(err)
	}
	exam.StartedAt = &now
	return exam, nil
}

// FinishExam stamps finished_at. Finishing twice is a no-op; finishing an
// exam that never started fails.
func (e *Engine) FinishExam(userID, examID int64) (model.Exam, error) {
	exam, err := e.ownedExam(userID, examID)
	if err != nil {
		return model.Exam{}, err
	}
	switch exam.Status() {
	case model.ExamFinished:
		return exam, nil
	case model.ExamNotStarted:
		return model.Exam{}, model.InvalidState("ExamNotStarted")
	}

	now := e.now()
	if err := e.store.SetExamFinished(examID, now); err != nil {
		return model.Exam{}, model.Internal(err)
	}
	exam.FinishedAt = &now
	return exam, nil
}

// ListExams returns the user's exams annotated with derived status and
// best-ever attempt counts.
func (e *Engine) ListExams(userID int64) ([]model.ExamSummary, error) {
	exams, err := e.store.ListExamsByUser(userID)
	if err != nil {
		return nil, model.Internal(err)
	}

	summaries := make([]model.ExamSummary, 0, len(exams))
	for _, exam := range exams {
		attempted, correct, err := e.store.ExamAttemptCounts(userID, exam.ID)
		if err != nil {
			return nil, model.Internal(err)
		}
		summaries = append(summaries, model.ExamSummary{
			Exam:          exam,
			DerivedStatus: exam.Status(),
			ExamCounts: model.ExamCounts{
				Attempted:  attempted,
				Correct:    correct,
				Incorrect:  max(0, attempted-correct),
				Unanswered: max(0, exam.QuestionCount-attempted),
			},
		})
	}
	return summaries, nil
}

// GetExamResults returns the exam's questions tagged correct, incorrect or
// unanswered. Any correct attempt wins over later wrong ones.
func (e *Engine) GetExamResults(userID, examID int64) (*ResultsView, error) {
	exam, err := e.ownedExam(userID, examID)
	if err != nil {
		return nil, err
	}

	questions, err := e.hydrateQuestions(examID)
	if err != nil {
		return nil, err
	}

	outcomes, err := e.store.ExamQuestionOutcomes(userID, examID)
	if err != nil {
		return nil, model.Internal(err)
	}

	results := make([]model.QuestionResult, 0, len(questions))
	for _, q := range questions {
		status := model.QuestionUnanswered
		if correct, attempted := outcomes[q.ID]; attempted {
			status = model.QuestionIncorrect
			if correct {
				status = model.QuestionCorrect
			}
		}
		results = append(results, model.QuestionResult{Question: q, Status: status})
	}

	return &ResultsView{Exam: exam, Status: exam.Status(), Questions: results}, nil
}

// CreateAttemptParams identify the answered question and the chosen option.
type CreateAttemptParams struct {
	ExamID     *int64
	QuestionID int64
	OptionID   int64
}

// CreateAttempt records one answer. Attempts are accepted in any exam
// state, supporting review and practice after finishing. Correctness is
// copied from the selected option's stored flag, never re-derived.
func (e *Engine) CreateAttempt(userID int64, p CreateAttemptParams) (model.Attempt, model.AttemptFeedback, error) {
	var none model.AttemptFeedback

	if p.ExamID != nil {
		if _, err := e.ownedExam(userID, *p.ExamID); err != nil {
			return model.Attempt{}, none, err
		}
		member, err := e.store.ExamHasQuestion(*p.ExamID, p.QuestionID)
		if err != nil {
			return model.Attempt{}, none, model.Internal(err)
		}
		if !member {
			return model.Attempt{}, none, model.BadRequest("QuestionNotInExam")
		}
	}

	question, err := e.store.GetQuestion(p.QuestionID)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Attempt{}, none, model.NotFound("QuestionNotFound")
	}
	if err != nil {
		return model.Attempt{}, none, model.Internal(err)
	}

	option, err := e.store.GetOption(p.OptionID)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Attempt{}, none, model.NotFound("OptionNotFound")
	}
	if err != nil {
		return model.Attempt{}, none, model.Internal(err)
	}
	if option.QuestionID != question.ID {
		return model.Attempt{}, none, model.NotFound("OptionNotFound")
	}

	correct, err := e.store.CorrectOption(question.ID)
	if errors.Is(err, sql.ErrNoRows) {
		// Authoring defect: the question has no correct option.
		return model.Attempt{}, none, model.NotFound("CorrectOptionNotFound")
	}
	if err != nil {
		return model.Attempt{}, none, model.Internal(err)
	}

	id, err := e.store.InsertAttempt(model.Attempt{
		UserID:     userID,
		ExamID:     p.ExamID,
		QuestionID: p.QuestionID,
		OptionID:   p.OptionID,
		IsCorrect:  option.IsCorrect,
	})
	if err != nil {
		return model.Attempt{}, none, model.Internal(err)
	}
	attempt, err := e.store.GetAttempt(id)
	if err != nil {
		return model.Attempt{}, none, model.Internal(err)
	}

	return attempt, model.AttemptFeedback{
		IsCorrect:       option.IsCorrect,
		CorrectOptionID: correct.ID,
		Explanation:     question.Explanation,
	}, nil
}

// ownedExam loads an exam and enforces ownership.
func (e *Engine) ownedExam(userID, examID int64) (model.Exam, error) {
	exam, err := e.store.GetExam(examID)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Exam{}, model.NotFound("ExamNotFound")
	}
	if err != nil {
		return model.Exam{}, model.Internal(err)
	}
	if exam.UserID != userID {
		return model.Exam{}, model.Forbidden("ExamForbidden")
	}
	return exam, nil
}

func (e *Engine) hydrateQuestions(examID int64) ([]model.Question, error) {
	ids, err := e.store.ExamQuestionIDs(examID)
	if err != nil {
		return nil, model.Internal(err)
	}
	questions := make([]model.Question, 0, len(ids))
	for _, id := range ids {
		q, err := e.store.GetQuestion(id)
		if err != nil {
			return nil, model.Internal(err)
		}
		questions = append(questions, q)
	}
	return questions, nil
}
