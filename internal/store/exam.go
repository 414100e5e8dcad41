package store

import (
	"time"

	"github.com/provalab/simulado/internal/model"
)

// CreateExam persists an exam and its question set in one transaction.
// Positions run 1..len(questionIDs) in the given order. Any failure leaves
// no partial exam behind.
func (s *Store) CreateExam(e model.Exam, questionIDs []int64) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`INSERT INTO exams (user_id, question_count, only_unsolved, skill_ids, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		e.UserID, e.QuestionCount, e.OnlyUnsolved, marshalSkillIDs(e.SkillIDs), time.Now(),
	)
	if err != nil {
		return 0, err
	}
	examID, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	for i, qID := range questionIDs {
		_, err := tx.Exec(
			`INSERT INTO exam_questions (exam_id, question_id, position) VALUES (?, ?, ?)`,
			examID, qID, i+1,
		)
		if err != nil {
			return 0, err
		}
	}

	return examID, tx.Commit()
}

// GetExam returns an exam by ID.
func (s *Store) GetExam(id int64) (model.Exam, error) {
	var e model.Exam
	var skillIDs string
	err := s.db.QueryRow(
		`SELECT id, user_id, question_count, only_unsolved, skill_ids, created_at, started_at, finished_at
		 FROM exams WHERE id = ?`, id,
	).Scan(&e.ID, &e.UserID, &e.QuestionCount, &e.OnlyUnsolved, &skillIDs,
		&e.CreatedAt, &e.StartedAt, &e.FinishedAt)
	e.SkillIDs = unmarshalSkillIDs(skillIDs)
	return e, err
}

// ListExamsByUser returns all exams owned by a user, newest first.
func (s *Store) ListExamsByUser(userID int64) ([]model.Exam, error) {
	rows, err := s.db.Query(
		`SELECT id, user_id, question_count, only_unsolved, skill_ids, created_at, started_at, finished_at
		 FROM exams WHERE user_id = ? ORDER BY id DESC`, userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var exams []model.Exam
	for rows.Next() {
		var e model.Exam
		var skillIDs string
		if err := rows.Scan(&e.ID, &e.UserID, &e.QuestionCount, &e.OnlyUnsolved, &skillIDs,
			&e.CreatedAt, &e.StartedAt, &e.FinishedAt); err != nil {
			return nil, err
		}
		e.SkillIDs = unmarshalSkillIDs(skillIDs)
		exams = append(exams, e)
	}
	return exams, rows.Err()
}

// SetExamStarted stamps started_at.
func (s *Store) SetExamStarted(id int64, at time.Time) error {
	_, err := s.db.Exec(`UPDATE exams SET started_at = ? WHERE id = ?`, at, id)
	return err
}

// SetExamFinished stamps finished_at.
func (s *Store) SetExamFinished(id int64, at time.Time) error {
	_, err := s.db.Exec(`UPDATE exams SET finished_at = ? WHERE id = ?`, at, id)
	return err
}

// ExamQuestionIDs returns an exam's question IDs in stored position order.
func (s *Store) ExamQuestionIDs(examID int64) ([]int64, error) {
	rows, err := s.db.Query(
		`SELECT question_id FROM exam_questions WHERE exam_id = ? ORDER BY position`, examID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ExamHasQuestion reports whether a question belongs to an exam.
func (s *Store) ExamHasQuestion(examID, questionID int64) (bool, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM exam_questions WHERE exam_id = ? AND question_id = ?`,
		examID, questionID,
	).Scan(&n)
	return n > 0, err
}

// InsertAttempt appends an attempt row.
func (s *Store) InsertAttempt(a model.Attempt) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO attempts (user_id, exam_id, question_id, option_id, is_correct, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		a.UserID, a.ExamID, a.QuestionID, a.OptionID, a.IsCorrect, time.Now(),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetAttempt returns an attempt by ID.
func (s *Store) GetAttempt(id int64) (model.Attempt, error) {
	var a model.Attempt
	err := s.db.QueryRow(
		`SELECT id, user_id, exam_id, question_id, option_id, is_correct, created_at
		 FROM attempts WHERE id = ?`, id,
	).Scan(&a.ID, &a.UserID, &a.ExamID, &a.QuestionID, &a.OptionID, &a.IsCorrect, &a.CreatedAt)
	return a, err
}

// ExamAttemptCounts returns the distinct attempted and distinct correct
// question counts for a user's attempts scoped to one exam.
func (s *Store) ExamAttemptCounts(userID, examID int64) (attempted, correct int, err error) {
	err = s.db.QueryRow(
		`SELECT COUNT(DISTINCT question_id),
		        COUNT(DISTINCT CASE WHEN is_correct = 1 THEN question_id END)
		 FROM attempts WHERE user_id = ? AND exam_id = ?`,
		userID, examID,
	).Scan(&attempted, &correct)
	return attempted, correct, err
}

// ExamQuestionOutcomes returns, per attempted question in the exam, whether
// the user ever answered it correctly.
func (s *Store) ExamQuestionOutcomes(userID, examID int64) (map[int64]bool, error) {
	rows, err := s.db.Query(
		`SELECT question_id, MAX(is_correct) FROM attempts
		 WHERE user_id = ? AND exam_id = ? GROUP BY question_id`,
		userID, examID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	outcomes := make(map[int64]bool)
	for rows.Next() {
		var qID int64
		var correct bool
		if err := rows.Scan(&qID, &correct); err != nil {
			return nil, err
		}
		outcomes[qID] = correct
	}
	return outcomes, rows.Err()
}
