package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/provalab/simulado/internal/model"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS skills (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE
	);

	CREATE TABLE IF NOT EXISTS questions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		skill_id INTEGER NOT NULL,
		statement TEXT NOT NULL,
		explanation TEXT NOT NULL DEFAULT '',
		FOREIGN KEY (skill_id) REFERENCES skills(id)
	);

	CREATE TABLE IF NOT EXISTS options (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		question_id INTEGER NOT NULL,
		text TEXT NOT NULL,
		is_correct INTEGER NOT NULL DEFAULT 0,
		FOREIGN KEY (question_id) REFERENCES questions(id)
	);

	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		email TEXT NOT NULL UNIQUE,
		phone TEXT NOT NULL DEFAULT '',
		password_hash TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT 'student',
		stripe_customer_id TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS auth_tokens (
		id TEXT PRIMARY KEY,
		user_id INTEGER NOT NULL,
		created_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL,
		FOREIGN KEY (user_id) REFERENCES users(id)
	);

	CREATE TABLE IF NOT EXISTS exams (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		question_count INTEGER NOT NULL,
		only_unsolved INTEGER NOT NULL DEFAULT 0,
		skill_ids TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		started_at DATETIME,
		finished_at DATETIME,
		FOREIGN KEY (user_id) REFERENCES users(id)
	);

	CREATE TABLE IF NOT EXISTS exam_questions (
		exam_id INTEGER NOT NULL,
		question_id INTEGER NOT NULL,
		position INTEGER NOT NULL,
		PRIMARY KEY (exam_id, question_id),
		FOREIGN KEY (exam_id) REFERENCES exams(id),
		FOREIGN KEY (question_id) REFERENCES questions(id)
	);

	CREATE TABLE IF NOT EXISTS attempts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		exam_id INTEGER,
		question_id INTEGER NOT NULL,
		option_id INTEGER NOT NULL,
		is_correct INTEGER NOT NULL,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (user_id) REFERENCES users(id),
		FOREIGN KEY (question_id) REFERENCES questions(id)
	);

	CREATE TABLE IF NOT EXISTS purchases (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		session_id TEXT NOT NULL DEFAULT '',
		payment_intent_id TEXT NOT NULL DEFAULT '',
		charge_id TEXT NOT NULL DEFAULT '',
		purchased_at DATETIME NOT NULL,
		access_expires_at DATETIME NOT NULL,
		refunded_at DATETIME,
		FOREIGN KEY (user_id) REFERENCES users(id)
	);

	CREATE TABLE IF NOT EXISTS refund_requests (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		purchase_id INTEGER NOT NULL,
		refund_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (purchase_id) REFERENCES purchases(id)
	);

	CREATE TABLE IF NOT EXISTS payment_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		gateway TEXT NOT NULL,
		event_id TEXT NOT NULL,
		type TEXT NOT NULL,
		payload TEXT NOT NULL DEFAULT '',
		received_at DATETIME NOT NULL,
		UNIQUE (gateway, event_id)
	);

	CREATE TABLE IF NOT EXISTS imports (
		path TEXT PRIMARY KEY,
		sha256 TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// InsertSkill stores a skill, returning the existing ID if the name is taken.
func (s *Store) InsertSkill(name string) (int64, error) {
	res, err := s.db.Exec(`INSERT OR IGNORE INTO skills (name) VALUES (?)`, name)
	if err != nil {
		return 0, err
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return res.LastInsertId()
	}
	var id int64
	err = s.db.QueryRow(`SELECT id FROM skills WHERE name = ?`, name).Scan(&id)
	return id, err
}

// ListSkills returns all skills ordered by name.
func (s *Store) ListSkills() ([]model.Skill, error) {
	rows, err := s.db.Query(`SELECT id, name FROM skills ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var skills []model.Skill
	for rows.Next() {
		var sk model.Skill
		if err := rows.Scan(&sk.ID, &sk.Name); err != nil {
			return nil, err
		}
		skills = append(skills, sk)
	}
	return skills, rows.Err()
}

// InsertQuestion stores a question with its options in one transaction.
func (s *Store) InsertQuestion(q model.Question) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`INSERT INTO questions (skill_id, statement, explanation) VALUES (?, ?, ?)`,
		q.SkillID, q.Statement, q.Explanation,
	)
	if err != nil {
		return 0, err
	}
	questionID, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	for _, o := range q.Options {
		_, err := tx.Exec(
			`INSERT INTO options (question_id, text, is_correct) VALUES (?, ?, ?)`,
			questionID, o.Text, o.IsCorrect,
		)
		if err != nil {
			return 0, err
		}
	}

	return questionID, tx.Commit()
}

// GetQuestion returns a question with its options.
func (s *Store) GetQuestion(id int64) (model.Question, error) {
	var q model.Question
	err := s.db.QueryRow(
		`SELECT id, skill_id, statement, explanation FROM questions WHERE id = ?`, id,
	).Scan(&q.ID, &q.SkillID, &q.Statement, &q.Explanation)
	if err != nil {
		return q, err
	}

	rows, err := s.db.Query(
		`SELECT id, question_id, text, is_correct FROM options WHERE question_id = ? ORDER BY id`, id,
	)
	if err != nil {
		return q, err
	}
	defer rows.Close()
	for rows.Next() {
		var o model.Option
		if err := rows.Scan(&o.ID, &o.QuestionID, &o.Text, &o.IsCorrect); err != nil {
			return q, err
		}
		q.Options = append(q.Options, o)
	}
	return q, rows.Err()
}

// GetOption returns a single option by ID.
func (s *Store) GetOption(id int64) (model.Option, error) {
	var o model.Option
	err := s.db.QueryRow(
		`SELECT id, question_id, text, is_correct FROM options WHERE id = ?`, id,
	).Scan(&o.ID, &o.QuestionID, &o.Text, &o.IsCorrect)
	return o, err
}

// CorrectOption returns the option flagged correct for a question.
// Returns sql.ErrNoRows if the question has none, which indicates a
// data-authoring defect.
func (s *Store) CorrectOption(questionID int64) (model.Option, error) {
	var o model.Option
	err := s.db.QueryRow(
		`SELECT id, question_id, text, is_correct FROM options
		 WHERE question_id = ? AND is_correct = 1 LIMIT 1`, questionID,
	).Scan(&o.ID, &o.QuestionID, &o.Text, &o.IsCorrect)
	return o, err
}

// QuestionFilter restricts the candidate pool for exam sampling.
// UnsolvedFor, when non-zero, keeps only questions that user has attempted
// at least once but never answered correctly.
type QuestionFilter struct {
	SkillIDs    []int64
	UnsolvedFor int64
}

func (f QuestionFilter) where() (string, []any) {
	clause := `WHERE 1=1`
	var args []any
	if len(f.SkillIDs) > 0 {
		placeholders := strings.Repeat("?,", len(f.SkillIDs))
		clause += ` AND skill_id IN (` + placeholders[:len(placeholders)-1] + `)`
		for _, id := range f.SkillIDs {
			args = append(args, id)
		}
	}
	if f.UnsolvedFor != 0 {
		clause += ` AND id IN (SELECT question_id FROM attempts WHERE user_id = ?)
			AND id NOT IN (SELECT question_id FROM attempts WHERE user_id = ? AND is_correct = 1)`
		args = append(args, f.UnsolvedFor, f.UnsolvedFor)
	}
	return clause, args
}

// CountQuestions returns the number of questions matching the filter.
func (s *Store) CountQuestions(f QuestionFilter) (int, error) {
	clause, args := f.where()
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM questions `+clause, args...).Scan(&count)
	return count, err
}

// QuestionIDAt returns the ID of the question at the given offset within
// the filtered set. One point query per sampled question: chatty, but it
// avoids materializing every candidate ID.
func (s *Store) QuestionIDAt(f QuestionFilter, offset int) (int64, error) {
	clause, args := f.where()
	args = append(args, offset)
	var id int64
	err := s.db.QueryRow(
		`SELECT id FROM questions `+clause+` ORDER BY id LIMIT 1 OFFSET ?`, args...,
	).Scan(&id)
	return id, err
}

// GetImportedFileHash returns the recorded hash for an imported content file.
// Returns empty string and nil error if the path was never imported.
func (s *Store) GetImportedFileHash(path string) (string, error) {
	var hash string
	err := s.db.QueryRow(`SELECT sha256 FROM imports WHERE path = ?`, path).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return hash, err
}

// SetImportedFileHash upserts the hash for an imported content file.
func (s *Store) SetImportedFileHash(path, hash string) error {
	_, err := s.db.Exec(
		`INSERT INTO imports (path, sha256) VALUES (?, ?)
		 ON CONFLICT(path) DO UPDATE SET sha256 = ?`,
		path, hash, hash,
	)
	return err
}

func marshalSkillIDs(ids []int64) string {
	if len(ids) == 0 {
		return ""
	}
	data, _ := json.Marshal(ids)
	return string(data)
}

func unmarshalSkillIDs(data string) []int64 {
	if data == "" {
		return nil
	}
	var ids []int64
	_ = json.Unmarshal([]byte(data), &ids)
	return ids
}
