package store

import (
	"database/sql"
	"log/slog"
	"time"

	"github.com/provalab/simulado/internal/model"
)

// CreateUser inserts a new user.
func (s *Store) CreateUser(u model.User) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO users (email, phone, password_hash, role, stripe_customer_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		u.Email, u.Phone, u.PasswordHash, u.Role, u.StripeCustomerID, time.Now(),
	)
	if err != nil {
		slog.Error("failed to create user", "email", u.Email, "error", err)
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	slog.Info("created user", "id", id, "email", u.Email, "role", u.Role)
	return id, nil
}

// GetUserByEmail returns a user by email, or nil.
func (s *Store) GetUserByEmail(email string) (*model.User, error) {
	var u model.User
	err := s.db.QueryRow(
		`SELECT id, email, phone, password_hash, role, stripe_customer_id, created_at
		 FROM users WHERE email = ?`, email,
	).Scan(&u.ID, &u.Email, &u.Phone, &u.PasswordHash, &u.Role, &u.StripeCustomerID, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// GetUserByID returns a user by ID, or nil.
func (s *Store) GetUserByID(id int64) (*model.User, error) {
	var u model.User
	err := s.db.QueryRow(
		`SELECT id, email, phone, password_hash, role, stripe_customer_id, created_at
		 FROM users WHERE id = ?`, id,
	).Scan(&u.ID, &u.Email, &u.Phone, &u.PasswordHash, &u.Role, &u.StripeCustomerID, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// SetStripeCustomerID backfills the gateway customer ID on a user.
func (s *Store) SetStripeCustomerID(userID int64, customerID string) error {
	_, err := s.db.Exec(`UPDATE users SET stripe_customer_id = ? WHERE id = ?`, customerID, userID)
	return err
}

// UserCount returns the total number of users.
func (s *Store) UserCount() (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM users`).Scan(&count)
	return count, err
}
