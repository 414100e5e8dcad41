package store

import (
	"database/sql"
	"time"

	"github.com/provalab/simulado/internal/model"
)

// InsertPurchase records a completed checkout.
func (s *Store) InsertPurchase(p model.Purchase) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO purchases (user_id, session_id, payment_intent_id, charge_id, purchased_at, access_expires_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		p.UserID, p.SessionID, p.PaymentIntentID, p.ChargeID, p.PurchasedAt, p.AccessExpiresAt,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func scanPurchase(row *sql.Row) (*model.Purchase, error) {
	var p model.Purchase
	err := row.Scan(&p.ID, &p.UserID, &p.SessionID, &p.PaymentIntentID, &p.ChargeID,
		&p.PurchasedAt, &p.AccessExpiresAt, &p.RefundedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

const purchaseCols = `id, user_id, session_id, payment_intent_id, charge_id, purchased_at, access_expires_at, refunded_at`

// LatestActivePurchase returns the user's most recent unrefunded, unexpired
// purchase, or nil.
func (s *Store) LatestActivePurchase(userID int64, now time.Time) (*model.Purchase, error) {
	return scanPurchase(s.db.QueryRow(
		`SELECT `+purchaseCols+` FROM purchases
		 WHERE user_id = ? AND refunded_at IS NULL AND access_expires_at > ?
		 ORDER BY purchased_at DESC LIMIT 1`,
		userID, now,
	))
}

// LatestPurchase returns the user's most recent purchase regardless of
// refund or expiry state, or nil.
func (s *Store) LatestPurchase(userID int64) (*model.Purchase, error) {
	return scanPurchase(s.db.QueryRow(
		`SELECT `+purchaseCols+` FROM purchases
		 WHERE user_id = ? ORDER BY purchased_at DESC LIMIT 1`,
		userID,
	))
}

// GetPurchaseForUser returns a purchase by ID scoped to its owner, or nil.
func (s *Store) GetPurchaseForUser(id, userID int64) (*model.Purchase, error) {
	return scanPurchase(s.db.QueryRow(
		`SELECT `+purchaseCols+` FROM purchases WHERE id = ? AND user_id = ?`,
		id, userID,
	))
}

// CompletedRefundCount returns the number of completed refund requests
// against a purchase.
func (s *Store) CompletedRefundCount(purchaseID int64) (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM refund_requests WHERE purchase_id = ? AND status = ?`,
		purchaseID, model.RefundCompleted,
	).Scan(&n)
	return n, err
}

// RecordRefund stamps the purchase refunded and inserts the refund request
// in one transaction. Never observable half-applied.
func (s *Store) RecordRefund(purchaseID int64, refundedAt time.Time, req model.RefundRequest) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`UPDATE purchases SET refunded_at = ? WHERE id = ?`, refundedAt, purchaseID,
	); err != nil {
		return 0, err
	}

	res, err := tx.Exec(
		`INSERT INTO refund_requests (user_id, purchase_id, refund_id, status, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		req.UserID, req.PurchaseID, req.RefundID, req.Status, time.Now(),
	)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return id, tx.Commit()
}

// ListRefundRequests returns all refund requests for a purchase.
func (s *Store) ListRefundRequests(purchaseID int64) ([]model.RefundRequest, error) {
	rows, err := s.db.Query(
		`SELECT id, user_id, purchase_id, refund_id, status, created_at
		 FROM refund_requests WHERE purchase_id = ? ORDER BY id`, purchaseID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var reqs []model.RefundRequest
	for rows.Next() {
		var r model.RefundRequest
		if err := rows.Scan(&r.ID, &r.UserID, &r.PurchaseID, &r.RefundID, &r.Status, &r.CreatedAt); err != nil {
			return nil, err
		}
		reqs = append(reqs, r)
	}
	return reqs, rows.Err()
}

// InsertPaymentEvent records a webhook event in the idempotency ledger.
// The unique constraint on (gateway, event_id) makes this an atomic
// check-and-reserve: a redelivered event reports inserted = false.
func (s *Store) InsertPaymentEvent(e model.PaymentEvent) (inserted bool, err error) {
	res, err := s.db.Exec(
		`INSERT OR IGNORE INTO payment_events (gateway, event_id, type, payload, received_at)
		 VALUES (?, ?, ?, ?, ?)`,
		e.Gateway, e.EventID, e.Type, e.Payload, time.Now(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// CountPurchasesBySession returns the number of purchases recorded for a
// checkout session.
func (s *Store) CountPurchasesBySession(sessionID string) (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM purchases WHERE session_id = ?`, sessionID,
	).Scan(&n)
	return n, err
}
