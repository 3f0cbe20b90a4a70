package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/esglens/esglens/pkg/tiers"
)

// User is one account row.
type User struct {
	ID                string
	Email             string
	Tier              tiers.TierID
	Credits           int64
	PaymentCustomerID string
	CreatedAt         time.Time
	LastSeenAt        time.Time
}

// UserIDForEmail derives the stable opaque account id for an email.
// Re-registration with the same address always maps to the same account.
func UserIDForEmail(email string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(email))))
	return hex.EncodeToString(sum[:16])
}

// CreateUser inserts a new account. The caller chooses ID, Tier and the
// opening balance.
func (s *Store) CreateUser(ctx context.Context, u User) error {
	return s.withRetry(ctx, "create user", func(ctx context.Context) error {
		now := u.CreatedAt
		if now.IsZero() {
			now = time.Now()
		}
		query := s.rebind(`INSERT INTO users (id, email, tier, credits, payment_customer_id, created_at, last_seen_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`)
		_, err := s.db.ExecContext(ctx, query,
			u.ID, u.Email, string(u.Tier), u.Credits, u.PaymentCustomerID,
			FormatTimestamp(now), FormatTimestamp(now))
		if isUniqueViolation(err) {
			return ErrDuplicateEmail
		}
		return err
	})
}

const userColumns = `id, email, tier, credits, payment_customer_id, created_at, last_seen_at`

// GetUser returns the account with the given id.
func (s *Store) GetUser(ctx context.Context, id string) (User, error) {
	return s.getUser(ctx, "get user",
		`SELECT `+userColumns+` FROM users WHERE id = ?`, id)
}

// GetUserByEmail returns the account registered for email.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return s.getUser(ctx, "get user by email",
		`SELECT `+userColumns+` FROM users WHERE email = ?`, email)
}

func (s *Store) getUser(ctx context.Context, op, query string, arg any) (User, error) {
	var u User
	err := s.withRetry(ctx, op, func(ctx context.Context) error {
		var tier, created, lastSeen string
		err := s.db.QueryRowContext(ctx, s.rebind(query), arg).Scan(
			&u.ID, &u.Email, &tier, &u.Credits, &u.PaymentCustomerID, &created, &lastSeen)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		u.Tier = tiers.TierID(tier)
		u.CreatedAt = ParseTimestamp(created)
		u.LastSeenAt = ParseTimestamp(lastSeen)
		return nil
	})
	if err != nil {
		return User{}, err
	}
	return u, nil
}

// GetUserCredits returns the current balance.
func (s *Store) GetUserCredits(ctx context.Context, userID string) (int64, error) {
	var balance int64
	err := s.withRetry(ctx, "get credits", func(ctx context.Context) error {
		err := s.db.QueryRowContext(ctx,
			s.rebind(`SELECT credits FROM users WHERE id = ?`), userID).Scan(&balance)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	})
	return balance, err
}

// UpdateUserCredits atomically applies delta to a balance and returns the
// new value. A debit that would go below zero leaves the balance
// untouched and reports it together with ErrInsufficientCredits. Two
// concurrent debits of the last credit resolve to exactly one success.
// The account's last_seen_at advances on success.
func (s *Store) UpdateUserCredits(ctx context.Context, userID string, delta int64) (int64, error) {
	var balance int64
	err := s.withRetry(ctx, "update credits", func(ctx context.Context) error {
		query := s.rebind(`UPDATE users SET credits = credits + ?, last_seen_at = ?
			WHERE id = ? AND credits + ? >= 0 RETURNING credits`)
		err := s.db.QueryRowContext(ctx, query,
			delta, FormatTimestamp(time.Now()), userID, delta).Scan(&balance)
		if errors.Is(err, sql.ErrNoRows) {
			// Unknown account or uncovered debit; a second read tells
			// them apart and reports the standing balance.
			inner := s.db.QueryRowContext(ctx,
				s.rebind(`SELECT credits FROM users WHERE id = ?`), userID).Scan(&balance)
			if errors.Is(inner, sql.ErrNoRows) {
				return ErrNotFound
			}
			if inner != nil {
				return inner
			}
			return ErrInsufficientCredits
		}
		return err
	})
	return balance, err
}

// UpdateUserSubscription moves an account to a new tier, resets the
// balance to the tier grant and records the payment customer.
func (s *Store) UpdateUserSubscription(ctx context.Context, userID string, tier tiers.TierID, credits int64, paymentCustomerID string) error {
	return s.withRetry(ctx, "update subscription", func(ctx context.Context) error {
		query := s.rebind(`UPDATE users SET tier = ?, credits = ?, payment_customer_id = ?, last_seen_at = ?
			WHERE id = ?`)
		res, err := s.db.ExecContext(ctx, query,
			string(tier), credits, paymentCustomerID, FormatTimestamp(time.Now()), userID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}
