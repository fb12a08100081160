package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/vpnshop/internal/database"
	"github.com/dukerupert/vpnshop/internal/model"
)

type SubscriptionStore struct {
	db database.Querier
}

func NewSubscriptionStore(db database.Querier) *SubscriptionStore {
	return &SubscriptionStore{db: db}
}

func (s *SubscriptionStore) WithTx(tx *sql.Tx) *SubscriptionStore {
	return &SubscriptionStore{db: tx}
}

func scanSubscription(scanner interface{ Scan(...any) error }) (*model.Subscription, error) {
	var sub model.Subscription
	var active int
	err := scanner.Scan(&sub.ID, &sub.AccountID, &sub.TariffID, &sub.ServerID, &sub.StartDate, &sub.EndDate,
		&sub.KeyMaterial, &active, &sub.PaymentID, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return nil, err
	}
	sub.IsActive = active != 0
	return &sub, nil
}

const subscriptionCols = `id, account_id, tariff_id, server_id, start_date, end_date, key_material, is_active, payment_id, created_at, updated_at`

func (s *SubscriptionStore) Create(ctx context.Context, sub model.Subscription) (*model.Subscription, error) {
	var active int
	if sub.IsActive {
		active = 1
	}
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriptions (account_id, tariff_id, server_id, start_date, end_date, key_material, is_active, payment_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.AccountID, sub.TariffID, sub.ServerID, sub.StartDate.UTC(), sub.EndDate.UTC(),
		sub.KeyMaterial, active, sub.PaymentID,
	)
	if err != nil {
		return nil, fmt.Errorf("insert subscription: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetByID(ctx, id)
}

func (s *SubscriptionStore) GetByID(ctx context.Context, id int64) (*model.Subscription, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+subscriptionCols+` FROM subscriptions WHERE id = ?`, id)
	sub, err := scanSubscription(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return sub, nil
}

// GetByPaymentID returns the subscription of record for a payment: the active
// one if any, otherwise the newest.
func (s *SubscriptionStore) GetByPaymentID(ctx context.Context, paymentID string) (*model.Subscription, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+subscriptionCols+` FROM subscriptions WHERE payment_id = ? ORDER BY is_active DESC, id DESC LIMIT 1`,
		paymentID,
	)
	sub, err := scanSubscription(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription by payment: %w", err)
	}
	return sub, nil
}

func (s *SubscriptionStore) ListActiveByAccount(ctx context.Context, accountID int64) ([]model.Subscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+subscriptionCols+` FROM subscriptions WHERE account_id = ? AND is_active = 1 ORDER BY end_date ASC`,
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []model.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}

// Extend sets a new end date and reactivates the row. A non-nil paymentID is
// recorded as the payment that paid for the extension.
func (s *SubscriptionStore) Extend(ctx context.Context, id int64, endDate time.Time, paymentID *string) error {
	var err error
	if paymentID != nil {
		_, err = s.db.ExecContext(ctx,
			`UPDATE subscriptions SET end_date = ?, is_active = 1, payment_id = ?, updated_at = ? WHERE id = ?`,
			endDate.UTC(), *paymentID, time.Now().UTC(), id,
		)
	} else {
		_, err = s.db.ExecContext(ctx,
			`UPDATE subscriptions SET end_date = ?, is_active = 1, updated_at = ? WHERE id = ?`,
			endDate.UTC(), time.Now().UTC(), id,
		)
	}
	if err != nil {
		return fmt.Errorf("extend subscription: %w", err)
	}
	return nil
}

func (s *SubscriptionStore) Deactivate(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET is_active = 0, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("deactivate subscription: %w", err)
	}
	return nil
}

// SummaryByPaymentID joins the subscription of record for paymentID with its
// tariff and server.
func (s *SubscriptionStore) SummaryByPaymentID(ctx context.Context, paymentID string) (*model.SubscriptionSummary, error) {
	var sum model.SubscriptionSummary
	var active int
	err := s.db.QueryRowContext(ctx,
		`SELECT s.id, t.name, t.duration_days, srv.name, srv.location, s.start_date, s.end_date, s.key_material, s.is_active
		 FROM subscriptions s
		 JOIN tariffs t ON t.id = s.tariff_id
		 JOIN servers srv ON srv.id = s.server_id
		 WHERE s.payment_id = ?
		 ORDER BY s.is_active DESC, s.id DESC LIMIT 1`,
		paymentID,
	).Scan(&sum.SubscriptionID, &sum.TariffName, &sum.DurationDays, &sum.ServerName, &sum.ServerLocation,
		&sum.StartDate, &sum.EndDate, &sum.KeyMaterial, &active)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription summary: %w", err)
	}
	sum.IsActive = active != 0
	return &sum, nil
}
