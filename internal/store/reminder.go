package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/vpnshop/internal/database"
	"github.com/dukerupert/vpnshop/internal/model"
)

type ReminderStore struct {
	db database.Querier
}

func NewReminderStore(db database.Querier) *ReminderStore {
	return &ReminderStore{db: db}
}

func (s *ReminderStore) WithTx(tx *sql.Tx) *ReminderStore {
	return &ReminderStore{db: tx}
}

// ListActive returns every active subscription with its owner, tariff and
// server, soonest end first.
func (s *ReminderStore) ListActive(ctx context.Context) ([]model.ExpiringSubscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT s.id, s.account_id, a.subject_id, a.display_name, t.name, srv.name, srv.location, s.end_date
		 FROM subscriptions s
		 JOIN accounts a ON a.id = s.account_id
		 JOIN tariffs t ON t.id = s.tariff_id
		 JOIN servers srv ON srv.id = s.server_id
		 WHERE s.is_active = 1 AND a.enabled = 1
		 ORDER BY s.end_date ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list active subscriptions: %w", err)
	}
	defer rows.Close()

	var out []model.ExpiringSubscription
	for rows.Next() {
		var e model.ExpiringSubscription
		if err := rows.Scan(&e.SubscriptionID, &e.AccountID, &e.SubjectID, &e.DisplayName,
			&e.TariffName, &e.ServerName, &e.ServerLocation, &e.EndDate); err != nil {
			return nil, fmt.Errorf("scan active subscription: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Claim records that the reminder for subscriptionID ending at end is being
// sent. It returns false when it was already claimed.
func (s *ReminderStore) Claim(ctx context.Context, subscriptionID int64, end time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO expiry_reminders (subscription_id, end_unix) VALUES (?, ?)`,
		subscriptionID, end.Unix(),
	)
	if err != nil {
		return false, fmt.Errorf("claim reminder: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}
