package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dukerupert/vpnshop/internal/database"
	"github.com/dukerupert/vpnshop/internal/model"
)

type PushStore struct {
	db database.Querier
}

func NewPushStore(db database.Querier) *PushStore {
	return &PushStore{db: db}
}

func (s *PushStore) WithTx(tx *sql.Tx) *PushStore {
	return &PushStore{db: tx}
}

// Save registers an endpoint for accountID. An endpoint that is already known
// moves to accountID with the new keys.
func (s *PushStore) Save(ctx context.Context, accountID int64, endpoint, p256dh, auth string) (*model.PushSubscription, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO push_subscriptions (account_id, endpoint, p256dh_key, auth_key) VALUES (?, ?, ?, ?)
		 ON CONFLICT(endpoint) DO UPDATE SET account_id = excluded.account_id,
		     p256dh_key = excluded.p256dh_key, auth_key = excluded.auth_key`,
		accountID, endpoint, p256dh, auth,
	)
	if err != nil {
		return nil, fmt.Errorf("save push subscription: %w", err)
	}

	var sub model.PushSubscription
	err = s.db.QueryRowContext(ctx,
		`SELECT id, account_id, endpoint, p256dh_key, auth_key, created_at FROM push_subscriptions WHERE endpoint = ?`,
		endpoint,
	).Scan(&sub.ID, &sub.AccountID, &sub.Endpoint, &sub.P256dhKey, &sub.AuthKey, &sub.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("get push subscription: %w", err)
	}
	return &sub, nil
}

func (s *PushStore) ListByAccount(ctx context.Context, accountID int64) ([]model.PushSubscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, account_id, endpoint, p256dh_key, auth_key, created_at
		 FROM push_subscriptions WHERE account_id = ? ORDER BY id`,
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("list push subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []model.PushSubscription
	for rows.Next() {
		var sub model.PushSubscription
		if err := rows.Scan(&sub.ID, &sub.AccountID, &sub.Endpoint, &sub.P256dhKey, &sub.AuthKey, &sub.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan push subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// Delete removes an endpoint owned by accountID and reports whether it
// existed.
func (s *PushStore) Delete(ctx context.Context, accountID int64, endpoint string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM push_subscriptions WHERE account_id = ? AND endpoint = ?`, accountID, endpoint)
	if err != nil {
		return false, fmt.Errorf("delete push subscription: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// DeleteByEndpoint drops an endpoint the push service reported as gone.
func (s *PushStore) DeleteByEndpoint(ctx context.Context, endpoint string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM push_subscriptions WHERE endpoint = ?`, endpoint); err != nil {
		return fmt.Errorf("delete push endpoint: %w", err)
	}
	return nil
}
