package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dukerupert/vpnshop/internal/database"
	"github.com/dukerupert/vpnshop/internal/model"
)

type PaymentOrderStore struct {
	db database.Querier
}

func NewPaymentOrderStore(db database.Querier) *PaymentOrderStore {
	return &PaymentOrderStore{db: db}
}

func (s *PaymentOrderStore) WithTx(tx *sql.Tx) *PaymentOrderStore {
	return &PaymentOrderStore{db: tx}
}

func (s *PaymentOrderStore) Create(ctx context.Context, o model.PaymentOrder) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO payment_orders (payment_id, purpose, tariff_id, subscription_id) VALUES (?, ?, ?, ?)`,
		o.PaymentID, o.Purpose, o.TariffID, o.SubscriptionID,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("insert payment order %s: %w", o.PaymentID, ErrDuplicatePayment)
		}
		return fmt.Errorf("insert payment order: %w", err)
	}
	return nil
}

func (s *PaymentOrderStore) GetByPaymentID(ctx context.Context, paymentID string) (*model.PaymentOrder, error) {
	var o model.PaymentOrder
	err := s.db.QueryRowContext(ctx,
		`SELECT payment_id, purpose, tariff_id, subscription_id, created_at FROM payment_orders WHERE payment_id = ?`,
		paymentID,
	).Scan(&o.PaymentID, &o.Purpose, &o.TariffID, &o.SubscriptionID, &o.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get payment order: %w", err)
	}
	return &o, nil
}
