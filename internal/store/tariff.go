package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/dukerupert/vpnshop/internal/database"
	"github.com/dukerupert/vpnshop/internal/model"
)

type TariffStore struct {
	db database.Querier
}

func NewTariffStore(db database.Querier) *TariffStore {
	return &TariffStore{db: db}
}

func (s *TariffStore) WithTx(tx *sql.Tx) *TariffStore {
	return &TariffStore{db: tx}
}

func scanTariff(scanner interface{ Scan(...any) error }) (*model.Tariff, error) {
	var t model.Tariff
	var minor int64
	var enabled int
	err := scanner.Scan(&t.ID, &t.Name, &t.Description, &minor, &t.DurationDays, &t.ServerID, &enabled, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	t.Price = model.FromMinor(minor)
	t.Enabled = enabled != 0
	return &t, nil
}

const tariffCols = `id, name, description, price_minor, duration_days, server_id, enabled, created_at`

func (s *TariffStore) Create(ctx context.Context, name, description string, price decimal.Decimal, durationDays int, serverID int64) (*model.Tariff, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO tariffs (name, description, price_minor, duration_days, server_id) VALUES (?, ?, ?, ?, ?)`,
		name, description, model.ToMinor(price), durationDays, serverID,
	)
	if err != nil {
		return nil, fmt.Errorf("insert tariff: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetByID(ctx, id)
}

func (s *TariffStore) GetByID(ctx context.Context, id int64) (*model.Tariff, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+tariffCols+` FROM tariffs WHERE id = ?`, id)
	t, err := scanTariff(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get tariff: %w", err)
	}
	return t, nil
}

// ListEnabled returns purchasable tariffs on enabled servers, cheapest first.
func (s *TariffStore) ListEnabled(ctx context.Context) ([]model.Tariff, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT t.id, t.name, t.description, t.price_minor, t.duration_days, t.server_id, t.enabled, t.created_at
		 FROM tariffs t JOIN servers srv ON srv.id = t.server_id
		 WHERE t.enabled = 1 AND srv.enabled = 1
		 ORDER BY t.price_minor ASC, t.id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list tariffs: %w", err)
	}
	defer rows.Close()

	var tariffs []model.Tariff
	for rows.Next() {
		t, err := scanTariff(rows)
		if err != nil {
			return nil, fmt.Errorf("scan tariff: %w", err)
		}
		tariffs = append(tariffs, *t)
	}
	return tariffs, rows.Err()
}

func (s *TariffStore) SetEnabled(ctx context.Context, id int64, enabled bool) error {
	var e int
	if enabled {
		e = 1
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE tariffs SET enabled = ? WHERE id = ?`, e, id); err != nil {
		return fmt.Errorf("set tariff enabled: %w", err)
	}
	return nil
}
