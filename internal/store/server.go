package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dukerupert/vpnshop/internal/database"
	"github.com/dukerupert/vpnshop/internal/model"
)

type ServerStore struct {
	db database.Querier
}

func NewServerStore(db database.Querier) *ServerStore {
	return &ServerStore{db: db}
}

func (s *ServerStore) WithTx(tx *sql.Tx) *ServerStore {
	return &ServerStore{db: tx}
}

func scanServer(scanner interface{ Scan(...any) error }) (*model.Server, error) {
	var srv model.Server
	var enabled int
	err := scanner.Scan(&srv.ID, &srv.Name, &srv.Location, &srv.PanelURL, &srv.Username, &srv.Password,
		&srv.InboundID, &srv.Host, &srv.Port, &srv.Protocol, &enabled, &srv.CreatedAt)
	if err != nil {
		return nil, err
	}
	srv.Enabled = enabled != 0
	return &srv, nil
}

const serverCols = `id, name, location, panel_url, username, password, inbound_id, host, port, protocol, enabled, created_at`

func (s *ServerStore) Create(ctx context.Context, srv model.Server) (*model.Server, error) {
	if srv.Protocol == "" {
		srv.Protocol = "vless"
	}
	if srv.Port == 0 {
		srv.Port = 443
	}
	var e int
	if srv.Enabled {
		e = 1
	}
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO servers (name, location, panel_url, username, password, inbound_id, host, port, protocol, enabled)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		srv.Name, srv.Location, srv.PanelURL, srv.Username, srv.Password, srv.InboundID,
		srv.Host, srv.Port, srv.Protocol, e,
	)
	if err != nil {
		return nil, fmt.Errorf("insert server: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetByID(ctx, id)
}

func (s *ServerStore) GetByID(ctx context.Context, id int64) (*model.Server, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+serverCols+` FROM servers WHERE id = ?`, id)
	srv, err := scanServer(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get server: %w", err)
	}
	return srv, nil
}

func (s *ServerStore) ListEnabled(ctx context.Context) ([]model.Server, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+serverCols+` FROM servers WHERE enabled = 1 ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("list servers: %w", err)
	}
	defer rows.Close()

	var servers []model.Server
	for rows.Next() {
		srv, err := scanServer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan server: %w", err)
		}
		servers = append(servers, *srv)
	}
	return servers, rows.Err()
}
