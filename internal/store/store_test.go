package store

import (
	"context"
	"database/sql"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/dukerupert/vpnshop/internal/database"
	"github.com/dukerupert/vpnshop/internal/model"
)

func setupStoreTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		t.Fatalf("enable foreign keys: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func seedAccount(t *testing.T, db *sql.DB, subjectID int64) *model.Account {
	t.Helper()
	a, err := NewAccountStore(db).Create(context.Background(), subjectID, "alice", fmt.Sprintf("code%d", subjectID), nil)
	if err != nil {
		t.Fatalf("seed account: %v", err)
	}
	return a
}

func seedCatalog(t *testing.T, db *sql.DB) (*model.Server, *model.Tariff) {
	t.Helper()
	ctx := context.Background()
	srv, err := NewServerStore(db).Create(ctx, model.Server{
		Name: "Amsterdam", Location: "NL", PanelURL: "http://panel.local", Username: "admin",
		Password: "secret", InboundID: 1, Host: "nl.example.com", Port: 443, Enabled: true,
	})
	if err != nil {
		t.Fatalf("seed server: %v", err)
	}
	tariff, err := NewTariffStore(db).Create(ctx, "Month", "30 days", decimal.RequireFromString("149.00"), 30, srv.ID)
	if err != nil {
		t.Fatalf("seed tariff: %v", err)
	}
	return srv, tariff
}

func strPtr(s string) *string { return &s }
