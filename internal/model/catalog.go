package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Server is a provisioning target running a 3x-ui panel.
type Server struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Location  string    `json:"location"`
	PanelURL  string    `json:"-"`
	Username  string    `json:"-"`
	Password  string    `json:"-"`
	InboundID int       `json:"-"`
	Host      string    `json:"host"`
	Port      int       `json:"port"`
	Protocol  string    `json:"protocol"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
}

type Tariff struct {
	ID           int64           `json:"id"`
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	Price        decimal.Decimal `json:"price"`
	DurationDays int             `json:"duration_days"`
	ServerID     int64           `json:"server_id"`
	Enabled      bool            `json:"enabled"`
	CreatedAt    time.Time       `json:"created_at"`
}
