package billing

import (
	"errors"

	"github.com/dukerupert/vpnshop/internal/database"
	"github.com/dukerupert/vpnshop/internal/ledger"
	"github.com/dukerupert/vpnshop/internal/store"
)

var (
	ErrTariffNotFound       = errors.New("tariff not found")
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrServerNotFound       = errors.New("server not found")
	ErrAccountNotFound      = errors.New("account not found")
	ErrPaymentNotFound      = errors.New("payment not found")
	ErrProvisioningFailed   = errors.New("key provisioning failed")
	ErrGateway              = errors.New("payment gateway error")

	ErrInsufficientFunds = ledger.ErrInsufficientFunds
	ErrStorage           = database.ErrStorage
	ErrDuplicatePayment  = store.ErrDuplicatePayment
	ErrIllegalTransition = store.ErrIllegalTransition
)
