package auth

import (
	"context"

	"github.com/dukerupert/vpnshop/internal/model"
)

type contextKey struct{}

func WithAccount(ctx context.Context, a *model.Account) context.Context {
	return context.WithValue(ctx, contextKey{}, a)
}

func FromContext(ctx context.Context) (*model.Account, bool) {
	a, ok := ctx.Value(contextKey{}).(*model.Account)
	return a, ok && a != nil
}

// AccountID returns 0 when the request is not authenticated.
func AccountID(ctx context.Context) int64 {
	a, ok := FromContext(ctx)
	if !ok {
		return 0
	}
	return a.ID
}
