// Package provision defines how access keys are issued on VPN servers.
package provision

import (
	"context"
	"time"

	"github.com/dukerupert/vpnshop/internal/model"
)

// Service issues, extends and revokes keys on a server. Implementations make
// network calls and must honor ctx.
type Service interface {
	IssueKey(ctx context.Context, server model.Server, durationDays int, subjectID int64) (string, error)
	ExtendKey(ctx context.Context, server model.Server, keyMaterial string, newExpiry time.Time) error
	RevokeKey(ctx context.Context, server model.Server, keyMaterial string) error
}
