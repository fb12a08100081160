package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/dukerupert/vpnshop/internal/auth"
	"github.com/dukerupert/vpnshop/internal/model"
)

// AccountLookup resolves a token subject to its account.
type AccountLookup interface {
	GetBySubjectID(ctx context.Context, subjectID int64) (*model.Account, error)
}

// RequireAuth validates the Bearer token and populates the request context
// with the account. Browsers cannot set headers on websocket upgrades, so a
// token query parameter is accepted as well.
func RequireAuth(signer *auth.Signer, accounts AccountLookup) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				unauthorized(w, "missing token")
				return
			}

			subjectID, err := signer.Parse(token)
			if err != nil {
				unauthorized(w, "invalid token")
				return
			}

			account, err := accounts.GetBySubjectID(r.Context(), subjectID)
			if err != nil {
				writeError(w, http.StatusServiceUnavailable, "account lookup failed")
				return
			}
			if account == nil {
				unauthorized(w, "unknown account")
				return
			}
			if !account.Enabled {
				writeError(w, http.StatusForbidden, "account disabled")
				return
			}

			next.ServeHTTP(w, r.WithContext(auth.WithAccount(r.Context(), account)))
		})
	}
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="vpnshop"`)
	writeError(w, http.StatusUnauthorized, msg)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
