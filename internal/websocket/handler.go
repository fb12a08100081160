package websocket

import (
	"net/http"

	ws "github.com/coder/websocket"
)

// AccountFunc resolves the authenticated account of a request.
type AccountFunc func(r *http.Request) (int64, bool)

// HandleWebSocket upgrades authenticated requests and runs them as hub
// clients. originPatterns is passed to the upgrader as is.
func HandleWebSocket(hub *Hub, account AccountFunc, originPatterns []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID, ok := account(r)
		if !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		conn, err := ws.Accept(w, r, &ws.AcceptOptions{OriginPatterns: originPatterns})
		if err != nil {
			hub.logger.Warn("accept websocket", "account_id", accountID, "error", err)
			return
		}
		defer conn.CloseNow()

		NewClient(hub, conn, accountID).Run(r.Context())
	}
}
