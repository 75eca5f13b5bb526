package websocket

import (
	"net/http"

	ws "github.com/coder/websocket"
)

// HandleFeed upgrades the request and streams run events until the
// client disconnects. originPatterns restricts browser origins; empty
// means same-origin only.
func HandleFeed(hub *Hub, originPatterns []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := ws.Accept(w, r, &ws.AcceptOptions{OriginPatterns: originPatterns})
		if err != nil {
			hub.logger.Warn("websocket accept", "remote", r.RemoteAddr, "error", err)
			return
		}
		defer conn.CloseNow()

		NewClient(hub, conn).Run(r.Context())
		conn.Close(ws.StatusNormalClosure, "")
	}
}
