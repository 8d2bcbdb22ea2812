package forwarder

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kulaginds/htp-forwarder/internal/logging"
)

const debugEventInterval = 500 * time.Millisecond

var debugUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 8192,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// DebugEvents returns an http.HandlerFunc that upgrades to a websocket and
// pushes a JSON snapshot of every pair's state at debugEventInterval,
// until the client disconnects. It repurposes the admin connection
// surface for observing the pool instead of proxying an RDP session.
func DebugEvents(fwd *Forwarder) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := debugUpgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Warn("debug events: upgrade failed: %v", err)
			return
		}
		defer conn.Close()

		ticker := time.NewTicker(debugEventInterval)
		defer ticker.Stop()

		for range ticker.C {
			if err := conn.WriteJSON(fwd.PairSnapshots()); err != nil {
				return
			}
		}
	}
}
