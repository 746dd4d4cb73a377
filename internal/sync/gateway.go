package sync

import (
	"net/http"

	"github.com/coder/websocket"

	"github.com/ehrlich-b/docsync/internal/logger"
)

// NewGatewayMux wires a Server's HandleConnection onto an HTTP mux: one
// WebSocket route per document, plus a liveness probe. metricsHandler may
// be nil, in which case /metrics is not registered.
func NewGatewayMux(s *Server, metricsHandler http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	})
	mux.HandleFunc("GET /ws/sync/{docId}", func(w http.ResponseWriter, r *http.Request) {
		docID := r.PathValue("docId")
		if docID == "" {
			http.Error(w, "docId is required", http.StatusBadRequest)
			return
		}
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: []string{"*"},
		})
		if err != nil {
			logger.Warn("websocket accept failed", "doc_id", docID, "error", err)
			return
		}
		s.HandleConnection(r.Context(), NewWebSocketTransport(conn), docID)
	})
	if metricsHandler != nil {
		mux.Handle("GET /metrics", metricsHandler)
	}
	return mux
}
