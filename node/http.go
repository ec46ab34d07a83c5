package node

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"castlink/models"
	"castlink/telemetry"
)

type sessionView struct {
	models.Session
	BytesIn  int64 `json:"bytes_in"`
	BytesOut int64 `json:"bytes_out"`
}

func (n *Node) metricsServer() *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/session", n.serveSession)
	mux.HandleFunc("/peers", n.servePeers)

	return &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func (n *Node) serveSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	view := sessionView{Session: n.manager.Session()}
	if stats, ok := n.manager.Stats(); ok {
		view.BytesIn, view.BytesOut = stats.BytesIn, stats.BytesOut
	}
	n.writeJSON(w, view)
}

func (n *Node) servePeers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	n.writeJSON(w, n.registry.Records())
}

func (n *Node) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		n.log.Debug("write response", zap.Error(err))
	}
}
