package server

import (
	"encoding/json"
	"net/http"
	"sync/atomic"

	"github.com/zeusync/scenesync/internal/core/observability/log"
	"github.com/zeusync/scenesync/internal/core/transport/websocket"
)

// Status is served as JSON on /healthz.
type Status struct {
	Running     bool   `json:"running"`
	Codec       string `json:"codec"`
	Tick        uint64 `json:"tick"`
	Entities    int64  `json:"entities"`
	Connections int    `json:"connections"`
}

func (s *Server) Status() Status {
	st := Status{
		Running:  atomic.LoadInt32(&s.running) == 1,
		Codec:    s.codec.Name(),
		Tick:     atomic.LoadUint64(&s.tick),
		Entities: atomic.LoadInt64(&s.entities),
	}
	s.mu.Lock()
	h := s.host
	s.mu.Unlock()
	if h != nil {
		st.Connections = h.Connections()
	}
	return st
}

// mux serves websocket upgrades and the status endpoint on one port.
func (s *Server) mux(ws *websocket.Listener) http.Handler {
	mux := http.NewServeMux()
	mux.Handle(websocket.DefaultPath, ws)
	mux.HandleFunc("/healthz", s.handleStatus)
	return mux
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.Status()); err != nil {
		s.logger.Debug("failed to write status", log.Error(err))
	}
}
