// Package gateway serves the health, metrics and bot management HTTP surface.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nextlevelbuilder/chatbridge/internal/channels"
	"github.com/nextlevelbuilder/chatbridge/internal/config"
	httpapi "github.com/nextlevelbuilder/chatbridge/internal/http"
)

// StatusSource reports the connection state of every configured instance.
type StatusSource interface {
	Status() []channels.ConnectionState
}

// Server is the gateway HTTP server.
type Server struct {
	cfg      config.GatewayConfig
	status   StatusSource
	gatherer prometheus.Gatherer

	botsHandler *httpapi.BotsHandler // only with a database-backed bot store

	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer creates a gateway server. gatherer serves /metrics; nil uses the
// default Prometheus registry.
func NewServer(cfg config.GatewayConfig, status StatusSource, gatherer prometheus.Gatherer) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{cfg: cfg, status: status, gatherer: gatherer}
}

// SetBotsHandler mounts the bot management API.
func (s *Server) SetBotsHandler(h *httpapi.BotsHandler) { s.botsHandler = h }

// BuildMux creates and caches the HTTP mux with all routes registered.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	if s.botsHandler != nil {
		s.botsHandler.RegisterRoutes(mux)
	}

	s.mux = mux
	return mux
}

// Start listens until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.BuildMux(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("gateway starting", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

type instanceHealth struct {
	Connected  bool       `json:"connected"`
	SelfUserID string     `json:"self_user_id,omitempty"`
	JoinedAt   *time.Time `json:"joined_at,omitempty"`
	Reconnects int        `json:"reconnects,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
}

type healthResponse struct {
	Status    string                    `json:"status"`
	Instances map[string]instanceHealth `json:"instances"`
}

// handleHealth reports "ok" when every instance is connected and "degraded"
// otherwise. The HTTP status is always 200 so that one broken bot does not
// restart the process.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Instances: map[string]instanceHealth{}}
	for _, st := range s.status.Status() {
		h := instanceHealth{
			Connected:  st.Connected,
			SelfUserID: st.SelfUserID,
			Reconnects: st.Reconnects,
			LastError:  st.LastError,
		}
		if !st.JoinTimestamp.IsZero() {
			joined := st.JoinTimestamp.UTC()
			h.JoinedAt = &joined
		}
		if !st.Connected {
			resp.Status = "degraded"
		}
		resp.Instances[st.Instance] = h
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(resp)
}
