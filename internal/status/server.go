package status

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/suspectuso/bidwin-topup/internal/realtime"
)

// Realtime reports the realtime connection
type Realtime interface {
	Status() realtime.Status
}

// Payments reports payment controller counts
type Payments interface {
	Stats() (controllers, pending int)
}

// Server exposes health and realtime diagnostics over HTTP
type Server struct {
	realtime Realtime
	payments Payments
	log      *slog.Logger

	server *http.Server
}

type realtimeResponse struct {
	Realtime realtime.Status `json:"realtime"`
	Payments paymentsStatus  `json:"payments"`
}

type paymentsStatus struct {
	Controllers int `json:"controllers"`
	Pending     int `json:"pending"`
}

// NewServer creates a new status server
func NewServer(rt Realtime, payments Payments, log *slog.Logger) *Server {
	return &Server{
		realtime: rt,
		payments: payments,
		log:      log,
	}
}

// Handler returns the status routes
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/realtime", s.handleRealtime)
	mux.HandleFunc("/", s.handleHealth)
	return mux
}

// Start serves until ctx is cancelled
func (s *Server) Start(ctx context.Context, port int) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.log.Info("starting status server", "port", port)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(shutdownCtx)
	}()

	return s.server.ListenAndServe()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *Server) handleRealtime(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var resp realtimeResponse
	resp.Realtime = s.realtime.Status()
	resp.Payments.Controllers, resp.Payments.Pending = s.payments.Stats()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.log.Warn("encode realtime status", "error", err)
	}
}
