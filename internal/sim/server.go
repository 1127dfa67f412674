package sim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/lowaak/hrmonitor/internal/radio"
)

// ControlServer exposes a simulated adapter over HTTP so a test rig or a
// human with curl can change what the virtual monitors report.
type ControlServer struct {
	adapter *Adapter
	logger  *log.Logger
	port    int
	server  *http.Server
	wg      sync.WaitGroup
}

func NewControlServer(adapter *Adapter, logger *log.Logger, port int) *ControlServer {
	if adapter == nil {
		panic("ControlServer: adapter cannot be nil")
	}
	if logger == nil {
		panic("ControlServer: logger cannot be nil")
	}
	return &ControlServer{
		adapter: adapter,
		logger:  logger,
		port:    port,
	}
}

// Handler returns the API routes:
//
//	GET  /api/state
//	POST /api/set?id=...&heartRate=...&location=...
//	POST /api/disconnect?id=...
//	GET  /api/writes
//	POST /api/trigger-notification?id=...
func (s *ControlServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/state", s.handleGetState)
	mux.HandleFunc("/api/set", s.handleSetValues)
	mux.HandleFunc("/api/disconnect", s.handleDisconnect)
	mux.HandleFunc("/api/writes", s.handleGetWrites)
	mux.HandleFunc("/api/trigger-notification", s.handleTriggerNotification)
	return mux
}

func (s *ControlServer) Start() {
	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: s.Handler(),
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("ControlServer: Listening on http://localhost:%d", s.port)
		if err := s.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("ControlServer: Web server error: %v", err)
		}
	}()
}

func (s *ControlServer) Shutdown() {
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			s.logger.Printf("ControlServer: Error shutting down web server: %v", err)
		}
	}
	s.wg.Wait()
	s.logger.Printf("ControlServer: Shutdown complete")
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// statusFor maps adapter errors to HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, radio.ErrUnknownPeripheral):
		return http.StatusNotFound
	case errors.Is(err, radio.ErrNotConnected):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *ControlServer) handleGetState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.adapter.Peripherals())
}

func (s *ControlServer) handleSetValues(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	query := r.URL.Query()
	id := radio.PeripheralID(query.Get("id"))

	if hr := query.Get("heartRate"); hr != "" {
		val, err := strconv.ParseUint(hr, 10, 16)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid heartRate: %v", err), http.StatusBadRequest)
			return
		}
		if err := s.adapter.SetHeartRate(id, uint16(val)); err != nil {
			http.Error(w, err.Error(), statusFor(err))
			return
		}
	}
	if loc := query.Get("location"); loc != "" {
		val, err := strconv.ParseUint(loc, 10, 8)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid location: %v", err), http.StatusBadRequest)
			return
		}
		if err := s.adapter.SetLocation(id, byte(val)); err != nil {
			http.Error(w, err.Error(), statusFor(err))
			return
		}
	}

	w.WriteHeader(http.StatusOK)
}

func (s *ControlServer) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.adapter.DropConnection(radio.PeripheralID(r.URL.Query().Get("id"))); err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *ControlServer) handleGetWrites(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.adapter.Writes())
}

func (s *ControlServer) handleTriggerNotification(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.adapter.TriggerNotification(radio.PeripheralID(r.URL.Query().Get("id"))); err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}
