package feed

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Server serves the event feed on /ws.
type Server struct {
	addr        string
	broadcaster *Broadcaster
	logger      *log.Logger
	upgrader    websocket.Upgrader
	server      *http.Server
	wg          sync.WaitGroup
}

func NewServer(addr string, broadcaster *Broadcaster, logger *log.Logger) *Server {
	if broadcaster == nil {
		panic("feed.Server: broadcaster cannot be nil")
	}
	if logger == nil {
		panic("feed.Server: logger cannot be nil")
	}
	return &Server{
		addr:        addr,
		broadcaster: broadcaster,
		logger:      logger,
		upgrader: websocket.Upgrader{
			// The feed is read-only and meant for local dashboards.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	return mux
}

func (s *Server) Start() {
	s.server = &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Feed: Listening on ws://%s/ws", s.addr)
		if err := s.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("Feed: Server error: %v", err)
		}
	}()
}

func (s *Server) Shutdown() {
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			s.logger.Printf("Feed: Error shutting down server: %v", err)
		}
	}
	s.wg.Wait()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("Feed: upgrade error: %v", err)
		return
	}

	s.logger.Printf("Feed: Client connected: %s", r.RemoteAddr)
	c := s.broadcaster.AddClient(conn)

	go func() {
		defer func() {
			s.broadcaster.RemoveClient(c)
			s.logger.Printf("Feed: Client disconnected: %s", r.RemoteAddr)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
