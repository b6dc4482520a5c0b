package channels

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/HKUDS/wxdify/pkg/agent"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	serviceName     = "wxdify"
	maxCallbackBody = 1 << 20
)

// Stats is the live part of the health report.
type Stats struct {
	Sessions      int
	Conversations int // chats with a live Dify conversation
	Jobs          int
}

// ServerOptions configures a Server.
type ServerOptions struct {
	Addr          string
	BotConfigured bool
	Handler       InboundHandler
	// Stats is optional; zero counts are reported without it.
	Stats  func() Stats
	Logger *zap.Logger
}

// Server receives QianXun callbacks and serves the health endpoint.
type Server struct {
	opts     ServerOptions
	logger   *zap.Logger
	httpSrv  *http.Server
	listener net.Listener
	done     chan struct{}
	mu       sync.Mutex
}

// NewServer creates a new Server. Start binds the listener.
func NewServer(opts ServerOptions) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{opts: opts, logger: logger}
	s.httpSrv = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the routing table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/wechat/callback", s.handleCallback)
	mux.HandleFunc("/", s.handleHealth)
	return s.withRecovery(mux)
}

// Start begins serving in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return errors.New("server already started")
	}

	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.opts.Addr, err)
	}
	s.listener = ln
	s.done = make(chan struct{})

	s.logger.Info("callback server listening",
		zap.String("addr", ln.Addr().String()),
		zap.String("callback", "/wechat/callback"))

	go func() {
		defer close(s.done)
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("callback server stopped", zap.Error(err))
		}
	}()
	return nil
}

// Addr reports the bound address once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.opts.Addr
	}
	return s.listener.Addr().String()
}

// Stop drains in-flight requests until ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	started := s.listener != nil
	done := s.done
	s.mu.Unlock()
	if !started {
		return nil
	}

	err := s.httpSrv.Shutdown(ctx)
	select {
	case <-done:
	case <-ctx.Done():
	}
	return err
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.logger.Info("callback verification request")
		writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
		return
	case http.MethodPost:
	default:
		w.Header().Set("Allow", "GET, POST")
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"status": "error", "message": "method not allowed"})
		return
	}

	reqID := uuid.NewString()
	logger := s.logger.With(zap.String("request_id", reqID))

	body, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBody))
	if err != nil {
		logger.Warn("failed to read callback body", zap.Error(err))
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "message": err.Error()})
		return
	}
	logger.Debug("callback received", zap.ByteString("body", truncate(body, 500)))

	ev, err := DecodeCallback(body)
	if errors.Is(err, ErrUnknownEvent) {
		logger.Info("ignoring callback", zap.Error(err))
		writeJSON(w, http.StatusOK, map[string]string{"status": agent.StatusIgnored})
		return
	}
	if err != nil {
		logger.Warn("malformed callback", zap.Error(err))
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "message": err.Error()})
		return
	}

	// The reply must still go out if the hook framework stops waiting for
	// this response.
	ctx := context.WithoutCancel(r.Context())
	out, err := s.opts.Handler.Handle(ctx, ev)
	logger.Info("callback handled",
		zap.String("chat", ev.SourceChat),
		zap.String("status", out.Status),
		zap.Duration("elapsed", time.Since(ev.Timestamp)))
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": agent.StatusError, "message": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": out.Status})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	var st Stats
	if s.opts.Stats != nil {
		st = s.opts.Stats()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":              "running",
		"service":             serviceName,
		"timestamp":           time.Now().Format(time.RFC3339),
		"config_loaded":       true,
		"bot_wxid_configured": s.opts.BotConfigured,
		"sessions":            st.Sessions,
		"conversations":       st.Conversations,
		"jobs":                st.Jobs,
	})
}

func (s *Server) withRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic in handler",
					zap.String("path", r.URL.Path),
					zap.Any("panic", rec),
					zap.Stack("stack"))
				writeJSON(w, http.StatusInternalServerError, map[string]string{
					"status":  "error",
					"message": fmt.Sprint(rec),
				})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
