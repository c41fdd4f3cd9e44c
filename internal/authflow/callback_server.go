package authflow

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/apirelay/apirelay/internal/protocol/oauth"
)

const loginSuccessHTML = `<!DOCTYPE html>
<html>
<head><title>Authentication Complete</title></head>
<body style="font-family: sans-serif; text-align: center; margin-top: 4em;">
<h1>Authentication complete</h1>
<p>You can close this window and return to the terminal.</p>
</body>
</html>`

// CallbackServer is the local HTTP server that captures the provider's
// OAuth redirect during an interactive login.
type CallbackServer struct {
	server     *http.Server
	port       int
	resultChan chan oauth.CallbackParams
	errorChan  chan error

	mu      sync.Mutex
	running bool
}

// NewCallbackServer creates a callback server listening on port.
func NewCallbackServer(port int) *CallbackServer {
	return &CallbackServer{
		port:       port,
		resultChan: make(chan oauth.CallbackParams, 1),
		errorChan:  make(chan error, 1),
	}
}

// RedirectURI returns the redirect URI this server answers.
func (s *CallbackServer) RedirectURI() string {
	return fmt.Sprintf("http://localhost:%d/callback", s.port)
}

// Start begins listening. It fails fast when the port is taken.
func (s *CallbackServer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("authflow: callback server already running")
	}
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("authflow: port %d unavailable: %w", s.port, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/callback", s.handleCallback)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	s.running = true

	go func() {
		if errServe := s.server.Serve(listener); errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
			s.errorChan <- fmt.Errorf("authflow: callback server failed: %w", errServe)
		}
	}()
	return nil
}

// Stop shuts the server down gracefully.
func (s *CallbackServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running || s.server == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := s.server.Shutdown(shutdownCtx)
	s.running = false
	s.server = nil
	return err
}

// WaitForCallback blocks until the provider redirect arrives, the server
// fails, or the timeout elapses.
func (s *CallbackServer) WaitForCallback(timeout time.Duration) (oauth.CallbackParams, error) {
	select {
	case params := <-s.resultChan:
		return params, nil
	case err := <-s.errorChan:
		return oauth.CallbackParams{}, err
	case <-time.After(timeout):
		return oauth.CallbackParams{}, fmt.Errorf("authflow: timed out waiting for the authorization callback")
	}
}

func (s *CallbackServer) handleCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	query := r.URL.Query()
	params := oauth.CallbackParams{
		Code:             query.Get("code"),
		State:            query.Get("state"),
		Error:            query.Get("error"),
		ErrorDescription: query.Get("error_description"),
	}
	if params.Error == "" && params.Code == "" {
		http.Error(w, "missing authorization code", http.StatusBadRequest)
		s.deliver(oauth.CallbackParams{Error: "invalid_callback", ErrorDescription: "missing authorization code"})
		return
	}

	s.deliver(params)

	if params.Error != "" {
		http.Error(w, fmt.Sprintf("authorization failed: %s", params.Error), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err := w.Write([]byte(loginSuccessHTML)); err != nil {
		log.Debugf("authflow: write success page failed: %v", err)
	}
}

func (s *CallbackServer) deliver(params oauth.CallbackParams) {
	select {
	case s.resultChan <- params:
	default:
		log.Warn("authflow: callback already delivered, dropping duplicate")
	}
}
