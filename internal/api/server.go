// Package api exposes the protocol registry, credential validation, and
// request execution over HTTP. The server is a thin JSON facade: protocol
// behavior lives in the modules and routing in the router package.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/apirelay/apirelay/internal/buildinfo"
	"github.com/apirelay/apirelay/internal/logging"
	"github.com/apirelay/apirelay/internal/protocol"
	"github.com/apirelay/apirelay/internal/router"
	"github.com/apirelay/apirelay/internal/store"
)

// Options configures the API server.
type Options struct {
	// Port is the listen port.
	Port int
	// ModuleOptions are passed through to module construction.
	ModuleOptions protocol.Options
	// Store persists credentials; nil disables the stored-credential lookup
	// on execute.
	Store *store.FileStore
	// Debug switches gin into debug mode.
	Debug bool
}

// Server is the HTTP front end.
type Server struct {
	opts   Options
	router *router.Router
	engine *gin.Engine
	server *http.Server
}

// NewServer wires the routes and middleware.
func NewServer(opts Options) *Server {
	if opts.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		opts:   opts,
		router: router.New(opts.ModuleOptions, nil),
	}

	engine := gin.New()
	engine.Use(logging.GinLogrusLogger(), logging.GinLogrusRecovery())

	engine.GET("/healthz", s.handleHealthz)

	v1 := engine.Group("/v1")
	{
		v1.GET("/protocols", s.handleListProtocols)
		v1.GET("/protocols/:id/fields", s.handleProtocolFields)
		v1.POST("/validate", s.handleValidate)
		v1.POST("/execute", s.handleExecute)
	}

	s.engine = engine
	return s
}

// Handler exposes the engine, mainly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.opts.Port),
		Handler: s.engine,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("api server listening on port %d", s.opts.Port)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"version": buildinfo.Version,
	})
}

// protocolSummary is one registry entry in the list response.
type protocolSummary struct {
	Metadata     protocol.Metadata     `json:"metadata"`
	Capabilities protocol.Capabilities `json:"capabilities"`
}

func (s *Server) handleListProtocols(c *gin.Context) {
	types := protocol.Types()
	summaries := make([]protocolSummary, 0, len(types))
	for _, id := range types {
		module, err := protocol.New(id, s.opts.ModuleOptions)
		if err != nil {
			log.Warnf("api: skipping protocol %s: %v", id, err)
			continue
		}
		summaries = append(summaries, protocolSummary{
			Metadata:     module.Metadata(),
			Capabilities: module.Capabilities(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"protocols": summaries})
}

func (s *Server) handleProtocolFields(c *gin.Context) {
	id := c.Param("id")
	if !protocol.Known(id) {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("protocol %q is not registered", id)})
		return
	}
	module, err := protocol.New(id, s.opts.ModuleOptions)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"protocol": id,
		"required": module.RequiredFields(),
		"optional": module.OptionalFields(),
	})
}

// validateRequest is the body of POST /v1/validate.
type validateRequest struct {
	Protocol    string               `json:"protocol" binding:"required"`
	Credentials protocol.Credentials `json:"credentials"`
}

func (s *Server) handleValidate(c *gin.Context) {
	var req validateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !protocol.Known(req.Protocol) {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("protocol %q is not registered", req.Protocol)})
		return
	}
	module, err := protocol.New(req.Protocol, s.opts.ModuleOptions)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, module.ValidateCredentials(req.Credentials))
}

// executeRequest is the body of POST /v1/execute. Credentials come either
// inline or from a stored credential record.
type executeRequest struct {
	Protocol     string               `json:"protocol"`
	CredentialID string               `json:"credential_id,omitempty"`
	Credentials  protocol.Credentials `json:"credentials,omitempty"`
	Command      string               `json:"command,omitempty"`
	Method       string               `json:"method,omitempty"`
	URL          string               `json:"url,omitempty"`
	Headers      map[string]string    `json:"headers,omitempty"`
	Query        map[string]string    `json:"query,omitempty"`
	Body         string               `json:"body,omitempty"`
	TimeoutMs    int                  `json:"timeout_ms,omitempty"`
}

func (s *Server) handleExecute(c *gin.Context) {
	var req executeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	creds := req.Credentials
	protocolType := req.Protocol
	if req.CredentialID != "" {
		if s.opts.Store == nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "credential storage is not configured"})
			return
		}
		rec, err := s.opts.Store.Load(req.CredentialID)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("credential %s not found", req.CredentialID)})
			return
		}
		creds = rec.Credentials.Merge(req.Credentials)
		if protocolType == "" {
			protocolType = rec.Protocol
		}
	}
	if protocolType == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "protocol is required"})
		return
	}

	result := s.router.Execute(c.Request.Context(), router.Request{
		AuthType:    protocolType,
		Credentials: creds,
		Command:     req.Command,
		Method:      req.Method,
		URL:         req.URL,
		Headers:     req.Headers,
		Query:       req.Query,
		Body:        []byte(req.Body),
		Timeout:     time.Duration(req.TimeoutMs) * time.Millisecond,
	})

	if result.CredentialsRefreshed && req.CredentialID != "" && s.opts.Store != nil {
		if _, err := s.opts.Store.UpdateCredentials(req.CredentialID, result.UpdatedCredentials); err != nil {
			log.WithField("credential", req.CredentialID).Errorf("api: persist rotated credentials failed: %v", err)
		}
	}

	status := http.StatusOK
	if result.ErrorCode == protocol.ErrCodeUnknownProtocol {
		status = http.StatusNotFound
	}
	c.JSON(status, result)
}
