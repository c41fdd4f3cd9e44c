// Package router dispatches execution requests to the protocol module
// registered for the request's auth type, with a curl fallback for ad-hoc
// commands. Every routing decision is reported through a caller-supplied
// structured log callback, the router's only side channel.
package router

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/apirelay/apirelay/internal/protocol"
	"github.com/apirelay/apirelay/internal/protocol/curlcmd"
)

// ExecutionTimeout bounds every routed request.
const ExecutionTimeout = 30 * time.Second

// LogLevel classifies a log entry.
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// LogEntry is one structured routing event.
type LogEntry struct {
	Level   LogLevel `json:"level"`
	Context string   `json:"context"`
	Message string   `json:"message"`
	// Commentary optionally adds operator-facing detail.
	Commentary string `json:"commentary,omitempty"`
}

// LogFunc receives routing events. A nil LogFunc falls back to logrus.
type LogFunc func(LogEntry)

// Request is one execution to route.
type Request struct {
	// AuthType selects the protocol module.
	AuthType string
	// Credentials feed the module's auth injection (and, for the curl
	// fallback, the placeholder values).
	Credentials protocol.Credentials
	// Command carries the raw curl text for the curl fallback.
	Command string
	// Method/URL/Headers/Query/Body describe the request for HTTP modules.
	Method  string
	URL     string
	Headers map[string]string
	Query   map[string]string
	Body    []byte
	// Timeout overrides ExecutionTimeout when positive.
	Timeout time.Duration
}

// Router resolves auth types to protocol modules and executes requests.
type Router struct {
	opts protocol.Options
	logf LogFunc
}

// New builds a router. Module instances are created per execution so no
// ephemeral flow state leaks between requests.
func New(opts protocol.Options, logf LogFunc) *Router {
	if logf == nil {
		logf = func(entry LogEntry) {
			log.WithField("context", entry.Context).Log(logrusLevel(entry.Level), entry.Message)
		}
	}
	return &Router{opts: opts, logf: logf}
}

func logrusLevel(level LogLevel) log.Level {
	switch level {
	case LevelDebug:
		return log.DebugLevel
	case LevelWarn:
		return log.WarnLevel
	case LevelError:
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}

// Execute routes one request through its protocol module. Unknown auth types
// yield a structured UNKNOWN_PROTOCOL result, never an error value.
func (r *Router) Execute(ctx context.Context, req Request) protocol.ExecutionResult {
	requestID := uuid.NewString()
	tag := fmt.Sprintf("execute:%s", requestID[:8])

	if !protocol.Known(req.AuthType) {
		r.logf(LogEntry{
			Level:      LevelError,
			Context:    tag,
			Message:    fmt.Sprintf("unknown protocol %q", req.AuthType),
			Commentary: fmt.Sprintf("registered protocols: %v", protocol.Types()),
		})
		return protocol.ExecutionResult{
			Error:     fmt.Sprintf("protocol %q is not registered", req.AuthType),
			ErrorCode: protocol.ErrCodeUnknownProtocol,
		}
	}

	module, err := protocol.New(req.AuthType, r.opts)
	if err != nil {
		r.logf(LogEntry{Level: LevelError, Context: tag, Message: err.Error()})
		return protocol.ExecutionResult{Error: err.Error(), ErrorCode: protocol.ErrCodeUnknownProtocol}
	}
	r.logf(LogEntry{
		Level:   LevelInfo,
		Context: tag,
		Message: fmt.Sprintf("routing to %s", module.Metadata().DisplayName),
	})

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = ExecutionTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body := req.Body
	if req.AuthType == curlcmd.Type && req.Command != "" {
		body = []byte(req.Command)
	}
	result := module.ExecuteRequest(execCtx, protocol.ExecutionContext{
		Credentials: req.Credentials,
		Method:      req.Method,
		URL:         req.URL,
		Headers:     req.Headers,
		Query:       req.Query,
		Body:        body,
		Timeout:     timeout,
	})

	if result.Success {
		r.logf(LogEntry{
			Level:   LevelInfo,
			Context: tag,
			Message: fmt.Sprintf("completed with status %d in %s", result.StatusCode, result.Duration.Truncate(time.Millisecond)),
		})
	} else {
		r.logf(LogEntry{
			Level:      LevelWarn,
			Context:    tag,
			Message:    fmt.Sprintf("failed with status %d: %s", result.StatusCode, result.Error),
			Commentary: result.ErrorCode,
		})
	}
	if result.CredentialsRefreshed {
		r.logf(LogEntry{
			Level:      LevelInfo,
			Context:    tag,
			Message:    "credentials rotated during execution",
			Commentary: "caller must persist the updated credentials",
		})
	}
	return result
}

// DisplayName resolves the human readable name of an auth type, or "" when
// the type is not registered.
func (r *Router) DisplayName(authType string) string {
	module, err := protocol.New(authType, r.opts)
	if err != nil {
		return ""
	}
	return module.Metadata().DisplayName
}
