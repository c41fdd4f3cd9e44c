package router

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/apirelay/apirelay/internal/protocol"
	"github.com/apirelay/apirelay/internal/protocol/curlcmd"
	"github.com/apirelay/apirelay/internal/protocol/graphql"
)

type logRecorder struct {
	mu      sync.Mutex
	entries []LogEntry
}

func (lr *logRecorder) record(entry LogEntry) {
	lr.mu.Lock()
	lr.entries = append(lr.entries, entry)
	lr.mu.Unlock()
}

func (lr *logRecorder) levels() []LogLevel {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	levels := make([]LogLevel, len(lr.entries))
	for i, entry := range lr.entries {
		levels[i] = entry.Level
	}
	return levels
}

func TestExecuteUnknownProtocol(t *testing.T) {
	t.Parallel()

	rec := &logRecorder{}
	r := New(protocol.Options{}, rec.record)
	result := r.Execute(context.Background(), Request{AuthType: "gopher"})
	if result.Success {
		t.Fatal("expected failure")
	}
	if result.ErrorCode != protocol.ErrCodeUnknownProtocol {
		t.Fatalf("ErrorCode = %q, want %q", result.ErrorCode, protocol.ErrCodeUnknownProtocol)
	}
	levels := rec.levels()
	if len(levels) != 1 || levels[0] != LevelError {
		t.Fatalf("log levels = %v, want one error entry", levels)
	}
}

func TestExecuteCurlFallback(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok-7" {
			t.Errorf("Authorization = %q", got)
		}
	}))
	defer srv.Close()

	rec := &logRecorder{}
	r := New(protocol.Options{}, rec.record)
	result := r.Execute(context.Background(), Request{
		AuthType:    curlcmd.Type,
		Command:     `curl ` + srv.URL + ` -H "Authorization: Bearer {{token}}"`,
		Credentials: protocol.Credentials{"token": "tok-7"},
	})
	if !result.Success {
		t.Fatalf("Execute = %+v", result)
	}

	var sawRouting, sawCompletion bool
	rec.mu.Lock()
	for _, entry := range rec.entries {
		if strings.Contains(entry.Message, "routing to") {
			sawRouting = true
		}
		if strings.Contains(entry.Message, "completed with status") {
			sawCompletion = true
		}
	}
	rec.mu.Unlock()
	if !sawRouting || !sawCompletion {
		t.Fatalf("missing routing/completion log entries: %+v", rec.entries)
	}
}

func TestExecuteRoutesToRegisteredModule(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"ok":true}}`))
	}))
	defer srv.Close()

	rec := &logRecorder{}
	r := New(protocol.Options{}, rec.record)
	result := r.Execute(context.Background(), Request{
		AuthType: graphql.Type,
		Credentials: protocol.Credentials{
			graphql.KeyEndpoint:   srv.URL,
			graphql.KeyAuthMethod: graphql.AuthNone,
		},
		Body: []byte(`{"query":"{ ok }"}`),
	})
	if !result.Success {
		t.Fatalf("Execute = %+v", result)
	}
}

func TestExecuteFailureLogsWarning(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	rec := &logRecorder{}
	r := New(protocol.Options{}, rec.record)
	result := r.Execute(context.Background(), Request{
		AuthType: curlcmd.Type,
		Command:  `curl ` + srv.URL,
	})
	if result.Success {
		t.Fatal("expected failure")
	}
	var sawWarn bool
	for _, level := range rec.levels() {
		if level == LevelWarn {
			sawWarn = true
		}
	}
	if !sawWarn {
		t.Fatalf("expected a warn entry, got %v", rec.levels())
	}
}

func TestDisplayName(t *testing.T) {
	t.Parallel()

	r := New(protocol.Options{}, func(LogEntry) {})
	if got := r.DisplayName(curlcmd.Type); got != "cURL Command" {
		t.Fatalf("DisplayName = %q", got)
	}
	if got := r.DisplayName("gopher"); got != "" {
		t.Fatalf("DisplayName for unknown type = %q, want empty", got)
	}
}
