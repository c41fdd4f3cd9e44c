package authflow

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"net/http/httptest"

	"github.com/apirelay/apirelay/internal/protocol"
	"github.com/apirelay/apirelay/internal/protocol/graphql"
	"github.com/apirelay/apirelay/internal/protocol/oauth"
	"github.com/apirelay/apirelay/internal/store"
)

func TestParseCallbackURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		want    *oauth.CallbackParams
		wantErr bool
	}{
		{
			name:  "full url",
			input: "http://localhost:1455/callback?code=abc&state=xyz",
			want:  &oauth.CallbackParams{Code: "abc", State: "xyz"},
		},
		{
			name:  "bare query string",
			input: "?code=abc&state=xyz",
			want:  &oauth.CallbackParams{Code: "abc", State: "xyz"},
		},
		{
			name:  "key value pairs without url",
			input: "code=abc&state=xyz",
			want:  &oauth.CallbackParams{Code: "abc", State: "xyz"},
		},
		{
			name:  "fragment parameters",
			input: "http://localhost/callback#code=abc&state=xyz",
			want:  &oauth.CallbackParams{Code: "abc", State: "xyz"},
		},
		{
			name:  "provider error",
			input: "http://localhost/callback?error=access_denied&error_description=user+cancelled",
			want:  &oauth.CallbackParams{Error: "access_denied", ErrorDescription: "user cancelled"},
		},
		{
			name:  "empty input",
			input: "   ",
			want:  nil,
		},
		{
			name:    "no code or error",
			input:   "http://localhost/callback?state=xyz",
			wantErr: true,
		},
		{
			name:    "not a url",
			input:   "hello",
			wantErr: true,
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseCallbackURL(tc.input)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseCallbackURL: %v", err)
			}
			if tc.want == nil {
				if got != nil {
					t.Fatalf("got %+v, want nil", got)
				}
				return
			}
			if *got != *tc.want {
				t.Fatalf("got %+v, want %+v", got, tc.want)
			}
		})
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	port := listener.Addr().(*net.TCPAddr).Port
	_ = listener.Close()
	return port
}

func TestCallbackServerCapturesRedirect(t *testing.T) {
	t.Parallel()

	server := NewCallbackServer(freePort(t))
	if err := server.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = server.Stop(context.Background()) }()

	resp, err := http.Get(server.RedirectURI() + "?code=abc&state=xyz")
	if err != nil {
		t.Fatalf("GET callback: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}
	if !strings.Contains(string(body), "Authentication complete") {
		t.Fatalf("body = %s", body)
	}

	params, err := server.WaitForCallback(time.Second)
	if err != nil {
		t.Fatalf("WaitForCallback: %v", err)
	}
	if params.Code != "abc" || params.State != "xyz" {
		t.Fatalf("params = %+v", params)
	}
}

func TestCallbackServerSurfacesDenial(t *testing.T) {
	t.Parallel()

	server := NewCallbackServer(freePort(t))
	if err := server.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = server.Stop(context.Background()) }()

	resp, err := http.Get(server.RedirectURI() + "?error=access_denied")
	if err != nil {
		t.Fatalf("GET callback: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}

	params, err := server.WaitForCallback(time.Second)
	if err != nil {
		t.Fatalf("WaitForCallback: %v", err)
	}
	if params.Error != "access_denied" {
		t.Fatalf("params = %+v", params)
	}
}

// syncBuffer is a threadsafe writer capturing manager prompts.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestLoginSingleStepProtocol(t *testing.T) {
	t.Parallel()

	s := store.NewFileStore(t.TempDir())
	m := NewManager(Options{Store: s, NoBrowser: true, Output: &syncBuffer{}})

	rec, err := m.Login(context.Background(), graphql.Type, "my-graphql", protocol.Credentials{
		graphql.KeyEndpoint:   "https://api.example.com/graphql",
		graphql.KeyAuthMethod: graphql.AuthNone,
	})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if rec.ID == "" || rec.Protocol != graphql.Type || rec.Name != "my-graphql" {
		t.Fatalf("record = %+v", rec)
	}
	if _, err := s.Load(rec.ID); err != nil {
		t.Fatalf("record not persisted: %v", err)
	}
}

func TestLoginRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	m := NewManager(Options{NoBrowser: true})
	_, err := m.Login(context.Background(), graphql.Type, "", protocol.Credentials{})
	if err == nil {
		t.Fatal("expected validation failure")
	}
}

func TestLoginInteractiveRedirectFlow(t *testing.T) {
	t.Parallel()

	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if r.PostForm.Get("grant_type") != "authorization_code" || r.PostForm.Get("code") != "code-1" {
			t.Errorf("unexpected token form: %v", r.PostForm)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"tok-new","refresh_token":"ref-new","expires_in":3600,"token_type":"Bearer"}`))
	}))
	defer tokenSrv.Close()

	port := freePort(t)
	s := store.NewFileStore(t.TempDir())
	out := &syncBuffer{}
	m := NewManager(Options{
		Store:        s,
		CallbackPort: port,
		NoBrowser:    true,
		Output:       out,
	})

	creds := protocol.Credentials{
		oauth.KeyClientID:         "cid",
		oauth.KeyAuthorizationURL: "https://auth.example.com/authorize",
		oauth.KeyTokenURL:         tokenSrv.URL,
		oauth.KeyRedirectURI:      fmt.Sprintf("http://localhost:%d/callback", port),
	}

	type loginResult struct {
		rec *store.Record
		err error
	}
	resultCh := make(chan loginResult, 1)
	go func() {
		rec, err := m.Login(context.Background(), oauth.TypePKCE, "pkce-login", creds)
		resultCh <- loginResult{rec, err}
	}()

	// The manager prints the authorization URL; extract the state from it
	// and simulate the provider redirect.
	var state string
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		printed := out.String()
		if idx := strings.Index(printed, "https://auth.example.com/authorize?"); idx >= 0 {
			line := printed[idx:]
			if end := strings.IndexAny(line, "\n "); end > 0 {
				line = line[:end]
			}
			parsed, err := url.Parse(strings.TrimSpace(line))
			if err == nil {
				state = parsed.Query().Get("state")
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	if state == "" {
		t.Fatalf("authorization URL never printed; output: %q", out.String())
	}

	callbackURL := fmt.Sprintf("http://localhost:%d/callback?code=code-1&state=%s", port, url.QueryEscape(state))
	resp, err := http.Get(callbackURL)
	if err != nil {
		t.Fatalf("simulate provider redirect: %v", err)
	}
	_ = resp.Body.Close()

	select {
	case result := <-resultCh:
		if result.err != nil {
			t.Fatalf("Login: %v", result.err)
		}
		if result.rec.Credentials.Str(oauth.KeyAccessToken) != "tok-new" {
			t.Fatalf("credentials = %v", result.rec.Credentials)
		}
		if result.rec.Credentials.Str(oauth.KeyRefreshToken) != "ref-new" {
			t.Fatalf("credentials = %v", result.rec.Credentials)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("login did not finish")
	}
}

func TestLoginManualPasteFallback(t *testing.T) {
	t.Parallel()

	// Occupy the callback port so the server cannot start and the manager
	// falls back to the manual paste path.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = listener.Close() }()
	port := listener.Addr().(*net.TCPAddr).Port

	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"tok-manual","token_type":"Bearer"}`))
	}))
	defer tokenSrv.Close()

	out := &syncBuffer{}
	input := &delayedStateReader{out: out}
	m := NewManager(Options{
		Store:        store.NewFileStore(t.TempDir()),
		CallbackPort: port,
		NoBrowser:    true,
		Output:       out,
		Input:        input,
	})

	creds := protocol.Credentials{
		oauth.KeyClientID:         "cid",
		oauth.KeyAuthorizationURL: "https://auth.example.com/authorize",
		oauth.KeyTokenURL:         tokenSrv.URL,
		oauth.KeyRedirectURI:      fmt.Sprintf("http://localhost:%d/callback", port),
	}
	rec, err := m.Login(context.Background(), oauth.TypePKCE, "", creds)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if rec.Credentials.Str(oauth.KeyAccessToken) != "tok-manual" {
		t.Fatalf("credentials = %v", rec.Credentials)
	}
}

// delayedStateReader produces a pasted callback URL once the authorization
// URL (and thus the state) shows up in the prompt output.
type delayedStateReader struct {
	out  *syncBuffer
	once sync.Once
	data *strings.Reader
}

func (r *delayedStateReader) Read(p []byte) (int, error) {
	r.once.Do(func() {
		deadline := time.Now().Add(3 * time.Second)
		state := ""
		for time.Now().Before(deadline) && state == "" {
			printed := r.out.String()
			if idx := strings.Index(printed, "https://auth.example.com/authorize?"); idx >= 0 {
				line := printed[idx:]
				if end := strings.IndexAny(line, "\n "); end > 0 {
					line = line[:end]
				}
				if parsed, err := url.Parse(strings.TrimSpace(line)); err == nil {
					state = parsed.Query().Get("state")
				}
			}
			if state == "" {
				time.Sleep(20 * time.Millisecond)
			}
		}
		r.data = strings.NewReader("http://localhost/callback?code=code-2&state=" + url.QueryEscape(state) + "\n")
	})
	return r.data.Read(p)
}
