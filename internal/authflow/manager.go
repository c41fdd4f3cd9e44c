// Package authflow orchestrates interactive logins: it drives a protocol
// module's authentication state machine, hosts the local callback server for
// OAuth redirects, and persists the resulting credentials.
package authflow

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/apirelay/apirelay/internal/browser"
	"github.com/apirelay/apirelay/internal/protocol"
	"github.com/apirelay/apirelay/internal/protocol/oauth"
	"github.com/apirelay/apirelay/internal/store"
)

// callbackWait bounds how long a login waits for the browser redirect.
const callbackWait = 5 * time.Minute

// redirectFlow is satisfied by modules whose authentication detours through
// a provider redirect (the OAuth modules).
type redirectFlow interface {
	protocol.Module
	HandleCallback(params oauth.CallbackParams) protocol.AuthFlowStep
	ExchangeCode(ctx context.Context, creds protocol.Credentials, code string) (protocol.Credentials, error)
}

// Options configures a login manager.
type Options struct {
	// Store persists the credentials a successful login produces.
	Store *store.FileStore
	// ModuleOptions are passed to module construction.
	ModuleOptions protocol.Options
	// CallbackPort is the local port for the OAuth redirect listener.
	CallbackPort int
	// NoBrowser skips opening the authorization URL and prints it instead.
	NoBrowser bool
	// Input supplies the manual callback-URL paste fallback (stdin in the
	// CLI, a scripted reader in tests).
	Input io.Reader
	// Output receives user-facing prompts.
	Output io.Writer
}

// Manager runs interactive logins for registered protocols.
type Manager struct {
	opts Options
}

// NewManager builds a login manager.
func NewManager(opts Options) *Manager {
	if opts.CallbackPort <= 0 {
		opts.CallbackPort = 1455
	}
	return &Manager{opts: opts}
}

func (m *Manager) printf(format string, args ...any) {
	if m.opts.Output != nil {
		fmt.Fprintf(m.opts.Output, format, args...)
	}
}

// Login authenticates against the named protocol with the supplied
// configuration credentials and persists the result. For redirect-based
// protocols it hosts the local callback server and opens the browser.
func (m *Manager) Login(ctx context.Context, protocolType, name string, creds protocol.Credentials) (*store.Record, error) {
	module, err := protocol.New(protocolType, m.opts.ModuleOptions)
	if err != nil {
		return nil, err
	}

	step := module.Authenticate(ctx, creds, 1)
	switch step.Type {
	case protocol.StepError:
		return nil, fmt.Errorf("authflow: %s", step.Error)
	case protocol.StepComplete:
		return m.persist(protocolType, name, creds)
	case protocol.StepRedirect:
		flow, ok := module.(redirectFlow)
		if !ok {
			return nil, fmt.Errorf("authflow: %s returned a redirect step but does not handle callbacks", protocolType)
		}
		return m.loginWithRedirect(ctx, flow, protocolType, name, creds, step)
	default:
		return nil, fmt.Errorf("authflow: unsupported first step %q for %s", step.Type, protocolType)
	}
}

func (m *Manager) loginWithRedirect(ctx context.Context, flow redirectFlow, protocolType, name string, creds protocol.Credentials, step protocol.AuthFlowStep) (*store.Record, error) {
	authURL, _ := step.Data["authorizationUrl"].(string)
	if authURL == "" {
		return nil, fmt.Errorf("authflow: redirect step carried no authorization URL")
	}

	params, err := m.awaitAuthorization(ctx, authURL)
	if err != nil {
		return nil, err
	}

	callback := flow.HandleCallback(*params)
	if callback.Type == protocol.StepError {
		return nil, fmt.Errorf("authflow: %s", callback.Error)
	}
	code, _ := callback.Data["code"].(string)
	if code == "" {
		return nil, fmt.Errorf("authflow: callback step carried no authorization code")
	}

	delta, err := flow.ExchangeCode(ctx, creds, code)
	if err != nil {
		return nil, fmt.Errorf("authflow: token exchange failed: %w", err)
	}
	return m.persist(protocolType, name, creds.Merge(delta))
}

// awaitAuthorization opens the authorization URL and collects the provider
// redirect, falling back to a manual URL paste when no local listener can
// run or the browser never comes back.
func (m *Manager) awaitAuthorization(ctx context.Context, authURL string) (*oauth.CallbackParams, error) {
	server := NewCallbackServer(m.opts.CallbackPort)
	listening := true
	if err := server.Start(); err != nil {
		log.Warnf("authflow: callback server unavailable, falling back to manual paste: %v", err)
		listening = false
	}
	if listening {
		defer func() {
			if errStop := server.Stop(ctx); errStop != nil {
				log.Debugf("authflow: stop callback server failed: %v", errStop)
			}
		}()
	}

	m.printf("Open the following URL to authorize access:\n\n  %s\n\n", authURL)
	if !m.opts.NoBrowser && browser.IsAvailable() {
		if err := browser.OpenURL(authURL); err != nil {
			log.Warnf("authflow: open browser failed: %v", err)
		}
	}

	if listening {
		params, err := server.WaitForCallback(callbackWait)
		if err == nil {
			return &params, nil
		}
		log.Warnf("authflow: callback wait failed: %v", err)
	}

	return m.promptCallbackURL()
}

func (m *Manager) promptCallbackURL() (*oauth.CallbackParams, error) {
	if m.opts.Input == nil {
		return nil, fmt.Errorf("authflow: no callback received and no input available for manual paste")
	}
	m.printf("Paste the full callback URL from your browser: ")
	scanner := bufio.NewScanner(m.opts.Input)
	if !scanner.Scan() {
		return nil, fmt.Errorf("authflow: no callback URL entered")
	}
	params, err := ParseCallbackURL(scanner.Text())
	if err != nil {
		return nil, err
	}
	if params == nil {
		return nil, fmt.Errorf("authflow: no callback URL entered")
	}
	return params, nil
}

func (m *Manager) persist(protocolType, name string, creds protocol.Credentials) (*store.Record, error) {
	rec := &store.Record{
		Name:        strings.TrimSpace(name),
		Protocol:    protocolType,
		Credentials: creds,
	}
	if m.opts.Store == nil {
		return rec, nil
	}
	if err := m.opts.Store.Save(rec); err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{"protocol": protocolType, "credential": rec.ID}).Info("login complete, credentials saved")
	return rec, nil
}
