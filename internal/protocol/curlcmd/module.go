package curlcmd

import (
	"context"
	"fmt"

	"github.com/apirelay/apirelay/internal/protocol"
)

// Type is the protocol identifier of the fallback curl executor.
const Type = "curl-default"

// Credential keys.
const (
	// KeyCommand holds the raw curl command when executed through the
	// generic contract without an explicit body.
	KeyCommand = "command"
)

func init() {
	protocol.Register(Type, func(opts protocol.Options) protocol.Module {
		return NewModule(opts)
	})
}

// Module executes ad-hoc curl commands. Credentials double as the
// placeholder value map: every string credential is available as {{key}} in
// the command text.
type Module struct {
	*protocol.BaseModule
}

// NewModule constructs the curl fallback module.
func NewModule(opts protocol.Options) *Module {
	meta := protocol.Metadata{
		Type:        Type,
		DisplayName: "cURL Command",
		Description: "Executes a curl-style command with placeholder substitution.",
		Version:     "1.0.0",
	}
	optional := []protocol.FieldDefinition{
		{ID: KeyCommand, Label: "Command", Type: protocol.FieldTypeTextarea,
			Placeholder: `curl -X POST "https://api.example.com/x" -H "Authorization: Bearer {{token}}"`},
	}
	return &Module{BaseModule: protocol.NewBaseModule(meta, protocol.Capabilities{}, nil, optional, opts)}
}

// Execute parses the command, substitutes {{key}} placeholders from values,
// and performs the request.
func (m *Module) Execute(ctx context.Context, raw string, values map[string]string) protocol.ExecutionResult {
	substituted := SubstitutePlaceholders(raw, values)
	cmd, err := ParseCommand(substituted)
	if err != nil {
		return protocol.ExecutionResult{Error: err.Error(), ErrorCode: protocol.ErrCodeParse}
	}
	return m.Do(ctx, protocol.ExecutionContext{
		Method:  cmd.Method,
		URL:     cmd.URL,
		Headers: cmd.Headers,
		Body:    []byte(cmd.Body),
	}, protocol.Injection{})
}

// ExecuteRequest adapts the generic contract: the body (or the command
// credential) carries the raw curl text and string credentials feed the
// placeholder map.
func (m *Module) ExecuteRequest(ctx context.Context, execCtx protocol.ExecutionContext) protocol.ExecutionResult {
	raw := string(execCtx.Body)
	if raw == "" {
		raw = execCtx.Credentials.Str(KeyCommand)
	}
	if raw == "" {
		return protocol.ExecutionResult{
			Error:     fmt.Sprintf("no curl command supplied for %s", Type),
			ErrorCode: protocol.ErrCodeConfiguration,
		}
	}
	return m.Execute(ctx, raw, StringValues(execCtx.Credentials))
}

// StringValues extracts the string-typed entries of a credential bag for
// placeholder substitution.
func StringValues(creds protocol.Credentials) map[string]string {
	if len(creds) == 0 {
		return nil
	}
	values := make(map[string]string, len(creds))
	for key, raw := range creds {
		if s, ok := raw.(string); ok {
			values[key] = s
		}
	}
	return values
}
