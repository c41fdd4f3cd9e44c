// Package curlcmd parses curl-style command strings and executes them as a
// fallback protocol. The parser is deliberately line-oriented and
// best-effort: it recognizes -X/--request, -H/--header, and
// -d/--data/--data-raw with single- or double-quoted values. Escaped or
// nested quotes, multiple body flags, and --data-binary are out of scope.
package curlcmd

import (
	"fmt"
	"strings"
)

// Command is the parsed shape of a curl invocation.
type Command struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

// ParseCommand parses a curl command string. The method defaults to GET, or
// POST when a body flag is present without an explicit method.
func ParseCommand(raw string) (*Command, error) {
	folded := foldContinuations(raw)
	tokens, err := tokenize(folded)
	if err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("curlcmd: empty command")
	}

	cmd := &Command{Headers: map[string]string{}}
	explicitMethod := false
	hasBody := false

	for i := 0; i < len(tokens); i++ {
		token := tokens[i]
		switch {
		case token == "-X" || token == "--request":
			if i+1 >= len(tokens) {
				return nil, fmt.Errorf("curlcmd: %s requires a value", token)
			}
			i++
			cmd.Method = strings.ToUpper(tokens[i])
			explicitMethod = true
		case token == "-H" || token == "--header":
			if i+1 >= len(tokens) {
				return nil, fmt.Errorf("curlcmd: %s requires a value", token)
			}
			i++
			name, value, ok := strings.Cut(tokens[i], ":")
			if !ok {
				return nil, fmt.Errorf("curlcmd: malformed header %q", tokens[i])
			}
			cmd.Headers[strings.TrimSpace(name)] = strings.TrimSpace(value)
		case token == "-d" || token == "--data" || token == "--data-raw":
			if i+1 >= len(tokens) {
				return nil, fmt.Errorf("curlcmd: %s requires a value", token)
			}
			i++
			cmd.Body = tokens[i]
			hasBody = true
		case cmd.URL == "" && (strings.HasPrefix(token, "http://") || strings.HasPrefix(token, "https://")):
			cmd.URL = token
		}
	}

	if cmd.URL == "" {
		return nil, fmt.Errorf("curlcmd: no http(s) url found in command")
	}
	if !explicitMethod {
		if hasBody {
			cmd.Method = "POST"
		} else {
			cmd.Method = "GET"
		}
	}
	if len(cmd.Headers) == 0 {
		cmd.Headers = nil
	}
	return cmd, nil
}

// foldContinuations joins backslash-newline continuations into one line.
func foldContinuations(raw string) string {
	raw = strings.ReplaceAll(raw, "\\\r\n", " ")
	raw = strings.ReplaceAll(raw, "\\\n", " ")
	return strings.TrimSpace(raw)
}

// tokenize splits on whitespace while keeping single- or double-quoted runs
// intact. Quote characters are stripped from the resulting token.
func tokenize(line string) ([]string, error) {
	var tokens []string
	var current strings.Builder
	var quote rune
	inToken := false

	flush := func() {
		if inToken {
			tokens = append(tokens, current.String())
			current.Reset()
			inToken = false
		}
	}

	for _, r := range line {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				current.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
			inToken = true
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			flush()
		default:
			current.WriteRune(r)
			inToken = true
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("curlcmd: unterminated %c-quoted string", quote)
	}
	flush()
	return tokens, nil
}

// SubstitutePlaceholders replaces every {{key}} occurrence with its value.
// Unresolved placeholders are left intact.
func SubstitutePlaceholders(raw string, values map[string]string) string {
	if len(values) == 0 {
		return raw
	}
	out := raw
	for key, value := range values {
		out = strings.ReplaceAll(out, "{{"+key+"}}", value)
	}
	return out
}
