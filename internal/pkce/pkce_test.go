package pkce

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestGenerateCodeVerifierLengthBounds(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		length  int
		wantErr bool
	}{
		{"minimum length", 43, false},
		{"maximum length", 128, false},
		{"mid range", 64, false},
		{"below minimum", 42, true},
		{"above maximum", 129, true},
		{"zero", 0, true},
		{"negative", -1, true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			verifier, err := GenerateCodeVerifier(tt.length)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for length %d, got verifier %q", tt.length, verifier)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(verifier) != tt.length {
				t.Fatalf("verifier length = %d, want %d", len(verifier), tt.length)
			}
		})
	}
}

func TestGenerateCodeVerifierCharset(t *testing.T) {
	t.Parallel()

	for i := 0; i < 32; i++ {
		verifier, err := GenerateCodeVerifier(MinVerifierLength)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		for _, r := range verifier {
			if !strings.ContainsRune(verifierCharset, r) {
				t.Fatalf("verifier %q contains character %q outside the RFC 7636 charset", verifier, r)
			}
		}
	}
}

func TestGenerateCodeChallengeMatchesSHA256(t *testing.T) {
	t.Parallel()

	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	sum := sha256.Sum256([]byte(verifier))
	want := base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(sum[:])

	got := GenerateCodeChallenge(verifier)
	if got != want {
		t.Fatalf("GenerateCodeChallenge() = %q, want %q", got, want)
	}
	if strings.ContainsAny(got, "+/=") {
		t.Fatalf("challenge %q contains non-url-safe or padding characters", got)
	}
}

func TestVerifyCodeChallenge(t *testing.T) {
	t.Parallel()

	codes, err := GenerateCodes()
	if err != nil {
		t.Fatalf("GenerateCodes: %v", err)
	}

	if !VerifyCodeChallenge(codes.CodeVerifier, codes.CodeChallenge, ChallengeMethodS256) {
		t.Fatal("expected S256 verification to succeed")
	}
	if !VerifyCodeChallenge("abc", "abc", "plain") {
		t.Fatal("expected plain verification to succeed")
	}
	if VerifyCodeChallenge(codes.CodeVerifier, codes.CodeChallenge, "unknown") {
		t.Fatal("expected unknown method to fail")
	}
	if VerifyCodeChallenge(codes.CodeVerifier+"x", codes.CodeChallenge, ChallengeMethodS256) {
		t.Fatal("expected mismatched verifier to fail")
	}
}

func TestValidateStateRoundTrip(t *testing.T) {
	t.Parallel()

	state, err := GenerateState(map[string]any{"platform": "github"})
	if err != nil {
		t.Fatalf("GenerateState: %v", err)
	}

	data, err := ValidateState(state, state, DefaultStateMaxAge)
	if err != nil {
		t.Fatalf("ValidateState: %v", err)
	}
	if data["platform"] != "github" {
		t.Fatalf("custom data = %v, want platform=github", data)
	}
}

func TestValidateStateMismatch(t *testing.T) {
	t.Parallel()

	a, err := GenerateState(nil)
	if err != nil {
		t.Fatalf("GenerateState: %v", err)
	}
	b, err := GenerateState(nil)
	if err != nil {
		t.Fatalf("GenerateState: %v", err)
	}

	if _, err = ValidateState(a, b, DefaultStateMaxAge); err == nil {
		t.Fatal("expected mismatched states to fail")
	}
	if _, err = ValidateState("", a, DefaultStateMaxAge); err == nil {
		t.Fatal("expected empty received state to fail")
	}
}

func TestValidateStateExpiry(t *testing.T) {
	t.Parallel()

	// Construct a state with a timestamp in the past to exercise the age check.
	payload := statePayload{Nonce: "deadbeef", TS: time.Now().Add(-time.Hour).UnixMilli()}
	encoded, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	stale := base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(encoded)

	if _, err = ValidateState(stale, stale, 10*time.Minute); err == nil {
		t.Fatal("expected expired state to fail")
	}
	if _, err = ValidateState(stale, stale, 2*time.Hour); err != nil {
		t.Fatalf("expected state within maxAge to pass, got %v", err)
	}
}
