package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestWithStatusCodeClassifies(t *testing.T) {
	tests := []struct {
		status    int
		kind      Kind
		retryable bool
	}{
		{500, KindServer, true},
		{503, KindServer, true},
		{404, KindClient, false},
		{429, KindClient, false},
		{401, KindClient, false},
	}
	for _, tt := range tests {
		err := FromStatus("POST /validate", tt.status, "", "")
		if err.Kind != tt.kind {
			t.Errorf("status %d: kind = %s, want %s", tt.status, err.Kind, tt.kind)
		}
		if err.Retryable != tt.retryable {
			t.Errorf("status %d: retryable = %v, want %v", tt.status, err.Retryable, tt.retryable)
		}
		if err.Message == "" {
			t.Errorf("status %d: expected default status text message", tt.status)
		}
	}
}

func TestAPIErrorIsSentinels(t *testing.T) {
	wrapped := fmt.Errorf("activate: %w", FromStatus("POST /activate", 403, "revoked", "License revoked"))
	if !errors.Is(wrapped, ErrClient) {
		t.Fatal("expected ErrClient match")
	}
	if errors.Is(wrapped, ErrServer) {
		t.Fatal("did not expect ErrServer match")
	}

	transport := Transport("GET /status", errors.New("dial tcp: refused"))
	if !errors.Is(transport, ErrTransport) || !IsRetryableError(transport) {
		t.Fatal("transport errors must match ErrTransport and be retryable")
	}

	malformed := Malformed("POST /validate", errors.New("unexpected EOF"))
	if !errors.Is(malformed, ErrMalformedResponse) || IsRetryableError(malformed) {
		t.Fatal("malformed responses are terminal")
	}
	if malformed.Code != CodeJSONDecode {
		t.Fatalf("code = %q, want %q", malformed.Code, CodeJSONDecode)
	}

	if !errors.Is(RateLimited("validate", "k"), ErrRateLimited) {
		t.Fatal("expected ErrRateLimited match")
	}
	if !errors.Is(InsufficientCredits("automation_agents", 60, 50), ErrInsufficientCredits) {
		t.Fatal("expected ErrInsufficientCredits match")
	}
}

func TestAPIErrorUnwrapAndAccessors(t *testing.T) {
	root := errors.New("boom")
	err := Transport("POST /credits/use", root)
	if !errors.Is(err, root) {
		t.Fatal("expected wrapped root error")
	}
	if KindOf(err) != KindTransport {
		t.Fatalf("KindOf = %s", KindOf(err))
	}
	if KindOf(root) != "" {
		t.Fatal("plain errors have no kind")
	}
	if StatusCode(FromStatus("op", 418, "", "")) != 418 {
		t.Fatal("StatusCode did not return status")
	}
	if got := err.Error(); got != "POST /credits/use failed: boom" {
		t.Fatalf("Error() = %q", got)
	}
}

func TestUserMessage(t *testing.T) {
	if UserMessage(nil) != "" {
		t.Fatal("nil error should have empty message")
	}
	if got := UserMessage(FromStatus("op", 400, "expired", "Your license key expired.")); got != "Your license key expired." {
		t.Fatalf("UserMessage = %q", got)
	}
	if got := UserMessage(Transport("op", errors.New("x"))); got == "x" {
		t.Fatal("transport errors should be rephrased for users")
	}
}
