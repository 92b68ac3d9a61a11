package api

import (
	"net/http/httptest"
	"testing"
)

func TestTokenAuthCreator(t *testing.T) {
	auth, err := NewTokenAuth([]string{"alpha=creator-1", " beta = creator-2 "}, "")
	if err != nil {
		t.Fatalf("NewTokenAuth error: %v", err)
	}

	userID, ok := auth.AuthenticateCreator("alpha")
	if !ok || userID != "creator-1" {
		t.Fatalf("AuthenticateCreator = %q, %v", userID, ok)
	}
	userID, ok = auth.AuthenticateCreator("beta")
	if !ok || userID != "creator-2" {
		t.Fatalf("trimmed pair = %q, %v", userID, ok)
	}
	if _, ok := auth.AuthenticateCreator("gamma"); ok {
		t.Fatal("unknown token authenticated")
	}
	if _, ok := auth.AuthenticateCreator(""); ok {
		t.Fatal("empty token authenticated")
	}
}

func TestTokenAuthRejectsMalformedPairs(t *testing.T) {
	for _, pair := range []string{"no-separator", "=user", "token="} {
		if _, err := NewTokenAuth([]string{pair}, ""); err == nil {
			t.Fatalf("pair %q accepted", pair)
		}
	}
	if _, err := NewTokenAuth([]string{"", "  "}, ""); err != nil {
		t.Fatalf("blank entries should be skipped, got %v", err)
	}
}

func TestTokenAuthProcessor(t *testing.T) {
	auth, err := NewTokenAuth(nil, "proc-secret")
	if err != nil {
		t.Fatalf("NewTokenAuth error: %v", err)
	}
	if !auth.ProcessorEnabled() {
		t.Fatal("processor should be enabled")
	}
	if !auth.AuthorizeProcessor("proc-secret") {
		t.Fatal("valid processor token rejected")
	}
	if auth.AuthorizeProcessor("wrong") || auth.AuthorizeProcessor("") {
		t.Fatal("invalid processor token accepted")
	}

	disabled, err := NewTokenAuth(nil, "")
	if err != nil {
		t.Fatalf("NewTokenAuth error: %v", err)
	}
	if disabled.ProcessorEnabled() || disabled.AuthorizeProcessor("anything") {
		t.Fatal("disabled processor still authorizes")
	}
}

func TestBearerToken(t *testing.T) {
	cases := []struct {
		header string
		want   string
	}{
		{"Bearer abc123", "abc123"},
		{"bearer abc123", "abc123"},
		{"Bearer   padded  ", "padded"},
		{"Basic abc123", ""},
		{"Bearer", ""},
		{"", ""},
	}
	for _, tc := range cases {
		request := httptest.NewRequest("GET", "/", nil)
		if tc.header != "" {
			request.Header.Set("Authorization", tc.header)
		}
		if got := bearerToken(request); got != tc.want {
			t.Fatalf("bearerToken(%q) = %q, want %q", tc.header, got, tc.want)
		}
	}
}
