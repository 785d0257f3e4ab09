package token_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/MrWong99/voicelink/internal/token"
)

func userToken(tok string) oauth2.TokenSource {
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: tok, TokenType: "Bearer"})
}

func TestHTTP_IssueEphemeralToken(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer user-access" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.Header.Get("apikey"); got != "anon-key" {
			t.Errorf("apikey = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{"token":"eph-123","userId":"u1","expiresAt":"2026-01-02T03:04:05.678Z","sessionId":"s1"}}`))
	}))
	t.Cleanup(srv.Close)

	iss := token.NewHTTP(srv.URL, userToken("user-access"), token.WithAPIKey("anon-key"))
	tok, err := iss.IssueEphemeralToken(context.Background())
	if err != nil {
		t.Fatalf("IssueEphemeralToken: %v", err)
	}
	if tok.Value != "eph-123" || tok.SessionID != "s1" || tok.UserID != "u1" {
		t.Errorf("token = %+v", tok)
	}
	want := time.Date(2026, 1, 2, 3, 4, 5, 678000000, time.UTC)
	if !tok.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", tok.ExpiresAt, want)
	}
}

func TestHTTP_WithoutUserToken(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "" {
			t.Errorf("Authorization = %q, want none", got)
		}
		_, _ = w.Write([]byte(`{"data":{"token":"eph-456"}}`))
	}))
	t.Cleanup(srv.Close)

	tok, err := token.NewHTTP(srv.URL, nil).IssueEphemeralToken(context.Background())
	if err != nil {
		t.Fatalf("IssueEphemeralToken: %v", err)
	}
	if tok.Value != "eph-456" {
		t.Errorf("Value = %q, want %q", tok.Value, "eph-456")
	}
	if http.DefaultClient.Timeout != 0 {
		t.Errorf("http.DefaultClient.Timeout = %s; NewHTTP must not modify it", http.DefaultClient.Timeout)
	}
}

func TestHTTP_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		status   int
		body     string
		wantCode string
		wantErr  error
	}{
		{
			name:     "endpoint error envelope",
			status:   http.StatusInternalServerError,
			body:     `{"error":{"code":"TOKEN_GENERATION_FAILED","message":"Invalid user token"}}`,
			wantCode: "TOKEN_GENERATION_FAILED",
		},
		{
			name:   "non-json failure",
			status: http.StatusBadGateway,
			body:   `upstream down`,
		},
		{
			name:    "empty token",
			status:  http.StatusOK,
			body:    `{"data":{"token":""}}`,
			wantErr: token.ErrEmptyToken,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			t.Cleanup(srv.Close)

			_, err := token.NewHTTP(srv.URL, userToken("x")).IssueEphemeralToken(context.Background())
			if err == nil {
				t.Fatal("expected error")
			}
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Errorf("err = %v, want %v", err, tc.wantErr)
				}
				return
			}
			var ie *token.IssueError
			if !errors.As(err, &ie) {
				t.Fatalf("err = %v, want *IssueError", err)
			}
			if ie.StatusCode != tc.status || ie.Code != tc.wantCode {
				t.Errorf("IssueError = %+v", ie)
			}
		})
	}
}

func TestStatic(t *testing.T) {
	t.Parallel()

	s := token.NewStatic("api-key")
	a, err := s.IssueEphemeralToken(context.Background())
	if err != nil {
		t.Fatalf("IssueEphemeralToken: %v", err)
	}
	b, _ := s.IssueEphemeralToken(context.Background())
	if a.Value != "api-key" {
		t.Errorf("Value = %q", a.Value)
	}
	if a.SessionID == "" || a.SessionID == b.SessionID {
		t.Errorf("session IDs not unique: %q %q", a.SessionID, b.SessionID)
	}
	if a.Expired(time.Now()) || !a.Expired(time.Now().Add(2*token.DefaultTTL)) {
		t.Error("expiry does not follow DefaultTTL")
	}

	if _, err := token.NewStatic("").IssueEphemeralToken(context.Background()); !errors.Is(err, token.ErrEmptyToken) {
		t.Errorf("empty key err = %v", err)
	}
}

func TestToken_ZeroExpiryNeverExpires(t *testing.T) {
	t.Parallel()
	if (token.Token{Value: "x"}).Expired(time.Now().Add(100 * 365 * 24 * time.Hour)) {
		t.Error("zero ExpiresAt reported as expired")
	}
}
