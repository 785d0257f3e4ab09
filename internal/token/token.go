// Package token issues the short-lived credentials used to open the
// streaming connection.
//
// Two issuers are provided: [Static] hands out a configured API key, and
// [HTTP] asks a token endpoint (an edge function that verifies the user's
// access token) for an ephemeral one.
package token

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrEmptyToken is returned when an issuer produced no token value.
var ErrEmptyToken = errors.New("token: empty token")

// Token is an ephemeral credential for the remote endpoint.
type Token struct {
	// Value is passed to the endpoint as the key query parameter.
	Value string

	// ExpiresAt is when the token stops being valid. Zero means unknown.
	ExpiresAt time.Time

	// SessionID is an identifier assigned by the issuer, if any.
	SessionID string

	// UserID identifies the user the token was issued to, if known.
	UserID string
}

// Expired reports whether t has expired at now. A zero ExpiresAt never
// expires.
func (t Token) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && !now.Before(t.ExpiresAt)
}

// Issuer issues ephemeral tokens. Implementations must be safe for
// concurrent use.
type Issuer interface {
	IssueEphemeralToken(ctx context.Context) (Token, error)
}

// IssuerFunc adapts a function to [Issuer].
type IssuerFunc func(ctx context.Context) (Token, error)

// IssueEphemeralToken implements [Issuer].
func (f IssuerFunc) IssueEphemeralToken(ctx context.Context) (Token, error) { return f(ctx) }

// IssueError is a failure reported by the token endpoint.
type IssueError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *IssueError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("token: endpoint returned status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("token: %s (status %d): %s", e.Code, e.StatusCode, e.Message)
}
