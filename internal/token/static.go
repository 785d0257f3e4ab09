package token

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// DefaultTTL matches the lifetime the token endpoint grants.
const DefaultTTL = time.Hour

// Static issues a fixed API key. Each call returns a fresh expiry and
// session ID.
type Static struct {
	Key string
	TTL time.Duration

	now func() time.Time
}

var _ Issuer = (*Static)(nil)

// NewStatic returns a Static issuer for key with [DefaultTTL].
func NewStatic(key string) *Static {
	return &Static{Key: key, TTL: DefaultTTL}
}

// IssueEphemeralToken implements [Issuer].
func (s *Static) IssueEphemeralToken(ctx context.Context) (Token, error) {
	if err := ctx.Err(); err != nil {
		return Token{}, err
	}
	if s.Key == "" {
		return Token{}, ErrEmptyToken
	}
	now := time.Now
	if s.now != nil {
		now = s.now
	}
	ttl := s.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return Token{
		Value:     s.Key,
		ExpiresAt: now().Add(ttl),
		SessionID: uuid.NewString(),
	}, nil
}
