package dmsync

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Session is the active user's identity for one running client.
type Session struct {
	Identity  string
	Token     string
	ExpiresAt time.Time // zero when the token carries no expiry
}

// Expired reports whether the credential is past its expiry at now.
func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// NewSession builds a session from a stored credential. The token's signature is not
// checked here; the server does that. Identity comes from the "email" claim, then "sub",
// then fallback. An opaque (non-JWT) token is accepted when fallback is set.
func NewSession(token, fallback string) (Session, error) {
	s := Session{Token: token, Identity: strings.TrimSpace(fallback)}
	if token == "" {
		if s.Identity == "" {
			return Session{}, fmt.Errorf("session: no token and no identity")
		}
		return s, nil
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		if s.Identity == "" {
			return Session{}, fmt.Errorf("session: parse token: %w", err)
		}
		return s, nil
	}

	if email, _ := claims["email"].(string); email != "" {
		s.Identity = email
	} else if sub, err := claims.GetSubject(); err == nil && sub != "" {
		s.Identity = sub
	}
	if s.Identity == "" {
		return Session{}, fmt.Errorf("session: token has no identity claim")
	}

	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		s.ExpiresAt = exp.Time
		if s.Expired(time.Now()) {
			return s, ErrSessionExpired
		}
	}
	return s, nil
}
