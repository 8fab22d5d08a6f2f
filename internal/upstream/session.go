// Package upstream implements the authenticated proxy session layer: the
// session lifecycle, the re-authentication state machine, CSRF-aware request
// rewriting and the failure/retry policy for talking to the upstream
// case-management application through its cookie- and CSRF-protected HTML
// interface.
package upstream

import "time"

// Slot names for the session store. A single upstream identity is managed,
// so one slot is enough.
const DefaultSlot = "default"

// Cookie is one cookie captured from the authenticated browser context.
// Order within a Session is preserved.
type Cookie struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Domain string `json:"domain,omitempty"`
	Path   string `json:"path,omitempty"`
}

// Session is the bundle of tokens and cookies that represents one
// authenticated identity with the upstream. Sessions are never mutated after
// installation; a refresh produces a new value.
type Session struct {
	AccessToken  string    `json:"access_token,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	CSRFToken    string    `json:"csrf_token,omitempty"`
	Cookies      []Cookie  `json:"cookies"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Cookie returns the value of the named cookie.
func (s *Session) Cookie(name string) (string, bool) {
	for _, c := range s.Cookies {
		if c.Name == name {
			return c.Value, true
		}
	}
	return "", false
}

// Age returns how long ago the session was captured.
func (s *Session) Age(now time.Time) time.Duration {
	return now.Sub(s.UpdatedAt)
}

// Usable reports whether the session can authenticate requests: it must
// carry the identity cookie and be younger than maxAge. A session with a
// CSRF token but no identity cookie is not usable.
func (s *Session) Usable(identityCookie string, maxAge time.Duration, now time.Time) bool {
	if s == nil {
		return false
	}
	if _, ok := s.Cookie(identityCookie); !ok {
		return false
	}
	return s.Age(now) < maxAge
}
