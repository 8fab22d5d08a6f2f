package upstream

import (
	"context"
	"time"
)

// Credentials carry everything a login driver needs to complete an
// interactive sign-in against the upstream portal.
type Credentials struct {
	Username string
	Password string
	BaseURL  string

	// OTP polling knobs, resolved from settings at refresh time.
	OTPAttempts int
	OTPDelay    time.Duration
}

// LoginResult is what a driver hands back after a successful sign-in.
type LoginResult struct {
	AccessToken  string
	RefreshToken string
	CSRFToken    string
	Cookies      []Cookie
}

// LoginDriver performs a full interactive login against the upstream portal
// and returns the resulting tokens and cookies. Implementations are expected
// to honor ctx cancellation.
type LoginDriver interface {
	Login(ctx context.Context, creds Credentials) (*LoginResult, error)
}
