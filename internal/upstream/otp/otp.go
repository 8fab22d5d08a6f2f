// Package otp retrieves one-time passcodes from a mailbox while an
// interactive login is waiting on its second factor.
package otp

import (
	"context"
	"regexp"
	"time"

	"github.com/meridianlaw/casebridge/internal/shared/errors"
)

// Retriever polls for a passcode until one arrives or the attempt budget is
// spent. since bounds the search to mail received after the login started.
type Retriever interface {
	Fetch(ctx context.Context, since time.Time, attempts int, delay time.Duration) (string, error)
}

// Passcode mails vary in phrasing; these are tried in order, most specific
// first.
var codePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)verification code[^0-9]*(\d{6})`),
	regexp.MustCompile(`(?i)one-time (?:passcode|password|code)[^0-9]*(\d{6})`),
	regexp.MustCompile(`(?i)security code[^0-9]*(\d{6})`),
	regexp.MustCompile(`(?i)\bcode\b[^0-9]*(\d{6})`),
	regexp.MustCompile(`\b(\d{6})\b`),
}

// ExtractCode finds a six-digit passcode in a message body. Returns "" when
// none is present.
func ExtractCode(body string) string {
	for _, p := range codePatterns {
		if m := p.FindStringSubmatch(body); m != nil {
			return m[1]
		}
	}
	return ""
}

// sleep waits for d respecting ctx cancellation.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Static always returns a fixed code. Used in tests.
type Static string

func (s Static) Fetch(context.Context, time.Time, int, time.Duration) (string, error) {
	if s == "" {
		return "", errors.OTPTimeout(0)
	}
	return string(s), nil
}
