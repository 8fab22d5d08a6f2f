package upstream

import (
	"testing"
	"time"
)

func TestSessionUsable(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		session *Session
		want    bool
	}{
		{
			name:    "nil session",
			session: nil,
			want:    false,
		},
		{
			name: "identity cookie and fresh",
			session: &Session{
				Cookies:   []Cookie{{Name: "sessionid", Value: "abc"}},
				UpdatedAt: now.Add(-1 * time.Hour),
			},
			want: true,
		},
		{
			name: "missing identity cookie",
			session: &Session{
				Cookies:   []Cookie{{Name: "csrftoken", Value: "tok"}},
				UpdatedAt: now.Add(-1 * time.Hour),
			},
			want: false,
		},
		{
			name: "older than max age",
			session: &Session{
				Cookies:   []Cookie{{Name: "sessionid", Value: "abc"}},
				UpdatedAt: now.Add(-25 * time.Hour),
			},
			want: false,
		},
		{
			name: "just under max age",
			session: &Session{
				Cookies:   []Cookie{{Name: "sessionid", Value: "abc"}},
				UpdatedAt: now.Add(-24*time.Hour + time.Minute),
			},
			want: true,
		},
		{
			name: "csrf token alone is not enough",
			session: &Session{
				CSRFToken: "tok",
				UpdatedAt: now,
			},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.session.Usable("sessionid", 24*time.Hour, now)
			if got != tt.want {
				t.Errorf("Usable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCookieHeaderPreservesOrder(t *testing.T) {
	s := &Session{Cookies: []Cookie{
		{Name: "csrftoken", Value: "a"},
		{Name: "sessionid", Value: "b"},
		{Name: "theme", Value: "c"},
	}}

	got := cookieHeader(s)
	want := "csrftoken=a; sessionid=b; theme=c"
	if got != want {
		t.Errorf("cookieHeader() = %q, want %q", got, want)
	}
}

func TestBuildHeaders(t *testing.T) {
	s := &Session{
		AccessToken: "tok",
		CSRFToken:   "csrf",
		Cookies:     []Cookie{{Name: "sessionid", Value: "abc"}},
	}

	h := buildHeaders(s, "https://cases.example.com/")

	if got := h.Get("Authorization"); got != "Bearer tok" {
		t.Errorf("Authorization = %q", got)
	}
	if got := h.Get("X-CSRFToken"); got != "csrf" {
		t.Errorf("X-CSRFToken = %q", got)
	}
	if got := h.Get("Cookie"); got != "sessionid=abc" {
		t.Errorf("Cookie = %q", got)
	}
	if got := h.Get("Referer"); got != "https://cases.example.com/" {
		t.Errorf("Referer = %q", got)
	}

	// No session means no credential headers at all.
	anon := buildHeaders(nil, "https://cases.example.com")
	if anon.Get("Authorization") != "" || anon.Get("Cookie") != "" {
		t.Error("expected no credential headers without a session")
	}
}
