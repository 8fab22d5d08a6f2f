package config

import (
	"context"
	"testing"
)

type fakeSettings map[string]string

func (f fakeSettings) Value(_ context.Context, key string) (string, bool) {
	v, ok := f[key]
	return v, ok
}

func TestSourcePriority(t *testing.T) {
	ctx := context.Background()
	src := NewSource(fakeSettings{
		"upstream_username": "stored-user",
		"otp_retry_count":   "7",
	})

	t.Setenv("UPSTREAM_USERNAME", "env-user")

	if got := src.Get(ctx, "upstream_username", "default-user"); got != "env-user" {
		t.Errorf("Expected env override, got %q", got)
	}

	if got := src.Get(ctx, "otp_retry_count", "10"); got != "7" {
		t.Errorf("Expected stored setting, got %q", got)
	}

	if got := src.Get(ctx, "otp_retry_delay", "5"); got != "5" {
		t.Errorf("Expected default, got %q", got)
	}
}

func TestSourceWithoutSettings(t *testing.T) {
	src := NewSource(nil)
	if got := src.Get(context.Background(), "missing_key", "fallback"); got != "fallback" {
		t.Errorf("Expected fallback, got %q", got)
	}
}

func TestMapSource(t *testing.T) {
	src := Map{"upstream_base_url": "http://localhost:9"}
	if got := src.Get(context.Background(), "upstream_base_url", "x"); got != "http://localhost:9" {
		t.Errorf("Expected map value, got %q", got)
	}
	if got := src.Get(context.Background(), "other", "x"); got != "x" {
		t.Errorf("Expected default, got %q", got)
	}
}
