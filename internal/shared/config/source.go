package config

import (
	"context"
	"os"
	"strings"
)

// Source resolves runtime-tunable settings. Resolution order is fixed:
// an environment variable (the key uppercased) always wins, then the
// settings store, then the supplied default.
type Source interface {
	Get(ctx context.Context, key, def string) string
}

// SettingsReader is the slice of the settings store the Source needs.
type SettingsReader interface {
	Value(ctx context.Context, key string) (string, bool)
}

// Layered is the standard Source implementation.
type Layered struct {
	Settings SettingsReader
}

func NewSource(settings SettingsReader) *Layered {
	return &Layered{Settings: settings}
}

func (l *Layered) Get(ctx context.Context, key, def string) string {
	if v := os.Getenv(strings.ToUpper(key)); v != "" {
		return v
	}
	if l.Settings != nil {
		if v, ok := l.Settings.Value(ctx, key); ok && v != "" {
			return v
		}
	}
	return def
}

// Map is a fixed-value Source for tests and for running without a
// settings store.
type Map map[string]string

func (m Map) Get(_ context.Context, key, def string) string {
	if v, ok := m[key]; ok && v != "" {
		return v
	}
	return def
}
