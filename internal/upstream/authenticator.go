package upstream

import (
	"context"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/meridianlaw/casebridge/internal/audit"
	"github.com/meridianlaw/casebridge/internal/shared/config"
	"github.com/meridianlaw/casebridge/internal/shared/errors"
	"github.com/meridianlaw/casebridge/internal/shared/metrics"
)

// Settings keys resolved through the config source at refresh time.
const (
	settingUsername      = "upstream_username"
	settingPassword      = "upstream_password"
	settingBaseURL       = "upstream_base_url"
	settingOTPRetryCount = "otp_retry_count"
	settingOTPRetryDelay = "otp_retry_delay"
)

// Authenticator owns the current upstream session. Callers read an immutable
// snapshot via Session() and request replacement via Refresh(); sessions are
// superseded whole, never edited in place.
type Authenticator struct {
	cfg    config.UpstreamConfig
	source config.Source
	store  SessionStore
	driver LoginDriver
	audit  audit.Recorder
	logger *slog.Logger

	current atomic.Pointer[Session]
	group   singleflight.Group

	// now is swappable for tests.
	now func() time.Time
}

func NewAuthenticator(
	cfg config.UpstreamConfig,
	source config.Source,
	store SessionStore,
	driver LoginDriver,
	recorder audit.Recorder,
	logger *slog.Logger,
) *Authenticator {
	if recorder == nil {
		recorder = audit.NopRecorder{}
	}
	return &Authenticator{
		cfg:    cfg,
		source: source,
		store:  store,
		driver: driver,
		audit:  recorder,
		logger: logger,
		now:    time.Now,
	}
}

// Session returns the current session snapshot, or nil when the service has
// never authenticated. The returned value must not be mutated.
func (a *Authenticator) Session() *Session {
	return a.current.Load()
}

// IsAuthenticated reports whether a usable session is held right now.
func (a *Authenticator) IsAuthenticated() bool {
	return a.Session().Usable(a.cfg.IdentityCookie, a.cfg.MaxSessionAge, a.now())
}

// BaseURL resolves the upstream origin, settings store first.
func (a *Authenticator) BaseURL(ctx context.Context) string {
	return a.source.Get(ctx, settingBaseURL, a.cfg.BaseURL)
}

// TryRestore loads the persisted session and adopts it if still usable.
// A stale or missing stored session is not an error.
func (a *Authenticator) TryRestore(ctx context.Context) (bool, error) {
	return a.tryRestore(ctx, nil)
}

// tryRestore adopts the stored session when it is usable and, if newerThan
// is set, strictly newer than it. The newerThan guard keeps a rejected
// session from being restored right back.
func (a *Authenticator) tryRestore(ctx context.Context, newerThan *Session) (bool, error) {
	if a.store == nil {
		return false, nil
	}
	stored, err := a.store.Load(ctx, DefaultSlot)
	if err != nil {
		metrics.RecordSessionRestore(false)
		return false, err
	}
	if !stored.Usable(a.cfg.IdentityCookie, a.cfg.MaxSessionAge, a.now()) {
		metrics.RecordSessionRestore(false)
		return false, nil
	}
	if newerThan != nil && !stored.UpdatedAt.After(newerThan.UpdatedAt) {
		metrics.RecordSessionRestore(false)
		return false, nil
	}

	a.current.Store(stored)
	metrics.RecordSessionRestore(true)
	a.record(ctx, audit.EventSessionRestored, "age "+stored.Age(a.now()).Round(time.Second).String())
	a.logger.Info("restored upstream session from store",
		"age", stored.Age(a.now()).Round(time.Second),
		"cookies", len(stored.Cookies))
	return true, nil
}

// Refresh ensures a usable session is held, performing a fresh login if
// needed. With force=false a restore (from store or the in-memory snapshot)
// short-circuits the login; force=true always runs the full login flow.
// A refresh that fails discards the previously held session. Concurrent
// callers coalesce onto a single in-flight refresh.
func (a *Authenticator) Refresh(ctx context.Context, force bool) (*Session, error) {
	return a.renew(ctx, nil, force)
}

// RefreshAfter replaces a session the upstream just rejected. Unlike
// Refresh, the rejected session never satisfies the request even when it
// still looks usable by age.
func (a *Authenticator) RefreshAfter(ctx context.Context, rejected *Session, force bool) (*Session, error) {
	return a.renew(ctx, rejected, force)
}

func (a *Authenticator) renew(ctx context.Context, rejected *Session, force bool) (*Session, error) {
	usable := func(s *Session) bool {
		return s != rejected && s.Usable(a.cfg.IdentityCookie, a.cfg.MaxSessionAge, a.now())
	}

	if !force && usable(a.Session()) {
		return a.Session(), nil
	}

	before := a.Session()

	v, err, _ := a.group.Do("refresh", func() (interface{}, error) {
		// A refresh that completed while this caller was queued already
		// produced a new session; don't log in again on its heels.
		if cur := a.Session(); cur != before && usable(cur) {
			return cur, nil
		}
		s, err := a.refresh(ctx, rejected, force)
		if err != nil {
			// A failed refresh discards the previous session rather than
			// handing it back to later callers as if it were good.
			a.current.Store(nil)
			return nil, err
		}
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

func (a *Authenticator) refresh(ctx context.Context, rejected *Session, force bool) (*Session, error) {
	if !force {
		restored, err := a.tryRestore(ctx, rejected)
		if err != nil {
			a.logger.Warn("session restore failed, falling back to login", "error", err)
		}
		if restored {
			metrics.RecordAuthRefresh("restore", true)
			return a.Session(), nil
		}
	} else {
		a.record(ctx, audit.EventRefreshForced, "")
	}

	creds, err := a.resolveCredentials(ctx)
	if err != nil {
		metrics.RecordAuthRefresh("login", false)
		return nil, err
	}

	a.record(ctx, audit.EventLoginStarted, creds.Username)
	a.logger.Info("starting upstream login", "username", creds.Username, "base_url", creds.BaseURL)

	loginCtx, cancel := context.WithTimeout(ctx, a.cfg.LoginTimeout)
	defer cancel()

	result, err := a.driver.Login(loginCtx, creds)
	if err != nil {
		metrics.RecordAuthRefresh("login", false)
		a.record(ctx, audit.EventLoginFailed, err.Error())
		if errors.Is(err, errors.ErrOTPTimeout) || errors.Is(err, errors.ErrBrowserLoginFailed) {
			return nil, err
		}
		return nil, errors.BrowserLoginFailed(err)
	}

	session := &Session{
		AccessToken:  result.AccessToken,
		RefreshToken: result.RefreshToken,
		CSRFToken:    result.CSRFToken,
		Cookies:      result.Cookies,
		UpdatedAt:    a.now(),
	}
	if _, ok := session.Cookie(a.cfg.IdentityCookie); !ok {
		metrics.RecordAuthRefresh("login", false)
		a.record(ctx, audit.EventLoginFailed, "no identity cookie in login result")
		return nil, errors.BrowserLoginFailed(errors.ErrUpstreamAuthRejected)
	}
	if session.CSRFToken == "" {
		if v, ok := session.Cookie(a.cfg.CSRFCookie); ok {
			session.CSRFToken = v
		}
	}

	a.current.Store(session)

	if a.store != nil {
		if err := a.store.Save(ctx, DefaultSlot, session); err != nil {
			// The session is live and usable; losing persistence only costs
			// a relogin after the next restart.
			a.logger.Error("failed to persist upstream session", "error", err)
		}
	}

	metrics.RecordAuthRefresh("login", true)
	a.record(ctx, audit.EventLoginSucceeded, strconv.Itoa(len(session.Cookies))+" cookies")
	a.logger.Info("upstream login succeeded",
		"cookies", len(session.Cookies),
		"has_access_token", session.AccessToken != "",
		"has_csrf_token", session.CSRFToken != "")

	return session, nil
}

func (a *Authenticator) resolveCredentials(ctx context.Context) (Credentials, error) {
	username := a.source.Get(ctx, settingUsername, "")
	password := a.source.Get(ctx, settingPassword, "")
	if username == "" || password == "" {
		return Credentials{}, errors.CredentialsUnavailable("upstream_username/upstream_password not configured")
	}

	attempts, err := strconv.Atoi(a.source.Get(ctx, settingOTPRetryCount, "10"))
	if err != nil || attempts <= 0 {
		attempts = 10
	}
	delaySecs, err := strconv.Atoi(a.source.Get(ctx, settingOTPRetryDelay, "5"))
	if err != nil || delaySecs <= 0 {
		delaySecs = 5
	}

	return Credentials{
		Username:    username,
		Password:    password,
		BaseURL:     a.BaseURL(ctx),
		OTPAttempts: attempts,
		OTPDelay:    time.Duration(delaySecs) * time.Second,
	}, nil
}

func (a *Authenticator) record(ctx context.Context, t audit.EventType, detail string) {
	if err := a.audit.Record(ctx, audit.Entry{Type: t, Detail: detail, At: a.now()}); err != nil {
		a.logger.Warn("audit record failed", "event", string(t), "error", err)
	}
}
