package upstream

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/meridianlaw/casebridge/internal/shared/config"
	"github.com/meridianlaw/casebridge/internal/shared/errors"
	"github.com/meridianlaw/casebridge/internal/upstream/otp"
)

func testUpstreamConfig() config.UpstreamConfig {
	return config.UpstreamConfig{
		BaseURL:              "https://cases.example.com",
		IdentityCookie:       "sessionid",
		CSRFCookie:           "csrftoken",
		CSRFField:            "csrfmiddlewaretoken",
		MaxSessionAge:        24 * time.Hour,
		RequestTimeout:       5 * time.Second,
		LoginTimeout:         time.Minute,
		MaxRequestsPerSecond: 100,
	}
}

func testSettings() config.Map {
	return config.Map{
		"upstream_username": "user@example.com",
		"upstream_password": "secret",
	}
}

// fakeDriver counts invocations and hands back a canned result.
type fakeDriver struct {
	mu     sync.Mutex
	calls  int
	result *LoginResult
	err    error
	delay  time.Duration
}

func (d *fakeDriver) Login(ctx context.Context, _ Credentials) (*LoginResult, error) {
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()
	if d.delay > 0 {
		select {
		case <-time.After(d.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if d.err != nil {
		return nil, d.err
	}
	return d.result, nil
}

func (d *fakeDriver) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func loginResult() *LoginResult {
	return &LoginResult{
		AccessToken: "access",
		CSRFToken:   "csrf",
		Cookies: []Cookie{
			{Name: "sessionid", Value: "fresh"},
			{Name: "csrftoken", Value: "csrf"},
		},
	}
}

func newTestAuthenticator(t *testing.T, store SessionStore, driver LoginDriver) *Authenticator {
	t.Helper()
	return NewAuthenticator(testUpstreamConfig(), testSettings(), store, driver, nil, slog.Default())
}

func TestTryRestoreAdoptsFreshSession(t *testing.T) {
	store := NewMemorySessionStore()
	stored := &Session{
		Cookies:   []Cookie{{Name: "sessionid", Value: "stored"}},
		UpdatedAt: time.Now().Add(-time.Hour),
	}
	if err := store.Save(context.Background(), DefaultSlot, stored); err != nil {
		t.Fatal(err)
	}

	driver := &fakeDriver{result: loginResult()}
	auth := newTestAuthenticator(t, store, driver)

	restored, err := auth.TryRestore(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !restored {
		t.Fatal("expected restore to succeed")
	}
	if v, _ := auth.Session().Cookie("sessionid"); v != "stored" {
		t.Errorf("adopted wrong session, sessionid = %q", v)
	}
	if driver.Calls() != 0 {
		t.Errorf("restore must not invoke the login driver, got %d calls", driver.Calls())
	}
}

func TestTryRestoreRejectsStaleSession(t *testing.T) {
	store := NewMemorySessionStore()
	stale := &Session{
		Cookies:   []Cookie{{Name: "sessionid", Value: "old"}},
		UpdatedAt: time.Now().Add(-25 * time.Hour),
	}
	if err := store.Save(context.Background(), DefaultSlot, stale); err != nil {
		t.Fatal(err)
	}

	auth := newTestAuthenticator(t, store, &fakeDriver{result: loginResult()})

	restored, err := auth.TryRestore(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if restored {
		t.Fatal("stale session must not be restored")
	}
	if auth.Session() != nil {
		t.Fatal("no session should be installed")
	}
}

func TestRefreshLogsInAndPersistsOnce(t *testing.T) {
	store := NewMemorySessionStore()
	driver := &fakeDriver{result: loginResult()}
	auth := newTestAuthenticator(t, store, driver)

	s, err := auth.Refresh(context.Background(), false)
	if err != nil {
		t.Fatal(err)
	}
	if v, _ := s.Cookie("sessionid"); v != "fresh" {
		t.Errorf("sessionid = %q", v)
	}
	if driver.Calls() != 1 {
		t.Errorf("driver calls = %d, want 1", driver.Calls())
	}
	if store.Saves() != 1 {
		t.Errorf("store saves = %d, want 1", store.Saves())
	}

	// A second non-forced refresh reuses the live session.
	if _, err := auth.Refresh(context.Background(), false); err != nil {
		t.Fatal(err)
	}
	if driver.Calls() != 1 {
		t.Errorf("driver calls after reuse = %d, want 1", driver.Calls())
	}
}

func TestRefreshForceAlwaysLogsIn(t *testing.T) {
	store := NewMemorySessionStore()
	stored := &Session{
		Cookies:   []Cookie{{Name: "sessionid", Value: "stored"}},
		UpdatedAt: time.Now(),
	}
	if err := store.Save(context.Background(), DefaultSlot, stored); err != nil {
		t.Fatal(err)
	}

	driver := &fakeDriver{result: loginResult()}
	auth := newTestAuthenticator(t, store, driver)

	s, err := auth.Refresh(context.Background(), true)
	if err != nil {
		t.Fatal(err)
	}
	if v, _ := s.Cookie("sessionid"); v != "fresh" {
		t.Errorf("force refresh must replace the session, sessionid = %q", v)
	}
	if driver.Calls() != 1 {
		t.Errorf("driver calls = %d, want 1", driver.Calls())
	}
}

func TestRefreshWithoutCredentials(t *testing.T) {
	auth := NewAuthenticator(testUpstreamConfig(), config.Map{}, NewMemorySessionStore(),
		&fakeDriver{result: loginResult()}, nil, slog.Default())

	_, err := auth.Refresh(context.Background(), true)
	if !errors.Is(err, errors.ErrCredentialsUnavailable) {
		t.Fatalf("err = %v, want ErrCredentialsUnavailable", err)
	}
}

func TestRefreshRejectsResultWithoutIdentityCookie(t *testing.T) {
	driver := &fakeDriver{result: &LoginResult{
		AccessToken: "access",
		Cookies:     []Cookie{{Name: "csrftoken", Value: "csrf"}},
	}}
	auth := newTestAuthenticator(t, NewMemorySessionStore(), driver)

	_, err := auth.Refresh(context.Background(), true)
	if !errors.Is(err, errors.ErrBrowserLoginFailed) {
		t.Fatalf("err = %v, want ErrBrowserLoginFailed", err)
	}
	if auth.Session() != nil {
		t.Fatal("no session should be installed")
	}
}

func TestFailedRefreshDiscardsSession(t *testing.T) {
	driver := &fakeDriver{result: loginResult()}
	auth := newTestAuthenticator(t, NewMemorySessionStore(), driver)

	if _, err := auth.Refresh(context.Background(), true); err != nil {
		t.Fatal(err)
	}
	if !auth.IsAuthenticated() {
		t.Fatal("expected a usable session after login")
	}

	driver.mu.Lock()
	driver.err = errors.ErrBrowserLoginFailed
	driver.mu.Unlock()

	if _, err := auth.Refresh(context.Background(), true); !errors.Is(err, errors.ErrBrowserLoginFailed) {
		t.Fatalf("err = %v, want ErrBrowserLoginFailed", err)
	}
	if auth.Session() != nil {
		t.Error("failed refresh must discard the previous session")
	}
	if auth.IsAuthenticated() {
		t.Error("no session should be reported after a failed refresh")
	}
}

// passcodeDriver simulates the interactive login: it polls a retriever for
// the second factor before producing a session.
type passcodeDriver struct {
	fakeDriver
	retriever otp.Retriever
}

func (d *passcodeDriver) Login(ctx context.Context, creds Credentials) (*LoginResult, error) {
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()
	if _, err := d.retriever.Fetch(ctx, time.Now(), creds.OTPAttempts, creds.OTPDelay); err != nil {
		return nil, err
	}
	return d.result, nil
}

// slowMailbox delivers the passcode on the nth poll.
type slowMailbox struct {
	arrivesOn int
	polls     int
}

func (m *slowMailbox) Fetch(ctx context.Context, _ time.Time, attempts int, _ time.Duration) (string, error) {
	for i := 1; i <= attempts; i++ {
		m.polls++
		if m.polls >= m.arrivesOn {
			return "123456", nil
		}
	}
	return "", errors.OTPTimeout(attempts)
}

func TestLoginWaitsForPasscode(t *testing.T) {
	store := NewMemorySessionStore()
	mailbox := &slowMailbox{arrivesOn: 3}
	driver := &passcodeDriver{fakeDriver: fakeDriver{result: loginResult()}, retriever: mailbox}
	auth := newTestAuthenticator(t, store, driver)

	if _, err := auth.Refresh(context.Background(), false); err != nil {
		t.Fatal(err)
	}

	if mailbox.polls != 3 {
		t.Errorf("mailbox polls = %d, want 3", mailbox.polls)
	}
	if store.Saves() != 1 {
		t.Errorf("store saves = %d, want exactly 1", store.Saves())
	}
	if !auth.IsAuthenticated() {
		t.Error("expected a usable session after login")
	}
}

func TestLoginFailsWhenPasscodeNeverArrives(t *testing.T) {
	driver := &passcodeDriver{
		fakeDriver: fakeDriver{result: loginResult()},
		retriever:  &slowMailbox{arrivesOn: 100},
	}
	store := NewMemorySessionStore()
	auth := newTestAuthenticator(t, store, driver)

	_, err := auth.Refresh(context.Background(), false)
	if !errors.Is(err, errors.ErrOTPTimeout) {
		t.Fatalf("err = %v, want ErrOTPTimeout", err)
	}
	if store.Saves() != 0 {
		t.Errorf("store saves = %d, want 0 on failed login", store.Saves())
	}
}

func TestConcurrentRefreshCoalesces(t *testing.T) {
	driver := &fakeDriver{result: loginResult(), delay: 50 * time.Millisecond}
	auth := newTestAuthenticator(t, NewMemorySessionStore(), driver)

	var wg sync.WaitGroup
	var failures atomic.Int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := auth.Refresh(context.Background(), true); err != nil {
				failures.Add(1)
			}
		}()
	}
	wg.Wait()

	if failures.Load() != 0 {
		t.Fatalf("%d refreshes failed", failures.Load())
	}
	if driver.Calls() != 1 {
		t.Errorf("driver calls = %d, want 1 for coalesced refresh", driver.Calls())
	}
}

func TestSessionSnapshotIsReplacedNotMutated(t *testing.T) {
	driver := &fakeDriver{result: loginResult()}
	auth := newTestAuthenticator(t, NewMemorySessionStore(), driver)

	first, err := auth.Refresh(context.Background(), true)
	if err != nil {
		t.Fatal(err)
	}

	driver.mu.Lock()
	driver.result = &LoginResult{
		AccessToken: "access2",
		Cookies:     []Cookie{{Name: "sessionid", Value: "second"}},
	}
	driver.mu.Unlock()

	second, err := auth.Refresh(context.Background(), true)
	if err != nil {
		t.Fatal(err)
	}

	if first == second {
		t.Fatal("refresh must produce a new session value")
	}
	if v, _ := first.Cookie("sessionid"); v != "fresh" {
		t.Errorf("old snapshot mutated, sessionid = %q", v)
	}
	if v, _ := second.Cookie("sessionid"); v != "second" {
		t.Errorf("new snapshot sessionid = %q", v)
	}
}
