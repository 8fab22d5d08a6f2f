package upstream

import (
	"context"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/meridianlaw/casebridge/internal/shared/errors"
)

// upstreamStub is a scriptable fake upstream.
type upstreamStub struct {
	mu       sync.Mutex
	requests []*http.Request
	bodies   [][]byte
	handler  func(n int, w http.ResponseWriter, r *http.Request)
	server   *httptest.Server
}

func newUpstreamStub(t *testing.T, handler func(n int, w http.ResponseWriter, r *http.Request)) *upstreamStub {
	t.Helper()
	s := &upstreamStub{handler: handler}
	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		s.mu.Lock()
		s.requests = append(s.requests, r)
		s.bodies = append(s.bodies, body)
		n := len(s.requests)
		s.mu.Unlock()
		s.handler(n, w, r)
	}))
	t.Cleanup(s.server.Close)
	return s
}

func (s *upstreamStub) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *upstreamStub) request(i int) (*http.Request, []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[i], s.bodies[i]
}

func newTestForwarder(t *testing.T, baseURL string, driver LoginDriver) (*Forwarder, *Authenticator) {
	t.Helper()
	cfg := testUpstreamConfig()
	cfg.BaseURL = baseURL
	auth := NewAuthenticator(cfg, testSettings(), NewMemorySessionStore(), driver, nil, slog.Default())
	return NewForwarder(cfg, auth, nil, slog.Default()), auth
}

func TestForwardRetriesOnceAfterRefresh(t *testing.T) {
	stub := newUpstreamStub(t, func(n int, w http.ResponseWriter, r *http.Request) {
		if n == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	})

	driver := &fakeDriver{result: loginResult()}
	f, _ := newTestForwarder(t, stub.server.URL, driver)

	resp, err := f.Forward(context.Background(), Request{Method: http.MethodGet, Path: "/case/1/"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if stub.count() != 2 {
		t.Errorf("upstream hits = %d, want 2", stub.count())
	}
	// One login to get a session, one refresh after the 401.
	if driver.Calls() != 2 {
		t.Errorf("driver calls = %d, want 2", driver.Calls())
	}
}

func TestForwardGivesUpAfterSecondAuthFailure(t *testing.T) {
	stub := newUpstreamStub(t, func(n int, w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	driver := &fakeDriver{result: loginResult()}
	f, _ := newTestForwarder(t, stub.server.URL, driver)

	_, err := f.Forward(context.Background(), Request{Method: http.MethodGet, Path: "/case/1/"})
	if !errors.Is(err, errors.ErrUpstreamAuthRejected) {
		t.Fatalf("err = %v, want ErrUpstreamAuthRejected", err)
	}
	if stub.count() != 2 {
		t.Errorf("upstream hits = %d, want exactly 2 (no retry loop)", stub.count())
	}
}

func TestForwardDetectsLoginPageOnOK(t *testing.T) {
	stub := newUpstreamStub(t, func(n int, w http.ResponseWriter, r *http.Request) {
		if n == 1 {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			w.Write([]byte(`<html><body class="sign-overlay"><h1>Please Sign In</h1></body></html>`))
			return
		}
		w.Write([]byte(`{"ok":true}`))
	})

	driver := &fakeDriver{result: loginResult()}
	f, auth := newTestForwarder(t, stub.server.URL, driver)

	// Seed a session so the first send goes through without a login.
	if _, err := auth.Refresh(context.Background(), true); err != nil {
		t.Fatal(err)
	}
	calls := driver.Calls()

	resp, err := f.Forward(context.Background(), Request{Method: http.MethodGet, Path: "/dashboard/"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
	// The login page on a 200 means the cookie is dead: a full forced login
	// must run even though a stored session exists.
	if driver.Calls() != calls+1 {
		t.Errorf("driver calls = %d, want %d", driver.Calls(), calls+1)
	}
}

func TestForwardDetectsLoginPageInJSONEnvelope(t *testing.T) {
	stub := newUpstreamStub(t, func(n int, w http.ResponseWriter, r *http.Request) {
		if n == 1 {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"response": "<html><body class=\"sign-overlay\">Please Sign In</body></html>"}`))
			return
		}
		w.Write([]byte(`{"ok":true}`))
	})

	driver := &fakeDriver{result: loginResult()}
	f, auth := newTestForwarder(t, stub.server.URL, driver)

	if _, err := auth.Refresh(context.Background(), true); err != nil {
		t.Fatal(err)
	}
	calls := driver.Calls()

	resp, err := f.Forward(context.Background(), Request{Method: http.MethodGet, Path: "/dashboard/"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
	// The login page hides inside the JSON envelope; it must still trigger
	// a forced login.
	if driver.Calls() != calls+1 {
		t.Errorf("driver calls = %d, want %d", driver.Calls(), calls+1)
	}
}

func TestForwardFormBodyWithoutTokenStillSubmits(t *testing.T) {
	stub := newUpstreamStub(t, func(n int, w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.Header().Set("Content-Type", "text/html")
			w.Write([]byte(`<html><body>tokenless page</body></html>`))
			return
		}
		w.Write([]byte(`ok`))
	})

	// Login yields no csrf token either, so nothing can be injected.
	driver := &fakeDriver{result: &LoginResult{
		Cookies: []Cookie{{Name: "sessionid", Value: "abc"}},
	}}
	f, _ := newTestForwarder(t, stub.server.URL, driver)

	_, err := f.Forward(context.Background(), Request{
		Method: http.MethodPost,
		Path:   "/case/1/update/",
		Body:   FormBody(map[string][]string{"status": {"closed"}}),
	})
	if err != nil {
		t.Fatal(err)
	}

	if stub.count() != 2 {
		t.Fatalf("upstream hits = %d, want GET then POST", stub.count())
	}
	req, body := stub.request(1)
	if req.Method != http.MethodPost {
		t.Errorf("second hit method = %s", req.Method)
	}
	vals, err := url.ParseQuery(string(body))
	if err != nil {
		t.Fatal(err)
	}
	if got := vals.Get("status"); got != "closed" {
		t.Errorf("status = %q", got)
	}
	if vals.Has("csrfmiddlewaretoken") {
		t.Error("no token should be present in the submission")
	}
}

func TestForwardRawBodyPassthrough(t *testing.T) {
	payload := []byte(`{"nested":{"x":[1,2,3]}}`)

	stub := newUpstreamStub(t, func(n int, w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`ok`))
	})

	f, _ := newTestForwarder(t, stub.server.URL, &fakeDriver{result: loginResult()})

	_, err := f.Forward(context.Background(), Request{
		Method: http.MethodPost,
		Path:   "/api/notes/",
		Body:   RawBody(payload, "application/json"),
	})
	if err != nil {
		t.Fatal(err)
	}

	req, body := stub.request(0)
	if string(body) != string(payload) {
		t.Errorf("body altered: %q", body)
	}
	if ct := req.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type = %q", ct)
	}
}

func TestForwardMultipartBoundaryIsGenerated(t *testing.T) {
	stub := newUpstreamStub(t, func(n int, w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`ok`))
	})

	f, _ := newTestForwarder(t, stub.server.URL, &fakeDriver{result: loginResult()})

	_, err := f.Forward(context.Background(), Request{
		Method: http.MethodPost,
		Path:   "/case/1/document/upload-file/",
		Body: MultipartBody(
			map[string][]string{"csrfmiddlewaretoken": {"tok"}, "title": {"contract"}},
			[]FilePart{{Field: "document", Filename: "contract.pdf", Content: []byte("%PDF-1.4")}},
		),
		// A stale caller boundary must not leak through.
		Header: http.Header{"Content-Type": []string{"multipart/form-data; boundary=stale"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	req, body := stub.request(0)
	mediaType, params, err := mime.ParseMediaType(req.Header.Get("Content-Type"))
	if err != nil {
		t.Fatal(err)
	}
	if mediaType != "multipart/form-data" {
		t.Errorf("media type = %q", mediaType)
	}
	if params["boundary"] == "" || params["boundary"] == "stale" {
		t.Errorf("boundary = %q, want a generated one", params["boundary"])
	}

	mr := multipart.NewReader(strings.NewReader(string(body)), params["boundary"])
	form, err := mr.ReadForm(1 << 20)
	if err != nil {
		t.Fatal(err)
	}
	if got := form.Value["title"]; len(got) != 1 || got[0] != "contract" {
		t.Errorf("title = %v", got)
	}
	if len(form.File["document"]) != 1 {
		t.Errorf("document parts = %d", len(form.File["document"]))
	}
}

func TestForwardFormBodyInjectsCSRF(t *testing.T) {
	const formPage = `<html><form>
		<input name="csrfmiddlewaretoken" value="fresh-token">
		<input name="status" value="open">
	</form></html>`

	stub := newUpstreamStub(t, func(n int, w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.Header().Set("Content-Type", "text/html")
			w.Write([]byte(formPage))
			return
		}
		w.Write([]byte(`ok`))
	})

	f, _ := newTestForwarder(t, stub.server.URL, &fakeDriver{result: loginResult()})

	_, err := f.Forward(context.Background(), Request{
		Method: http.MethodPost,
		Path:   "/case/1/update/",
		Body:   FormBody(map[string][]string{"status": {"closed"}}),
	})
	if err != nil {
		t.Fatal(err)
	}

	if stub.count() != 2 {
		t.Fatalf("upstream hits = %d, want GET then POST", stub.count())
	}
	_, body := stub.request(1)
	vals, err := url.ParseQuery(string(body))
	if err != nil {
		t.Fatal(err)
	}
	if got := vals.Get("csrfmiddlewaretoken"); got != "fresh-token" {
		t.Errorf("csrfmiddlewaretoken = %q", got)
	}
	if got := vals.Get("status"); got != "closed" {
		t.Errorf("caller field must win, status = %q", got)
	}
	if got := vals.Get("submitButton"); got != "Submit" {
		t.Errorf("submitButton = %q", got)
	}
}

func TestForwardUnreachableUpstream(t *testing.T) {
	f, _ := newTestForwarder(t, "http://127.0.0.1:1", &fakeDriver{result: loginResult()})

	_, err := f.Forward(context.Background(), Request{Method: http.MethodGet, Path: "/"})
	if !errors.Is(err, errors.ErrUpstreamUnreachable) {
		t.Fatalf("err = %v, want ErrUpstreamUnreachable", err)
	}
}

func TestConcurrentAuthFailuresShareOneRefresh(t *testing.T) {
	var unauthorized atomic.Bool
	unauthorized.Store(true)

	stub := newUpstreamStub(t, func(n int, w http.ResponseWriter, r *http.Request) {
		if unauthorized.Load() {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`ok`))
	})

	driver := &fakeDriver{result: loginResult(), delay: 50 * time.Millisecond}
	f, auth := newTestForwarder(t, stub.server.URL, driver)

	if _, err := auth.Refresh(context.Background(), true); err != nil {
		t.Fatal(err)
	}
	baseline := driver.Calls()

	// Flip the upstream healthy once the refresh storm starts.
	go func() {
		time.Sleep(20 * time.Millisecond)
		unauthorized.Store(false)
	}()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.Forward(context.Background(), Request{Method: http.MethodGet, Path: "/case/1/"})
		}()
	}
	wg.Wait()

	// All eight rejected requests funnel into at most one extra login.
	if extra := driver.Calls() - baseline; extra > 1 {
		t.Errorf("driver calls after storm = %d extra, want at most 1", extra)
	}
}
