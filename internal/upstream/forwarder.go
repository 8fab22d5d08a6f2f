package upstream

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/meridianlaw/casebridge/internal/audit"
	"github.com/meridianlaw/casebridge/internal/shared/config"
	"github.com/meridianlaw/casebridge/internal/shared/errors"
	"github.com/meridianlaw/casebridge/internal/shared/metrics"
)

// Request is one call to forward to the upstream.
type Request struct {
	Method string
	// Path is the upstream path, leading slash included.
	Path  string
	Query url.Values
	Body  Body
	// Header carries extra caller headers layered over the session headers.
	// Hop-by-hop and session-managed headers here are ignored.
	Header http.Header
}

// Response is the upstream's reply, body fully read.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// ContentType returns the response Content-Type header.
func (r *Response) ContentType() string {
	return r.Header.Get("Content-Type")
}

// LoginDetector reports whether a 200 response is actually the upstream
// login page, which means the session was silently invalidated. The body is
// unwrapped first, so an envelope-wrapped login page is seen as HTML.
type LoginDetector func(status int, header http.Header, body []byte) bool

// DefaultLoginDetector matches the markers the upstream login page carries.
func DefaultLoginDetector(status int, header http.Header, body []byte) bool {
	lower := strings.ToLower(string(body))
	return strings.Contains(lower, "please sign in") || strings.Contains(lower, "sign-overlay")
}

// headers the session layer owns; caller-supplied values for these are
// dropped rather than forwarded so the browser profile stays consistent.
var managedHeaders = map[string]struct{}{
	"Authorization":          {},
	"Cookie":                 {},
	"X-Csrftoken":            {},
	"Host":                   {},
	"Content-Length":         {},
	"Content-Type":           {},
	"Connection":             {},
	"Accept-Encoding":        {},
	"User-Agent":             {},
	"Referer":                {},
	"Origin":                 {},
	"Accept":                 {},
	"Accept-Language":        {},
	"X-Requested-With":       {},
	"X-Http-Method-Override": {},
}

// Forwarder sends requests to the upstream on behalf of the caller,
// attaching session state, rate limiting, CSRF injection and the
// one-retry-after-refresh policy.
type Forwarder struct {
	cfg      config.UpstreamConfig
	auth     *Authenticator
	client   *http.Client
	limiter  *rate.Limiter
	detector LoginDetector
	logger   *slog.Logger
	recorder audit.Recorder

	// Injector scrapes CSRF tokens out of upstream forms; it calls back
	// into this forwarder for its GETs.
	Injector *FormInjector
}

func NewForwarder(
	cfg config.UpstreamConfig,
	auth *Authenticator,
	recorder audit.Recorder,
	logger *slog.Logger,
) *Forwarder {
	if recorder == nil {
		recorder = audit.NopRecorder{}
	}
	f := &Forwarder{
		cfg:  cfg,
		auth: auth,
		client: &http.Client{
			Timeout: cfg.RequestTimeout,
			// The session layer manages cookies explicitly; following
			// redirects would hide login redirects from the detector.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		limiter:  rate.NewLimiter(rate.Limit(cfg.MaxRequestsPerSecond), cfg.MaxRequestsPerSecond),
		detector: DefaultLoginDetector,
		logger:   logger,
		recorder: recorder,
	}
	f.Injector = NewFormInjector(cfg, f, auth, logger)
	return f
}

// SetLoginDetector replaces the login-page heuristic. Used in tests.
func (f *Forwarder) SetLoginDetector(d LoginDetector) {
	f.detector = d
}

// IsAuthenticated reports whether a usable session is currently held.
func (f *Forwarder) IsAuthenticated() bool {
	return f.auth.IsAuthenticated()
}

// Authenticate forces a fresh login regardless of current session state.
func (f *Forwarder) Authenticate(ctx context.Context) (*Session, error) {
	return f.auth.Refresh(ctx, true)
}

// Forward sends the request, refreshing the session and retrying exactly
// once if the upstream rejects authentication.
func (f *Forwarder) Forward(ctx context.Context, req Request) (*Response, error) {
	if _, err := f.auth.Refresh(ctx, false); err != nil {
		return nil, err
	}

	body := req.Body
	if f.needsCSRF(req) {
		merged, err := f.Injector.Inject(ctx, req.Path, body.Fields())
		if err != nil {
			return nil, err
		}
		body = body.withFields(merged)
	}
	req.Body = body

	used := f.auth.Session()
	resp, err := f.send(ctx, req)
	if err != nil {
		return nil, err
	}

	force, failed := f.authFailure(resp)
	if !failed {
		return resp, nil
	}

	f.logger.Warn("upstream rejected authentication, refreshing",
		"method", req.Method, "path", req.Path, "status", resp.StatusCode, "force", force)
	f.record(ctx, audit.EventUpstreamAuthRejected, req.Method+" "+req.Path)

	if _, err := f.auth.RefreshAfter(ctx, used, force); err != nil {
		return nil, err
	}

	metrics.RecordUpstreamRetry()
	resp, err = f.send(ctx, req)
	if err != nil {
		return nil, err
	}
	if _, failed := f.authFailure(resp); failed {
		return nil, errors.UpstreamAuthRejected("upstream rejected authentication after refresh")
	}
	return resp, nil
}

// send performs one upstream HTTP attempt. Headers and body are built fresh
// per call so a retry after refresh uses the new session.
func (f *Forwarder) send(ctx context.Context, req Request) (*Response, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	target := strings.TrimRight(f.auth.BaseURL(ctx), "/") + req.Path
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}

	reader, contentType, err := req.Body.encode()
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, reader)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build upstream request")
	}

	httpReq.Header = buildHeaders(f.auth.Session(), f.auth.BaseURL(ctx))
	for name, vals := range req.Header {
		canonical := http.CanonicalHeaderKey(name)
		if _, managed := managedHeaders[canonical]; managed {
			continue
		}
		if strings.HasPrefix(canonical, "Sec-") {
			continue
		}
		for _, v := range vals {
			httpReq.Header.Add(name, v)
		}
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}

	start := time.Now()
	httpResp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, errors.UpstreamUnreachable(err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, errors.UpstreamUnreachable(err)
	}

	metrics.RecordUpstreamRequest(req.Method, httpResp.StatusCode, time.Since(start))
	f.logger.Debug("forwarded upstream request",
		"method", req.Method, "path", req.Path,
		"status", httpResp.StatusCode, "duration", time.Since(start).Round(time.Millisecond))

	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       data,
	}, nil
}

// authFailure classifies a response as an authentication failure. An
// explicit 401/403 means the tokens expired and a restored or stored session
// may still help (force=false); a 200 that renders the login page means the
// identity cookie itself is dead and only a full login helps (force=true).
func (f *Forwarder) authFailure(resp *Response) (force, failed bool) {
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return false, true
	case resp.StatusCode == http.StatusOK &&
		f.detector(resp.StatusCode, resp.Header, UnwrapHTML(resp.Body, resp.ContentType())):
		return true, true
	}
	return false, false
}

// needsCSRF reports whether the request must carry the anti-forgery field
// and does not yet.
func (f *Forwarder) needsCSRF(req Request) bool {
	if req.Method != http.MethodPost && req.Method != http.MethodPut &&
		req.Method != http.MethodPatch && req.Method != http.MethodDelete {
		return false
	}
	enc := req.Body.Encoding()
	if enc != EncodingForm && enc != EncodingMultipart {
		return false
	}
	fields := req.Body.Fields()
	if fields == nil {
		return true
	}
	_, has := fields[f.cfg.CSRFField]
	return !has
}

func (f *Forwarder) record(ctx context.Context, t audit.EventType, detail string) {
	if err := f.recorder.Record(ctx, audit.Entry{Type: t, Detail: detail, At: time.Now()}); err != nil {
		f.logger.Warn("audit record failed", "event", string(t), "error", err)
	}
}
