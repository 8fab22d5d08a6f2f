package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"regexp"
	"strings"

	"golang.org/x/net/html"

	"github.com/meridianlaw/casebridge/internal/shared/config"
	"github.com/meridianlaw/casebridge/internal/shared/metrics"
)

// csrfTokenPattern is the fallback extractor for pages the HTML parser
// cannot give us a token from (malformed markup, token outside a form).
var csrfTokenPattern = regexp.MustCompile(`name="csrfmiddlewaretoken"\s+value="([^"]+)"`)

// FormInjector prepares state-changing form submissions: it fetches the page
// that hosts the form, scrapes the anti-forgery token and the form's default
// field values, and merges the caller's fields over them.
type FormInjector struct {
	cfg       config.UpstreamConfig
	forwarder *Forwarder
	auth      *Authenticator
	logger    *slog.Logger
}

func NewFormInjector(cfg config.UpstreamConfig, f *Forwarder, auth *Authenticator, logger *slog.Logger) *FormInjector {
	return &FormInjector{cfg: cfg, forwarder: f, auth: auth, logger: logger}
}

// Inject fetches the form page at path and returns the merged field set for
// the subsequent submission. Caller fields win over parsed defaults; the
// fresh token wins over both. Injection is best effort: when the page yields
// no token the cached session token is used instead, and when that is also
// missing the caller's fields go through unmodified.
func (i *FormInjector) Inject(ctx context.Context, path string, caller map[string][]string) (map[string][]string, error) {
	var parsed map[string][]string
	var token string

	resp, err := i.forwarder.Forward(ctx, Request{Method: http.MethodGet, Path: path})
	if err != nil {
		i.logger.Warn("form page fetch failed, falling back to cached token",
			"path", path, "error", err)
	} else {
		page := UnwrapHTML(resp.Body, resp.ContentType())
		parsed = ParseFormFields(page)
		token = ExtractCSRFToken(page)
	}

	outcome := "merged"
	if token == "" {
		if s := i.auth.Session(); s != nil && s.CSRFToken != "" {
			token = s.CSRFToken
			outcome = "fallback"
			i.logger.Debug("no token in form page, using session token", "path", path)
		}
	}
	if token == "" {
		metrics.RecordCSRFInjection("skipped")
		i.logger.Warn("no csrf token available, submitting fields as-is", "path", path)
		return caller, nil
	}

	merged := make(map[string][]string, len(parsed)+len(caller)+2)
	for name, vals := range parsed {
		merged[name] = vals
	}
	for name, vals := range caller {
		merged[name] = vals
	}
	merged[i.cfg.CSRFField] = []string{token}

	if _, ok := merged["submitButton"]; !ok {
		merged["submitButton"] = []string{"Submit"}
	}

	metrics.RecordCSRFInjection(outcome)
	return merged, nil
}

// UnwrapHTML undoes the upstream's JSON envelope. Some endpoints answer
// {"response": "<html>..."} with a JSON content type; the HTML is inside the
// response key. Anything else is returned untouched.
func UnwrapHTML(body []byte, contentType string) []byte {
	if !strings.Contains(contentType, "application/json") {
		return body
	}
	var envelope struct {
		Response string `json:"response"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.Response == "" {
		return body
	}
	return []byte(envelope.Response)
}

// ExtractCSRFToken pulls the anti-forgery token out of a form page. The
// parsed DOM is tried first, then the regex fallback.
func ExtractCSRFToken(page []byte) string {
	doc, err := html.Parse(bytes.NewReader(page))
	if err == nil {
		if token := findTokenInput(doc); token != "" {
			return token
		}
	}
	if m := csrfTokenPattern.FindSubmatch(page); m != nil {
		return string(m[1])
	}
	return ""
}

func findTokenInput(n *html.Node) string {
	if n.Type == html.ElementNode && n.Data == "input" {
		if attr(n, "name") == "csrfmiddlewaretoken" {
			return attr(n, "value")
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if token := findTokenInput(c); token != "" {
			return token
		}
	}
	return ""
}

// ParseFormFields collects the default values of every input, textarea and
// select in the page. Repeated names (checkbox groups) accumulate multiple
// values; unchecked checkboxes and radios contribute nothing.
func ParseFormFields(page []byte) map[string][]string {
	fields := make(map[string][]string)
	doc, err := html.Parse(bytes.NewReader(page))
	if err != nil {
		return fields
	}
	collectFields(doc, fields)
	return fields
}

func collectFields(n *html.Node, fields map[string][]string) {
	if n.Type == html.ElementNode {
		switch n.Data {
		case "input":
			name := attr(n, "name")
			if name != "" {
				switch strings.ToLower(attr(n, "type")) {
				case "checkbox", "radio":
					if hasAttr(n, "checked") {
						v := attr(n, "value")
						if v == "" {
							v = "on"
						}
						fields[name] = append(fields[name], v)
					}
				case "submit", "button", "file":
					// not part of the default field set
				default:
					fields[name] = append(fields[name], attr(n, "value"))
				}
			}
		case "textarea":
			name := attr(n, "name")
			if name != "" {
				fields[name] = append(fields[name], textContent(n))
			}
		case "select":
			name := attr(n, "name")
			if name != "" {
				if v, ok := selectedOption(n); ok {
					fields[name] = append(fields[name], v)
				}
			}
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectFields(c, fields)
	}
}

// selectedOption returns the selected option's value, or the first option
// when none is marked selected, matching browser submission behavior.
func selectedOption(sel *html.Node) (string, bool) {
	var first string
	var found bool
	for c := sel.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode || c.Data != "option" {
			continue
		}
		v := attr(c, "value")
		if v == "" {
			v = strings.TrimSpace(textContent(c))
		}
		if !found {
			first, found = v, true
		}
		if hasAttr(c, "selected") {
			return v, true
		}
	}
	return first, found
}

func attr(n *html.Node, name string) string {
	for _, a := range n.Attr {
		if a.Key == name {
			return a.Val
		}
	}
	return ""
}

func hasAttr(n *html.Node, name string) bool {
	for _, a := range n.Attr {
		if a.Key == name {
			return true
		}
	}
	return false
}

func textContent(n *html.Node) string {
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
		}
	}
	return b.String()
}
