package upstream

import (
	"net/http"
	"strings"
)

// BrowserUserAgent is the browser profile the login driver runs; forwarded
// requests present the same client the captured cookies were issued to.
const BrowserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) " +
	"AppleWebKit/537.36 (KHTML, like Gecko) Chrome/141.0.0.0 Safari/537.36"

// buildHeaders assembles the header set for one upstream call from an
// immutable session snapshot. Headers are rebuilt per attempt so a retry
// after refresh picks up the new session.
func buildHeaders(session *Session, baseURL string) http.Header {
	h := http.Header{}
	h.Set("User-Agent", BrowserUserAgent)
	h.Set("Accept", "application/json, text/plain, */*")
	h.Set("Accept-Language", "en-US,en;q=0.9")
	h.Set("Referer", strings.TrimRight(baseURL, "/")+"/")
	h.Set("Origin", strings.TrimRight(baseURL, "/"))
	h.Set("Sec-Ch-Ua", `"Chromium";v="141", "Not?A_Brand";v="8", "Google Chrome";v="141"`)
	h.Set("Sec-Ch-Ua-Mobile", "?0")
	h.Set("Sec-Ch-Ua-Platform", `"Windows"`)
	h.Set("X-Requested-With", "XMLHttpRequest")

	if session == nil {
		return h
	}

	if session.AccessToken != "" {
		h.Set("Authorization", "Bearer "+session.AccessToken)
	}
	if session.CSRFToken != "" {
		h.Set("X-CSRFToken", session.CSRFToken)
	}
	if cookie := cookieHeader(session); cookie != "" {
		h.Set("Cookie", cookie)
	}

	return h
}

// cookieHeader serializes the session cookies in capture order.
func cookieHeader(s *Session) string {
	if len(s.Cookies) == 0 {
		return ""
	}
	var b strings.Builder
	for i, c := range s.Cookies {
		if i > 0 {
			b.WriteString("; ")
		}
		b.WriteString(c.Name)
		b.WriteByte('=')
		b.WriteString(c.Value)
	}
	return b.String()
}
