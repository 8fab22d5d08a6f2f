// Package browser drives a real headless browser through the upstream's
// interactive login. The upstream has no credential API; the only way in is
// the sign-in page, its second-factor prompt included.
package browser

import (
	"context"
	"log/slog"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/meridianlaw/casebridge/internal/shared/errors"
	"github.com/meridianlaw/casebridge/internal/upstream"
	"github.com/meridianlaw/casebridge/internal/upstream/otp"
)

// Selectors on the upstream sign-in page.
const (
	usernameSelector   = `input[name="username"]`
	passwordSelector   = `input[name="password"]`
	rememberSelector   = `input[name="rememberMe"]`
	signInSelector     = `button[type="submit"]`
	otpSelector        = `input[name="otp"], input[name="code"], input[autocomplete="one-time-code"]`
	otpSubmitSelector  = `button[type="submit"]`
	loggedInSelector   = `#dashboard, nav .user-menu`
	otpPromptDetectJS  = `document.querySelector('input[name="otp"], input[name="code"], input[autocomplete="one-time-code"]') !== null`
	loginErrorDetectJS = `document.querySelector('.alert-danger, .login-error') !== null`
)

// ChromeDriver implements the login flow with a headless Chrome instance.
type ChromeDriver struct {
	otp    otp.Retriever
	logger *slog.Logger

	// Headful is set in local debugging to watch the flow.
	Headful bool
}

func NewChromeDriver(retriever otp.Retriever, logger *slog.Logger) *ChromeDriver {
	return &ChromeDriver{otp: retriever, logger: logger}
}

var _ upstream.LoginDriver = (*ChromeDriver)(nil)

// Login walks the sign-in page, answers the second-factor prompt if one
// appears, and captures the resulting tokens and cookies.
func (d *ChromeDriver) Login(ctx context.Context, creds upstream.Credentials) (*upstream.LoginResult, error) {
	started := time.Now()

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", !d.Headful),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.UserAgent(upstream.BrowserUserAgent),
	)
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()

	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	defer cancelBrowser()

	d.logger.Info("navigating to sign-in page", "base_url", creds.BaseURL)

	err := chromedp.Run(browserCtx,
		chromedp.Navigate(creds.BaseURL),
		chromedp.WaitVisible(usernameSelector, chromedp.ByQuery),
		chromedp.SendKeys(usernameSelector, creds.Username, chromedp.ByQuery),
		chromedp.SendKeys(passwordSelector, creds.Password, chromedp.ByQuery),
		clickIfPresent(rememberSelector),
		chromedp.Click(signInSelector, chromedp.ByQuery),
	)
	if err != nil {
		return nil, errors.BrowserLoginFailed(err)
	}

	prompted, err := d.waitForOTPOrDashboard(browserCtx)
	if err != nil {
		return nil, err
	}

	if prompted {
		d.logger.Info("second-factor prompt shown, polling mailbox",
			"attempts", creds.OTPAttempts, "delay", creds.OTPDelay)

		code, err := d.otp.Fetch(browserCtx, started, creds.OTPAttempts, creds.OTPDelay)
		if err != nil {
			return nil, err
		}

		err = chromedp.Run(browserCtx,
			chromedp.SendKeys(otpSelector, code, chromedp.ByQuery),
			chromedp.Click(otpSubmitSelector, chromedp.ByQuery),
			chromedp.WaitVisible(loggedInSelector, chromedp.ByQuery),
		)
		if err != nil {
			return nil, errors.BrowserLoginFailed(err)
		}
	}

	result, err := d.capture(browserCtx)
	if err != nil {
		return nil, err
	}

	d.logger.Info("browser login complete",
		"duration", time.Since(started).Round(time.Second),
		"cookies", len(result.Cookies),
		"otp_prompted", prompted)
	return result, nil
}

// waitForOTPOrDashboard polls the page until either the second-factor prompt
// or the signed-in view shows up.
func (d *ChromeDriver) waitForOTPOrDashboard(ctx context.Context) (bool, error) {
	for {
		var otpShown, loginError bool
		err := chromedp.Run(ctx,
			chromedp.Sleep(500*time.Millisecond),
			chromedp.Evaluate(otpPromptDetectJS, &otpShown),
			chromedp.Evaluate(loginErrorDetectJS, &loginError),
		)
		if err != nil {
			return false, errors.BrowserLoginFailed(err)
		}
		if loginError {
			return false, errors.BrowserLoginFailed(errors.ErrUpstreamAuthRejected)
		}
		if otpShown {
			return true, nil
		}

		var signedIn bool
		err = chromedp.Run(ctx, chromedp.Evaluate(
			`document.querySelector('#dashboard, nav .user-menu') !== null`, &signedIn))
		if err != nil {
			return false, errors.BrowserLoginFailed(err)
		}
		if signedIn {
			return false, nil
		}
	}
}

// capture pulls the tokens from web storage and the cookies from the
// browser's network stack.
func (d *ChromeDriver) capture(ctx context.Context) (*upstream.LoginResult, error) {
	result := &upstream.LoginResult{}

	var tokens struct {
		Access  string `json:"access"`
		Refresh string `json:"refresh"`
	}
	err := chromedp.Run(ctx,
		chromedp.Evaluate(`({
			access: window.localStorage.getItem("ACCESS_TOKEN") || "",
			refresh: window.localStorage.getItem("REFRESH_TOKEN") || ""
		})`, &tokens),
		chromedp.ActionFunc(func(ctx context.Context) error {
			cookies, err := network.GetCookies().Do(ctx)
			if err != nil {
				return err
			}
			for _, c := range cookies {
				result.Cookies = append(result.Cookies, upstream.Cookie{
					Name:   c.Name,
					Value:  c.Value,
					Domain: c.Domain,
					Path:   c.Path,
				})
				if c.Name == "csrftoken" {
					result.CSRFToken = c.Value
				}
			}
			return nil
		}),
	)
	if err != nil {
		return nil, errors.BrowserLoginFailed(err)
	}

	result.AccessToken = tokens.Access
	result.RefreshToken = tokens.Refresh
	return result, nil
}

// clickIfPresent clicks the selector when it exists and is a no-op otherwise.
func clickIfPresent(selector string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		var present bool
		script := `document.querySelector(` + "`" + selector + "`" + `) !== null`
		if err := chromedp.Evaluate(script, &present).Do(ctx); err != nil {
			return err
		}
		if !present {
			return nil
		}
		return chromedp.Click(selector, chromedp.ByQuery).Do(ctx)
	})
}
