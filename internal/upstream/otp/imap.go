package otp

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/mail"

	"github.com/meridianlaw/casebridge/internal/shared/config"
	"github.com/meridianlaw/casebridge/internal/shared/errors"
	"github.com/meridianlaw/casebridge/internal/shared/metrics"
)

// IMAPRetriever polls an IMAP mailbox for the passcode mail. Each poll is a
// fresh connection; the passcode window is short and keeping a session open
// across the whole retry budget buys nothing.
type IMAPRetriever struct {
	cfg    config.MailboxConfig
	logger *slog.Logger
}

func NewIMAPRetriever(cfg config.MailboxConfig, logger *slog.Logger) *IMAPRetriever {
	return &IMAPRetriever{cfg: cfg, logger: logger}
}

// Fetch polls the mailbox up to attempts times, waiting delay between polls.
func (r *IMAPRetriever) Fetch(ctx context.Context, since time.Time, attempts int, delay time.Duration) (string, error) {
	if r.cfg.Email == "" || r.cfg.Password == "" {
		return "", errors.CredentialsUnavailable("mailbox credentials not configured")
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		if err := sleep(ctx, delay); err != nil {
			return "", err
		}

		metrics.RecordOTPPoll()
		code, err := r.poll(since)
		if err != nil {
			r.logger.Warn("mailbox poll failed", "attempt", attempt, "error", err)
			continue
		}
		if code != "" {
			r.logger.Info("passcode received", "attempt", attempt)
			return code, nil
		}
		r.logger.Debug("no passcode mail yet", "attempt", attempt)
	}

	return "", errors.OTPTimeout(attempts)
}

func (r *IMAPRetriever) poll(since time.Time) (string, error) {
	c, err := client.DialTLS(r.cfg.Addr, nil)
	if err != nil {
		return "", errors.Wrap(err, "failed to connect to mailbox")
	}
	defer c.Logout()

	if err := c.Login(r.cfg.Email, r.cfg.Password); err != nil {
		return "", errors.Wrap(err, "mailbox login failed")
	}

	if _, err := c.Select("INBOX", false); err != nil {
		return "", errors.Wrap(err, "failed to select inbox")
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	// IMAP SINCE has day granularity; the date check below does the rest.
	criteria.Since = since.Truncate(24 * time.Hour)
	if r.cfg.Sender != "" {
		criteria.Header.Set("From", r.cfg.Sender)
	}

	ids, err := c.Search(criteria)
	if err != nil {
		return "", errors.Wrap(err, "mailbox search failed")
	}
	if len(ids) == 0 {
		return "", nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(ids...)

	section := &imap.BodySectionName{}
	items := []imap.FetchItem{section.FetchItem(), imap.FetchEnvelope}

	messages := make(chan *imap.Message, len(ids))
	if err := c.Fetch(seqset, items, messages); err != nil {
		return "", errors.Wrap(err, "failed to fetch messages")
	}

	var newest *imap.Message
	for msg := range messages {
		if msg.Envelope != nil && msg.Envelope.Date.Before(since) {
			continue
		}
		if newest == nil || (msg.Envelope != nil && newest.Envelope != nil &&
			msg.Envelope.Date.After(newest.Envelope.Date)) {
			newest = msg
		}
	}
	if newest == nil {
		return "", nil
	}

	body := newest.GetBody(section)
	if body == nil {
		return "", nil
	}

	text, err := plainText(body)
	if err != nil {
		return "", err
	}
	return ExtractCode(text), nil
}

// plainText extracts the text parts of a MIME message.
func plainText(r io.Reader) (string, error) {
	mr, err := mail.CreateReader(r)
	if err != nil {
		return "", errors.Wrap(err, "failed to parse message")
	}

	var b strings.Builder
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", errors.Wrap(err, "failed to read message part")
		}
		if _, ok := part.Header.(*mail.InlineHeader); ok {
			data, err := io.ReadAll(part.Body)
			if err != nil {
				return "", errors.Wrap(err, "failed to read message body")
			}
			b.Write(data)
			b.WriteByte('\n')
		}
	}
	return b.String(), nil
}
