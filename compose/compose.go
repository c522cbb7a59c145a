// Package compose turns drafts into transport-ready messages and writes
// them to the store as deferred.
package compose

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"

	"mailerd/internal/audit"
	"mailerd/internal/dkim"
	"mailerd/internal/email"
	"mailerd/internal/metrics"
	"mailerd/queue"
)

// ErrInvalidDraft is wrapped by every draft validation error.
var ErrInvalidDraft = errors.New("invalid draft")

// keySpace namespaces deterministic message ids.
var keySpace = uuid.MustParse("6f1c7a52-3c57-4b8e-9a3e-0d2f61b0c4d9")

// Attachment is a file carried by a message.
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Draft is everything a producer supplies for one outbound message.
type Draft struct {
	From    mail.Address
	To      []mail.Address
	ReplyTo string
	Subject string
	Body    string

	Attachments []Attachment

	// DueDate is truncated to its calendar date. Zero means today.
	DueDate time.Time

	// Key, when set, makes the message id deterministic: enqueueing a
	// second draft with the same key returns the existing id unchanged.
	Key string
}

// Options configures a Composer.
type Options struct {
	Signer   *dkim.Signer
	Hostname string
	Logger   *slog.Logger
}

// Composer builds MIME messages and stores them.
type Composer struct {
	store    queue.Store
	signer   *dkim.Signer
	hostname string
	log      *slog.Logger
	now      func() time.Time
}

// New returns a Composer writing into store.
func New(store queue.Store, opts Options) *Composer {
	c := &Composer{
		store:    store,
		signer:   opts.Signer,
		hostname: opts.Hostname,
		log:      opts.Logger,
		now:      time.Now,
	}
	if c.hostname == "" {
		c.hostname = "localhost"
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	return c
}

// IDForKey returns the deterministic message id used for key.
func IDForKey(key string) string {
	return uuid.NewSHA1(keySpace, []byte(key)).String()
}

// Enqueue composes d and persists it as a deferred message, returning the
// new message id.
func (c *Composer) Enqueue(ctx context.Context, d Draft) (string, error) {
	from, err := email.ParseAddress(d.From.Address)
	if err != nil {
		return "", fmt.Errorf("%w: from: %v", ErrInvalidDraft, err)
	}
	raw := make([]string, 0, len(d.To))
	for _, to := range d.To {
		raw = append(raw, to.Address)
	}
	rcpts, err := email.ParseList(raw)
	if err != nil {
		return "", fmt.Errorf("%w: to: %v", ErrInvalidDraft, err)
	}
	if strings.TrimSpace(d.Subject) == "" {
		return "", fmt.Errorf("%w: empty subject", ErrInvalidDraft)
	}

	var id string
	if d.Key != "" {
		id = IDForKey(d.Key)
		_, _, err := c.store.Get(ctx, id)
		switch {
		case err == nil:
			c.log.Info("message already enqueued", "id", id, "key", d.Key)
			return id, nil
		case !errors.Is(err, queue.ErrNotFound):
			return "", err
		}
	} else {
		u, err := uuid.NewV7()
		if err != nil {
			u = uuid.New()
		}
		id = u.String()
	}

	now := c.now()
	due := d.DueDate
	if due.IsZero() {
		due = now
	}

	content, err := c.build(d, id, now)
	if err != nil {
		return "", err
	}
	content, err = c.signer.Sign(content, from)
	if err != nil {
		return "", err
	}

	msg := &queue.Message{
		ID:       id,
		Envelope: queue.Envelope{From: from, To: rcpts},
		Content:  content,
		DueDate:  queue.Today(due),
	}
	if err := c.store.Put(ctx, msg, queue.NewStatus(msg)); err != nil {
		return "", err
	}
	metrics.Messages.WithLabelValues("scheduled").Inc()
	audit.Transition(id, "created", msg.Due())
	c.log.Info("message enqueued", "id", id, "due", msg.Due(), "rcpts", len(rcpts))
	return id, nil
}

func (c *Composer) build(d Draft, id string, now time.Time) ([]byte, error) {
	var h mail.Header
	h.Set("MIME-Version", "1.0")
	h.SetDate(now)
	h.SetMessageID(id + "@" + c.hostname)
	h.SetSubject(d.Subject)

	from := d.From
	h.SetAddressList("From", []*mail.Address{&from})
	to := make([]*mail.Address, 0, len(d.To))
	for i := range d.To {
		to = append(to, &d.To[i])
	}
	h.SetAddressList("To", to)
	if d.ReplyTo != "" {
		replyTo, err := mail.ParseAddress(d.ReplyTo)
		if err != nil {
			return nil, fmt.Errorf("%w: reply-to: %v", ErrInvalidDraft, err)
		}
		h.SetAddressList("Reply-To", []*mail.Address{replyTo})
	}

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("compose: %w", err)
	}

	tw, err := mw.CreateInline()
	if err != nil {
		return nil, fmt.Errorf("compose: %w", err)
	}
	var th mail.InlineHeader
	th.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	th.Set("Content-Transfer-Encoding", "quoted-printable")
	w, err := tw.CreatePart(th)
	if err != nil {
		return nil, fmt.Errorf("compose: %w", err)
	}
	if _, err := io.WriteString(w, d.Body); err != nil {
		return nil, fmt.Errorf("compose: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("compose: %w", err)
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("compose: %w", err)
	}

	for _, att := range d.Attachments {
		if att.Filename == "" {
			return nil, fmt.Errorf("%w: attachment without filename", ErrInvalidDraft)
		}
		ct := att.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		var ah mail.AttachmentHeader
		ah.SetContentType(ct, nil)
		ah.SetFilename(att.Filename)
		ah.Set("Content-Transfer-Encoding", "base64")
		aw, err := mw.CreateAttachment(ah)
		if err != nil {
			return nil, fmt.Errorf("compose: %w", err)
		}
		if _, err := aw.Write(att.Data); err != nil {
			return nil, fmt.Errorf("compose: %w", err)
		}
		if err := aw.Close(); err != nil {
			return nil, fmt.Errorf("compose: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("compose: %w", err)
	}
	return buf.Bytes(), nil
}
