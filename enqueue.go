package main

import (
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/spf13/cobra"

	"mailerd/compose"
	"mailerd/queue"
)

type enqueueOptions struct {
	to      []string
	from    string
	subject string
	body    string
	attach  []string
	due     string
}

func newEnqueueCmd(a *app) *cobra.Command {
	var o enqueueOptions
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Queue a message for delivery",
		Long: `Enqueue composes a message and stores it as deferred until its due
date. The message id is printed on success.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.enqueue(cmd, o)
		},
	}
	f := cmd.Flags()
	f.StringSliceVar(&o.to, "to", nil, "recipient address (repeatable)")
	f.StringVar(&o.from, "from", "", "sender address (default MAILER_DEFAULT_FROM)")
	f.StringVar(&o.subject, "subject", "", "message subject")
	f.StringVar(&o.body, "body", "", "message body; @path reads it from a file")
	f.StringSliceVar(&o.attach, "attach", nil, "file to attach (repeatable)")
	f.StringVar(&o.due, "due", "", "due date as YYYY-MM-DD (default today)")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func (a *app) enqueue(cmd *cobra.Command, o enqueueOptions) error {
	draft, err := buildDraft(o, a.cfg.DefaultFrom, a.cfg.ReplyTo, time.Now())
	if err != nil {
		return err
	}
	spool, err := a.openSpool()
	if err != nil {
		return err
	}
	composer, err := a.newComposer(spool)
	if err != nil {
		return err
	}
	id, err := composer.Enqueue(cmd.Context(), draft)
	if err != nil {
		return err
	}
	fprintf(cmd.OutOrStdout(), "%s\n", id)
	return nil
}

func buildDraft(o enqueueOptions, defaultFrom, replyTo string, now time.Time) (compose.Draft, error) {
	from := strings.TrimSpace(o.from)
	if from == "" {
		from = defaultFrom
	}
	if from == "" {
		return compose.Draft{}, fmt.Errorf("--from is required when MAILER_DEFAULT_FROM is unset")
	}
	sender, err := mail.ParseAddress(from)
	if err != nil {
		return compose.Draft{}, fmt.Errorf("invalid --from %q: %w", from, err)
	}

	d := compose.Draft{
		From:    *sender,
		ReplyTo: replyTo,
		Subject: o.subject,
		DueDate: queue.Today(now),
	}
	for _, raw := range o.to {
		addr, err := mail.ParseAddress(raw)
		if err != nil {
			return compose.Draft{}, fmt.Errorf("invalid --to %q: %w", raw, err)
		}
		d.To = append(d.To, *addr)
	}

	d.Body = o.body
	if path, ok := strings.CutPrefix(o.body, "@"); ok {
		data, err := os.ReadFile(path)
		if err != nil {
			return compose.Draft{}, fmt.Errorf("read body: %w", err)
		}
		d.Body = string(data)
	}

	for _, path := range o.attach {
		att, err := loadAttachment(path)
		if err != nil {
			return compose.Draft{}, err
		}
		d.Attachments = append(d.Attachments, att)
	}

	if o.due != "" {
		due, err := queue.ParseDay(o.due)
		if err != nil {
			return compose.Draft{}, fmt.Errorf("invalid --due %q: expected YYYY-MM-DD", o.due)
		}
		d.DueDate = due
	}
	return d, nil
}

func loadAttachment(path string) (compose.Attachment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return compose.Attachment{}, fmt.Errorf("read attachment: %w", err)
	}
	ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(path)))
	if ct == "" {
		ct = "application/octet-stream"
	}
	return compose.Attachment{
		Filename:    filepath.Base(path),
		ContentType: ct,
		Data:        data,
	}, nil
}
