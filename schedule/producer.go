package schedule

import (
	"context"
	"fmt"
	"time"

	"mailerd/compose"
	"mailerd/queue"
)

// Notice carries the resolved details of one due obligation.
type Notice struct {
	Obligation     Obligation
	SenderName     string
	SenderEmail    string
	RecipientName  string
	RecipientEmail string
	EndDate        time.Time
}

// Document is the rendered content produced for a notice.
type Document struct {
	Subject     string
	Body        string
	Attachments []compose.Attachment
}

// DocumentProducer renders the message for a due obligation, for example
// a renewal reminder with an invoice attached.
type DocumentProducer interface {
	Produce(ctx context.Context, n Notice) (Document, error)
}

// ProducerFunc adapts a function to DocumentProducer.
type ProducerFunc func(ctx context.Context, n Notice) (Document, error)

func (f ProducerFunc) Produce(ctx context.Context, n Notice) (Document, error) {
	return f(ctx, n)
}

// RenewalNotice produces the plain contract renewal reminder.
type RenewalNotice struct{}

func (RenewalNotice) Produce(_ context.Context, n Notice) (Document, error) {
	body := fmt.Sprintf("Hello %s,\r\n"+
		"\r\n"+
		"This is a friendly reminder that your contract with %s is set to expire on %s.\r\n"+
		"\r\n"+
		"If you would like to renew your contract, please contact us at your earliest convenience.\r\n"+
		"\r\n"+
		"Best regards,\r\n"+
		"%s",
		n.RecipientName, n.SenderName, queue.DayKey(n.EndDate), n.SenderName)
	return Document{Subject: "Contract Renewal", Body: body}, nil
}
