package delivery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/emersion/go-smtp"

	"mailerd/queue"
)

// Transport hands a message to the next hop.
type Transport interface {
	// Name identifies the transport in logs and metrics.
	Name() string

	// Send delivers msg to rcpts, a subset of its envelope recipients. A
	// non-nil error means the whole transaction failed and applies to
	// every recipient. Otherwise the map holds one entry per recipient:
	// nil when accepted, the rejection otherwise.
	Send(ctx context.Context, msg *queue.Message, rcpts []string) (map[string]error, error)
}

var (
	_ Transport = (*SMTPTransport)(nil)
	_ Transport = (*MXTransport)(nil)
	_ Transport = (*FileDrop)(nil)
)

// TransportError is a delivery failure for one recipient.
type TransportError struct {
	Rcpt      string
	Temporary bool
	Err       error
}

func (e *TransportError) Error() string {
	kind := "permanent"
	if e.Temporary {
		kind = "temporary"
	}
	return fmt.Sprintf("%s failure for %s: %v", kind, e.Rcpt, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// classify wraps err for rcpt, deciding whether a retry may succeed.
func classify(rcpt string, err error) *TransportError {
	var te *TransportError
	if errors.As(err, &te) {
		return &TransportError{Rcpt: rcpt, Temporary: te.Temporary, Err: te.Err}
	}
	return &TransportError{Rcpt: rcpt, Temporary: IsTemporary(err), Err: err}
}

// IsTemporary reports whether err is worth retrying: 4xx SMTP replies and
// network failures. 5xx replies and everything else are permanent.
func IsTemporary(err error) bool {
	if err == nil {
		return false
	}
	var te *TransportError
	if errors.As(err, &te) {
		return te.Temporary
	}
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return smtpErr.Code/100 == 4
	}
	return isNetworkError(err)
}

func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"connection refused", "connection reset", "broken pipe", "timeout", "no route to host"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// reason formats err for the status sidecar.
func reason(err error) string {
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return fmt.Sprintf("%d %s", smtpErr.Code, smtpErr.Message)
	}
	var te *TransportError
	if errors.As(err, &te) {
		return te.Err.Error()
	}
	return err.Error()
}
