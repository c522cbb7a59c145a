package delivery

import (
	"context"
	"crypto/tls"
	"fmt"

	"mailerd/queue"
)

// MXTransport delivers directly to each recipient domain's mail exchangers.
type MXTransport struct {
	HeloName string
	TLS      *tls.Config
	// Port is 25 unless overridden in tests.
	Port int

	dial func(host string) *SMTPTransport
}

// NewMX returns a direct-delivery transport.
func NewMX(helo string, tlsConf *tls.Config) *MXTransport {
	return &MXTransport{HeloName: helo, TLS: tlsConf, Port: PortSMTP}
}

func (t *MXTransport) Name() string { return "mx" }

// Send groups recipients by domain and delivers each group to the first MX
// host that completes a transaction. Per-recipient rejections from a host
// are final; connection-level failures move on to the next host.
func (t *MXTransport) Send(ctx context.Context, msg *queue.Message, rcpts []string) (map[string]error, error) {
	byDomain := make(map[string][]string)
	var order []string
	results := make(map[string]error, len(rcpts))
	for _, rcpt := range rcpts {
		domain, err := ExtractDomain(rcpt)
		if err != nil {
			results[rcpt] = &TransportError{Rcpt: rcpt, Err: err}
			continue
		}
		if _, ok := byDomain[domain]; !ok {
			order = append(order, domain)
		}
		byDomain[domain] = append(byDomain[domain], rcpt)
	}

	for _, domain := range order {
		group := byDomain[domain]
		res, err := t.deliverDomain(ctx, domain, msg, group)
		for _, rcpt := range group {
			if err != nil {
				results[rcpt] = err
				continue
			}
			results[rcpt] = res[rcpt]
		}
	}
	return results, nil
}

func (t *MXTransport) deliverDomain(ctx context.Context, domain string, msg *queue.Message, rcpts []string) (map[string]error, error) {
	records, err := ResolveMX(domain)
	if err != nil {
		return nil, lookupError(domain, err)
	}
	if len(records) == 0 {
		return nil, &TransportError{Err: fmt.Errorf("MX lookup failed for %s: no MX records", domain)}
	}

	var lastErr error
	for _, mx := range records {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := t.client(mx.Host).Send(ctx, msg, rcpts)
		if err == nil {
			return res, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("delivery failed: %w", lastErr)
}

func (t *MXTransport) client(host string) *SMTPTransport {
	if t.dial != nil {
		return t.dial(host)
	}
	port := t.Port
	if port == 0 {
		port = PortSMTP
	}
	return NewLocal(host, port, t.HeloName, t.TLS)
}
