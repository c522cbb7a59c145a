package delivery

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"mailerd/queue"
	"mailerd/tlsconfig"
)

const (
	// PortSubmissions is implicit TLS submission.
	PortSubmissions = 465
	// PortSubmission requires STARTTLS.
	PortSubmission = 587
	PortSMTP       = 25

	defaultTimeout = 2 * time.Minute
)

// errPlaintextAuth is returned when credentials would cross an
// unencrypted connection.
var errPlaintextAuth = errors.New("server does not offer STARTTLS; refusing to send credentials in plaintext")

// SMTPTransport submits mail to a single SMTP server.
type SMTPTransport struct {
	Host     string
	Port     int
	Username string
	Password string
	// HeloName is announced in EHLO.
	HeloName string
	// TLS is the client TLS configuration; ServerName defaults to Host.
	TLS *tls.Config
	// RequireTLS fails the transaction when STARTTLS is not offered.
	RequireTLS bool
	Timeout    time.Duration

	name   string
	dialer func(ctx context.Context, network, addr string) (net.Conn, error)
}

// NewRelay returns an authenticated relay transport. Port 465 uses
// implicit TLS; any other port upgrades with mandatory STARTTLS.
func NewRelay(host string, port int, username, password, helo string, tlsConf *tls.Config) *SMTPTransport {
	if port == 0 {
		port = PortSubmissions
	}
	return &SMTPTransport{
		Host: host, Port: port,
		Username: username, Password: password,
		HeloName: helo, TLS: tlsConf,
		RequireTLS: true,
		name:       "smtp",
	}
}

// NewLocal returns an unauthenticated transport for a local relay. STARTTLS
// is used opportunistically.
func NewLocal(host string, port int, helo string, tlsConf *tls.Config) *SMTPTransport {
	if port == 0 {
		port = PortSMTP
	}
	return &SMTPTransport{
		Host: host, Port: port,
		HeloName: helo, TLS: tlsConf,
		RequireTLS: port == PortSubmission,
		name:       "local",
	}
}

func (t *SMTPTransport) Name() string {
	if t.name == "" {
		return "smtp"
	}
	return t.name
}

// Send runs one SMTP transaction. Each RCPT reply is recorded separately;
// the message is transmitted when at least one recipient was accepted.
func (t *SMTPTransport) Send(ctx context.Context, msg *queue.Message, rcpts []string) (map[string]error, error) {
	addr := net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
	timeout := t.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	dialCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	dial := t.dialer
	if dial == nil {
		d := &net.Dialer{}
		dial = d.DialContext
	}
	conn, err := dial(dialCtx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("set deadline: %w", err)
	}

	encrypted := false
	if t.Port == PortSubmissions {
		conn = tls.Client(conn, tlsconfig.ForHost(t.TLS, t.Host))
		encrypted = true
	}

	client, err := smtp.NewClient(conn, t.Host)
	if err != nil {
		return nil, fmt.Errorf("new client: %w", err)
	}
	defer client.Close()

	if err := client.Hello(t.heloName()); err != nil {
		return nil, fmt.Errorf("helo: %w", err)
	}

	if !encrypted {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(tlsconfig.ForHost(t.TLS, t.Host)); err != nil {
				return nil, fmt.Errorf("starttls: %w", err)
			}
			encrypted = true
		} else if t.RequireTLS {
			return nil, &TransportError{Temporary: false, Err: errPlaintextAuth}
		}
	}

	if t.Username != "" {
		if !encrypted {
			return nil, &TransportError{Temporary: false, Err: errPlaintextAuth}
		}
		if err := client.Auth(sasl.NewPlainClient("", t.Username, t.Password)); err != nil {
			return nil, fmt.Errorf("auth: %w", err)
		}
	}

	if err := client.Mail(msg.Envelope.From, nil); err != nil {
		return nil, fmt.Errorf("mail from: %w", err)
	}

	results := make(map[string]error, len(rcpts))
	accepted := 0
	for _, rcpt := range rcpts {
		if err := client.Rcpt(rcpt); err != nil {
			results[rcpt] = err
			continue
		}
		results[rcpt] = nil
		accepted++
	}
	if accepted == 0 {
		_ = client.Quit()
		return results, nil
	}

	w, err := client.Data()
	if err != nil {
		return nil, fmt.Errorf("data start: %w", err)
	}
	if _, err := w.Write(msg.Content); err != nil {
		return nil, fmt.Errorf("data write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("data close: %w", err)
	}

	// The message is accepted once DATA completes.
	_ = client.Quit()
	return results, nil
}

func (t *SMTPTransport) heloName() string {
	if t.HeloName != "" {
		return t.HeloName
	}
	return "localhost"
}
