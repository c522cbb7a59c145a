package email

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"
)

// ErrInvalidAddress indicates the address failed validation.
var ErrInvalidAddress = errors.New("invalid email address")

// ParseAddress validates a single address, which may carry a display name
// ("Jane <jane@example.com>"), and returns the bare address with its domain
// lower-cased.
func ParseAddress(raw string) (string, error) {
	if strings.ContainsAny(raw, "\r\n") {
		return "", fmt.Errorf("%w: unexpected newline", ErrInvalidAddress)
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: empty address", ErrInvalidAddress)
	}

	parsed, err := mail.ParseAddress(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	at := strings.LastIndex(parsed.Address, "@")
	if at <= 0 {
		return "", fmt.Errorf("%w: missing local part", ErrInvalidAddress)
	}
	return parsed.Address[:at] + strings.ToLower(parsed.Address[at:]), nil
}

// ParseList validates every address and drops duplicates, preserving order.
func ParseList(raw []string) ([]string, error) {
	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		addr, err := ParseAddress(r)
		if err != nil {
			return nil, err
		}
		key := strings.ToLower(addr)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, addr)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no recipients", ErrInvalidAddress)
	}
	return out, nil
}

// Domain returns the domain component of a validated email address.
func Domain(address string) (string, error) {
	address = strings.Trim(strings.TrimSpace(address), "<>")
	at := strings.LastIndex(address, "@")
	if at == -1 || at == len(address)-1 {
		return "", fmt.Errorf("%w: missing domain", ErrInvalidAddress)
	}

	domain := address[at+1:]
	domain = strings.TrimSuffix(domain, ".")
	domain = strings.TrimSpace(domain)
	if domain == "" {
		return "", fmt.Errorf("%w: empty domain", ErrInvalidAddress)
	}
	if strings.ContainsAny(domain, " \t") {
		return "", fmt.Errorf("%w: whitespace in domain", ErrInvalidAddress)
	}

	return strings.ToLower(domain), nil
}

// DisplayName returns name when set, otherwise the address itself.
func DisplayName(name, address string) string {
	if n := strings.TrimSpace(name); n != "" {
		return n
	}
	return address
}
