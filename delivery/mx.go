package delivery

import (
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sort"
	"strings"

	"mailerd/internal/email"
)

// mxLookup is replaced in tests.
var mxLookup = net.LookupMX

// ResolveMX returns the MX records for a domain sorted by preference. Hosts
// sharing a preference are shuffled to spread load.
func ResolveMX(domain string) ([]*net.MX, error) {
	records, err := mxLookup(domain)
	if err != nil {
		return nil, err
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].Pref < records[j].Pref
	})

	for i := 0; i < len(records); {
		j := i + 1
		for j < len(records) && records[j].Pref == records[i].Pref {
			j++
		}
		rand.Shuffle(j-i, func(a, b int) {
			records[i+a], records[i+b] = records[i+b], records[i+a]
		})
		i = j
	}

	for _, mx := range records {
		mx.Host = strings.TrimSuffix(mx.Host, ".")
	}

	return records, nil
}

// ExtractDomain extracts the domain part from an email address.
func ExtractDomain(address string) (string, error) {
	domain, err := email.Domain(address)
	if err != nil {
		return "", fmt.Errorf("invalid email format: %w", err)
	}
	return domain, nil
}

// lookupError classifies a DNS failure. NXDOMAIN is permanent; anything
// else may clear up.
func lookupError(domain string, err error) error {
	var dnsErr *net.DNSError
	temporary := true
	if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
		temporary = false
	}
	return &TransportError{Temporary: temporary, Err: fmt.Errorf("MX lookup failed for %s: %w", domain, err)}
}
