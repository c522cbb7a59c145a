package schedule

import (
	"strings"
	"time"
)

// DefaultLookaheadDays is the renewal reminder window.
const DefaultLookaheadDays = 31

// DefaultClass is used for obligations that do not name a class.
const DefaultClass = "renewal"

// Policy decides how far ahead of its end date an obligation is
// scheduled.
type Policy struct {
	DefaultDays int
	// Classes overrides DefaultDays per obligation class.
	Classes map[string]int
}

// DefaultPolicy returns the 31-day renewal window.
func DefaultPolicy() Policy {
	return Policy{DefaultDays: DefaultLookaheadDays}
}

// Lookahead returns the window for class.
func (p Policy) Lookahead(class string) time.Duration {
	days := p.DefaultDays
	if n, ok := p.Classes[strings.ToLower(class)]; ok {
		days = n
	}
	return time.Duration(days) * 24 * time.Hour
}
