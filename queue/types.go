package queue

import (
	"fmt"
	"time"
)

// DayLayout is the calendar-date format used for due dates and bucket names.
const DayLayout = time.DateOnly

// Location is the lifecycle area a message currently occupies.
type Location string

const (
	Deferred Location = "deferred"
	Ready    Location = "ready"
	Sent     Location = "sent"
	Failed   Location = "failed"
)

// Locations lists every lifecycle area in transition order.
var Locations = []Location{Deferred, Ready, Sent, Failed}

// Envelope is the SMTP envelope of a message.
type Envelope struct {
	From string   `json:"from"`
	To   []string `json:"to"`
}

// Message is a fully composed unit of mail. Content and Envelope never change
// once the message has been stored.
type Message struct {
	ID       string
	Envelope Envelope
	Content  []byte
	DueDate  time.Time
}

// Due returns the due date formatted as a bucket name.
func (m *Message) Due() string {
	return DayKey(m.DueDate)
}

// ResultState is the delivery state of a single recipient.
type ResultState string

const (
	// StatePending means no delivery attempt has been made yet.
	StatePending   ResultState = "pending"
	StateDeferred  ResultState = "deferred"
	StateDelivered ResultState = "delivered"
	StateFailed    ResultState = "failed"
)

// Terminal reports whether no further transition is possible.
func (s ResultState) Terminal() bool {
	return s == StateDelivered || s == StateFailed
}

// RecipientResult is the outcome recorded for one recipient.
type RecipientResult struct {
	State   ResultState `json:"state"`
	Reason  string      `json:"reason,omitempty"`
	Retries int         `json:"retries,omitempty"`
}

func Delivered() RecipientResult {
	return RecipientResult{State: StateDelivered}
}

func FailedResult(reason string) RecipientResult {
	return RecipientResult{State: StateFailed, Reason: reason}
}

func DeferredResult(reason string, retries int) RecipientResult {
	return RecipientResult{State: StateDeferred, Reason: reason, Retries: retries}
}

func (r RecipientResult) String() string {
	switch r.State {
	case StateFailed:
		return fmt.Sprintf("failed(%s)", r.Reason)
	case StateDeferred:
		return fmt.Sprintf("deferred(%s, retry %d)", r.Reason, r.Retries)
	default:
		return string(r.State)
	}
}

// Status is the mutable delivery status persisted alongside a Message.
type Status struct {
	ID         string                     `json:"id"`
	Recipients map[string]RecipientResult `json:"recipients"`
	// Retrieved is set once a consumer has observed the terminal state.
	Retrieved bool      `json:"retrieved"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewStatus returns a status with every recipient pending.
func NewStatus(msg *Message) *Status {
	st := &Status{
		ID:         msg.ID,
		Recipients: make(map[string]RecipientResult, len(msg.Envelope.To)),
	}
	for _, rcpt := range msg.Envelope.To {
		st.Recipients[rcpt] = RecipientResult{State: StatePending}
	}
	return st
}

// Clone returns a deep copy of the status.
func (s *Status) Clone() *Status {
	out := *s
	out.Recipients = make(map[string]RecipientResult, len(s.Recipients))
	for k, v := range s.Recipients {
		out.Recipients[k] = v
	}
	return &out
}

// DayKey formats t as a bucket name.
func DayKey(t time.Time) string {
	return t.Format(DayLayout)
}

// ParseDay parses a bucket name. It fails for entries that are not
// date-shaped.
func ParseDay(s string) (time.Time, error) {
	return time.ParseInLocation(DayLayout, s, time.Local)
}

// Today truncates t to its local calendar date.
func Today(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
