package queue

import "context"

// Store persists one record per outbound message.
type Store interface {
	// Put persists message and status, overwriting any record with the
	// same id. New records are placed in the deferred bucket of the
	// message's due date.
	Put(ctx context.Context, msg *Message, st *Status) error

	// Get returns the message and its status, or ErrNotFound.
	Get(ctx context.Context, id string) (*Message, *Status, error)

	// UpdateStatus overwrites the status only.
	UpdateStatus(ctx context.Context, st *Status) error

	// ListIncomplete returns every status that is not terminal.
	ListIncomplete(ctx context.Context) ([]*Status, error)

	// ListRecent returns every non-terminal status plus every terminal
	// status not yet retrieved, marking the latter as retrieved.
	ListRecent(ctx context.Context) ([]*Status, error)
}

// Spool exposes the lifecycle areas of a Store. Buckets are calendar dates
// formatted with DayLayout, although foreign entries may be present.
type Spool interface {
	Store

	// Buckets lists bucket names present in a location.
	Buckets(ctx context.Context, loc Location) ([]string, error)

	// IDs lists message ids stored in a bucket.
	IDs(ctx context.Context, loc Location, bucket string) ([]string, error)

	// Move relocates one message, with its status, between buckets. A
	// move interrupted by a crash is completed by repeating it, even
	// towards a different destination bucket.
	Move(ctx context.Context, id string, from, to Location, fromBucket, toBucket string) error

	// Prune removes a bucket if it is empty.
	Prune(ctx context.Context, loc Location, bucket string) error
}
