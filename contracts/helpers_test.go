package contracts

import (
	"context"

	"mailerd/compose"
)

type enqueueFunc func()

func (f enqueueFunc) Enqueue(_ context.Context, d compose.Draft) (string, error) {
	f()
	return compose.IDForKey(d.Key), nil
}
