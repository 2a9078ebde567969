package service

import (
	"context"
	"time"
)

// HandlerTimeout bounds a dispatch or callback once it has started
const HandlerTimeout = 2 * time.Minute

// Detach returns a context carrying ctx's values but not its cancellation,
// bounded by timeout. Work that has begun mutating GitHub or the store runs
// under it to completion even if the caller goes away.
func Detach(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), timeout)
}
