package klab

import "context"

// Hook is a one-shot lifecycle callback run by the discovery loop.
//
// The initialize hook runs exactly once, the first time every essential
// service is available; the operationalize hook runs exactly once after a
// successful initialize. A hook that returns an error is never retried: the
// engine stays available but never becomes operational. Hooks run on the
// discovery goroutine and must respect ctx.
type Hook func(ctx context.Context) error
