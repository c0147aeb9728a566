package transport

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
)

// DefaultBackoff retries forever between 100ms and 10s.
var DefaultBackoff = backoff.Config{
	MinBackoff: 100 * time.Millisecond,
	MaxBackoff: 10 * time.Second,
	MaxRetries: 0,
}

// Retry calls fn until it succeeds, fails with a non transient error or ctx
// is done. Transient errors are logged and retried with backoff.
func Retry(ctx context.Context, cfg backoff.Config, logger log.Logger, op string, fn func() error) error {
	boff := backoff.New(ctx, cfg)
	for {
		err := fn()
		if err == nil || !IsTransient(err) {
			return err
		}
		level.Warn(logger).Log("msg", "transport operation failed, retrying", "op", op, "attempt", boff.NumRetries()+1, "err", err)
		boff.Wait()
		if !boff.Ongoing() {
			if berr := boff.Err(); berr != nil {
				return berr
			}
			return err
		}
	}
}
