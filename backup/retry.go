package backup

import (
	"context"
	"log"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"

	"github.com/telemetria/backflux/influxdb"
)

// retryTransient runs fn under the job retry policy: a constant interval,
// at most retries+1 attempts, transient failures only. The transfer's data
// queries and writes and the manager's metadata lookups share it.
func retryTransient(ctx context.Context, logger *log.Logger, retries int, interval time.Duration, op string, fn func() error) error {
	attempts := 0
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), uint64(retries)),
		ctx,
	)
	err := backoff.Retry(func() error {
		attempts++
		err := fn()
		if err == nil {
			return nil
		}
		if influxdb.IsTransient(err) {
			logger.Printf("D! %s: attempt %d failed: %v", op, attempts, err)
			return err
		}
		return backoff.Permanent(err)
	}, policy)
	if err != nil {
		return errors.Wrapf(err, "after %d attempts", attempts)
	}
	return nil
}
