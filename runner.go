package kvbind

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sethvargo/go-retry"

	"github.com/andreyvit/kvbind/kvstore"
)

// Runner runs transactions and retries the ones that fail transiently:
// when the storage is busy, or when the function returns an error wrapped
// with Retryable. Each attempt runs in a fresh transaction, so a retried
// function sees none of the changes of the failed attempt.
type Runner struct {
	DB         *DB
	MaxRetries uint64
	Backoff    time.Duration
}

func NewRunner(db *DB) *Runner {
	return &Runner{
		DB:         db,
		MaxRetries: 5,
		Backoff:    50 * time.Millisecond,
	}
}

func (r *Runner) Update(ctx context.Context, f func(tx *Tx) error) error {
	return r.Run(ctx, true, f)
}

func (r *Runner) View(ctx context.Context, f func(tx *Tx) error) error {
	return r.Run(ctx, false, f)
}

func (r *Runner) Run(ctx context.Context, writable bool, f func(tx *Tx) error) error {
	b := retry.WithMaxRetries(r.MaxRetries, retry.NewFibonacci(r.Backoff))
	var attempt int
	return retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		if err := ctx.Err(); err != nil {
			return err
		}
		err := r.DB.Tx(writable, f)
		if err != nil && (errors.Is(err, kvstore.ErrBusy) || isRetryable(err)) {
			r.DB.logger.Debugw("retrying transaction", "attempt", attempt, "err", err)
			return retry.RetryableError(err)
		}
		return err
	})
}
