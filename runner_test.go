package kvbind

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
)

func TestRunner_RetriesTransientErrors(t *testing.T) {
	raw, db := setupRaw(t)
	r := NewRunner(db)
	r.Backoff = time.Millisecond

	var attempts int
	err := r.Update(context.Background(), func(tx *Tx) error {
		attempts++
		ensure(tx.Put(raw, x("01"), []byte{byte(attempts)}))
		if attempts < 3 {
			return Retryable(errors.New("try again"))
		}
		return nil
	})
	ensure(err)
	deepEqual(t, attempts, 3)

	db.Read(func(tx *Tx) {
		deepEqual(t, must(tx.Get(raw, x("01"))), []byte{3})
	})
}

func TestRunner_DoesNotRetryOtherErrors(t *testing.T) {
	_, db := setupRaw(t)
	r := NewRunner(db)
	r.Backoff = time.Millisecond

	var attempts int
	wantErr := errors.New("permanent")
	err := r.View(context.Background(), func(tx *Tx) error {
		attempts++
		return wantErr
	})
	if err != wantErr {
		t.Fatalf("** err = %v, wanted %v", err, wantErr)
	}
	deepEqual(t, attempts, 1)
}

func TestRunner_GivesUp(t *testing.T) {
	_, db := setupRaw(t)
	r := NewRunner(db)
	r.MaxRetries = 2
	r.Backoff = time.Millisecond

	var attempts int
	err := r.Update(context.Background(), func(tx *Tx) error {
		attempts++
		return Retryable(errors.New("still busy"))
	})
	if !isRetryable(err) || err.Error() != "still busy" {
		t.Fatalf("** err = %v, wanted still busy", err)
	}
	deepEqual(t, attempts, 3)
}

func TestRunner_StopsOnCancel(t *testing.T) {
	_, db := setupRaw(t)
	r := NewRunner(db)

	ctx, cancel := context.WithCancel(context.Background())
	var attempts int
	err := r.Update(ctx, func(tx *Tx) error {
		attempts++
		cancel()
		return Retryable(errors.New("busy"))
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("** err = %v, wanted context.Canceled", err)
	}
	deepEqual(t, attempts, 1)
}
