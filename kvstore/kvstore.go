// Package kvstore defines the ordered transactional key/value store that kvbind
// runs on top of, plus two implementations: Bolt (on disk) and an in-memory
// copy-on-write B-tree.
//
// The store owns atomicity, isolation and durability. Callers perform several
// operations inside one Tx and either Commit or Rollback all of them.
package kvstore

import "github.com/pkg/errors"

var (
	// ErrBucketNotFound is returned by Tx.DeleteBucket when the bucket doesn't exist.
	ErrBucketNotFound = errors.New("bucket not found")

	// ErrTxNotWritable is returned when mutating through a read-only transaction.
	ErrTxNotWritable = errors.New("tx not writable")

	// ErrClosed is returned when beginning a transaction on a closed storage.
	ErrClosed = errors.New("storage closed")

	// ErrBusy is returned when a writable transaction could not be started
	// within the configured timeout. It is safe to retry.
	ErrBusy = errors.New("storage busy")
)

// Storage represents a key-value storage backend.
type Storage interface {
	// BeginTx starts a new transaction.
	BeginTx(writable bool) (Tx, error)
	// Close closes the storage.
	Close() error
}

// Tx represents a storage transaction.
type Tx interface {
	// Writable returns true if this is a writable transaction.
	Writable() bool

	// Bucket returns a bucket, or nil if the bucket doesn't exist.
	Bucket(name string) Bucket

	// CreateBucket creates a bucket if it doesn't exist.
	CreateBucket(name string) (Bucket, error)

	// DeleteBucket deletes a bucket with all its contents.
	DeleteBucket(name string) error

	// ForEachBucket calls f for every bucket name in ascending order.
	ForEachBucket(f func(name string) error) error

	// Commit commits the transaction.
	Commit() error

	// Rollback aborts the transaction. It is safe to call after Commit.
	Rollback() error

	// Size returns the database size in bytes (0 if unknown).
	Size() int64
}

// Bucket is a sorted key-value collection. Slices returned by Get and cursors
// are only valid until the end of the transaction, and must not be modified.
type Bucket interface {
	// Get retrieves a value by key. Returns nil if not found.
	Get(key []byte) []byte

	// Put stores a key-value pair, overwriting any existing value.
	Put(key, value []byte) error

	// Delete removes a key. Deleting a missing key is not an error.
	Delete(key []byte) error

	// Cursor returns a cursor for iteration.
	Cursor() Cursor

	// NextSequence returns an autoincrementing integer for the bucket.
	NextSequence() (uint64, error)

	// Stats returns storage-specific bucket statistics.
	// Backends that don't track allocation sizes may return zero values except KeyN.
	Stats() BucketStats
}

type BucketStats struct {
	KeyN        int
	LeafInuse   int64
	LeafAlloc   int64
	BranchAlloc int64
}

func (s BucketStats) TotalAlloc() int64 { return s.BranchAlloc + s.LeafAlloc }

// Cursor iterates over a sorted bucket. All positioning methods return nil
// key when the cursor runs off either end.
type Cursor interface {
	// First moves to the first key-value pair.
	First() (key, value []byte)

	// Last moves to the last key-value pair.
	Last() (key, value []byte)

	// Seek moves to the first key >= seek.
	Seek(seek []byte) (key, value []byte)

	// SeekLast moves to the last key that has the given prefix or sorts before it.
	SeekLast(prefix []byte) (key, value []byte)

	// Next moves to the next key-value pair.
	Next() (key, value []byte)

	// Prev moves to the previous key-value pair.
	Prev() (key, value []byte)

	// Delete deletes the current key-value pair.
	Delete() error
}

// PrefixEnd returns the smallest byte string that sorts after every string
// having the given prefix, or nil if there is no such string (the prefix is
// empty or consists of 0xFF bytes only).
func PrefixEnd(prefix []byte) []byte {
	for i := len(prefix) - 1; i >= 0; i-- {
		if prefix[i] != 0xFF {
			end := make([]byte, i+1)
			copy(end, prefix)
			end[i]++
			return end
		}
	}
	return nil
}
