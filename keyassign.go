package kvbind

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/andreyvit/kvbind/tuple"
)

// KeyAssigner generates primary keys for records appended to a store.
type KeyAssigner interface {
	AssignKey(tx *Tx, store *Store, buf []byte) ([]byte, error)
}

// SequenceKeys assigns 1, 2, 3... encoded as tuple uint64s, using the
// bucket sequence of the store. Keys sort in the order they were assigned.
type SequenceKeys struct{}

func (SequenceKeys) AssignKey(tx *Tx, store *Store, buf []byte) ([]byte, error) {
	b, err := tx.storeBucket(store)
	if err != nil {
		return nil, err
	}
	seq, err := b.NextSequence()
	if err != nil {
		return nil, storeErrf(store, nil, nil, err, "next sequence")
	}
	return tuple.AppendUint64(buf, seq), nil
}

// UUIDKeys assigns random time-ordered UUIDs (version 7), encoded the way
// TupleBinding[uuid.UUID] encodes them.
type UUIDKeys struct{}

func (UUIDKeys) AssignKey(tx *Tx, store *Store, buf []byte) ([]byte, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	return tuple.AppendBytes(buf, id[:]), nil
}

// Append stores value under a key generated by the store's key assigner
// and returns the key.
func (tx *Tx) Append(store *Store, value []byte) ([]byte, error) {
	if err := tx.requireWritable(); err != nil {
		return nil, err
	}
	if store.keyAssigner == nil {
		return nil, storeErrf(store, nil, nil, nil, "no key assigner")
	}
	key, err := store.keyAssigner.AssignKey(tx, store, nil)
	if err != nil {
		return nil, err
	}
	if len(key) == 0 {
		return nil, storeErrf(store, nil, nil, errors.New("empty key"), "assigning key")
	}
	if err := tx.Insert(store, key, value); err != nil {
		return nil, err
	}
	return key, nil
}
