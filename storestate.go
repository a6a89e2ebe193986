package kvbind

import (
	"time"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/andreyvit/kvbind/kvstore"
)

// storeState is persisted in the _state bucket under the store name. It
// remembers which indexes existed and were fully built during the previous
// run, so that Open can populate new indexes and drop removed ones.
type storeState struct {
	Indexes  map[string]*indexState `msgpack:"i"`
	LastSeen time.Time              `msgpack:"t"`

	store       *Store        `msgpack:"-"`
	indexStates []*indexState `msgpack:"-"`
}

type indexState struct {
	Built bool `msgpack:"b"`

	index *Index `msgpack:"-"`
}

func (ss *storeState) hasPendingIndexes() bool {
	for _, is := range ss.indexStates {
		if !is.Built {
			return true
		}
	}
	return false
}

func prepareStore(tx *Tx, store *Store, now time.Time) (*storeState, error) {
	isNew := tx.stx.Bucket(store.bucketName()) == nil
	if _, err := tx.stx.CreateBucket(store.bucketName()); err != nil {
		return nil, storeErrf(store, nil, nil, err, "creating bucket")
	}
	for _, idx := range store.indexes {
		if _, err := tx.stx.CreateBucket(idx.bucketName()); err != nil {
			return nil, storeErrf(store, idx, nil, err, "creating bucket")
		}
	}

	sb := tx.stx.Bucket(stateBucket)
	ss := new(storeState)
	if raw := sb.Get([]byte(store.name)); raw != nil {
		if err := msgpack.Unmarshal(raw, ss); err != nil {
			return nil, storeErrf(store, nil, nil, err, "decoding store state")
		}
	}
	ss.store = store
	if ss.Indexes == nil {
		ss.Indexes = make(map[string]*indexState)
	}
	ss.LastSeen = now
	ss.indexStates = make([]*indexState, len(store.indexes))

	for i, idx := range store.indexes {
		is := ss.Indexes[idx.name]
		if is == nil {
			// nothing to populate in a store that did not exist
			is = &indexState{Built: isNew}
			ss.Indexes[idx.name] = is
		}
		is.index = idx
		ss.indexStates[i] = is
	}
	for name, is := range ss.Indexes {
		if is.index == nil {
			if err := dropDeletedIndex(tx, store, name); err != nil {
				return nil, err
			}
			delete(ss.Indexes, name)
		}
	}
	return ss, nil
}

func dropDeletedIndex(tx *Tx, store *Store, name string) error {
	err := tx.stx.DeleteBucket(indexBucketName(store.name, name))
	if errors.Is(err, kvstore.ErrBucketNotFound) {
		return nil
	} else if err != nil {
		return storeErrf(store, nil, nil, err, "dropping index %s", name)
	}
	tx.db.logger.Infow("dropped index", "store", store.name, "index", name)
	return nil
}

// migrate populates indexes that have not been built yet. Populating checks
// unique and foreign key constraints like Put does, so an existing record
// that violates them fails Open.
func (ss *storeState) migrate(tx *Tx) error {
	if !ss.hasPendingIndexes() {
		return nil
	}
	store := ss.store
	var pending []*Index
	for _, is := range ss.indexStates {
		if !is.Built {
			pending = append(pending, is.index)
		}
	}
	tx.db.logger.Infow("building indexes", "store", store.name, "indexes", len(pending))
	start := time.Now()

	buckets := make([]kvstore.Bucket, len(pending))
	for i, idx := range pending {
		// leftovers of an interrupted build
		if err := tx.stx.DeleteBucket(idx.bucketName()); err != nil {
			return storeErrf(store, idx, nil, err, "resetting index")
		}
		ib, err := tx.stx.CreateBucket(idx.bucketName())
		if err != nil {
			return storeErrf(store, idx, nil, err, "resetting index")
		}
		buckets[i] = ib
	}

	var records int64
	c := tx.Scan(store, RawOO())
	for c.Next() {
		e := NewEntry(c.Key(), c.Value())
		for i, idx := range pending {
			ik, err := tx.extractIndexKey(idx, e)
			if err != nil {
				return err
			}
			if ik == nil {
				continue
			}
			if err := tx.checkNewIndexKey(idx, e.key, ik); err != nil {
				return err
			}
			if err := tx.putIndexEntry(buckets[i], ik, e.key); err != nil {
				return storeErrf(store, idx, e.key, err, "adding index entry")
			}
		}
		records++
		if records%100000 == 0 {
			tx.db.logger.Infow("still building indexes", "store", store.name, "records", records, "ms", time.Since(start).Milliseconds())
		}
	}
	if err := c.Err(); err != nil {
		return err
	}
	tx.markWritten()

	for _, idx := range pending {
		ss.indexStates[idx.pos].Built = true
	}
	tx.db.logger.Infow("built indexes", "store", store.name, "records", records, "ms", time.Since(start).Milliseconds())
	return nil
}

func (ss *storeState) save(tx *Tx) error {
	raw, err := msgpack.Marshal(ss)
	if err != nil {
		return storeErrf(ss.store, nil, nil, err, "encoding store state")
	}
	if err := tx.stx.Bucket(stateBucket).Put([]byte(ss.store.name), raw); err != nil {
		return storeErrf(ss.store, nil, nil, err, "saving store state")
	}
	return nil
}
