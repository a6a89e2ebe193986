package kvbind

import (
	"bytes"
)

// Put stores value under key, overwriting any previous value, and brings
// all indexes of store up to date. Putting a byte-identical value is a no-op.
//
// Put fails with an *IntegrityError if a foreign key of the new value
// references a missing record, or if a unique index already maps the new
// index key to another record.
func (tx *Tx) Put(store *Store, key, value []byte) error {
	return tx.put(store, key, value, false, nil)
}

// Insert is like Put, but fails with ErrKeyExists if key is already present.
func (tx *Tx) Insert(store *Store, key, value []byte) error {
	return tx.put(store, key, value, true, nil)
}

func (tx *Tx) put(store *Store, key, value []byte, insert bool, cause *Index) error {
	if err := tx.requireWritable(); err != nil {
		return err
	}
	if len(key) == 0 {
		return storeErrf(store, nil, key, nil, "empty key")
	}
	b, err := tx.storeBucket(store)
	if err != nil {
		return err
	}

	old := b.Get(key)
	if old != nil {
		if insert {
			return storeErrf(store, nil, key, ErrKeyExists, "")
		}
		if bytes.Equal(old, value) {
			if tx.isVerboseLoggingEnabled() {
				tx.db.logger.Debugf("db: PUT.NOOP %s/%s", store.name, hexstr(key))
			}
			return nil
		}
		old = cloneBytes(old)
	}

	// the store may keep references to key and value until the end of tx
	key = cloneBytes(key)
	value = append(make([]byte, 0, len(value)), value...)

	var oldKeys [][]byte
	if old != nil {
		oldKeys, err = tx.extractIndexKeys(store, NewEntry(key, old))
		if err != nil {
			return err
		}
	}
	newKeys, err := tx.extractIndexKeys(store, NewEntry(key, value))
	if err != nil {
		return err
	}

	for i, idx := range store.indexes {
		nk := newKeys[i]
		if nk == nil || (oldKeys != nil && bytes.Equal(nk, oldKeys[i])) {
			continue
		}
		if err := tx.checkNewIndexKey(idx, key, nk); err != nil {
			return err
		}
	}

	if err := b.Put(key, value); err != nil {
		return storeErrf(store, nil, key, err, "put")
	}
	tx.markWritten()

	for i, idx := range store.indexes {
		var ok []byte
		if oldKeys != nil {
			ok = oldKeys[i]
		}
		nk := newKeys[i]
		if bytes.Equal(ok, nk) {
			continue
		}
		ib, err := tx.indexBucket(idx)
		if err != nil {
			return err
		}
		if ok != nil {
			if err := tx.deleteIndexEntry(ib, ok, key); err != nil {
				return storeErrf(store, idx, key, err, "deleting index entry")
			}
		}
		if nk != nil {
			if err := tx.putIndexEntry(ib, nk, key); err != nil {
				return storeErrf(store, idx, key, err, "adding index entry")
			}
		}
	}

	tx.db.metrics.puts.WithLabelValues(store.name).Inc()
	if tx.isVerboseLoggingEnabled() {
		tx.db.logger.Debugf("db: PUT %s/%s => %s", store.name, hexstr(key), tx.loggableValue(store, key, value))
	}
	tx.notify(&Change{
		store:    store,
		op:       OpPut,
		key:      key,
		value:    value,
		oldValue: old,
		cause:    cause,
	})
	return nil
}

func (tx *Tx) checkNewIndexKey(idx *Index, key, indexKey []byte) error {
	if foreign := idx.foreign; foreign != nil && !(foreign == idx.store && bytes.Equal(indexKey, key)) {
		found, err := tx.Exists(foreign, indexKey)
		if err != nil {
			return err
		}
		if !found {
			return &IntegrityError{
				Index:    idx,
				Key:      key,
				IndexKey: indexKey,
				Msg:      "referenced record does not exist in " + foreign.name,
			}
		}
	}
	if idx.unique {
		taken, err := tx.indexHasOther(idx, indexKey, key)
		if err != nil {
			return err
		}
		if taken {
			return &IntegrityError{
				Index:    idx,
				Key:      key,
				IndexKey: indexKey,
				Msg:      "unique index already maps this key to another record",
			}
		}
	}
	return nil
}
