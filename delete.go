package kvbind

import (
	"bytes"
	"fmt"
)

// Delete removes the record stored under key and reports whether it existed.
//
// Foreign keys that reference store are processed first, in declaration
// order: Abort fails with an *IntegrityError, Clear rewrites every
// referencing record through its extractor's ClearIndexKey, Cascade deletes
// referencing records recursively. Only then are the record's own index
// entries and the record itself removed. On error the transaction holds
// partial changes and must be rolled back, which DB.Tx does.
func (tx *Tx) Delete(store *Store, key []byte) (bool, error) {
	return tx.delete(store, key, nil)
}

func (tx *Tx) delete(store *Store, key []byte, cause *Index) (bool, error) {
	if err := tx.requireWritable(); err != nil {
		return false, err
	}
	b, err := tx.storeBucket(store)
	if err != nil {
		return false, err
	}
	if b.Get(key) == nil {
		if tx.isVerboseLoggingEnabled() {
			tx.db.logger.Debugf("db: DELETE.NOOP %s/%s", store.name, hexstr(key))
		}
		return false, nil
	}

	// A cascade that comes back to a record already being deleted stops
	// here; the outer call finishes the job.
	guard := store.name + "\x00" + string(key)
	if _, busy := tx.deleting[guard]; busy {
		return false, nil
	}
	if tx.deleting == nil {
		tx.deleting = make(map[string]struct{})
	}
	tx.deleting[guard] = struct{}{}
	defer delete(tx.deleting, guard)

	key = cloneBytes(key)

	for _, fk := range store.referencedBy {
		refs, err := tx.IndexScan(fk, key).PrimaryKeys()
		if err != nil {
			return false, err
		}
		if len(refs) == 0 {
			continue
		}
		tx.db.metrics.fkActions.WithLabelValues(fk.FullName(), fk.policy.String()).Add(float64(len(refs)))
		if tx.isVerboseLoggingEnabled() {
			tx.db.logger.Debugf("db: FK.%s %s/%s: %d referencing record(s) in %s", fk.policy, store.name, hexstr(key), len(refs), fk.FullName())
		}

		switch fk.policy {
		case Abort:
			return false, &IntegrityError{
				Index:      fk,
				Key:        key,
				IndexKey:   key,
				Referenced: true,
				Msg:        fmt.Sprintf("referenced by %d record(s) of %s", len(refs), fk.store.name),
			}
		case Clear:
			for _, r := range refs {
				if err := tx.clearReference(fk, r, key); err != nil {
					return false, err
				}
			}
		case Cascade:
			for _, r := range refs {
				if _, err := tx.delete(fk.store, r, fk); err != nil {
					return false, err
				}
			}
		}
	}

	// clears of self-references may have rewritten the record
	value := b.Get(key)
	if value == nil {
		return true, nil
	}
	value = cloneBytes(value)

	keys, err := tx.extractIndexKeys(store, NewEntry(key, value))
	if err != nil {
		return false, err
	}
	for i, idx := range store.indexes {
		if keys[i] == nil {
			continue
		}
		ib, err := tx.indexBucket(idx)
		if err != nil {
			return false, err
		}
		if err := tx.deleteIndexEntry(ib, keys[i], key); err != nil {
			return false, storeErrf(store, idx, key, err, "deleting index entry")
		}
	}

	tx.notify(&Change{
		store:    store,
		op:       OpDelete,
		key:      key,
		oldValue: value,
		cause:    cause,
	})

	if err := b.Delete(key); err != nil {
		return false, storeErrf(store, nil, key, err, "delete")
	}
	tx.markWritten()

	tx.db.metrics.deletes.WithLabelValues(store.name).Inc()
	if tx.isVerboseLoggingEnabled() {
		tx.db.logger.Debugf("db: DELETE %s/%s", store.name, hexstr(key))
	}
	return true, nil
}

func (tx *Tx) clearReference(fk *Index, key, foreignKey []byte) error {
	b, err := tx.storeBucket(fk.store)
	if err != nil {
		return err
	}
	v := b.Get(key)
	if v == nil {
		return nil
	}
	e := NewEntry(key, cloneBytes(v))
	changed, err := fk.extractor.ClearIndexKey(tx, e)
	if err != nil {
		return storeErrf(fk.store, fk, key, err, "clearing reference to %s/%x", fk.foreign.name, foreignKey)
	}
	ik, err := tx.extractIndexKey(fk, e)
	if err != nil {
		return err
	}
	if bytes.Equal(ik, foreignKey) {
		return storeErrf(fk.store, fk, key, ErrClearUnsupported, "clearing left the reference to %s/%x in place", fk.foreign.name, foreignKey)
	}
	if !changed {
		return nil
	}
	return tx.put(fk.store, key, e.Value(), false, fk)
}
