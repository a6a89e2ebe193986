package kvbind

import (
	"bytes"
)

// VerifyIndexes checks that every index of store holds exactly one entry per
// indexed record, under the index key the record currently extracts to.
// Databases opened with IsTesting run it on every store a transaction has
// changed, right before committing.
func (tx *Tx) VerifyIndexes(store *Store) error {
	b, err := tx.storeBucket(store)
	if err != nil {
		return err
	}
	for _, idx := range store.indexes {
		ib, err := tx.indexBucket(idx)
		if err != nil {
			return err
		}
		ic := ib.Cursor()

		var indexed int
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			ik, err := tx.extractIndexKey(idx, NewEntry(k, v))
			if err != nil {
				return err
			}
			if ik == nil {
				continue
			}
			indexed++
			entry := appendIndexEntryKey(nil, ik, k)
			if found, _ := ic.Seek(entry); !bytes.Equal(found, entry) {
				return storeErrf(store, idx, k, ErrIndexMismatch, "no entry for index key %s", hexstr(ik))
			}
		}

		var entries int
		for k, _ := ic.First(); k != nil; k, _ = ic.Next() {
			entries++
		}
		if entries != indexed {
			return storeErrf(store, idx, nil, ErrIndexMismatch, "%d entries for %d indexed records", entries, indexed)
		}
	}
	return nil
}

func (tx *Tx) verifyTouchedStores() error {
	for _, store := range tx.touched {
		if err := tx.VerifyIndexes(store); err != nil {
			return err
		}
	}
	return nil
}
