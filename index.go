package kvbind

import (
	"bytes"

	"github.com/andreyvit/kvbind/internal/memcmp"
	"github.com/andreyvit/kvbind/kvstore"
)

// Index buckets have no duplicate keys, so each entry is stored under
// memcmp(indexKey) ++ primaryKey with an empty value. The memcmp encoding is
// order preserving and prefix-free, so all entries of one index key are
// adjacent and sorted by primary key.

func appendIndexEntryKey(buf, indexKey, primaryKey []byte) []byte {
	buf = memcmp.AppendBytes(buf, indexKey)
	return append(buf, primaryKey...)
}

func indexKeyPrefix(buf, indexKey []byte) []byte {
	return memcmp.AppendBytes(buf, indexKey)
}

func splitIndexEntryKey(k []byte) (indexKey, primaryKey []byte, err error) {
	rest, ik, err := memcmp.DecodeBytes(k)
	if err != nil {
		return nil, nil, dataErrf(k, 0, err, "invalid index entry")
	}
	return ik, rest, nil
}

func (tx *Tx) extractIndexKey(idx *Index, e *Entry) ([]byte, error) {
	ik, err := idx.extractor.ExtractIndexKey(tx, e, nil)
	if err != nil {
		return nil, storeErrf(idx.store, idx, e.key, err, "extracting index key")
	}
	if len(ik) == 0 {
		return nil, nil
	}
	return ik, nil
}

// extractIndexKeys returns the key of every index of store for e, nil where
// the record has no entry.
func (tx *Tx) extractIndexKeys(store *Store, e *Entry) ([][]byte, error) {
	if len(store.indexes) == 0 {
		return nil, nil
	}
	keys := make([][]byte, len(store.indexes))
	for i, idx := range store.indexes {
		ik, err := tx.extractIndexKey(idx, e)
		if err != nil {
			return nil, err
		}
		keys[i] = ik
	}
	return keys, nil
}

func (tx *Tx) putIndexEntry(ib kvstore.Bucket, indexKey, primaryKey []byte) error {
	return ib.Put(appendIndexEntryKey(nil, indexKey, primaryKey), emptyIndexValue)
}

func (tx *Tx) deleteIndexEntry(ib kvstore.Bucket, indexKey, primaryKey []byte) error {
	buf := appendIndexEntryKey(getKeyBytes(), indexKey, primaryKey)
	defer releaseKeyBytes(buf)
	return ib.Delete(buf)
}

// indexHasOther reports whether the index maps indexKey to any primary key
// other than primaryKey.
func (tx *Tx) indexHasOther(idx *Index, indexKey, primaryKey []byte) (bool, error) {
	ib, err := tx.indexBucket(idx)
	if err != nil {
		return false, err
	}
	prefix := indexKeyPrefix(getKeyBytes(), indexKey)
	defer releaseKeyBytes(prefix)
	c := ib.Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		if !bytes.Equal(k[len(prefix):], primaryKey) {
			return true, nil
		}
	}
	return false, nil
}

// IndexCursor walks index entries in index key order, duplicates in primary
// key order.
type IndexCursor struct {
	tx     *Tx
	idx    *Index
	rc     *RawRangeCursor
	ik, pk []byte
	err    error
}

func (c *IndexCursor) Next() bool {
	if c.err != nil || !c.rc.Next() {
		return false
	}
	c.ik, c.pk, c.err = splitIndexEntryKey(c.rc.Key())
	return c.err == nil
}

func (c *IndexCursor) Index() *Index      { return c.idx }
func (c *IndexCursor) IndexKey() []byte   { return c.ik }
func (c *IndexCursor) PrimaryKey() []byte { return c.pk }

func (c *IndexCursor) Err() error {
	if c.err != nil {
		return storeErrf(c.idx.store, c.idx, nil, c.err, "")
	}
	return c.rc.Err()
}

// Value fetches the primary record of the current entry.
func (c *IndexCursor) Value() ([]byte, error) {
	v, err := c.tx.Get(c.idx.store, c.pk)
	if IsNotFound(err) {
		return nil, storeErrf(c.idx.store, c.idx, c.pk, err, "stale index entry")
	}
	return v, err
}

// PrimaryKeys collects the primary keys of all remaining entries.
func (c *IndexCursor) PrimaryKeys() ([][]byte, error) {
	var result [][]byte
	for c.Next() {
		result = append(result, cloneBytes(c.pk))
	}
	return result, c.Err()
}

func (tx *Tx) newIndexCursor(idx *Index, rang RawRange) *IndexCursor {
	ib, err := tx.indexBucket(idx)
	if err != nil {
		return &IndexCursor{tx: tx, idx: idx, rc: errorCursor(err)}
	}
	return &IndexCursor{tx: tx, idx: idx, rc: rang.newCursor(ib.Cursor())}
}

// IndexScan iterates over the duplicates of indexKey, in primary key order.
func (tx *Tx) IndexScan(idx *Index, indexKey []byte) *IndexCursor {
	return tx.newIndexCursor(idx, RawPrefix(indexKeyPrefix(nil, indexKey)))
}

// IndexRange iterates over the entries whose index keys fall into rang.
func (tx *Tx) IndexRange(idx *Index, rang RawRange) *IndexCursor {
	if err := rang.validate(); err != nil {
		return &IndexCursor{tx: tx, idx: idx, rc: errorCursor(storeErrf(idx.store, idx, nil, err, "invalid range"))}
	}
	return tx.newIndexCursor(idx, encodeIndexRange(rang))
}

// encodeIndexRange translates a range of index keys into a range of index
// entry keys.
func encodeIndexRange(r RawRange) RawRange {
	if r.Prefix != nil {
		if r.Lower == nil {
			r.Lower, r.LowerInc = r.Prefix, true
		}
		if r.Upper == nil {
			if end := kvstore.PrefixEnd(r.Prefix); end != nil {
				r.Upper, r.UpperInc = end, false
			}
		}
	}
	out := RawRange{Reverse: r.Reverse}
	if r.Lower != nil {
		enc := indexKeyPrefix(nil, r.Lower)
		if r.LowerInc {
			out.Lower = enc
		} else {
			out.Lower = kvstore.PrefixEnd(enc)
		}
		out.LowerInc = true
	}
	if r.Upper != nil {
		enc := indexKeyPrefix(nil, r.Upper)
		if r.UpperInc {
			out.Upper = kvstore.PrefixEnd(enc)
		} else {
			out.Upper = enc
		}
		out.UpperInc = false
	}
	return out
}

// IndexGet returns the first primary key indexed under indexKey.
func (tx *Tx) IndexGet(idx *Index, indexKey []byte) ([]byte, error) {
	c := tx.IndexScan(idx, indexKey)
	if c.Next() {
		return c.PrimaryKey(), nil
	}
	if err := c.Err(); err != nil {
		return nil, err
	}
	return nil, ErrNotFound
}

// IndexCount returns the number of records indexed under indexKey.
func (tx *Tx) IndexCount(idx *Index, indexKey []byte) (int, error) {
	var n int
	c := tx.IndexScan(idx, indexKey)
	for c.Next() {
		n++
	}
	return n, c.Err()
}

// IndexDelete deletes every primary record indexed under indexKey and
// returns how many were deleted.
func (tx *Tx) IndexDelete(idx *Index, indexKey []byte) (int, error) {
	if err := tx.requireWritable(); err != nil {
		return 0, err
	}
	pks, err := tx.IndexScan(idx, indexKey).PrimaryKeys()
	if err != nil {
		return 0, err
	}
	var n int
	for _, pk := range pks {
		ok, err := tx.Delete(idx.store, pk)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}
