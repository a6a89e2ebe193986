package kvbind

import (
	"bytes"

	"github.com/andreyvit/kvbind/kvstore"
)

// RawRange defines a range of byte strings. The constructors use mnemonics:
// O means open, I means inclusive, E means exclusive; the first letter is for
// the lower bound, the second for the upper bound.
type RawRange struct {
	Prefix   []byte
	Lower    []byte
	Upper    []byte
	LowerInc bool
	UpperInc bool
	Reverse  bool
}

func RawOO() RawRange            { return RawRange{} }
func RawIO(l []byte) RawRange    { return RawRange{Lower: l, LowerInc: true} }
func RawEO(l []byte) RawRange    { return RawRange{Lower: l, LowerInc: false} }
func RawOI(u []byte) RawRange    { return RawRange{Upper: u, UpperInc: true} }
func RawOE(u []byte) RawRange    { return RawRange{Upper: u, UpperInc: false} }
func RawII(l, u []byte) RawRange { return RawRange{Lower: l, Upper: u, LowerInc: true, UpperInc: true} }
func RawIE(l, u []byte) RawRange {
	return RawRange{Lower: l, Upper: u, LowerInc: true, UpperInc: false}
}
func RawEI(l, u []byte) RawRange {
	return RawRange{Lower: l, Upper: u, LowerInc: false, UpperInc: true}
}
func RawEE(l, u []byte) RawRange {
	return RawRange{Lower: l, Upper: u, LowerInc: false, UpperInc: false}
}
func RawPrefix(p []byte) RawRange                { return RawRange{Prefix: p} }
func (rang RawRange) Prefixed(p []byte) RawRange { rang.Prefix = p; return rang }
func (rang RawRange) Reversed() RawRange         { rang.Reverse = true; return rang }

func (r *RawRange) start(c kvstore.Cursor) ([]byte, []byte) {
	var k, v []byte
	if r.Reverse {
		if upper := r.Upper; upper != nil {
			k, v = c.Seek(upper)
			if k == nil {
				k, v = c.Last()
			} else if cmp := bytes.Compare(k, upper); cmp > 0 || (cmp == 0 && !r.UpperInc) {
				k, v = c.Prev()
			}
		} else if r.Prefix != nil {
			k, v = c.SeekLast(r.Prefix)
		} else {
			k, v = c.Last()
		}
	} else {
		if lower := r.Lower; lower != nil {
			k, v = c.Seek(lower)
			if k != nil && !r.LowerInc && bytes.Equal(k, lower) {
				k, v = c.Next()
			}
		} else if r.Prefix != nil {
			k, v = c.Seek(r.Prefix)
		} else {
			k, v = c.First()
		}
	}
	if k != nil && r.match(k) {
		return k, v
	}
	return nil, nil
}

func (r *RawRange) next(c kvstore.Cursor) ([]byte, []byte) {
	var k, v []byte
	if r.Reverse {
		k, v = c.Prev()
	} else {
		k, v = c.Next()
	}
	if k != nil && r.match(k) {
		return k, v
	}
	return nil, nil
}

// match reports whether k is still inside the range, given that the scan
// started inside it.
func (r *RawRange) match(k []byte) bool {
	if r.Prefix != nil && !bytes.HasPrefix(k, r.Prefix) {
		return false
	}
	if r.Reverse {
		if lower := r.Lower; lower != nil {
			cmp := bytes.Compare(k, lower)
			if cmp < 0 || (cmp == 0 && !r.LowerInc) {
				return false
			}
		}
	} else {
		if upper := r.Upper; upper != nil {
			cmp := bytes.Compare(k, upper)
			if cmp > 0 || (cmp == 0 && !r.UpperInc) {
				return false
			}
		}
	}
	return true
}

func (r *RawRange) validate() error {
	if r.Prefix == nil {
		return nil
	}
	if r.Lower != nil && !bytes.HasPrefix(r.Lower, r.Prefix) {
		return dataErrf(r.Lower, 0, nil, "lower bound does not match prefix %x", r.Prefix)
	}
	if r.Upper != nil && !bytes.HasPrefix(r.Upper, r.Prefix) {
		return dataErrf(r.Upper, 0, nil, "upper bound does not match prefix %x", r.Prefix)
	}
	return nil
}

func (rang *RawRange) newCursor(c kvstore.Cursor) *RawRangeCursor {
	return &RawRangeCursor{rang: *rang, c: c}
}

// RawRangeCursor walks the raw keys and values of a bucket within a range.
// The slices it returns are only valid until the end of the transaction.
type RawRangeCursor struct {
	rang RawRange
	c    kvstore.Cursor
	k, v []byte
	init bool
	err  error
}

func errorCursor(err error) *RawRangeCursor {
	return &RawRangeCursor{err: err, init: true}
}

func (c *RawRangeCursor) Next() bool {
	if c.err != nil || (c.init && c.k == nil) {
		return false
	}
	if c.init {
		c.k, c.v = c.rang.next(c.c)
	} else {
		c.init = true
		c.k, c.v = c.rang.start(c.c)
	}
	return c.k != nil
}

func (c *RawRangeCursor) Key() []byte   { return c.k }
func (c *RawRangeCursor) Value() []byte { return c.v }
func (c *RawRangeCursor) Err() error    { return c.err }

// Scan iterates over the records of store whose primary keys fall into rang.
func (tx *Tx) Scan(store *Store, rang RawRange) *RawRangeCursor {
	if err := rang.validate(); err != nil {
		return errorCursor(storeErrf(store, nil, nil, err, "invalid range"))
	}
	b, err := tx.storeBucket(store)
	if err != nil {
		return errorCursor(err)
	}
	return rang.newCursor(b.Cursor())
}

// Keys collects all remaining keys of c. Keys are copied.
func (c *RawRangeCursor) Keys() ([][]byte, error) {
	var result [][]byte
	for c.Next() {
		result = append(result, cloneBytes(c.Key()))
	}
	return result, c.Err()
}
