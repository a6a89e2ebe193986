package kvbind

import (
	"bytes"

	"github.com/pkg/errors"
)

// JoinCond selects the records of a store whose key in Index equals Key.
type JoinCond struct {
	Index *Index
	Key   []byte
}

func RawCond(idx *Index, indexKey []byte) JoinCond {
	return JoinCond{idx, indexKey}
}

// KeyCond encodes an index key with b and returns the matching condition.
func KeyCond[K any](tx *Tx, idx *Index, b DataBinding[K], key K) (JoinCond, error) {
	ik, err := b.ObjectToEntry(tx, key, nil)
	if err != nil {
		return JoinCond{}, err
	}
	return JoinCond{idx, ik}, nil
}

// JoinCursor yields the primary keys that satisfy every condition of a join,
// in ascending order.
//
// Every condition scans the duplicates of one index key, which are sorted by
// primary key, so the join leapfrogs: each cursor seeks to the largest
// primary key seen so far until they all agree.
type JoinCursor struct {
	tx    *Tx
	store *Store
	conds []joinCursor
	pk    []byte
	done  bool
	err   error
}

type joinCursor struct {
	idx    *Index
	prefix []byte
	rang   RawRange
	c      *RawRangeCursor
}

// Join starts a join over conds, which must all be indexes of one store.
func (tx *Tx) Join(conds ...JoinCond) *JoinCursor {
	jc := &JoinCursor{tx: tx}
	if len(conds) == 0 {
		jc.err = errors.New("kvbind: join needs at least one condition")
		return jc
	}
	jc.store = conds[0].Index.store
	for _, cond := range conds {
		if cond.Index.store != jc.store {
			jc.err = errors.Wrapf(ErrJoinStores, "%s and %s", conds[0].Index.FullName(), cond.Index.FullName())
			return jc
		}
		ib, err := tx.indexBucket(cond.Index)
		if err != nil {
			jc.err = err
			return jc
		}
		prefix := indexKeyPrefix(nil, cond.Key)
		rang := RawPrefix(prefix)
		jc.conds = append(jc.conds, joinCursor{
			idx:    cond.Index,
			prefix: prefix,
			rang:   rang,
			c:      rang.newCursor(ib.Cursor()),
		})
	}
	return jc
}

func (jc *JoinCursor) Store() *Store { return jc.store }

func (jc *JoinCursor) Next() bool {
	if jc.err != nil || jc.done {
		return false
	}
	first := &jc.conds[0]
	if !first.c.Next() {
		return jc.finish(first)
	}
	max := first.c.Key()[len(first.prefix):]

	for {
		agreed := true
		for i := range jc.conds {
			cur := &jc.conds[i]
			k, ok := cur.seek(max)
			if !ok {
				return jc.finish(cur)
			}
			if pk := k[len(cur.prefix):]; !bytes.Equal(pk, max) {
				max = pk
				agreed = false
			}
		}
		if agreed {
			jc.pk = cloneBytes(max)
			return true
		}
	}
}

func (jc *JoinCursor) finish(cur *joinCursor) bool {
	jc.done = true
	jc.pk = nil
	jc.err = cur.c.Err()
	return false
}

// seek positions the cursor on its first entry whose primary key is at
// least pk.
func (cur *joinCursor) seek(pk []byte) ([]byte, bool) {
	if k := cur.c.Key(); k != nil && bytes.Compare(k[len(cur.prefix):], pk) >= 0 {
		return k, true
	}
	target := append(cloneBytes(cur.prefix), pk...)
	rang := cur.rang
	rang.Lower, rang.LowerInc = target, true
	cur.c.rang = rang
	cur.c.init = false
	if !cur.c.Next() {
		return nil, false
	}
	return cur.c.Key(), true
}

// PrimaryKey returns the current primary key. It stays valid after the
// transaction ends.
func (jc *JoinCursor) PrimaryKey() []byte { return jc.pk }

func (jc *JoinCursor) Value() ([]byte, error) {
	return jc.tx.Get(jc.store, jc.pk)
}

func (jc *JoinCursor) Err() error { return jc.err }

// PrimaryKeys collects the primary keys of all remaining matches.
func (jc *JoinCursor) PrimaryKeys() ([][]byte, error) {
	var result [][]byte
	for jc.Next() {
		result = append(result, jc.pk)
	}
	return result, jc.Err()
}
