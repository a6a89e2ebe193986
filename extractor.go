package kvbind

import (
	"reflect"
)

// Entry is a primary record handed to key extractors. It caches the decoded
// value so that several indexes of one store decode it only once; replacing
// the value bytes with SetValue drops the cache.
type Entry struct {
	key   []byte
	value []byte

	memoBinding any
	memo        any
}

func NewEntry(key, value []byte) *Entry {
	return &Entry{key: key, value: value}
}

func (e *Entry) Key() []byte   { return e.key }
func (e *Entry) Value() []byte { return e.value }

func (e *Entry) SetValue(value []byte) {
	e.value = value
	e.memoBinding = nil
	e.memo = nil
}

// EntryValue decodes the value of e with b, reusing the previous result if
// e was last decoded by a binding equal to b. Bindings that are not
// comparable (such as TupleFuncs) always decode.
func EntryValue[V any](tx *Tx, e *Entry, b DataBinding[V]) (V, error) {
	comparable := reflect.ValueOf(b).Comparable()
	if comparable && e.memoBinding != nil && e.memoBinding == any(b) {
		if v, ok := e.memo.(V); ok {
			return v, nil
		}
	}
	v, err := b.EntryToObject(tx, e.value)
	if err != nil {
		return v, err
	}
	if comparable {
		e.memoBinding, e.memo = b, v
	} else {
		e.memoBinding, e.memo = nil, nil
	}
	return v, nil
}

// KeyExtractor derives an index key from a primary record. It must be a
// pure function of the entry.
type KeyExtractor interface {
	// ExtractIndexKey appends the index key of e to buf. Returning an
	// empty key means the record has no entry in the index.
	ExtractIndexKey(tx *Tx, e *Entry, buf []byte) ([]byte, error)

	// ClearIndexKey rewrites the value of e so that ExtractIndexKey yields
	// an empty key, and reports whether it changed anything. Extractors
	// that cannot do this return ErrClearUnsupported.
	ClearIndexKey(tx *Tx, e *Entry) (bool, error)
}

// ExtractorFunc adapts a function to a KeyExtractor that cannot clear keys.
type ExtractorFunc func(tx *Tx, e *Entry, buf []byte) ([]byte, error)

func (f ExtractorFunc) ExtractIndexKey(tx *Tx, e *Entry, buf []byte) ([]byte, error) {
	return f(tx, e, buf)
}

func (f ExtractorFunc) ClearIndexKey(tx *Tx, e *Entry) (bool, error) {
	return false, ErrClearUnsupported
}

// FieldExtractor indexes records by a key computed from the decoded value
// (and, if needed, the primary key). Get returns false when the record has
// no index key. Clear, if set, resets whatever Get looks at.
type FieldExtractor[V, K any] struct {
	Values DataBinding[V]
	Keys   DataBinding[K]
	Get    func(pk []byte, v *V) (K, bool)
	Clear  func(v *V)
}

func (x *FieldExtractor[V, K]) ExtractIndexKey(tx *Tx, e *Entry, buf []byte) ([]byte, error) {
	v, err := EntryValue(tx, e, x.Values)
	if err != nil {
		return nil, err
	}
	k, ok := x.Get(e.key, &v)
	if !ok {
		return nil, nil
	}
	return x.Keys.ObjectToEntry(tx, k, buf)
}

func (x *FieldExtractor[V, K]) ClearIndexKey(tx *Tx, e *Entry) (bool, error) {
	if x.Clear == nil {
		return false, ErrClearUnsupported
	}
	v, err := x.Values.EntryToObject(tx, e.value)
	if err != nil {
		return false, err
	}
	if _, ok := x.Get(e.key, &v); !ok {
		return false, nil
	}
	x.Clear(&v)
	data, err := x.Values.ObjectToEntry(tx, v, nil)
	if err != nil {
		return false, err
	}
	e.SetValue(data)
	return true, nil
}
