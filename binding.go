package kvbind

import (
	"reflect"

	"github.com/pkg/errors"

	"github.com/andreyvit/kvbind/tuple"
)

// DataBinding converts between a T and a single buffer (a key or a value).
// Bindings are stateless and may be shared between stores and goroutines.
type DataBinding[T any] interface {
	// ObjectToEntry appends the encoding of v to buf.
	ObjectToEntry(tx *Tx, v T, buf []byte) ([]byte, error)
	EntryToObject(tx *Tx, data []byte) (T, error)
}

// EntityBinding converts between an entity and a key/value pair.
//
// EntryToObject(tx, key, nil) must decode the key part alone and leave the
// value part zero. ObjectToKey and ObjectToValue must reproduce the buffers
// EntryToObject was given.
type EntityBinding[E any] interface {
	EntryToObject(tx *Tx, key, value []byte) (E, error)
	ObjectToKey(tx *Tx, e E, buf []byte) ([]byte, error)
	ObjectToValue(tx *Tx, e E, buf []byte) ([]byte, error)
}

// TupleBinding encodes T with the order-preserving tuple codec, which makes
// it suitable for keys. T must be a scalar, a byte array, a time.Time, or a
// struct of those.
type TupleBinding[T any] struct{}

func (TupleBinding[T]) ObjectToEntry(tx *Tx, v T, buf []byte) ([]byte, error) {
	out, err := tuple.Append(buf, v)
	if err != nil {
		return nil, &SerializationError{reflect.TypeOf(&v).Elem(), err}
	}
	return out, nil
}

func (TupleBinding[T]) EntryToObject(tx *Tx, data []byte) (T, error) {
	var result T
	if err := tuple.Unmarshal(data, &result); err != nil {
		var zero T
		return zero, &SerializationError{reflect.TypeOf(&result).Elem(), err}
	}
	return result, nil
}

// TupleFuncs is a tuple binding written by hand.
type TupleFuncs[T any] struct {
	Encode func(out *tuple.Output, v T)
	Decode func(in *tuple.Input) T
}

func (b TupleFuncs[T]) ObjectToEntry(tx *Tx, v T, buf []byte) ([]byte, error) {
	out := tuple.NewOutput(buf)
	b.Encode(out, v)
	if err := out.Err(); err != nil {
		return nil, &SerializationError{reflect.TypeOf(&v).Elem(), err}
	}
	return out.Bytes(), nil
}

func (b TupleFuncs[T]) EntryToObject(tx *Tx, data []byte) (T, error) {
	in := tuple.NewInput(data)
	v := b.Decode(in)
	err := in.Err()
	if err == nil && !in.AtEnd() {
		err = errors.Wrapf(tuple.ErrTrailingData, "%d bytes", in.Remaining())
	}
	if err != nil {
		var zero T
		return zero, &SerializationError{reflect.TypeOf(&v).Elem(), err}
	}
	return v, nil
}

// RawBinding passes bytes through unchanged. Decoded slices are copies.
type RawBinding struct{}

func (RawBinding) ObjectToEntry(tx *Tx, v []byte, buf []byte) ([]byte, error) {
	return append(buf, v...), nil
}

func (RawBinding) EntryToObject(tx *Tx, data []byte) ([]byte, error) {
	return cloneBytes(data), nil
}

// CompositeEntityBinding builds entities out of separately bound keys and
// values. Combine must tolerate a zero V, which it receives in key-only mode.
type CompositeEntityBinding[K, V, E any] struct {
	Keys    DataBinding[K]
	Values  DataBinding[V]
	Combine func(k K, v V) E
	Split   func(e E) (K, V)
}

func (b *CompositeEntityBinding[K, V, E]) EntryToObject(tx *Tx, key, value []byte) (E, error) {
	var zero E
	k, err := b.Keys.EntryToObject(tx, key)
	if err != nil {
		return zero, err
	}
	var v V
	if value != nil {
		v, err = b.Values.EntryToObject(tx, value)
		if err != nil {
			return zero, err
		}
	}
	return b.Combine(k, v), nil
}

func (b *CompositeEntityBinding[K, V, E]) ObjectToKey(tx *Tx, e E, buf []byte) ([]byte, error) {
	k, _ := b.Split(e)
	return b.Keys.ObjectToEntry(tx, k, buf)
}

func (b *CompositeEntityBinding[K, V, E]) ObjectToValue(tx *Tx, e E, buf []byte) ([]byte, error) {
	_, v := b.Split(e)
	return b.Values.ObjectToEntry(tx, v, buf)
}

// KeyOnly decodes just the key part of an entity.
func KeyOnly[E any](tx *Tx, b EntityBinding[E], key []byte) (E, error) {
	return b.EntryToObject(tx, key, nil)
}
