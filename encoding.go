package kvbind

import (
	"bytes"
	"encoding/json"
	"reflect"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
	"go.mongodb.org/mongo-driver/bson"
)

type encodingMethod int

const (
	MsgPack encodingMethod = iota
	JSON
	BSON
)

func (enc encodingMethod) String() string {
	switch enc {
	case MsgPack:
		return "msgpack"
	case JSON:
		return "json"
	case BSON:
		return "bson"
	default:
		return "invalid"
	}
}

func (enc encodingMethod) EncodeValue(buf []byte, objVal reflect.Value) ([]byte, error) {
	switch enc {
	case MsgPack:
		bb := bytesBuilder{buf}
		enc := msgpack.GetEncoder()
		enc.ResetDict(&bb, nil)
		enc.SetSortMapKeys(true)
		err := enc.EncodeValue(objVal)
		msgpack.PutEncoder(enc)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to encode %v using MsgPack", objVal.Type())
		}
		return bb.Buf, nil
	case JSON:
		raw, err := json.Marshal(objVal.Interface())
		if err != nil {
			return nil, errors.Wrapf(err, "failed to encode %v to JSON", objVal.Type())
		}
		return appendRaw(buf, raw), nil
	case BSON:
		out, err := bson.MarshalAppend(buf, objVal.Interface())
		if err != nil {
			return nil, errors.Wrapf(err, "failed to encode %v to BSON", objVal.Type())
		}
		return out, nil
	default:
		panic("unsupported encoding")
	}
}

func (enc encodingMethod) DecodeValue(buf []byte, objPtrVal reflect.Value) error {
	switch enc {
	case MsgPack:
		var r bytes.Reader
		r.Reset(buf)
		dec := msgpack.GetDecoder()
		dec.ResetDict(&r, nil)
		err := dec.DecodeValue(objPtrVal)
		msgpack.PutDecoder(dec)
		if err != nil {
			return dataErrf(buf, 0, err, "failed to decode msgpack into %v", objPtrVal.Type())
		}
		return nil
	case JSON:
		err := json.Unmarshal(buf, objPtrVal.Interface())
		if err != nil {
			return dataErrf(buf, 0, err, "failed to decode JSON into %v", objPtrVal.Type())
		}
		return nil
	case BSON:
		err := bson.Unmarshal(buf, objPtrVal.Interface())
		if err != nil {
			return dataErrf(buf, 0, err, "failed to decode BSON into %v", objPtrVal.Type())
		}
		return nil
	default:
		panic("unsupported encoding")
	}
}

// EncodedBinding stores T with a self-describing encoding. Unlike
// SerialBinding it needs no catalog, but repeats field names in every record
// and is not order preserving, so it is meant for values rather than keys.
type EncodedBinding[T any] struct {
	enc encodingMethod
}

func MsgPackBinding[T any]() EncodedBinding[T] { return EncodedBinding[T]{MsgPack} }
func JSONBinding[T any]() EncodedBinding[T]    { return EncodedBinding[T]{JSON} }

// BSONBinding encodes T as a BSON document, so T must be a struct, a map or
// a pointer to one of those.
func BSONBinding[T any]() EncodedBinding[T] { return EncodedBinding[T]{BSON} }

func (b EncodedBinding[T]) ObjectToEntry(tx *Tx, v T, buf []byte) ([]byte, error) {
	out, err := b.enc.EncodeValue(buf, reflect.ValueOf(&v).Elem())
	if err != nil {
		return nil, &SerializationError{reflect.TypeOf(&v).Elem(), err}
	}
	return out, nil
}

func (b EncodedBinding[T]) EntryToObject(tx *Tx, data []byte) (T, error) {
	var result T
	if err := b.enc.DecodeValue(data, reflect.ValueOf(&result)); err != nil {
		var zero T
		return zero, &SerializationError{reflect.TypeOf(&result).Elem(), err}
	}
	return result, nil
}
