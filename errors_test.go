package kvbind

import (
	"reflect"
	"strings"
	"testing"

	"github.com/pkg/errors"
)

func TestDataError_ErrorAndUnwrap(t *testing.T) {
	t.Run("small data", func(t *testing.T) {
		inner := errors.New("inner")
		err := dataErrf([]byte{0xAA, 0xBB}, 1, inner, "oops")
		var de *DataError
		if !errors.As(err, &de) {
			t.Fatalf("err = %T, wanted *DataError", err)
		}
		if !errors.Is(err, inner) {
			t.Fatalf("errors.Is(err, inner) = false, wanted true")
		}
		s := err.Error()
		if !strings.Contains(s, "oops") || !strings.Contains(s, "inner") || !strings.Contains(s, "(2) aabb") {
			t.Fatalf("err.Error() = %q, wanted message with oops/inner/(2) aabb", s)
		}
	})

	t.Run("large data includes prefix+suffix", func(t *testing.T) {
		data := make([]byte, 200)
		for i := range data {
			data[i] = byte(i)
		}
		s := dataErrf(data, 0, nil, "oops").Error()
		if !strings.Contains(s, "(200)") || !strings.Contains(s, "...") {
			t.Fatalf("err.Error() = %q, wanted message with (200) and ...", s)
		}
	})
}

func TestStoreError_ErrorAndUnwrap(t *testing.T) {
	scm := newShipmentSchema(Abort)
	inner := errors.New("inner")

	err := storeErrf(scm.suppliers, scm.suppliersByCity, []byte("k"), inner, "oops %d", 1)
	if !errors.Is(err, inner) {
		t.Fatalf("errors.Is(err, inner) = false, wanted true")
	}
	deepEqual(t, err.Error(), "suppliers.byCity/6b: oops 1: inner")
	deepEqual(t, storeErrf(scm.suppliers, nil, nil, inner, "").Error(), "suppliers: inner")
	deepEqual(t, storeErrf(scm.parts, nil, nil, nil, "empty key").Error(), "parts: empty key")
}

func TestIntegrityError(t *testing.T) {
	scm := newShipmentSchema(Abort)
	err := error(&IntegrityError{
		Index:      scm.shipmentsByPart,
		Key:        []byte{1},
		IndexKey:   []byte{2},
		Referenced: true,
		Msg:        "referenced by 1 record(s) of shipments",
	})
	if !IsIntegrityViolation(err) || !IsIntegrityViolation(storeErrf(scm.shipments, nil, nil, err, "wrapped")) {
		t.Fatalf("IsIntegrityViolation = false, wanted true")
	}
	deepEqual(t, err.Error(), "integrity constraint violation: shipments.byPart[02] for key 01: referenced by 1 record(s) of shipments")
	if IsNotFound(err) {
		t.Fatalf("IsNotFound = true, wanted false")
	}
}

func TestSerializationError(t *testing.T) {
	err := error(&SerializationError{reflect.TypeOf(Supplier{}), &UnknownClassIDError{42}})
	if !errors.Is(err, ErrUnknownClassID) {
		t.Fatalf("errors.Is(err, ErrUnknownClassID) = false, wanted true")
	}
	deepEqual(t, err.Error(), "serialization of kvbind.Supplier: unknown class ID 42")
}

func TestRetryable(t *testing.T) {
	if Retryable(nil) != nil {
		t.Fatalf("Retryable(nil) != nil")
	}
	inner := errors.New("inner")
	err := errors.Wrap(Retryable(inner), "context")
	if !isRetryable(err) || !errors.Is(err, inner) {
		t.Fatalf("isRetryable/Is = false for %v", err)
	}
	if isRetryable(inner) {
		t.Fatalf("isRetryable(inner) = true")
	}
}

func TestByteDecoder(t *testing.T) {
	buf := appendUvarint(nil, 300)
	buf = appendVarbytes(buf, []byte("hello"))
	buf = append(buf, 7)

	d := makeByteDecoder(buf)
	deepEqual(t, must(d.Uvarinti()), 300)
	deepEqual(t, must(d.VarBytes()), []byte("hello"))
	deepEqual(t, must(d.Byte()), byte(7))
	deepEqual(t, d.Off(), len(buf))

	if _, err := d.Byte(); err == nil {
		t.Fatalf("Byte() at end: err = nil, wanted error")
	}
	d = makeByteDecoder(appendVarbytes(nil, []byte("hello"))[:3])
	if _, err := d.VarBytes(); err == nil {
		t.Fatalf("VarBytes() truncated: err = nil, wanted error")
	}
}

func TestBytesBuilder(t *testing.T) {
	bb := bytesBuilder{[]byte("ab")}
	must(bb.Write([]byte("cd")))
	ensure(bb.WriteByte('e'))
	deepEqual(t, string(bb.Buf), "abcde")
}
