package kvbind

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrNotFound is returned by lookups of a missing key. It is an ordinary
	// outcome, not a failure of the transaction.
	ErrNotFound = errors.New("not found")

	// ErrKeyExists is returned by Insert when the key is already present.
	ErrKeyExists = errors.New("key already exists")

	// ErrIntegrity is the sentinel behind every *IntegrityError.
	ErrIntegrity = errors.New("integrity constraint violation")

	// ErrUnknownClassID is the sentinel behind every *UnknownClassIDError.
	ErrUnknownClassID = errors.New("unknown class ID")

	// ErrReadOnlyTx is returned when a mutation (including assigning a new
	// class ID) is attempted in a read-only transaction.
	ErrReadOnlyTx = errors.New("transaction is read-only")

	// ErrClearUnsupported is returned by extractors that cannot clear their key.
	ErrClearUnsupported = errors.New("index key extractor does not support clearing")

	// ErrJoinStores is returned when joined indexes belong to different stores.
	ErrJoinStores = errors.New("joined indexes must belong to the same store")

	// ErrIndexMismatch is returned by VerifyIndexes when an index is out of
	// sync with its store.
	ErrIndexMismatch = errors.New("index does not match its store")
)

// DataError reports malformed bytes at a given offset.
type DataError struct {
	Data []byte
	Off  int
	Err  error
	Msg  string
}

func dataErrf(data []byte, off int, err error, format string, args ...any) error {
	return &DataError{data, off, err, fmt.Sprintf(format, args...)}
}

func (e *DataError) Unwrap() error {
	return e.Err
}

func (e *DataError) Error() string {
	const prefixLen = 64
	const suffixLen = 32
	n := len(e.Data)
	if n <= prefixLen+suffixLen {
		if e.Err != nil {
			return fmt.Sprintf("%s at %d: %v: (%d) %x", e.Msg, e.Off, e.Err, n, e.Data)
		} else {
			return fmt.Sprintf("%s at %d: (%d) %x", e.Msg, e.Off, n, e.Data)
		}
	} else {
		p, s := e.Data[:prefixLen], e.Data[n-suffixLen:]
		if e.Err != nil {
			return fmt.Sprintf("%s at %d: %v: (%d) %x...%x", e.Msg, e.Off, e.Err, n, p, s)
		} else {
			return fmt.Sprintf("%s at %d: (%d) %x...%x", e.Msg, e.Off, n, p, s)
		}
	}
}

// SerializationError is returned when an object cannot be serialized or
// deserialized: truncated bytes, an unknown class ID or an incompatible
// schema change. It is never retried.
type SerializationError struct {
	Type reflect.Type
	Err  error
}

func (e *SerializationError) Unwrap() error {
	return e.Err
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("serialization of %v: %v", e.Type, e.Err)
}

type UnknownClassIDError struct {
	ID ClassID
}

func (e *UnknownClassIDError) Error() string {
	return fmt.Sprintf("unknown class ID %d", uint64(e.ID))
}

func (e *UnknownClassIDError) Is(target error) bool {
	return target == ErrUnknownClassID
}

// IntegrityError is returned when a mutation would break a foreign key or
// unique index. The enclosing transaction must be rolled back, which DB.Tx
// does automatically.
type IntegrityError struct {
	Index      *Index
	Key        []byte
	IndexKey   []byte
	Referenced bool
	Msg        string
}

func (e *IntegrityError) Unwrap() error {
	return ErrIntegrity
}

func (e *IntegrityError) Error() string {
	var buf strings.Builder
	buf.WriteString(ErrIntegrity.Error())
	buf.WriteString(": ")
	buf.WriteString(e.Index.FullName())
	if e.IndexKey != nil {
		fmt.Fprintf(&buf, "[%x]", e.IndexKey)
	}
	if e.Key != nil {
		fmt.Fprintf(&buf, " for key %x", e.Key)
	}
	if e.Msg != "" {
		buf.WriteString(": ")
		buf.WriteString(e.Msg)
	}
	return buf.String()
}

// StoreError adds store, index and key context to errors coming from
// bindings, extractors and the underlying storage.
type StoreError struct {
	Store *Store
	Index *Index
	Key   []byte
	Msg   string
	Err   error
}

func storeErrf(store *Store, idx *Index, key []byte, err error, format string, args ...any) error {
	return &StoreError{store, idx, key, fmt.Sprintf(format, args...), err}
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func (e *StoreError) Error() string {
	var buf strings.Builder
	buf.WriteString(e.Store.Name())
	if e.Index != nil {
		buf.WriteByte('.')
		buf.WriteString(e.Index.Name())
	}
	if e.Key != nil {
		fmt.Fprintf(&buf, "/%x", e.Key)
	}
	if e.Msg != "" {
		buf.WriteString(": ")
		buf.WriteString(e.Msg)
		if e.Err != nil {
			buf.WriteString(": ")
			buf.WriteString(e.Err.Error())
		}
	} else if e.Err != nil {
		buf.WriteString(": ")
		buf.WriteString(e.Err.Error())
	}
	return buf.String()
}

// IsNotFound reports whether err means a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsIntegrityViolation reports whether err was caused by a foreign key or
// unique index constraint.
func IsIntegrityViolation(err error) bool {
	return errors.Is(err, ErrIntegrity)
}

type retryableError struct {
	err error
}

func (e retryableError) Error() string { return e.err.Error() }
func (e retryableError) Unwrap() error { return e.err }

// Retryable marks err as transient, so Runner retries the transaction that
// returned it.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return retryableError{err}
}

func isRetryable(err error) bool {
	var re retryableError
	return errors.As(err, &re)
}
