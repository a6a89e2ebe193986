package kvbind

import (
	"fmt"
	"slices"

	"github.com/pkg/errors"

	"github.com/andreyvit/kvbind/changelog"
)

type (
	// Change describes a record written or deleted by a transaction. The
	// byte slices are only valid until the transaction ends.
	Change struct {
		store    *Store
		op       Op
		key      []byte
		value    []byte
		oldValue []byte
		cause    *Index
	}

	Op int
)

const (
	OpNone   Op = 0
	OpPut    Op = 1
	OpDelete Op = 2
)

func (chg *Change) Store() *Store {
	return chg.store
}
func (chg *Change) Op() Op {
	return chg.op
}
func (chg *Change) Key() []byte {
	return chg.key
}

// Value is the new value of a put record, nil for deletes.
func (chg *Change) Value() []byte {
	return chg.value
}
func (chg *Change) HasOldValue() bool {
	return chg.oldValue != nil
}
func (chg *Change) OldValue() []byte {
	return chg.oldValue
}

// Cause returns the foreign key whose clear or cascade policy made this
// change, or nil for changes requested directly.
func (chg *Change) Cause() *Index {
	return chg.cause
}

func (chg *Change) String() string {
	if chg.cause != nil {
		return fmt.Sprintf("%v %s/%x (%s via %s)", chg.op, chg.store.name, chg.key, chg.cause.policy, chg.cause.FullName())
	}
	return fmt.Sprintf("%v %s/%x", chg.op, chg.store.name, chg.key)
}

func (v Op) String() string {
	switch v {
	case OpNone:
		return "none"
	case OpPut:
		return "put"
	case OpDelete:
		return "delete"
	default:
		return fmt.Sprintf("invalid op %d", int(v))
	}
}

func (tx *Tx) notify(chg *Change) {
	if tx.db.strict && !slices.Contains(tx.touched, chg.store) {
		tx.touched = append(tx.touched, chg.store)
	}
	if tx.db.changeLog != nil {
		tx.logged = append(tx.logged, chg.logEntry())
	}
	if tx.changeHandler != nil {
		tx.changeHandler(chg)
	}
}

func (chg *Change) logEntry() changelog.Entry {
	e := changelog.Entry{
		Store: chg.store.name,
		Key:   cloneBytes(chg.key),
		Value: cloneBytes(chg.value),
	}
	switch chg.op {
	case OpPut:
		e.Op = changelog.Put
	case OpDelete:
		e.Op = changelog.Delete
	}
	if chg.cause != nil {
		e.Cause = chg.cause.FullName()
	}
	return e
}

func (tx *Tx) appendToChangeLog() error {
	if len(tx.logged) == 0 {
		return nil
	}
	entries := tx.logged
	tx.logged = nil
	txn, err := tx.db.changeLog.Append(entries)
	if err != nil {
		tx.db.logger.Errorw("change log append failed", "entries", len(entries), "err", err)
		return errors.Wrap(err, "kvbind: committed, but the change log append failed")
	}
	if tx.isVerboseLoggingEnabled() {
		tx.db.logger.Debugf("db: LOGGED txn %d (%d changes)", txn, len(entries))
	}
	return nil
}
