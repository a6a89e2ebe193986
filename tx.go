package kvbind

import (
	"fmt"
	"runtime/debug"
	"time"

	"github.com/pkg/errors"

	"github.com/andreyvit/kvbind/changelog"
	"github.com/andreyvit/kvbind/kvstore"
)

type Txish interface {
	DBTx() *Tx
}

// Tx is a transaction of the underlying store. Everything a single Put or
// Delete does (the record, its index entries, foreign key clears and
// cascades, new class IDs) happens inside one Tx and becomes visible
// atomically on Commit.
//
// A Tx must only be used from one goroutine.
type Tx struct {
	db       *DB
	stx      kvstore.Tx
	managed  bool
	writable bool

	written   bool
	committed bool
	closed    bool

	memo map[string]any

	changeHandler func(chg *Change)
	commitHooks   []func()
	logged        []changelog.Entry

	pendingClasses []*classEntry
	deleting       map[string]struct{}
	touched        []*Store

	startTime time.Time
	stack     []byte
}

func (db *DB) newTx(stx kvstore.Tx, managed bool) *Tx {
	tx := &Tx{
		db:        db,
		stx:       stx,
		managed:   managed,
		writable:  stx.Writable(),
		startTime: time.Now(),
	}
	if tx.writable {
		db.WriterCount.Add(1)
		db.WriteCount.Add(1)
	} else {
		db.ReaderCount.Add(1)
		db.ReadCount.Add(1)
	}
	if trackTxns {
		tx.stack = debug.Stack()
		db.addTx(tx)
	}
	return tx
}

// Begin starts a transaction that the caller must Close (and, if writable,
// Commit).
func (db *DB) Begin(writable bool) (*Tx, error) {
	if writable {
		db.PendingWriterCount.Add(1)
		defer db.PendingWriterCount.Add(-1)
	}
	stx, err := db.storage.BeginTx(writable)
	if err != nil {
		return nil, errors.Wrap(err, "kvbind: begin")
	}
	return db.newTx(stx, false), nil
}

// DBTx implements Txish
func (tx *Tx) DBTx() *Tx {
	return tx
}

func (tx *Tx) DB() *DB {
	return tx.db
}

func (tx *Tx) Schema() *Schema {
	return tx.db.schema
}

// Storage returns the underlying store transaction.
func (tx *Tx) Storage() kvstore.Tx {
	return tx.stx
}

// OnChange installs a handler called for every record put or deleted
// through this transaction, including foreign key clears and cascades.
func (tx *Tx) OnChange(f func(chg *Change)) {
	tx.changeHandler = f
}

// OnCommit registers f to run after the transaction commits successfully.
func (tx *Tx) OnCommit(f func()) {
	tx.commitHooks = append(tx.commitHooks, f)
}

// Tx runs f inside a transaction. A writable transaction is committed if f
// returns nil and rolled back otherwise, so an error from any single
// operation (for example an aborting foreign key) discards everything f did.
// Panics inside f are recovered and returned as errors.
func (db *DB) Tx(writable bool, f func(tx *Tx) error) error {
	tx, err := db.Begin(writable)
	if err != nil {
		return err
	}
	tx.managed = true
	defer tx.Close()

	err = safelyCall(f, tx)
	if err != nil {
		return err
	}
	if writable {
		return tx.Commit()
	}
	return nil
}

func (db *DB) Update(f func(tx *Tx) error) error {
	return db.Tx(true, f)
}

func (db *DB) View(f func(tx *Tx) error) error {
	return db.Tx(false, f)
}

type panicked struct {
	reason interface{}
	stack  string
}

func (p panicked) Error() string {
	return fmt.Sprintf("panic: %v\n\n%s", p.reason, p.stack)
}

func (p panicked) Unwrap() error {
	if err, ok := p.reason.(error); ok {
		return err
	}
	return nil
}

func safelyCall(fn func(*Tx) error, tx *Tx) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = panicked{p, string(debug.Stack())}
		}
	}()
	return fn(tx)
}

func (db *DB) BeginRead() *Tx {
	tx, err := db.Begin(false)
	if err != nil {
		panic(fmt.Errorf("failed to start reading: %w", err))
	}
	return tx
}

func (db *DB) Read(f func(tx *Tx)) {
	tx := db.BeginRead()
	defer tx.Close()
	f(tx)
}

func (db *DB) ReadErr(f func(tx *Tx) error) error {
	tx := db.BeginRead()
	defer tx.Close()
	return f(tx)
}

func (db *DB) Write(f func(tx *Tx)) {
	tx := db.BeginUpdate()
	defer tx.Close()
	f(tx)
	err := tx.Commit()
	if err != nil {
		panic(fmt.Errorf("commit: %w", err))
	}
}

func (db *DB) BeginUpdate() *Tx {
	tx, err := db.Begin(true)
	if err != nil {
		panic(fmt.Errorf("db.Begin(true) failed: %w", err))
	}
	return tx
}

func (tx *Tx) IsWritable() bool {
	return tx.writable
}

func (tx *Tx) requireWritable() error {
	if !tx.writable {
		return ErrReadOnlyTx
	}
	if tx.closed {
		return errors.New("kvbind: transaction is closed")
	}
	return nil
}

func (tx *Tx) markWritten() {
	tx.written = true
}

// Commit commits a writable transaction, runs the OnCommit hooks, and
// appends the changes to the change log. A change log failure is returned
// even though the transaction itself has been committed.
func (tx *Tx) Commit() error {
	if !tx.writable {
		return ErrReadOnlyTx
	}
	if tx.closed || tx.committed {
		return errors.New("kvbind: transaction is closed")
	}
	if tx.db.strict {
		if err := tx.verifyTouchedStores(); err != nil {
			return errors.Wrap(err, "kvbind: consistency check before commit")
		}
	}
	tx.db.lastSize.Store(tx.stx.Size())
	if err := tx.stx.Commit(); err != nil {
		return errors.Wrap(err, "kvbind: commit")
	}
	tx.committed = true
	tx.db.CommitCount.Add(1)
	for _, f := range tx.commitHooks {
		f()
	}
	tx.commitHooks = nil
	return tx.appendToChangeLog()
}

// Close rolls back the transaction unless it has been committed. It is safe
// to call Close more than once.
func (tx *Tx) Close() {
	if tx.closed {
		return
	}
	tx.closed = true
	if !tx.committed {
		if err := tx.stx.Rollback(); err != nil {
			tx.db.logger.Warnw("rollback failed", "err", err)
		}
		if tx.writable {
			tx.db.RollbackCount.Add(1)
		}
	}
	if tx.writable {
		tx.db.WriterCount.Add(-1)
	} else {
		tx.db.ReaderCount.Add(-1)
	}
	if trackTxns {
		tx.db.removeTx(tx)
	}
	tx.commitHooks = nil
	tx.pendingClasses = nil
	tx.logged = nil
	tx.touched = nil
}

func (tx *Tx) storeBucket(store *Store) (kvstore.Bucket, error) {
	b := tx.stx.Bucket(store.bucketName())
	if b == nil {
		return nil, storeErrf(store, nil, nil, kvstore.ErrBucketNotFound, "")
	}
	return b, nil
}

func (tx *Tx) indexBucket(idx *Index) (kvstore.Bucket, error) {
	b := tx.stx.Bucket(idx.bucketName())
	if b == nil {
		return nil, storeErrf(idx.store, idx, nil, kvstore.ErrBucketNotFound, "")
	}
	return b, nil
}

func (tx *Tx) isVerboseLoggingEnabled() bool {
	return tx.db.verbose
}

func (tx *Tx) GetMemo(key string) (any, bool) {
	v, found := tx.memo[key]
	return v, found
}

func (tx *Tx) Memo(key string, f func() (any, error)) (any, error) {
	v, found := tx.memo[key]
	if found {
		if e, ok := v.(error); ok {
			return nil, e
		}
		return v, nil
	}

	if tx.memo == nil {
		tx.memo = make(map[string]any)
	}

	v, err := f()
	if err != nil {
		tx.memo[key] = err
	} else {
		tx.memo[key] = v
	}
	return v, err
}

func Memo[T any](txish Txish, key string, f func() (T, error)) (T, error) {
	tx := txish.DBTx()
	v, err := tx.Memo(key, func() (any, error) {
		return f()
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}
