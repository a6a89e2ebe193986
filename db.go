package kvbind

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/andreyvit/kvbind/changelog"
	"github.com/andreyvit/kvbind/kvstore"
)

const trackTxns = true

type DB struct {
	storage kvstore.Storage
	schema  *Schema
	logger  *zap.SugaredLogger
	verbose bool
	strict  bool

	catalog     *Catalog
	metrics     *metrics
	storeStates []*storeState
	changeLog   *changelog.Log

	lastSize           atomic.Int64
	ReaderCount        atomic.Int64
	WriterCount        atomic.Int64
	ReadCount          atomic.Uint64
	WriteCount         atomic.Uint64
	CommitCount        atomic.Uint64
	RollbackCount      atomic.Uint64
	PendingWriterCount atomic.Int64

	txns     []*Tx
	txnsLock sync.Mutex
}

type Options struct {
	// Logger receives index maintenance messages and, with Verbose, a line
	// per mutation. Defaults to a no-op logger.
	Logger  *zap.Logger
	Verbose bool

	// IsTesting trades durability for speed and verifies the indexes of
	// every changed store before each commit (see Tx.VerifyIndexes).
	IsTesting bool
	MmapSize  int
	NoSync    bool

	// Registerer, if set, receives the database's prometheus collectors.
	Registerer prometheus.Registerer

	// ChangeLog, if set, receives the changes of every committed
	// transaction. The caller owns it and closes it after the DB.
	ChangeLog *changelog.Log
}

// OpenBolt opens (creating if needed) a Bolt database file.
func OpenBolt(path string, schema *Schema, opt Options) (*DB, error) {
	storage, err := kvstore.OpenBolt(path, kvstore.BoltOptions{
		IsTesting: opt.IsTesting,
		MmapSize:  opt.MmapSize,
		NoSync:    opt.NoSync,
		Timeout:   10 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	db, err := Open(storage, schema, opt)
	if err != nil {
		storage.Close()
		return nil, err
	}
	return db, nil
}

// OpenMem opens a transient in-memory database.
func OpenMem(schema *Schema, opt Options) (*DB, error) {
	return Open(kvstore.NewMem(kvstore.MemOptions{}), schema, opt)
}

// Open prepares storage for schema: creates missing buckets, builds indexes
// that were added since the last run and drops the ones that were removed.
// The DB takes ownership of storage.
func Open(storage kvstore.Storage, schema *Schema, opt Options) (*DB, error) {
	logger := opt.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	db := &DB{
		storage:     storage,
		schema:      schema,
		logger:      logger.Sugar(),
		verbose:     opt.Verbose,
		strict:      opt.IsTesting,
		storeStates: make([]*storeState, len(schema.stores)),
		changeLog:   opt.ChangeLog,
	}
	db.catalog = newCatalog(db)

	var err error
	db.metrics, err = newMetrics(opt.Registerer)
	if err != nil {
		return nil, errors.Wrap(err, "kvbind: registering metrics")
	}

	err = db.Tx(true, func(tx *Tx) error {
		if _, err := tx.stx.CreateBucket(catalogBucket); err != nil {
			return err
		}
		if _, err := tx.stx.CreateBucket(stateBucket); err != nil {
			return err
		}
		now := time.Now()
		for i, store := range schema.stores {
			ss, err := prepareStore(tx, store, now)
			if err != nil {
				return err
			}
			db.storeStates[i] = ss
		}
		for _, ss := range db.storeStates {
			if err := ss.migrate(tx); err != nil {
				return err
			}
		}
		for _, ss := range db.storeStates {
			if err := ss.save(tx); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "kvbind: opening")
	}
	return db, nil
}

func (db *DB) Storage() kvstore.Storage {
	return db.storage
}

func (db *DB) Schema() *Schema {
	return db.schema
}

func (db *DB) Catalog() *Catalog {
	return db.catalog
}

func (db *DB) Logger() *zap.SugaredLogger {
	return db.logger
}

// Size returns the database size as of the most recently finished transaction.
func (db *DB) Size() int64 {
	return db.lastSize.Load()
}

func (db *DB) Close() error {
	err := db.storage.Close()
	if err != nil {
		return errors.Wrap(err, "kvbind: closing")
	}
	return nil
}

func (db *DB) addTx(tx *Tx) {
	db.txnsLock.Lock()
	defer db.txnsLock.Unlock()
	db.txns = append(db.txns, tx)
}

func (db *DB) removeTx(tx *Tx) {
	db.txnsLock.Lock()
	defer db.txnsLock.Unlock()

	found := -1
	for i, t := range db.txns {
		if t == tx {
			found = i
			break
		}
	}
	if found < 0 {
		panic("tx not found in list")
	}

	n := len(db.txns)
	db.txns[found] = db.txns[n-1]
	db.txns[n-1] = nil // ensure it gets collected
	db.txns = db.txns[:n-1]
}

func (db *DB) DescribeOpenTxns() string {
	if !trackTxns {
		return "OPEN TX TRACKING DISABLED"
	}

	db.txnsLock.Lock()
	txns := slices.Clone(db.txns)
	db.txnsLock.Unlock()

	if len(txns) == 0 {
		return "NO OPEN TRANSACTIONS"
	}

	slices.SortFunc(txns, func(a, b *Tx) int {
		return a.startTime.Compare(b.startTime)
	})

	now := time.Now()

	var buf strings.Builder
	fmt.Fprintf(&buf, "%d OPEN TRANSACTIONS:\n", len(txns))
	for _, tx := range txns {
		ms := now.Sub(tx.startTime).Milliseconds()
		if ms < 100 {
			fmt.Fprintf(&buf, "\n---\nopen for %d ms\n", ms)
		} else {
			fmt.Fprintf(&buf, "\n---\nopen for %d ms:\n%s", ms, tx.stack)
		}
	}

	return buf.String()
}

func (db *DB) storeState(store *Store) *storeState {
	return db.storeStates[store.pos]
}
