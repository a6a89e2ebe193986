package kvstore

import (
	"os"
	"time"
	"unsafe"

	"github.com/pkg/errors"
	"go.etcd.io/bbolt"
)

type BoltOptions struct {
	// IsTesting trades durability for speed: no fsync, small initial mmap.
	IsTesting bool
	MmapSize  int
	NoSync    bool
	Timeout   time.Duration
	ReadOnly  bool
}

type boltStorage struct {
	bdb *bbolt.DB
}

// OpenBolt opens (creating if needed) a Bolt database file.
func OpenBolt(path string, opt BoltOptions) (Storage, error) {
	bopt := new(bbolt.Options)
	*bopt = *bbolt.DefaultOptions
	bopt.Timeout = 10 * time.Second
	if opt.Timeout != 0 {
		bopt.Timeout = opt.Timeout
	}
	if opt.IsTesting {
		bopt.NoSync = true
		bopt.NoFreelistSync = true
		bopt.InitialMmapSize = 1024 * 1024 * 5
	} else {
		bopt.InitialMmapSize = 1024 * 1024 * 1024
		bopt.FreelistType = bbolt.FreelistMapType
	}
	if opt.MmapSize != 0 {
		bopt.InitialMmapSize = opt.MmapSize
	}
	if opt.NoSync {
		bopt.NoSync = true
	}
	bopt.ReadOnly = opt.ReadOnly

	var mode os.FileMode = 0666
	bdb, err := bbolt.Open(path, mode, bopt)
	if err != nil {
		return nil, errors.Wrapf(err, "kvstore: opening %s", path)
	}
	return NewBolt(bdb), nil
}

// NewBolt wraps an already open Bolt database. Closing the storage closes it.
func NewBolt(bdb *bbolt.DB) Storage {
	return &boltStorage{bdb: bdb}
}

// Bolt returns the underlying database of a storage created by OpenBolt or
// NewBolt, or nil for other storages.
func Bolt(s Storage) *bbolt.DB {
	if bs, ok := s.(*boltStorage); ok {
		return bs.bdb
	}
	return nil
}

func (s *boltStorage) BeginTx(writable bool) (Tx, error) {
	btx, err := s.bdb.Begin(writable)
	if err == bbolt.ErrDatabaseNotOpen {
		return nil, ErrClosed
	} else if err != nil {
		return nil, err
	}
	return &boltTx{btx: btx}, nil
}

func (s *boltStorage) Close() error {
	return s.bdb.Close()
}

type boltTx struct {
	btx *bbolt.Tx
}

func (tx *boltTx) Writable() bool { return tx.btx.Writable() }

func (tx *boltTx) Bucket(name string) Bucket {
	b := tx.btx.Bucket(unsafeBytesFromString(name))
	if b == nil {
		return nil
	}
	return boltBucket{b: b}
}

func (tx *boltTx) CreateBucket(name string) (Bucket, error) {
	if !tx.btx.Writable() {
		return nil, ErrTxNotWritable
	}
	b, err := tx.btx.CreateBucketIfNotExists([]byte(name))
	if err != nil {
		return nil, err
	}
	return boltBucket{b: b}, nil
}

func (tx *boltTx) DeleteBucket(name string) error {
	if !tx.btx.Writable() {
		return ErrTxNotWritable
	}
	err := tx.btx.DeleteBucket(unsafeBytesFromString(name))
	if err == bbolt.ErrBucketNotFound {
		return ErrBucketNotFound
	}
	return err
}

func (tx *boltTx) ForEachBucket(f func(name string) error) error {
	return tx.btx.ForEach(func(name []byte, _ *bbolt.Bucket) error {
		return f(string(name))
	})
}

func (tx *boltTx) Commit() error { return tx.btx.Commit() }

func (tx *boltTx) Rollback() error {
	err := tx.btx.Rollback()
	if err == bbolt.ErrTxClosed {
		return nil
	}
	return err
}

func (tx *boltTx) Size() int64 { return tx.btx.Size() }

type boltBucket struct {
	b *bbolt.Bucket
}

func (b boltBucket) Get(key []byte) []byte { return b.b.Get(key) }

func (b boltBucket) Put(key, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	return b.b.Put(key, value)
}

func (b boltBucket) Delete(key []byte) error { return b.b.Delete(key) }

func (b boltBucket) Cursor() Cursor { return boltCursor{c: b.b.Cursor()} }

func (b boltBucket) NextSequence() (uint64, error) { return b.b.NextSequence() }

func (b boltBucket) Stats() BucketStats {
	s := b.b.Stats()
	return BucketStats{
		KeyN:        s.KeyN,
		LeafInuse:   int64(s.LeafInuse),
		LeafAlloc:   int64(s.LeafAlloc),
		BranchAlloc: int64(s.BranchAlloc),
	}
}

type boltCursor struct {
	c *bbolt.Cursor
}

func (c boltCursor) First() ([]byte, []byte) { return c.c.First() }

func (c boltCursor) Last() ([]byte, []byte) { return c.c.Last() }

func (c boltCursor) Seek(seek []byte) ([]byte, []byte) { return c.c.Seek(seek) }

func (c boltCursor) SeekLast(prefix []byte) ([]byte, []byte) {
	end := PrefixEnd(prefix)
	if end == nil {
		return c.c.Last()
	}
	k, _ := c.c.Seek(end)
	if k == nil {
		return c.c.Last()
	}
	return c.c.Prev()
}

func (c boltCursor) Next() ([]byte, []byte) { return c.c.Next() }

func (c boltCursor) Prev() ([]byte, []byte) { return c.c.Prev() }

func (c boltCursor) Delete() error { return c.c.Delete() }

func unsafeBytesFromString(s string) []byte {
	return unsafe.Slice(unsafe.StringData(s), len(s))
}
