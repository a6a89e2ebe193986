package kvstore

import (
	"bytes"
	"sort"
	"sync"
	"time"

	"github.com/google/btree"
)

const memBTreeDegree = 16

type MemOptions struct {
	// WriteTimeout bounds how long BeginTx(true) waits for the current writer
	// to finish. Zero means wait forever. On timeout BeginTx returns ErrBusy.
	WriteTimeout time.Duration
}

type memStorage struct {
	mu      sync.Mutex
	buckets map[string]*memBucket
	closed  bool

	writer  chan struct{}
	done    chan struct{}
	timeout time.Duration
}

// NewMem returns a transient in-memory Storage. Every transaction works on a
// copy-on-write snapshot of all buckets; there is a single writer at a time.
func NewMem(opt MemOptions) Storage {
	return &memStorage{
		buckets: make(map[string]*memBucket),
		writer:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		timeout: opt.WriteTimeout,
	}
}

func (s *memStorage) BeginTx(writable bool) (Tx, error) {
	if writable {
		if err := s.acquireWriter(); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		if writable {
			<-s.writer
		}
		return nil, ErrClosed
	}

	snap := make(map[string]*memBucket, len(s.buckets))
	for k, b := range s.buckets {
		snap[k] = b.clone()
	}
	return &memTx{
		writable: writable,
		base:     s,
		buckets:  snap,
	}, nil
}

func (s *memStorage) acquireWriter() error {
	if s.timeout == 0 {
		select {
		case s.writer <- struct{}{}:
			return nil
		case <-s.done:
			return ErrClosed
		}
	}
	timer := time.NewTimer(s.timeout)
	defer timer.Stop()
	select {
	case s.writer <- struct{}{}:
		return nil
	case <-s.done:
		return ErrClosed
	case <-timer.C:
		return ErrBusy
	}
}

func (s *memStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.buckets = nil
		close(s.done)
	}
	return nil
}

type memTx struct {
	base     *memStorage
	writable bool
	buckets  map[string]*memBucket
	closed   bool
}

func (tx *memTx) Writable() bool { return tx.writable }

func (tx *memTx) release() {
	if tx.closed {
		return
	}
	tx.closed = true
	if tx.writable {
		<-tx.base.writer
	}
}

func (tx *memTx) Bucket(name string) Bucket {
	if tx.closed {
		panic("tx is closed")
	}
	b := tx.buckets[name]
	if b == nil {
		return nil
	}
	return memBucketHandle{tx: tx, b: b}
}

func (tx *memTx) CreateBucket(name string) (Bucket, error) {
	if tx.closed {
		panic("tx is closed")
	}
	if !tx.writable {
		return nil, ErrTxNotWritable
	}
	b := tx.buckets[name]
	if b == nil {
		b = &memBucket{tree: btree.New(memBTreeDegree)}
		tx.buckets[name] = b
	}
	return memBucketHandle{tx: tx, b: b}, nil
}

func (tx *memTx) DeleteBucket(name string) error {
	if tx.closed {
		panic("tx is closed")
	}
	if !tx.writable {
		return ErrTxNotWritable
	}
	if tx.buckets[name] == nil {
		return ErrBucketNotFound
	}
	delete(tx.buckets, name)
	return nil
}

func (tx *memTx) ForEachBucket(f func(name string) error) error {
	names := make([]string, 0, len(tx.buckets))
	for name := range tx.buckets {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := f(name); err != nil {
			return err
		}
	}
	return nil
}

func (tx *memTx) Commit() error {
	if tx.closed {
		return nil
	}
	if !tx.writable {
		return ErrTxNotWritable
	}
	tx.base.mu.Lock()
	defer tx.base.mu.Unlock()
	defer tx.release()
	if tx.base.closed {
		return ErrClosed
	}
	tx.base.buckets = tx.buckets
	return nil
}

func (tx *memTx) Rollback() error {
	tx.release()
	return nil
}

func (tx *memTx) Size() int64 { return 0 }

type memItem struct {
	key   []byte
	value []byte
}

func (a *memItem) Less(than btree.Item) bool {
	return bytes.Compare(a.key, than.(*memItem).key) < 0
}

type memBucket struct {
	tree *btree.BTree
	seq  uint64
}

func (b *memBucket) clone() *memBucket {
	return &memBucket{tree: b.tree.Clone(), seq: b.seq}
}

type memBucketHandle struct {
	tx *memTx
	b  *memBucket
}

func (b memBucketHandle) Get(key []byte) []byte {
	item := b.b.tree.Get(&memItem{key: key})
	if item == nil {
		return nil
	}
	return item.(*memItem).value
}

func (b memBucketHandle) Put(key, value []byte) error {
	if !b.tx.writable {
		return ErrTxNotWritable
	}
	b.b.tree.ReplaceOrInsert(&memItem{
		key:   append([]byte(nil), key...),
		value: append([]byte{}, value...),
	})
	return nil
}

func (b memBucketHandle) Delete(key []byte) error {
	if !b.tx.writable {
		return ErrTxNotWritable
	}
	b.b.tree.Delete(&memItem{key: key})
	return nil
}

func (b memBucketHandle) Cursor() Cursor {
	return &memCursor{tx: b.tx, b: b.b}
}

func (b memBucketHandle) NextSequence() (uint64, error) {
	if !b.tx.writable {
		return 0, ErrTxNotWritable
	}
	b.b.seq++
	return b.b.seq, nil
}

func (b memBucketHandle) Stats() BucketStats {
	var inuse int64
	b.b.tree.Ascend(func(i btree.Item) bool {
		item := i.(*memItem)
		inuse += int64(len(item.key) + len(item.value))
		return true
	})
	return BucketStats{
		KeyN:      b.b.tree.Len(),
		LeafInuse: inuse,
		LeafAlloc: inuse,
	}
}

// memCursor remembers the current key rather than a tree position, so every
// step is a fresh O(log n) descent. This keeps it valid across Put and Delete.
type memCursor struct {
	tx  *memTx
	b   *memBucket
	cur *memItem
	// off is set once the cursor has been positioned and ran off an end.
	off bool
}

func (c *memCursor) set(i btree.Item) ([]byte, []byte) {
	if i == nil {
		c.cur, c.off = nil, true
		return nil, nil
	}
	c.cur, c.off = i.(*memItem), false
	return c.cur.key, c.cur.value
}

func (c *memCursor) First() ([]byte, []byte) {
	return c.set(c.b.tree.Min())
}

func (c *memCursor) Last() ([]byte, []byte) {
	return c.set(c.b.tree.Max())
}

func (c *memCursor) Seek(seek []byte) ([]byte, []byte) {
	var found btree.Item
	c.b.tree.AscendGreaterOrEqual(&memItem{key: seek}, func(i btree.Item) bool {
		found = i
		return false
	})
	return c.set(found)
}

func (c *memCursor) SeekLast(prefix []byte) ([]byte, []byte) {
	end := PrefixEnd(prefix)
	if end == nil {
		return c.Last()
	}
	return c.set(c.before(end))
}

func (c *memCursor) before(key []byte) btree.Item {
	var found btree.Item
	c.b.tree.DescendLessOrEqual(&memItem{key: key}, func(i btree.Item) bool {
		if bytes.Equal(i.(*memItem).key, key) {
			return true
		}
		found = i
		return false
	})
	return found
}

func (c *memCursor) after(key []byte) btree.Item {
	var found btree.Item
	c.b.tree.AscendGreaterOrEqual(&memItem{key: key}, func(i btree.Item) bool {
		if bytes.Equal(i.(*memItem).key, key) {
			return true
		}
		found = i
		return false
	})
	return found
}

func (c *memCursor) Next() ([]byte, []byte) {
	if c.cur == nil {
		if c.off {
			return nil, nil
		}
		return c.First()
	}
	return c.set(c.after(c.cur.key))
}

func (c *memCursor) Prev() ([]byte, []byte) {
	if c.cur == nil {
		return nil, nil
	}
	return c.set(c.before(c.cur.key))
}

func (c *memCursor) Delete() error {
	if !c.tx.writable {
		return ErrTxNotWritable
	}
	if c.cur == nil {
		return nil
	}
	c.b.tree.Delete(c.cur)
	return nil
}
