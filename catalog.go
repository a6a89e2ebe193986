package kvbind

import (
	"bytes"
	"encoding/binary"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/andreyvit/kvbind/kvstore"
)

// ClassID identifies one version of a ClassDescriptor. IDs are assigned in
// increasing order and never reused.
type ClassID uint64

// Catalog records of the _catalog bucket.
const (
	catalogLastID      = 0 // [0] => last assigned ID
	catalogDescriptor  = 1 // [1|id] => msgpack descriptor
	catalogName        = 2 // [2|name] => current ID of the class
	catalogFingerprint = 3 // [3|xxhash(descriptor)|id] => empty
)

// Catalog maps class descriptors to compact IDs. It is persisted in the
// database, so every change happens inside a transaction; the in-memory cache
// only ever holds IDs of committed transactions.
type Catalog struct {
	db *DB

	mu    sync.RWMutex
	byID  map[ClassID]*classEntry
	byRaw map[string]*classEntry
}

type classEntry struct {
	id   ClassID
	desc *ClassDescriptor
	raw  []byte
}

// ClassInfo describes one catalog record.
type ClassInfo struct {
	ID         ClassID
	Descriptor *ClassDescriptor
	Current    bool
}

func newCatalog(db *DB) *Catalog {
	return &Catalog{
		db:    db,
		byID:  make(map[ClassID]*classEntry),
		byRaw: make(map[string]*classEntry),
	}
}

func encodeClassDescriptor(desc *ClassDescriptor) ([]byte, error) {
	raw, err := msgpack.Marshal(desc)
	if err != nil {
		return nil, errors.Wrapf(err, "encoding class descriptor %s", desc.Name)
	}
	return raw, nil
}

func decodeClassDescriptor(raw []byte) (*ClassDescriptor, error) {
	desc := new(ClassDescriptor)
	if err := msgpack.Unmarshal(raw, desc); err != nil {
		return nil, dataErrf(raw, 0, err, "failed to decode class descriptor")
	}
	return desc, nil
}

func catalogKey(kind byte, suffix ...[]byte) []byte {
	n := 1
	for _, s := range suffix {
		n += len(s)
	}
	key := make([]byte, 0, n)
	key = append(key, kind)
	for _, s := range suffix {
		key = append(key, s...)
	}
	return key
}

func classIDBytes(id ClassID) []byte {
	return binary.BigEndian.AppendUint64(nil, uint64(id))
}

func fingerprintBytes(raw []byte) []byte {
	return binary.BigEndian.AppendUint64(nil, xxhash.Sum64(raw))
}

func (cat *Catalog) cached(raw []byte) *classEntry {
	cat.mu.RLock()
	defer cat.mu.RUnlock()
	return cat.byRaw[string(raw)]
}

func (cat *Catalog) cachedID(id ClassID) *classEntry {
	cat.mu.RLock()
	defer cat.mu.RUnlock()
	return cat.byID[id]
}

func (cat *Catalog) publish(entries ...*classEntry) {
	cat.mu.Lock()
	defer cat.mu.Unlock()
	for _, e := range entries {
		cat.byID[e.id] = e
		cat.byRaw[string(e.raw)] = e
	}
}

func (tx *Tx) catalogBucket() (kvstore.Bucket, error) {
	b := tx.stx.Bucket(catalogBucket)
	if b == nil {
		return nil, errors.Wrap(kvstore.ErrBucketNotFound, catalogBucket)
	}
	return b, nil
}

// GetOrAssignID returns the ID of desc, assigning a new one if this exact
// descriptor has never been seen. The assignment is written in tx and is
// only shared with other transactions once tx commits.
func (cat *Catalog) GetOrAssignID(tx *Tx, desc *ClassDescriptor) (ClassID, error) {
	raw, err := encodeClassDescriptor(desc)
	if err != nil {
		return 0, err
	}
	return cat.getOrAssignRaw(tx, desc, raw)
}

func (cat *Catalog) getOrAssignRaw(tx *Tx, desc *ClassDescriptor, raw []byte) (ClassID, error) {
	if e := cat.cached(raw); e != nil {
		return e.id, nil
	}
	for _, e := range tx.pendingClasses {
		if bytes.Equal(e.raw, raw) {
			return e.id, nil
		}
	}

	b, err := tx.catalogBucket()
	if err != nil {
		return 0, err
	}

	prefix := catalogKey(catalogFingerprint, fingerprintBytes(raw))
	c := b.Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		idBytes := k[len(prefix):]
		if len(idBytes) != 8 {
			return 0, dataErrf(k, len(prefix), nil, "invalid catalog fingerprint record")
		}
		if stored := b.Get(catalogKey(catalogDescriptor, idBytes)); bytes.Equal(stored, raw) {
			e := &classEntry{ClassID(binary.BigEndian.Uint64(idBytes)), desc, cloneBytes(raw)}
			cat.publish(e)
			return e.id, nil
		}
	}

	if !tx.writable {
		return 0, errors.Wrapf(ErrReadOnlyTx, "assigning class ID to %s", desc.Name)
	}

	var last uint64
	if v := b.Get(catalogKey(catalogLastID)); v != nil {
		if len(v) != 8 {
			return 0, dataErrf(v, 0, nil, "invalid last class ID")
		}
		last = binary.BigEndian.Uint64(v)
	}
	id := ClassID(last + 1)
	idBytes := classIDBytes(id)

	raw = cloneBytes(raw)
	if err := b.Put(catalogKey(catalogLastID), idBytes); err != nil {
		return 0, err
	}
	if err := b.Put(catalogKey(catalogDescriptor, idBytes), raw); err != nil {
		return 0, err
	}
	if err := b.Put(catalogKey(catalogName, []byte(desc.Name)), idBytes); err != nil {
		return 0, err
	}
	if err := b.Put(catalogKey(catalogFingerprint, fingerprintBytes(raw), idBytes), emptyIndexValue); err != nil {
		return 0, err
	}
	tx.markWritten()
	tx.addPendingClass(&classEntry{id, desc, raw})
	tx.db.metrics.classesAssigned.Inc()
	if tx.isVerboseLoggingEnabled() {
		tx.db.logger.Debugf("db: CLASS %s => %d", desc.Name, uint64(id))
	}
	return id, nil
}

// addPendingClass remembers a catalog entry that must not be shared before
// tx commits.
func (tx *Tx) addPendingClass(e *classEntry) {
	if len(tx.pendingClasses) == 0 {
		cat := tx.db.catalog
		tx.OnCommit(func() {
			cat.publish(tx.pendingClasses...)
		})
	}
	tx.pendingClasses = append(tx.pendingClasses, e)
}

// Resolve returns the descriptor an ID was assigned to. It fails with an
// *UnknownClassIDError if the ID is not in the catalog.
func (cat *Catalog) Resolve(tx *Tx, id ClassID) (*ClassDescriptor, error) {
	if e := cat.cachedID(id); e != nil {
		return e.desc, nil
	}
	for _, e := range tx.pendingClasses {
		if e.id == id {
			return e.desc, nil
		}
	}
	b, err := tx.catalogBucket()
	if err != nil {
		return nil, err
	}
	raw := b.Get(catalogKey(catalogDescriptor, classIDBytes(id)))
	if raw == nil {
		return nil, &UnknownClassIDError{id}
	}
	raw = cloneBytes(raw)
	desc, err := decodeClassDescriptor(raw)
	if err != nil {
		return nil, err
	}
	// records not assigned by tx itself were committed earlier
	cat.publish(&classEntry{id, desc, raw})
	return desc, nil
}

// CurrentID returns the most recently assigned ID for the class name.
func (cat *Catalog) CurrentID(tx *Tx, name string) (ClassID, error) {
	b, err := tx.catalogBucket()
	if err != nil {
		return 0, err
	}
	v := b.Get(catalogKey(catalogName, []byte(name)))
	if v == nil {
		return 0, ErrNotFound
	}
	if len(v) != 8 {
		return 0, dataErrf(v, 0, nil, "invalid class ID for %s", name)
	}
	return ClassID(binary.BigEndian.Uint64(v)), nil
}

// Classes lists every descriptor ever assigned, ordered by ID.
func (cat *Catalog) Classes(tx *Tx) ([]ClassInfo, error) {
	b, err := tx.catalogBucket()
	if err != nil {
		return nil, err
	}
	var result []ClassInfo
	prefix := []byte{catalogDescriptor}
	c := b.Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		if len(k) != 9 {
			return nil, dataErrf(k, 1, nil, "invalid catalog descriptor key")
		}
		desc, err := decodeClassDescriptor(v)
		if err != nil {
			return nil, err
		}
		result = append(result, ClassInfo{
			ID:         ClassID(binary.BigEndian.Uint64(k[1:])),
			Descriptor: desc,
		})
	}
	for i := range result {
		cur, err := cat.CurrentID(tx, result[i].Descriptor.Name)
		if err != nil && !IsNotFound(err) {
			return nil, err
		}
		result[i].Current = (cur == result[i].ID)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}
