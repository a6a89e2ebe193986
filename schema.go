package kvbind

import (
	"fmt"
	"strings"
)

const (
	catalogBucket = "_catalog"
	stateBucket   = "_state"
)

// Schema lists the stores of a database together with their indexes and
// foreign keys. The zero value is ready to use. A schema must not be modified
// after it has been passed to Open.
type Schema struct {
	stores       []*Store
	storesByName map[string]*Store
	fks          []*Index
}

func NewSchema() *Schema {
	return &Schema{}
}

func (scm *Schema) Stores() []*Store {
	return append([]*Store(nil), scm.stores...)
}

func (scm *Schema) StoreNamed(name string) *Store {
	return scm.storesByName[strings.ToLower(name)]
}

// ForeignKeys returns all foreign key indexes in declaration order.
func (scm *Schema) ForeignKeys() []*Index {
	return append([]*Index(nil), scm.fks...)
}

// Store is a primary store: a sorted collection of unique keys mapped to
// values, plus the secondary indexes derived from them.
type Store struct {
	schema *Schema
	name   string
	pos    int

	indexes      []*Index
	referencedBy []*Index

	keyAssigner     KeyAssigner
	suppressContent bool
	formatter       func(tx *Tx, key, value []byte) (string, error)
}

type StoreOption func(store *Store)

// WithKeyAssigner sets the assigner used by Tx.Append and Map.Append.
func WithKeyAssigner(ka KeyAssigner) StoreOption {
	return func(store *Store) {
		store.keyAssigner = ka
	}
}

// SuppressContent hides values from verbose logs.
func SuppressContent() StoreOption {
	return func(store *Store) {
		store.suppressContent = true
	}
}

// FormatWith sets the function used to render records in Dump and in
// verbose logs instead of hex.
func FormatWith(f func(tx *Tx, key, value []byte) (string, error)) StoreOption {
	return func(store *Store) {
		store.formatter = f
	}
}

func AddStore(scm *Schema, name string, opts ...StoreOption) *Store {
	validateName(name)
	if scm.storesByName == nil {
		scm.storesByName = make(map[string]*Store)
	}
	lower := strings.ToLower(name)
	if scm.storesByName[lower] != nil {
		panic(fmt.Errorf("duplicate store %s", name))
	}
	store := &Store{
		schema: scm,
		name:   name,
		pos:    len(scm.stores),
	}
	for _, opt := range opts {
		opt(store)
	}
	scm.stores = append(scm.stores, store)
	scm.storesByName[lower] = store
	return store
}

func (store *Store) Name() string {
	return store.name
}

func (store *Store) String() string {
	return store.name
}

func (store *Store) Schema() *Schema {
	return store.schema
}

func (store *Store) Indexes() []*Index {
	return append([]*Index(nil), store.indexes...)
}

func (store *Store) IndexNamed(name string) *Index {
	for _, idx := range store.indexes {
		if strings.EqualFold(idx.name, name) {
			return idx
		}
	}
	return nil
}

// ReferencedBy returns the foreign keys that point at this store, in the
// order they are processed when a record of this store is deleted.
func (store *Store) ReferencedBy() []*Index {
	return append([]*Index(nil), store.referencedBy...)
}

func (store *Store) bucketName() string {
	return store.name
}

// DeletePolicy says what happens to referencing records when a record of
// a foreign store is deleted.
type DeletePolicy int

const (
	// Abort fails the delete with an *IntegrityError.
	Abort DeletePolicy = iota
	// Clear rewrites referencing records so that they no longer reference
	// the deleted key.
	Clear
	// Cascade deletes referencing records.
	Cascade
)

func (p DeletePolicy) String() string {
	switch p {
	case Abort:
		return "abort"
	case Clear:
		return "clear"
	case Cascade:
		return "cascade"
	default:
		return fmt.Sprintf("invalid policy %d", int(p))
	}
}

// Index is a secondary index of a store. Entries map an index key to the
// primary keys of all records the extractor yields that key for. Duplicates
// are kept sorted by primary key.
type Index struct {
	store     *Store
	name      string
	pos       int
	extractor KeyExtractor
	unique    bool

	foreign *Store
	policy  DeletePolicy
}

type IndexOption func(idx *Index)

// Unique makes the index reject a second primary key under the same index key.
func Unique() IndexOption {
	return func(idx *Index) {
		idx.unique = true
	}
}

func AddIndex(store *Store, name string, extractor KeyExtractor, opts ...IndexOption) *Index {
	validateName(name)
	if extractor == nil {
		panic(fmt.Errorf("index %s.%s: nil extractor", store.name, name))
	}
	if store.IndexNamed(name) != nil {
		panic(fmt.Errorf("duplicate index %s.%s", store.name, name))
	}
	idx := &Index{
		store:     store,
		name:      name,
		pos:       len(store.indexes),
		extractor: extractor,
	}
	for _, opt := range opts {
		opt(idx)
	}
	store.indexes = append(store.indexes, idx)
	return idx
}

// AddForeignKey adds an index whose keys are primary keys of foreign. Puts
// fail unless the referenced key exists; deleting a referenced record of
// foreign applies policy. Foreign keys referencing one store are processed
// in the order they are added.
func AddForeignKey(store *Store, name string, extractor KeyExtractor, foreign *Store, policy DeletePolicy, opts ...IndexOption) *Index {
	if foreign == nil {
		panic(fmt.Errorf("foreign key %s.%s: nil foreign store", store.name, name))
	}
	if foreign.schema != store.schema {
		panic(fmt.Errorf("foreign key %s.%s: %s belongs to another schema", store.name, name, foreign.name))
	}
	if policy < Abort || policy > Cascade {
		panic(fmt.Errorf("foreign key %s.%s: %v", store.name, name, policy))
	}
	idx := AddIndex(store, name, extractor, opts...)
	idx.foreign = foreign
	idx.policy = policy
	foreign.referencedBy = append(foreign.referencedBy, idx)
	store.schema.fks = append(store.schema.fks, idx)
	return idx
}

func (idx *Index) Name() string {
	return idx.name
}

func (idx *Index) FullName() string {
	return idx.store.name + "." + idx.name
}

func (idx *Index) String() string {
	return idx.FullName()
}

func (idx *Index) Store() *Store {
	return idx.store
}

func (idx *Index) IsUnique() bool {
	return idx.unique
}

// Foreign returns the store referenced by a foreign key index, or nil.
func (idx *Index) Foreign() *Store {
	return idx.foreign
}

func (idx *Index) Policy() DeletePolicy {
	return idx.policy
}

func (idx *Index) bucketName() string {
	return indexBucketName(idx.store.name, idx.name)
}

func indexBucketName(store, index string) string {
	return store + "/" + index
}

func validateName(name string) {
	if name == "" {
		panic("empty name")
	}
	if name[0] == '_' {
		panic(fmt.Errorf("invalid name %q: names starting with _ are reserved", name))
	}
	if strings.ContainsAny(name, "/\x00") {
		panic(fmt.Errorf("invalid name %q", name))
	}
}
