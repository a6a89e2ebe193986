package kvbind

// Map is a typed view of a store: keys and values go through bindings.
type Map[K, V any] struct {
	Store  *Store
	Keys   DataBinding[K]
	Values DataBinding[V]
}

type MapEntry[K, V any] struct {
	Key   K
	Value V
}

func (m *Map[K, V]) encodeKey(tx *Tx, k K) ([]byte, error) {
	return m.Keys.ObjectToEntry(tx, k, nil)
}

// Get returns the value stored under k, or ErrNotFound.
func (m *Map[K, V]) Get(txh Txish, k K) (V, error) {
	tx := txh.DBTx()
	var zero V
	key, err := m.encodeKey(tx, k)
	if err != nil {
		return zero, err
	}
	data, err := tx.Get(m.Store, key)
	if err != nil {
		return zero, err
	}
	return m.Values.EntryToObject(tx, data)
}

func (m *Map[K, V]) Has(txh Txish, k K) (bool, error) {
	tx := txh.DBTx()
	key, err := m.encodeKey(tx, k)
	if err != nil {
		return false, err
	}
	return tx.Exists(m.Store, key)
}

func (m *Map[K, V]) Put(txh Txish, k K, v V) error {
	return m.put(txh.DBTx(), k, v, false)
}

func (m *Map[K, V]) Insert(txh Txish, k K, v V) error {
	return m.put(txh.DBTx(), k, v, true)
}

func (m *Map[K, V]) put(tx *Tx, k K, v V, insert bool) error {
	key, err := m.encodeKey(tx, k)
	if err != nil {
		return err
	}
	data, err := m.Values.ObjectToEntry(tx, v, nil)
	if err != nil {
		return err
	}
	return tx.put(m.Store, key, data, insert, nil)
}

func (m *Map[K, V]) Delete(txh Txish, k K) (bool, error) {
	tx := txh.DBTx()
	key, err := m.encodeKey(tx, k)
	if err != nil {
		return false, err
	}
	return tx.Delete(m.Store, key)
}

// Append stores v under a key generated by the store's KeyAssigner.
func (m *Map[K, V]) Append(txh Txish, v V) (K, error) {
	tx := txh.DBTx()
	var zero K
	data, err := m.Values.ObjectToEntry(tx, v, nil)
	if err != nil {
		return zero, err
	}
	key, err := tx.Append(m.Store, data)
	if err != nil {
		return zero, err
	}
	return m.Keys.EntryToObject(tx, key)
}

func (m *Map[K, V]) Count(txh Txish) (int, error) {
	return txh.DBTx().Count(m.Store)
}

// Cursor iterates over the records whose encoded keys fall into rang.
func (m *Map[K, V]) Cursor(txh Txish, rang RawRange) *MapCursor[K, V] {
	tx := txh.DBTx()
	return &MapCursor[K, V]{m: m, tx: tx, c: tx.Scan(m.Store, rang)}
}

// Range iterates over lower <= key < upper in key order.
func (m *Map[K, V]) Range(txh Txish, lower, upper K) *MapCursor[K, V] {
	tx := txh.DBTx()
	lk, err := m.encodeKey(tx, lower)
	if err != nil {
		return &MapCursor[K, V]{m: m, tx: tx, c: errorCursor(err)}
	}
	uk, err := m.encodeKey(tx, upper)
	if err != nil {
		return &MapCursor[K, V]{m: m, tx: tx, c: errorCursor(err)}
	}
	return m.Cursor(tx, RawIE(lk, uk))
}

func (m *Map[K, V]) All(txh Txish) ([]MapEntry[K, V], error) {
	return m.Cursor(txh, RawOO()).Entries()
}

// JoinKeys returns the keys of the records matching every condition.
func (m *Map[K, V]) JoinKeys(txh Txish, conds ...JoinCond) ([]K, error) {
	tx := txh.DBTx()
	var result []K
	jc := tx.Join(conds...)
	for jc.Next() {
		k, err := m.Keys.EntryToObject(tx, jc.PrimaryKey())
		if err != nil {
			return nil, err
		}
		result = append(result, k)
	}
	return result, jc.Err()
}

// JoinEntries returns the records matching every condition.
func (m *Map[K, V]) JoinEntries(txh Txish, conds ...JoinCond) ([]MapEntry[K, V], error) {
	tx := txh.DBTx()
	var result []MapEntry[K, V]
	jc := tx.Join(conds...)
	for jc.Next() {
		data, err := jc.Value()
		if err != nil {
			return nil, err
		}
		ent, err := m.decode(tx, jc.PrimaryKey(), data)
		if err != nil {
			return nil, err
		}
		result = append(result, ent)
	}
	return result, jc.Err()
}

func (m *Map[K, V]) decode(tx *Tx, key, data []byte) (MapEntry[K, V], error) {
	var ent MapEntry[K, V]
	var err error
	ent.Key, err = m.Keys.EntryToObject(tx, key)
	if err != nil {
		return ent, err
	}
	ent.Value, err = m.Values.EntryToObject(tx, data)
	return ent, err
}

type MapCursor[K, V any] struct {
	m   *Map[K, V]
	tx  *Tx
	c   *RawRangeCursor
	err error
}

func (c *MapCursor[K, V]) Next() bool {
	return c.err == nil && c.c.Next()
}

func (c *MapCursor[K, V]) RawKey() []byte { return c.c.Key() }

func (c *MapCursor[K, V]) Key() (K, error) {
	return c.m.Keys.EntryToObject(c.tx, c.c.Key())
}

func (c *MapCursor[K, V]) Value() (V, error) {
	return c.m.Values.EntryToObject(c.tx, c.c.Value())
}

func (c *MapCursor[K, V]) Entry() (MapEntry[K, V], error) {
	return c.m.decode(c.tx, c.c.Key(), c.c.Value())
}

func (c *MapCursor[K, V]) Err() error {
	if c.err != nil {
		return c.err
	}
	return c.c.Err()
}

// Entries decodes all remaining records.
func (c *MapCursor[K, V]) Entries() ([]MapEntry[K, V], error) {
	var result []MapEntry[K, V]
	for c.Next() {
		ent, err := c.Entry()
		if err != nil {
			c.err = err
			return nil, err
		}
		result = append(result, ent)
	}
	return result, c.Err()
}

// EntityMap is a view of a store whose records are bound to single entity
// objects that carry their own keys.
type EntityMap[K, E any] struct {
	Store    *Store
	Keys     DataBinding[K]
	Entities EntityBinding[E]
}

func (m *EntityMap[K, E]) Get(txh Txish, k K) (E, error) {
	tx := txh.DBTx()
	var zero E
	key, err := m.Keys.ObjectToEntry(tx, k, nil)
	if err != nil {
		return zero, err
	}
	data, err := tx.Get(m.Store, key)
	if err != nil {
		return zero, err
	}
	return m.Entities.EntryToObject(tx, key, data)
}

func (m *EntityMap[K, E]) Put(txh Txish, e E) error {
	return m.put(txh.DBTx(), e, false)
}

func (m *EntityMap[K, E]) Insert(txh Txish, e E) error {
	return m.put(txh.DBTx(), e, true)
}

func (m *EntityMap[K, E]) put(tx *Tx, e E, insert bool) error {
	key, err := m.Entities.ObjectToKey(tx, e, nil)
	if err != nil {
		return err
	}
	data, err := m.Entities.ObjectToValue(tx, e, nil)
	if err != nil {
		return err
	}
	return tx.put(m.Store, key, data, insert, nil)
}

func (m *EntityMap[K, E]) Delete(txh Txish, k K) (bool, error) {
	tx := txh.DBTx()
	key, err := m.Keys.ObjectToEntry(tx, k, nil)
	if err != nil {
		return false, err
	}
	return tx.Delete(m.Store, key)
}

func (m *EntityMap[K, E]) Cursor(txh Txish, rang RawRange) *EntityCursor[E] {
	tx := txh.DBTx()
	return &EntityCursor[E]{tx: tx, b: m.Entities, c: tx.Scan(m.Store, rang)}
}

func (m *EntityMap[K, E]) All(txh Txish) ([]E, error) {
	return m.Cursor(txh, RawOO()).Entities()
}

// Join returns the entities matching every condition, in primary key order.
func (m *EntityMap[K, E]) Join(txh Txish, conds ...JoinCond) ([]E, error) {
	tx := txh.DBTx()
	var result []E
	jc := tx.Join(conds...)
	for jc.Next() {
		data, err := jc.Value()
		if err != nil {
			return nil, err
		}
		e, err := m.Entities.EntryToObject(tx, jc.PrimaryKey(), data)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, jc.Err()
}

type EntityCursor[E any] struct {
	tx  *Tx
	b   EntityBinding[E]
	c   *RawRangeCursor
	err error
}

func (c *EntityCursor[E]) Next() bool {
	return c.err == nil && c.c.Next()
}

func (c *EntityCursor[E]) RawKey() []byte { return c.c.Key() }

func (c *EntityCursor[E]) Entity() (E, error) {
	return c.b.EntryToObject(c.tx, c.c.Key(), c.c.Value())
}

// KeyEntity decodes only the key part of the current record.
func (c *EntityCursor[E]) KeyEntity() (E, error) {
	return KeyOnly(c.tx, c.b, c.c.Key())
}

func (c *EntityCursor[E]) Err() error {
	if c.err != nil {
		return c.err
	}
	return c.c.Err()
}

func (c *EntityCursor[E]) Entities() ([]E, error) {
	var result []E
	for c.Next() {
		e, err := c.Entity()
		if err != nil {
			c.err = err
			return nil, err
		}
		result = append(result, e)
	}
	return result, c.Err()
}

// IndexMap is a read-mostly view of a secondary index: it maps index keys to
// the entities of the indexed store.
type IndexMap[IK, E any] struct {
	Index    *Index
	Keys     DataBinding[IK]
	Entities EntityBinding[E]
}

func (m *IndexMap[IK, E]) Cond(txh Txish, ik IK) (JoinCond, error) {
	return KeyCond(txh.DBTx(), m.Index, m.Keys, ik)
}

// Get returns the entity with the smallest primary key indexed under ik.
func (m *IndexMap[IK, E]) Get(txh Txish, ik IK) (E, error) {
	tx := txh.DBTx()
	var zero E
	key, err := m.Keys.ObjectToEntry(tx, ik, nil)
	if err != nil {
		return zero, err
	}
	pk, err := tx.IndexGet(m.Index, key)
	if err != nil {
		return zero, err
	}
	data, err := tx.Get(m.Index.store, pk)
	if err != nil {
		return zero, err
	}
	return m.Entities.EntryToObject(tx, pk, data)
}

// Duplicates returns all entities indexed under ik, in primary key order.
func (m *IndexMap[IK, E]) Duplicates(txh Txish, ik IK) ([]E, error) {
	tx := txh.DBTx()
	key, err := m.Keys.ObjectToEntry(tx, ik, nil)
	if err != nil {
		return nil, err
	}
	return m.collect(tx, tx.IndexScan(m.Index, key))
}

func (m *IndexMap[IK, E]) Count(txh Txish, ik IK) (int, error) {
	tx := txh.DBTx()
	key, err := m.Keys.ObjectToEntry(tx, ik, nil)
	if err != nil {
		return 0, err
	}
	return tx.IndexCount(m.Index, key)
}

// Cursor iterates over the index entries whose encoded index keys fall into
// rang.
func (m *IndexMap[IK, E]) Cursor(txh Txish, rang RawRange) *IndexEntityCursor[IK, E] {
	tx := txh.DBTx()
	return &IndexEntityCursor[IK, E]{m: m, tx: tx, c: tx.IndexRange(m.Index, rang)}
}

func (m *IndexMap[IK, E]) All(txh Txish) ([]E, error) {
	tx := txh.DBTx()
	return m.collect(tx, tx.IndexRange(m.Index, RawOO()))
}

// Delete deletes every record indexed under ik, applying the delete
// policies of foreign keys referencing them.
func (m *IndexMap[IK, E]) Delete(txh Txish, ik IK) (int, error) {
	tx := txh.DBTx()
	key, err := m.Keys.ObjectToEntry(tx, ik, nil)
	if err != nil {
		return 0, err
	}
	return tx.IndexDelete(m.Index, key)
}

func (m *IndexMap[IK, E]) collect(tx *Tx, c *IndexCursor) ([]E, error) {
	var result []E
	for c.Next() {
		data, err := c.Value()
		if err != nil {
			return nil, err
		}
		e, err := m.Entities.EntryToObject(tx, c.PrimaryKey(), data)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, c.Err()
}

type IndexEntityCursor[IK, E any] struct {
	m  *IndexMap[IK, E]
	tx *Tx
	c  *IndexCursor
}

func (c *IndexEntityCursor[IK, E]) Next() bool { return c.c.Next() }

func (c *IndexEntityCursor[IK, E]) IndexKey() (IK, error) {
	return c.m.Keys.EntryToObject(c.tx, c.c.IndexKey())
}

func (c *IndexEntityCursor[IK, E]) PrimaryKey() []byte { return c.c.PrimaryKey() }

func (c *IndexEntityCursor[IK, E]) Entity() (E, error) {
	var zero E
	data, err := c.c.Value()
	if err != nil {
		return zero, err
	}
	return c.m.Entities.EntryToObject(c.tx, c.c.PrimaryKey(), data)
}

func (c *IndexEntityCursor[IK, E]) Err() error { return c.c.Err() }
