package kvbind

// Get returns the value stored under key. The slice is only valid until the
// transaction ends and must not be modified.
func (tx *Tx) Get(store *Store, key []byte) ([]byte, error) {
	b, err := tx.storeBucket(store)
	if err != nil {
		return nil, err
	}
	v := b.Get(key)
	if v == nil {
		return nil, ErrNotFound
	}
	return v, nil
}

func (tx *Tx) Exists(store *Store, key []byte) (bool, error) {
	b, err := tx.storeBucket(store)
	if err != nil {
		return false, err
	}
	return b.Get(key) != nil, nil
}

// Count returns the number of records in store.
func (tx *Tx) Count(store *Store) (int, error) {
	b, err := tx.storeBucket(store)
	if err != nil {
		return 0, err
	}
	var n int
	c := b.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		n++
	}
	return n, nil
}
