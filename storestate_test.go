package kvbind

import (
	"path/filepath"
	"testing"

	"go.uber.org/zap/zaptest"
)

func citySchema(withIndex bool, opts ...IndexOption) (*Schema, *Store, *Index) {
	scm := NewSchema()
	suppliers := AddStore(scm, "suppliers")
	var byCity *Index
	if withIndex {
		byCity = AddIndex(suppliers, "byCity", &FieldExtractor[Supplier, string]{
			Values: SerialBinding[Supplier]{},
			Keys:   stringKeys,
			Get:    func(pk []byte, v *Supplier) (string, bool) { return v.City, v.City != "" },
		}, opts...)
	}
	return scm, suppliers, byCity
}

func TestIndexAddedToExistingStoreIsBuilt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	opt := Options{IsTesting: true, Logger: zaptest.NewLogger(t)}

	scm, suppliers, _ := citySchema(false)
	db := must(OpenBolt(path, scm, opt))
	m := &Map[string, Supplier]{suppliers, stringKeys, SerialBinding[Supplier]{}}
	db.Write(func(tx *Tx) {
		ensure(m.Put(tx, "S1", Supplier{Name: "Smith", City: "London"}))
		ensure(m.Put(tx, "S2", Supplier{Name: "Jones", City: "Paris"}))
		ensure(m.Put(tx, "S3", Supplier{Name: "Blake", City: "Paris"}))
		ensure(m.Put(tx, "S4", Supplier{Name: "Clark"}))
	})
	ensure(db.Close())

	scm, _, byCity := citySchema(true)
	db = must(OpenBolt(path, scm, opt))
	db.Read(func(tx *Tx) {
		deepEqual(t, indexKeys(t, tx, byCity, "Paris"), []string{"S2", "S3"})
		deepEqual(t, indexKeys(t, tx, byCity, "London"), []string{"S1"})
		checkIndexes(t, tx, scm)
		deepEqual(t, db.storeState(byCity.store).indexStates[0].Built, true)
	})
	ensure(db.Close())

	// dropping the index from the schema drops its bucket
	scm, _, _ = citySchema(false)
	db = must(OpenBolt(path, scm, opt))
	db.Read(func(tx *Tx) {
		if tx.Storage().Bucket("suppliers/byCity") != nil {
			t.Errorf("** index bucket still exists after the index was removed")
		}
		deepEqual(t, len(db.storeState(suppliers).Indexes), 0)
	})
	ensure(db.Close())

	// and adding it back rebuilds it from scratch
	scm, _, byCity = citySchema(true)
	db = must(OpenBolt(path, scm, opt))
	defer db.Close()
	db.Read(func(tx *Tx) {
		deepEqual(t, indexKeys(t, tx, byCity, "Paris"), []string{"S2", "S3"})
		checkIndexes(t, tx, scm)
	})
}

func TestIndexBuildChecksConstraints(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	opt := Options{IsTesting: true, Logger: zaptest.NewLogger(t)}

	scm, suppliers, _ := citySchema(false)
	db := must(OpenBolt(path, scm, opt))
	m := &Map[string, Supplier]{suppliers, stringKeys, SerialBinding[Supplier]{}}
	db.Write(func(tx *Tx) {
		ensure(m.Put(tx, "S2", Supplier{Name: "Jones", City: "Paris"}))
		ensure(m.Put(tx, "S3", Supplier{Name: "Blake", City: "Paris"}))
	})
	ensure(db.Close())

	scm, _, _ = citySchema(true, Unique())
	_, err := OpenBolt(path, scm, opt)
	if !IsIntegrityViolation(err) {
		t.Fatalf("** OpenBolt err = %v, wanted integrity violation", err)
	}

	// the failed build left nothing behind
	scm, _, byCity := citySchema(true)
	db = must(OpenBolt(path, scm, opt))
	defer db.Close()
	db.Read(func(tx *Tx) {
		deepEqual(t, indexKeys(t, tx, byCity, "Paris"), []string{"S2", "S3"})
	})
}

func TestNewStoreIndexesStartBuilt(t *testing.T) {
	scm, suppliers, _ := citySchema(true)
	db := setup(t, scm)
	ss := db.storeState(suppliers)
	deepEqual(t, ss.hasPendingIndexes(), false)
	deepEqual(t, ss.Indexes["byCity"].Built, true)
}
