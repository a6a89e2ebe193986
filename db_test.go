package kvbind

import (
	"encoding/hex"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"go.uber.org/zap/zaptest"
)

type (
	Supplier struct {
		Name   string
		Status int
		City   string
	}
	Part struct {
		Name   string
		Color  string
		Weight float64
		City   string
	}
	Shipment struct {
		Part     string
		Supplier string
		Quantity int
	}
)

var stringKeys = TupleBinding[string]{}

// shipmentSchema is the classic supplier/part/shipment database: shipments
// reference both a part and a supplier.
type shipmentSchema struct {
	*Schema
	suppliers *Store
	parts     *Store
	shipments *Store

	suppliersByCity     *Index
	shipmentsByPart     *Index
	shipmentsBySupplier *Index
}

func newShipmentSchema(policy DeletePolicy) *shipmentSchema {
	s := &shipmentSchema{Schema: NewSchema()}
	s.suppliers = AddStore(s.Schema, "suppliers")
	s.parts = AddStore(s.Schema, "parts")
	s.shipments = AddStore(s.Schema, "shipments", WithKeyAssigner(SequenceKeys{}))

	s.suppliersByCity = AddIndex(s.suppliers, "byCity", &FieldExtractor[Supplier, string]{
		Values: SerialBinding[Supplier]{},
		Keys:   stringKeys,
		Get:    func(pk []byte, v *Supplier) (string, bool) { return v.City, v.City != "" },
	})
	s.shipmentsByPart = AddForeignKey(s.shipments, "byPart", &FieldExtractor[Shipment, string]{
		Values: SerialBinding[Shipment]{},
		Keys:   stringKeys,
		Get:    func(pk []byte, v *Shipment) (string, bool) { return v.Part, v.Part != "" },
		Clear:  func(v *Shipment) { v.Part = "" },
	}, s.parts, policy)
	s.shipmentsBySupplier = AddForeignKey(s.shipments, "bySupplier", &FieldExtractor[Shipment, string]{
		Values: SerialBinding[Shipment]{},
		Keys:   stringKeys,
		Get:    func(pk []byte, v *Shipment) (string, bool) { return v.Supplier, v.Supplier != "" },
		Clear:  func(v *Shipment) { v.Supplier = "" },
	}, s.suppliers, policy)
	return s
}

func (s *shipmentSchema) supplierMap() *Map[string, Supplier] {
	return &Map[string, Supplier]{s.suppliers, stringKeys, SerialBinding[Supplier]{}}
}

func (s *shipmentSchema) partMap() *Map[string, Part] {
	return &Map[string, Part]{s.parts, stringKeys, SerialBinding[Part]{}}
}

func (s *shipmentSchema) shipmentMap() *Map[uint64, Shipment] {
	return &Map[uint64, Shipment]{s.shipments, TupleBinding[uint64]{}, SerialBinding[Shipment]{}}
}

func TestDB(t *testing.T) {
	scm := newShipmentSchema(Abort)
	db := setup(t, scm.Schema)
	suppliers := scm.supplierMap()

	s1 := Supplier{Name: "Smith", Status: 20, City: "London"}
	s2 := Supplier{Name: "Jones", Status: 10, City: "Paris"}
	s3 := Supplier{Name: "Blake", Status: 30, City: "Paris"}

	db.Write(func(tx *Tx) {
		ensure(suppliers.Put(tx, "S1", s1))
		ensure(suppliers.Put(tx, "S2", s2))
		ensure(suppliers.Put(tx, "S3", s3))
	})

	db.Read(func(tx *Tx) {
		deepEqual(t, must(suppliers.Get(tx, "S1")), s1)
		deepEqual(t, must(suppliers.Get(tx, "S3")), s3)
		deepEqual(t, must(suppliers.Count(tx)), 3)

		_, err := suppliers.Get(tx, "S4")
		if !IsNotFound(err) {
			t.Errorf("** Get(S4) err = %v, wanted ErrNotFound", err)
		}
		deepEqual(t, must(suppliers.Has(tx, "S2")), true)
		deepEqual(t, must(suppliers.Has(tx, "S4")), false)
	})

	db.Read(func(tx *Tx) {
		deepEqual(t, indexKeys(t, tx, scm.suppliersByCity, "Paris"), []string{"S2", "S3"})
		deepEqual(t, indexKeys(t, tx, scm.suppliersByCity, "London"), []string{"S1"})
		isempty(t, indexKeys(t, tx, scm.suppliersByCity, "Athens"))
	})

	db.Read(func(tx *Tx) {
		all := must(suppliers.All(tx))
		deepEqual(t, all, []MapEntry[string, Supplier]{{"S1", s1}, {"S2", s2}, {"S3", s3}})
	})

	db.Write(func(tx *Tx) {
		deepEqual(t, must(suppliers.Delete(tx, "S2")), true)
		deepEqual(t, must(suppliers.Delete(tx, "S2")), false)
	})
	db.Read(func(tx *Tx) {
		deepEqual(t, indexKeys(t, tx, scm.suppliersByCity, "Paris"), []string{"S3"})
		checkIndexes(t, tx, scm.Schema)
	})
}

func TestInsert(t *testing.T) {
	scm := newShipmentSchema(Abort)
	db := setup(t, scm.Schema)
	suppliers := scm.supplierMap()

	err := db.Update(func(tx *Tx) error {
		if err := suppliers.Insert(tx, "S1", Supplier{Name: "Smith"}); err != nil {
			return err
		}
		return suppliers.Insert(tx, "S1", Supplier{Name: "Jones"})
	})
	if !errors.Is(err, ErrKeyExists) {
		t.Fatalf("** Insert err = %v, wanted ErrKeyExists", err)
	}
	db.Read(func(tx *Tx) {
		deepEqual(t, must(suppliers.Count(tx)), 0)
	})
}

func TestPutUpdatesIndexes(t *testing.T) {
	scm := newShipmentSchema(Abort)
	db := setup(t, scm.Schema)
	suppliers := scm.supplierMap()

	db.Write(func(tx *Tx) {
		ensure(suppliers.Put(tx, "S1", Supplier{Name: "Smith", City: "London"}))
		ensure(suppliers.Put(tx, "S1", Supplier{Name: "Smith", City: "Paris"}))
		ensure(suppliers.Put(tx, "S2", Supplier{Name: "Jones"}))
	})
	db.Read(func(tx *Tx) {
		isempty(t, indexKeys(t, tx, scm.suppliersByCity, "London"))
		deepEqual(t, indexKeys(t, tx, scm.suppliersByCity, "Paris"), []string{"S1"})
		deepEqual(t, must(tx.IndexCount(scm.suppliersByCity, encodeString("Paris"))), 1)
		checkIndexes(t, tx, scm.Schema)
	})

	// an empty index key removes the entry
	db.Write(func(tx *Tx) {
		ensure(suppliers.Put(tx, "S1", Supplier{Name: "Smith"}))
	})
	db.Read(func(tx *Tx) {
		isempty(t, indexKeys(t, tx, scm.suppliersByCity, "Paris"))
		deepEqual(t, must(tx.StoreStats(scm.suppliers)).IndexEntries, 0)
		checkIndexes(t, tx, scm.Schema)
	})
}

func TestPutIdenticalValueIsNoop(t *testing.T) {
	scm := newShipmentSchema(Abort)
	db := setup(t, scm.Schema)
	suppliers := scm.supplierMap()

	db.Write(func(tx *Tx) {
		ensure(suppliers.Put(tx, "S1", Supplier{Name: "Smith", City: "London"}))
	})

	var changes []*Change
	db.Write(func(tx *Tx) {
		tx.OnChange(func(chg *Change) { changes = append(changes, chg) })
		ensure(suppliers.Put(tx, "S1", Supplier{Name: "Smith", City: "London"}))
	})
	isempty(t, changes)
}

func TestIndexConsistencyAfterMixedOps(t *testing.T) {
	scm := newShipmentSchema(Cascade)
	db := setup(t, scm.Schema)
	suppliers := scm.supplierMap()
	cities := []string{"", "London", "Paris", "Athens"}

	for round := 0; round < 4; round++ {
		db.Write(func(tx *Tx) {
			for i := 0; i < 20; i++ {
				key := string(rune('A' + i))
				switch (i + round) % 3 {
				case 0, 1:
					ensure(suppliers.Put(tx, key, Supplier{Name: key, Status: round, City: cities[(i*round+i)%len(cities)]}))
				case 2:
					_ = must(suppliers.Delete(tx, key))
				}
			}
		})
		db.Read(func(tx *Tx) {
			checkIndexes(t, tx, scm.Schema)
		})
	}
}

func TestReadOnlyTxRejectsWrites(t *testing.T) {
	scm := newShipmentSchema(Abort)
	db := setup(t, scm.Schema)

	db.Read(func(tx *Tx) {
		err := tx.Put(scm.suppliers, encodeString("S1"), []byte("x"))
		if !errors.Is(err, ErrReadOnlyTx) {
			t.Errorf("** Put err = %v, wanted ErrReadOnlyTx", err)
		}
		_, err = tx.Delete(scm.suppliers, encodeString("S1"))
		if !errors.Is(err, ErrReadOnlyTx) {
			t.Errorf("** Delete err = %v, wanted ErrReadOnlyTx", err)
		}
	})
}

func TestRawScan(t *testing.T) {
	scm := NewSchema()
	raw := AddStore(scm, "raw")
	db := setup(t, scm)

	k1 := x("01 01")
	k2 := x("01 02")
	k3 := x("01 03")
	k4 := x("01 04")
	kb := x("01")
	ke := x("01 ff")
	db.Write(func(tx *Tx) {
		ensure(tx.Put(raw, x("00 ff"), []byte{0}))
		ensure(tx.Put(raw, k1, []byte{1}))
		ensure(tx.Put(raw, k2, []byte{2}))
		ensure(tx.Put(raw, k3, []byte{3}))
		ensure(tx.Put(raw, k4, []byte{4}))
		ensure(tx.Put(raw, x("02"), []byte{5}))
	})

	p := x("01")
	o := func(name string, rang RawRange, exp ...[]byte) {
		t.Helper()
		t.Run(name, func(t *testing.T) {
			db.Read(func(tx *Tx) {
				storeScan(t, tx, raw, rang, exp...)
			})
		})
	}

	o("prefix", RawRange{Prefix: p}, k1, k2, k3, k4)
	o("prefix reverse", RawRange{Prefix: p, Reverse: true}, k4, k3, k2, k1)

	o("prefix + lower inc", RawRange{Prefix: p, Lower: k2, LowerInc: true}, k2, k3, k4)
	o("prefix + lower exc", RawRange{Prefix: p, Lower: k2, LowerInc: false}, k3, k4)
	o("prefix + lower inc reverse", RawRange{Prefix: p, Lower: k2, LowerInc: true, Reverse: true}, k4, k3, k2)
	o("prefix + lower exc reverse", RawRange{Prefix: p, Lower: k2, LowerInc: false, Reverse: true}, k4, k3)
	o("prefix + upper inc", RawRange{Prefix: p, Upper: k3, UpperInc: true}, k1, k2, k3)
	o("prefix + upper exc", RawRange{Prefix: p, Upper: k3, UpperInc: false}, k1, k2)
	o("prefix + upper inc reverse", RawRange{Prefix: p, Upper: k3, UpperInc: true, Reverse: true}, k3, k2, k1)
	o("prefix + upper exc reverse", RawRange{Prefix: p, Upper: k3, UpperInc: false, Reverse: true}, k2, k1)

	o("lower inc", RawRange{Lower: k2, LowerInc: true}, k2, k3, k4, x("02"))
	o("lower exc", RawRange{Lower: k2, LowerInc: false}, k3, k4, x("02"))
	o("lower inc reverse", RawRange{Lower: k2, LowerInc: true, Reverse: true}, x("02"), k4, k3, k2)
	o("upper inc", RawII(kb, k3), k1, k2, k3)
	o("upper exc", RawIE(kb, k3), k1, k2)
	o("upper exc reverse", RawIE(kb, k3).Reversed(), k2, k1)

	o("first lower inc", RawRange{Prefix: p, Lower: kb, LowerInc: true}, k1, k2, k3, k4)
	o("first lower exc", RawRange{Prefix: p, Lower: kb, LowerInc: false}, k1, k2, k3, k4)
	o("last upper inc", RawRange{Prefix: p, Upper: ke, UpperInc: true}, k1, k2, k3, k4)
	o("last upper exc reverse", RawRange{Prefix: p, Upper: ke, UpperInc: false, Reverse: true}, k4, k3, k2, k1)

	db.Read(func(tx *Tx) {
		c := tx.Scan(raw, RawRange{Prefix: p, Lower: x("02"), LowerInc: true})
		if c.Next() || c.Err() == nil {
			t.Errorf("** Scan with a bound outside the prefix: err = %v, wanted error", c.Err())
		}
	})
}

func setup(t testing.TB, schema *Schema) *DB {
	t.Helper()

	opt := Options{
		IsTesting: true,
		Verbose:   true,
		Logger:    zaptest.NewLogger(t),
	}
	var db *DB
	if testing.Short() {
		db = must(OpenMem(schema, opt))
	} else {
		path := filepath.Join(t.TempDir(), "kvbind_test.db")
		t.Logf("DB: %s", path)
		db = must(OpenBolt(path, schema, opt))
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// checkIndexes verifies that every index holds exactly one entry per record
// with a non-empty index key, and nothing else.
func checkIndexes(t testing.TB, tx *Tx, scm *Schema) {
	t.Helper()
	for _, store := range scm.stores {
		for _, idx := range store.indexes {
			want := map[string]bool{}
			for c := tx.Scan(store, RawOO()); c.Next(); {
				ik := must(idx.extractor.ExtractIndexKey(tx, NewEntry(c.Key(), c.Value()), nil))
				if len(ik) > 0 {
					want[hex.EncodeToString(ik)+"/"+hex.EncodeToString(c.Key())] = true
				}
			}
			got := map[string]bool{}
			c := tx.IndexRange(idx, RawOO())
			for c.Next() {
				got[hex.EncodeToString(c.IndexKey())+"/"+hex.EncodeToString(c.PrimaryKey())] = true
			}
			ensure(c.Err())
			if !reflect.DeepEqual(got, want) {
				t.Errorf("** %s: index has %v, wanted %v", idx.FullName(), got, want)
			}
		}
	}
}

func indexKeys(t testing.TB, tx *Tx, idx *Index, key string) []string {
	t.Helper()
	var result []string
	for _, pk := range must(tx.IndexScan(idx, encodeString(key)).PrimaryKeys()) {
		result = append(result, decodeString(pk))
	}
	return result
}

func storeScan(t testing.TB, tx *Tx, store *Store, rang RawRange, exp ...[]byte) {
	t.Helper()
	var out []string
	for _, k := range must(tx.Scan(store, rang).Keys()) {
		out = append(out, hex.EncodeToString(k))
	}
	var expstr []string
	for _, k := range exp {
		expstr = append(expstr, hex.EncodeToString(k))
	}
	deepEqual(t, out, expstr)
}

func encodeString(s string) []byte {
	return must(stringKeys.ObjectToEntry(nil, s, nil))
}

func decodeString(b []byte) string {
	return must(stringKeys.EntryToObject(nil, b))
}

func deepEqual[T any](t testing.TB, a, e T) {
	if !reflect.DeepEqual(a, e) {
		t.Helper()
		t.Errorf("** got %v, wanted %v", a, e)
	}
}

func isempty[T any, S ~[]T](t testing.TB, a S) {
	if len(a) > 0 {
		t.Helper()
		t.Errorf("** got %v, wanted empty slice", a)
	}
}

func x(data string) []byte {
	data = strings.ReplaceAll(data, " ", "")
	return must(hex.DecodeString(data))
}
