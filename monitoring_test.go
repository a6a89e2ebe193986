package kvbind

import (
	"fmt"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap/zaptest"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	scm := newShipmentSchema(Cascade)
	opt := Options{IsTesting: true, Logger: zaptest.NewLogger(t), Registerer: reg}
	db := must(OpenMem(scm.Schema, opt))
	defer db.Close()

	db.Write(func(tx *Tx) {
		ensure(scm.supplierMap().Put(tx, "S1", Supplier{Name: "Smith", City: "London"}))
		ensure(scm.partMap().Put(tx, "P1", Part{Name: "Nut"}))
		must(scm.shipmentMap().Append(tx, Shipment{Part: "P1", Supplier: "S1"}))
		must(scm.shipmentMap().Append(tx, Shipment{Part: "P1", Supplier: "S1"}))
	})
	db.Write(func(tx *Tx) {
		must(scm.partMap().Delete(tx, "P1"))
	})

	m := db.metrics
	deepEqual(t, testutil.ToFloat64(m.puts.WithLabelValues("suppliers")), 1.0)
	deepEqual(t, testutil.ToFloat64(m.puts.WithLabelValues("shipments")), 2.0)
	deepEqual(t, testutil.ToFloat64(m.deletes.WithLabelValues("shipments")), 2.0)
	deepEqual(t, testutil.ToFloat64(m.deletes.WithLabelValues("parts")), 1.0)
	deepEqual(t, testutil.ToFloat64(m.fkActions.WithLabelValues("shipments.byPart", "cascade")), 2.0)
	deepEqual(t, testutil.ToFloat64(m.classesAssigned), 3.0)

	// a second database on the same registry shares the collectors
	db2 := must(OpenMem(newShipmentSchema(Cascade).Schema, opt))
	defer db2.Close()
	if db2.metrics.puts != db.metrics.puts {
		t.Errorf("** reopened database registered new collectors")
	}
	deepEqual(t, must(testutil.GatherAndCount(reg, "kvbind_puts_total")), 3)
}

func TestMetricsWithoutRegisterer(t *testing.T) {
	raw, db := setupRaw(t)
	db.Write(func(tx *Tx) {
		ensure(tx.Put(raw, x("01"), x("02")))
	})
	deepEqual(t, testutil.ToFloat64(db.metrics.puts.WithLabelValues("raw")), 1.0)
}

func TestStoreStats(t *testing.T) {
	scm := newShipmentSchema(Abort)
	db := setup(t, scm.Schema)

	db.Write(func(tx *Tx) {
		ensure(scm.supplierMap().Put(tx, "S1", Supplier{Name: "Smith", City: "London"}))
		ensure(scm.supplierMap().Put(tx, "S2", Supplier{Name: "Jones"}))
		ensure(scm.supplierMap().Put(tx, "S3", Supplier{Name: "Blake", City: "Paris"}))
	})
	db.Read(func(tx *Tx) {
		s := must(tx.StoreStats(scm.suppliers))
		deepEqual(t, s.Records, 3)
		deepEqual(t, s.IndexEntries, 2)
		deepEqual(t, s.TotalSize(), s.DataSize+s.IndexSize)
		deepEqual(t, s.TotalAlloc(), s.DataAlloc+s.IndexAlloc)

		s = must(tx.StoreStats(scm.shipments))
		deepEqual(t, s.Records, 0)
		deepEqual(t, s.IndexEntries, 0)
	})
}

func formatSupplier(tx *Tx, key, value []byte) (string, error) {
	v, err := SerialBinding[Supplier]{}.EntryToObject(tx, value)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s => %s/%s", decodeString(key), v.Name, v.City), nil
}

func TestDump(t *testing.T) {
	scm := NewSchema()
	suppliers := AddStore(scm, "suppliers", FormatWith(formatSupplier))
	byCity := AddIndex(suppliers, "byCity", &FieldExtractor[Supplier, string]{
		Values: SerialBinding[Supplier]{},
		Keys:   stringKeys,
		Get:    func(pk []byte, v *Supplier) (string, bool) { return v.City, v.City != "" },
	}, Unique())
	secrets := AddStore(scm, "secrets", SuppressContent())
	m := &Map[string, Supplier]{suppliers, stringKeys, SerialBinding[Supplier]{}}
	db := setup(t, scm)

	db.Write(func(tx *Tx) {
		ensure(m.Put(tx, "S1", Supplier{Name: "Smith", City: "London"}))
		ensure(m.Put(tx, "S2", Supplier{Name: "Jones", City: "Paris"}))
		ensure(tx.Put(secrets, x("01"), x("ff")))
	})

	db.Read(func(tx *Tx) {
		sep1, sep2 := strings.Repeat("=", 80), strings.Repeat("-", 60)
		lines := []string{
			sep1,
			"suppliers (2 records)",
			"suppliers.1: S1 => Smith/London",
			"suppliers.2: S2 => Jones/Paris",
			sep2,
			"suppliers.byCity (unique)",
			fmt.Sprintf("suppliers.byCity.1: %x => %x", encodeString("London"), encodeString("S1")),
			fmt.Sprintf("suppliers.byCity.2: %x => %x", encodeString("Paris"), encodeString("S2")),
			sep1,
			"secrets (1 records)",
			"secrets.1: 01 => ff",
			"",
		}
		deepEqual(t, tx.Dump(DumpStoreHeaders|DumpRecords|DumpIndexes|DumpIndexEntries), strings.Join(lines, "\n"))

		cat := tx.Dump(DumpCatalog)
		for _, s := range []string{"catalog (1 classes)", "catalog.1: github.com/andreyvit/kvbind.Supplier{Name string, Status int, City string} (current)"} {
			if !strings.Contains(cat, s) {
				t.Errorf("** catalog dump lacks %q:\n%s", s, cat)
			}
		}

		deepEqual(t, tx.loggableValue(secrets, x("01"), x("ff")), "<suppressed>")
		deepEqual(t, tx.loggableValue(suppliers, encodeString("S1"), must(tx.Get(suppliers, encodeString("S1")))), "S1 => Smith/London")
		deepEqual(t, tx.loggableValue(suppliers, encodeString("S1"), nil), "<none>")
		if s := tx.loggableValue(suppliers, encodeString("S1"), x("00")); !strings.HasPrefix(s, "00 <") {
			t.Errorf("** loggableValue(garbage) = %q", s)
		}
		deepEqual(t, byCity.IsUnique(), true)
	})
}
