package kvbind

import (
	"testing"

	"github.com/pkg/errors"
	"go.uber.org/zap/zaptest"

	"github.com/andreyvit/kvbind/changelog"
	"github.com/andreyvit/kvbind/tuple"
)

func TestChangeLog(t *testing.T) {
	dir := t.TempDir()
	logOpt := changelog.Options{NoSync: true, Logger: zaptest.NewLogger(t)}
	cl := must(changelog.Open(dir, logOpt))
	defer cl.Close()

	scm := newShipmentSchema(Cascade)
	db := must(OpenMem(scm.Schema, Options{IsTesting: true, Verbose: true, Logger: zaptest.NewLogger(t), ChangeLog: cl}))
	defer db.Close()

	db.Write(func(tx *Tx) {
		ensure(scm.supplierMap().Put(tx, "S1", Supplier{Name: "Smith", City: "London"}))
		ensure(scm.partMap().Put(tx, "P1", Part{Name: "Nut"}))
		must(scm.shipmentMap().Append(tx, Shipment{Part: "P1", Supplier: "S1"}))
	})

	// neither rolled back transactions nor no-op puts are logged
	_ = db.Update(func(tx *Tx) error {
		ensure(scm.partMap().Put(tx, "P2", Part{Name: "Bolt"}))
		return errors.New("boom")
	})
	db.Write(func(tx *Tx) {
		ensure(scm.partMap().Put(tx, "P1", Part{Name: "Nut"}))
	})

	db.Write(func(tx *Tx) {
		must(scm.partMap().Delete(tx, "P1"))
	})
	deepEqual(t, cl.LastTxn(), uint64(2))

	txns := must(changelog.ReadAll(dir, logOpt))
	deepEqual(t, len(txns), 2)

	var got [][]string
	for _, txn := range txns {
		var lines []string
		for _, e := range txn.Entries {
			lines = append(lines, e.String())
		}
		got = append(got, lines)
	}
	ship := hexstr(tuple.AppendUint64(nil, 1))
	deepEqual(t, got, [][]string{
		{
			"put suppliers/" + hexstr(encodeString("S1")),
			"put parts/" + hexstr(encodeString("P1")),
			"put shipments/" + ship,
		},
		{
			"delete shipments/" + ship + " (via shipments.byPart)",
			"delete parts/" + hexstr(encodeString("P1")),
		},
	})

	db.Read(func(tx *Tx) {
		v := must(SerialBinding[Supplier]{}.EntryToObject(tx, txns[0].Entries[0].Value))
		deepEqual(t, v, Supplier{Name: "Smith", City: "London"})
	})
}

func TestChangeLogFailureIsReported(t *testing.T) {
	cl := must(changelog.Open(t.TempDir(), changelog.Options{NoSync: true}))
	raw, db := setupRaw(t)
	db.changeLog = cl
	ensure(cl.Close())

	err := db.Update(func(tx *Tx) error {
		return tx.Put(raw, x("01"), x("02"))
	})
	if !errors.Is(err, changelog.ErrClosed) {
		t.Fatalf("** Update err = %v, wanted ErrClosed", err)
	}
	// the transaction itself went through
	db.Read(func(tx *Tx) {
		deepEqual(t, must(tx.Get(raw, x("01"))), x("02"))
	})
}
