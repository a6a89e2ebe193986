package kvbind

import (
	"fmt"
	"strings"
)

type DumpFlags uint64

const (
	DumpStoreHeaders = DumpFlags(1 << iota)
	DumpRecords
	DumpStats
	DumpIndexes
	DumpIndexEntries
	DumpCatalog

	DumpAll = DumpFlags(0xFFFFFFFFFFFFFFFF)
)

var (
	dumpSep1 = strings.Repeat("=", 80)
	dumpSep2 = strings.Repeat("-", 60)
)

func (f DumpFlags) Contains(v DumpFlags) bool {
	return (f & v) == v
}

// Dump renders the contents of the database for debugging and tests.
// Records are shown through the store's formatter if it has one, in hex
// otherwise. Errors are rendered inline.
func (tx *Tx) Dump(f DumpFlags) string {
	var buf strings.Builder
	for _, store := range tx.db.schema.stores {
		tx.dumpStore(&buf, f, store)
	}
	if f.Contains(DumpCatalog) {
		tx.dumpCatalog(&buf)
	}
	return buf.String()
}

func (tx *Tx) dumpStore(w *strings.Builder, f DumpFlags, store *Store) {
	prefix := store.name
	s, err := tx.StoreStats(store)
	if err != nil {
		fmt.Fprintf(w, "%s ** ERROR: %v\n", prefix, err)
		return
	}

	if f.Contains(DumpStoreHeaders) {
		fmt.Fprintln(w, dumpSep1)
		fmt.Fprintf(w, "%s (%d records)\n", prefix, s.Records)
	}
	if f.Contains(DumpStats) {
		fmt.Fprintf(w, "%s.stats: index_entries = %d, data_size = %d, data_alloc = %d, index_size = %d, index_alloc = %d, total_alloc = %d\n", prefix, s.IndexEntries, s.DataSize, s.DataAlloc, s.IndexSize, s.IndexAlloc, s.TotalAlloc())
	}

	if f.Contains(DumpRecords) {
		if f.Contains(DumpStats) {
			fmt.Fprintln(w, dumpSep2)
		}
		var pos int
		for c := tx.Scan(store, RawOO()); c.Next(); {
			pos++
			tx.dumpRecord(w, prefix, store, pos, c.Key(), c.Value())
		}
	}

	if f.Contains(DumpIndexes) {
		for _, idx := range store.indexes {
			tx.dumpIndex(w, f, idx)
		}
	}
}

func (tx *Tx) dumpRecord(w *strings.Builder, prefix string, store *Store, pos int, k, v []byte) {
	if store.formatter == nil {
		fmt.Fprintf(w, "%s.%d: %x => %x\n", prefix, pos, k, v)
		return
	}
	s, err := store.formatter(tx, k, v)
	if err != nil {
		fmt.Fprintf(w, "%s.%d: %x => ** ERROR: %v\n", prefix, pos, k, err)
		return
	}
	fmt.Fprintf(w, "%s.%d: %s\n", prefix, pos, s)
}

func (tx *Tx) dumpIndex(w *strings.Builder, f DumpFlags, idx *Index) {
	fmt.Fprintln(w, dumpSep2)
	prefix := idx.FullName()
	var attrs []string
	if idx.unique {
		attrs = append(attrs, "unique")
	}
	if idx.foreign != nil {
		attrs = append(attrs, fmt.Sprintf("references %s on delete %s", idx.foreign.name, idx.policy))
	}
	if ss := tx.db.storeState(idx.store); ss != nil && !ss.indexStates[idx.pos].Built {
		attrs = append(attrs, "PENDING")
	}
	if len(attrs) > 0 {
		fmt.Fprintf(w, "%s (%s)\n", prefix, strings.Join(attrs, ", "))
	} else {
		fmt.Fprintln(w, prefix)
	}

	if f.Contains(DumpIndexEntries) {
		var pos int
		c := tx.IndexRange(idx, RawOO())
		for c.Next() {
			pos++
			fmt.Fprintf(w, "%s.%d: %x => %x\n", prefix, pos, c.IndexKey(), c.PrimaryKey())
		}
		if err := c.Err(); err != nil {
			fmt.Fprintf(w, "%s ** ERROR: %v\n", prefix, err)
		}
	}
}

func (tx *Tx) dumpCatalog(w *strings.Builder) {
	fmt.Fprintln(w, dumpSep1)
	classes, err := tx.db.catalog.Classes(tx)
	if err != nil {
		fmt.Fprintf(w, "catalog ** ERROR: %v\n", err)
		return
	}
	fmt.Fprintf(w, "catalog (%d classes)\n", len(classes))
	for _, ci := range classes {
		mark := ""
		if ci.Current {
			mark = " (current)"
		}
		fmt.Fprintf(w, "catalog.%d: %v%s\n", ci.ID, ci.Descriptor, mark)
	}
}
