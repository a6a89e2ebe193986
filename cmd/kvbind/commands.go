package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/andreyvit/kvbind"
	"github.com/andreyvit/kvbind/changelog"
)

func newDemoCommand(e *env) *cobra.Command {
	var skipLoad bool
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Populate the sample database and run sample queries.",
		Long: `
Loads the sample suppliers, parts and shipments (overwriting existing
records with the same keys), then prints index lookups and a join.
`,
		Args: noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, scm, closeDB, err := e.open()
			if err != nil {
				return err
			}
			defer closeDB()

			r := e.runner(db)
			if !skipLoad {
				if err := r.Update(cmd.Context(), scm.populate); err != nil {
					return err
				}
				e.logger.Info("loaded sample data",
					zap.Int("suppliers", len(sampleSuppliers)),
					zap.Int("parts", len(sampleParts)),
					zap.Int("shipments", len(sampleShipments)))
			}
			return r.View(cmd.Context(), func(tx *kvbind.Tx) error {
				return e.printQueries(tx, scm)
			})
		},
	}
	cmd.Flags().BoolVar(&skipLoad, "no-load", false, "Only run the queries")
	return cmd
}

func (e *env) printQueries(tx *kvbind.Tx, scm *sampleDB) error {
	suppliers, err := scm.suppliersByCityMap().Duplicates(tx, "Paris")
	if err != nil {
		return err
	}
	e.printf("Suppliers in Paris:\n")
	for _, s := range suppliers {
		e.printf("  %s %s (status %d)\n", s.Number, s.Name, s.Status)
	}

	red, err := scm.partsByColorMap().Cond(tx, "Red")
	if err != nil {
		return err
	}
	london, err := scm.partsByCityMap().Cond(tx, "London")
	if err != nil {
		return err
	}
	parts, err := scm.partMap().Join(tx, red, london)
	if err != nil {
		return err
	}
	e.printf("Red parts in London:\n")
	for _, p := range parts {
		e.printf("  %s %s (weight %g)\n", p.Number, p.Name, p.Weight)
	}

	shipments, err := scm.shipmentsByPartMap().Duplicates(tx, "P2")
	if err != nil {
		return err
	}
	e.printf("Shipments of P2:\n")
	for _, s := range shipments {
		e.printf("  %s x%d\n", s.Supplier, s.Quantity)
	}

	n, err := scm.shipmentsBySupplierMap().Count(tx, "S1")
	if err != nil {
		return err
	}
	e.printf("Shipments from S1: %d\n", n)
	return nil
}

func newDeleteCommand(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete {part|supplier} NUMBER",
		Short: "Delete a part or a supplier.",
		Long: `
Deletes a part or a supplier and prints every change made, including the
ones the delete policy makes to shipments.
`,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 2 {
				return fmt.Errorf("expected a record type and a number")
			}
			if args[0] != "part" && args[0] != "supplier" {
				return fmt.Errorf("invalid record type %q, wanted part or supplier", args[0])
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			db, scm, closeDB, err := e.open()
			if err != nil {
				return err
			}
			defer closeDB()

			store := scm.parts
			if args[0] == "supplier" {
				store = scm.suppliers
			}
			var changes []string
			err = e.runner(db).Update(cmd.Context(), func(tx *kvbind.Tx) error {
				changes = changes[:0]
				tx.OnChange(func(chg *kvbind.Change) {
					changes = append(changes, chg.String())
				})
				key, err := stringKeys.ObjectToEntry(tx, args[1], nil)
				if err != nil {
					return err
				}
				found, err := tx.Delete(store, key)
				if err != nil {
					return err
				}
				if !found {
					return fmt.Errorf("%s %s not found", args[0], args[1])
				}
				return nil
			})
			if err != nil {
				return err
			}
			for _, s := range changes {
				e.printf("%s\n", s)
			}
			return nil
		},
	}
	return cmd
}

func newDumpCommand(e *env) *cobra.Command {
	var all, indexes, stats, catalog bool
	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Print the records of every store.",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := kvbind.DumpStoreHeaders | kvbind.DumpRecords
			if indexes {
				f |= kvbind.DumpIndexes | kvbind.DumpIndexEntries
			}
			if stats {
				f |= kvbind.DumpStats
			}
			if catalog {
				f |= kvbind.DumpCatalog
			}
			if all {
				f = kvbind.DumpAll
			}

			db, _, closeDB, err := e.open()
			if err != nil {
				return err
			}
			defer closeDB()
			db.Read(func(tx *kvbind.Tx) {
				e.printf("%s", tx.Dump(f))
			})
			return nil
		},
	}

	flags := cmd.Flags()
	flags.BoolVarP(&all, "all", "a", false, "Print everything")
	flags.BoolVarP(&indexes, "indexes", "i", false, "Print index entries")
	flags.BoolVar(&stats, "stats", false, "Print store statistics")
	flags.BoolVar(&catalog, "catalog", false, "Print the class catalog")
	return cmd
}

func newCatalogCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "catalog",
		Short: "List the classes recorded in the class catalog.",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, _, closeDB, err := e.open()
			if err != nil {
				return err
			}
			defer closeDB()
			return db.ReadErr(func(tx *kvbind.Tx) error {
				classes, err := db.Catalog().Classes(tx)
				if err != nil {
					return err
				}
				for _, c := range classes {
					suffix := ""
					if c.Current {
						suffix = " (current)"
					}
					e.printf("%d\t%s%s\n", c.ID, c.Descriptor, suffix)
				}
				return nil
			})
		},
	}
}

func newStatsCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print record counts and space usage per store.",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, scm, closeDB, err := e.open()
			if err != nil {
				return err
			}
			defer closeDB()
			return db.ReadErr(func(tx *kvbind.Tx) error {
				w := tabwriter.NewWriter(e.stdout, 0, 8, 2, ' ', 0)
				fmt.Fprintln(w, "STORE\tRECORDS\tINDEX ENTRIES\tDATA SIZE\tINDEX SIZE")
				for _, store := range scm.Stores() {
					s, err := tx.StoreStats(store)
					if err != nil {
						return err
					}
					fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\n", store.Name(), s.Records, s.IndexEntries, s.DataSize, s.IndexSize)
				}
				return w.Flush()
			})
		},
	}
}

func newChangesCommand(e *env) *cobra.Command {
	var after uint64
	cmd := &cobra.Command{
		Use:   "changes",
		Short: "Print the change log.",
		Long: `
Prints the committed transactions recorded in the change log directory
(see --changelog-dir), oldest first.
`,
		Args: noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if e.conf.ChangeLogDir == "" {
				return fmt.Errorf("changelog-dir is not configured")
			}
			return changelog.Read(e.conf.ChangeLogDir, e.conf.ChangeLogOptions(e.logger), after, func(txn *changelog.Txn) error {
				e.printf("txn %d at %s\n", txn.ID, txn.Time.UTC().Format(time.RFC3339))
				for _, ent := range txn.Entries {
					e.printf("  %s\n", ent)
				}
				return nil
			})
		},
	}
	cmd.Flags().Uint64Var(&after, "after", 0, "Skip transactions up to and including this ID")
	return cmd
}
