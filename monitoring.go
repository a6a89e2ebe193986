package kvbind

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	puts            *prometheus.CounterVec
	deletes         *prometheus.CounterVec
	fkActions       *prometheus.CounterVec
	classesAssigned prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		puts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "kvbind",
				Name:      "puts_total",
				Help:      "Records written, including foreign key clears.",
			}, []string{"store"}),
		deletes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "kvbind",
				Name:      "deletes_total",
				Help:      "Records deleted, including cascades.",
			}, []string{"store"}),
		fkActions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "kvbind",
				Subsystem: "fk",
				Name:      "actions_total",
				Help:      "Referencing records a delete policy was applied to.",
			}, []string{"index", "policy"}),
		classesAssigned: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "kvbind",
				Subsystem: "catalog",
				Name:      "classes_assigned_total",
				Help:      "Class IDs assigned to new class descriptors.",
			}),
	}
	if reg == nil {
		return m, nil
	}
	var err error
	m.puts, err = register(reg, m.puts)
	if err != nil {
		return nil, err
	}
	m.deletes, err = register(reg, m.deletes)
	if err != nil {
		return nil, err
	}
	m.fkActions, err = register(reg, m.fkActions)
	if err != nil {
		return nil, err
	}
	m.classesAssigned, err = register(reg, m.classesAssigned)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// register adds c to reg. Reopening a database with the same registerer
// reuses the collectors of the previous instance.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	err := reg.Register(c)
	if err == nil {
		return c, nil
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(C); ok {
			return existing, nil
		}
	}
	return c, err
}

type StoreStats struct {
	Records      int
	IndexEntries int

	DataSize   int64
	DataAlloc  int64
	IndexSize  int64
	IndexAlloc int64
}

func (ss *StoreStats) TotalSize() int64 {
	return ss.DataSize + ss.IndexSize
}

func (ss *StoreStats) TotalAlloc() int64 {
	return ss.DataAlloc + ss.IndexAlloc
}

// StoreStats reports record counts and space usage of store and its indexes.
// Sizes are zero for backends that do not track them.
func (tx *Tx) StoreStats(store *Store) (StoreStats, error) {
	var result StoreStats
	b, err := tx.storeBucket(store)
	if err != nil {
		return result, err
	}
	bs := b.Stats()
	result.DataSize = bs.LeafInuse
	result.DataAlloc = bs.TotalAlloc()
	result.Records, err = tx.Count(store)
	if err != nil {
		return result, err
	}

	for _, idx := range store.indexes {
		ib, err := tx.indexBucket(idx)
		if err != nil {
			return result, err
		}
		bs = ib.Stats()
		result.IndexSize += bs.LeafInuse
		result.IndexAlloc += bs.TotalAlloc()
		c := ib.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			result.IndexEntries++
		}
	}
	return result, nil
}

func (tx *Tx) loggableValue(store *Store, key, value []byte) string {
	if value == nil {
		return "<none>"
	}
	if store.suppressContent {
		return "<suppressed>"
	}
	if store.formatter != nil {
		s, err := store.formatter(tx, key, value)
		if err == nil {
			return s
		}
		return hexstr(value) + " <" + err.Error() + ">"
	}
	return hexstr(value)
}
