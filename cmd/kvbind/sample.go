package main

import (
	"fmt"

	"github.com/andreyvit/kvbind"
)

// The sample database is the classic supplier/part/shipment schema. Shipments
// are keyed by (part, supplier), and both halves of the key are foreign keys.

type Supplier struct {
	Number string
	Name   string
	Status int
	City   string
}

type SupplierData struct {
	Name   string
	Status int
	City   string
}

type Part struct {
	Number string
	Name   string
	Color  string
	Weight float64
	City   string
}

type PartData struct {
	Name   string
	Color  string
	Weight float64
	City   string
}

type ShipmentKey struct {
	Part     string
	Supplier string
}

type Shipment struct {
	ShipmentKey
	Quantity int
}

type ShipmentData struct {
	Quantity int
}

var (
	stringKeys   = kvbind.TupleBinding[string]{}
	shipmentKeys = kvbind.TupleBinding[ShipmentKey]{}

	supplierEntities = &kvbind.CompositeEntityBinding[string, SupplierData, Supplier]{
		Keys:   stringKeys,
		Values: kvbind.SerialBinding[SupplierData]{},
		Combine: func(k string, v SupplierData) Supplier {
			return Supplier{k, v.Name, v.Status, v.City}
		},
		Split: func(e Supplier) (string, SupplierData) {
			return e.Number, SupplierData{e.Name, e.Status, e.City}
		},
	}
	partEntities = &kvbind.CompositeEntityBinding[string, PartData, Part]{
		Keys:   stringKeys,
		Values: kvbind.SerialBinding[PartData]{},
		Combine: func(k string, v PartData) Part {
			return Part{k, v.Name, v.Color, v.Weight, v.City}
		},
		Split: func(e Part) (string, PartData) {
			return e.Number, PartData{e.Name, e.Color, e.Weight, e.City}
		},
	}
	shipmentEntities = &kvbind.CompositeEntityBinding[ShipmentKey, ShipmentData, Shipment]{
		Keys:   shipmentKeys,
		Values: kvbind.SerialBinding[ShipmentData]{},
		Combine: func(k ShipmentKey, v ShipmentData) Shipment {
			return Shipment{k, v.Quantity}
		},
		Split: func(e Shipment) (ShipmentKey, ShipmentData) {
			return e.ShipmentKey, ShipmentData{e.Quantity}
		},
	}
)

type sampleDB struct {
	*kvbind.Schema
	suppliers *kvbind.Store
	parts     *kvbind.Store
	shipments *kvbind.Store

	suppliersByCity     *kvbind.Index
	partsByCity         *kvbind.Index
	partsByColor        *kvbind.Index
	shipmentsByPart     *kvbind.Index
	shipmentsBySupplier *kvbind.Index
}

func newSampleSchema(policy kvbind.DeletePolicy) *sampleDB {
	s := &sampleDB{Schema: kvbind.NewSchema()}
	s.suppliers = kvbind.AddStore(s.Schema, "suppliers", kvbind.FormatWith(formatEntity[Supplier](supplierEntities)))
	s.parts = kvbind.AddStore(s.Schema, "parts", kvbind.FormatWith(formatEntity[Part](partEntities)))
	s.shipments = kvbind.AddStore(s.Schema, "shipments", kvbind.FormatWith(formatEntity[Shipment](shipmentEntities)))

	s.suppliersByCity = kvbind.AddIndex(s.suppliers, "byCity", &kvbind.FieldExtractor[SupplierData, string]{
		Values: kvbind.SerialBinding[SupplierData]{},
		Keys:   stringKeys,
		Get:    func(pk []byte, v *SupplierData) (string, bool) { return v.City, v.City != "" },
	})
	s.partsByCity = kvbind.AddIndex(s.parts, "byCity", &kvbind.FieldExtractor[PartData, string]{
		Values: kvbind.SerialBinding[PartData]{},
		Keys:   stringKeys,
		Get:    func(pk []byte, v *PartData) (string, bool) { return v.City, v.City != "" },
	})
	s.partsByColor = kvbind.AddIndex(s.parts, "byColor", &kvbind.FieldExtractor[PartData, string]{
		Values: kvbind.SerialBinding[PartData]{},
		Keys:   stringKeys,
		Get:    func(pk []byte, v *PartData) (string, bool) { return v.Color, v.Color != "" },
	})
	s.shipmentsByPart = kvbind.AddForeignKey(s.shipments, "byPart", shipmentKeyField(func(k ShipmentKey) string { return k.Part }), s.parts, policy)
	s.shipmentsBySupplier = kvbind.AddForeignKey(s.shipments, "bySupplier", shipmentKeyField(func(k ShipmentKey) string { return k.Supplier }), s.suppliers, policy)
	return s
}

// shipmentKeyField indexes shipments by one half of their primary key. The
// key cannot be cleared, so the Clear policy is not available for these.
func shipmentKeyField(f func(k ShipmentKey) string) kvbind.ExtractorFunc {
	return func(tx *kvbind.Tx, e *kvbind.Entry, buf []byte) ([]byte, error) {
		k, err := shipmentKeys.EntryToObject(tx, e.Key())
		if err != nil {
			return nil, err
		}
		return stringKeys.ObjectToEntry(tx, f(k), buf)
	}
}

func formatEntity[E any](b kvbind.EntityBinding[E]) func(tx *kvbind.Tx, key, value []byte) (string, error) {
	return func(tx *kvbind.Tx, key, value []byte) (string, error) {
		e, err := b.EntryToObject(tx, key, value)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%+v", e), nil
	}
}

func (s *sampleDB) supplierMap() *kvbind.EntityMap[string, Supplier] {
	return &kvbind.EntityMap[string, Supplier]{Store: s.suppliers, Keys: stringKeys, Entities: supplierEntities}
}

func (s *sampleDB) partMap() *kvbind.EntityMap[string, Part] {
	return &kvbind.EntityMap[string, Part]{Store: s.parts, Keys: stringKeys, Entities: partEntities}
}

func (s *sampleDB) shipmentMap() *kvbind.EntityMap[ShipmentKey, Shipment] {
	return &kvbind.EntityMap[ShipmentKey, Shipment]{Store: s.shipments, Keys: shipmentKeys, Entities: shipmentEntities}
}

func (s *sampleDB) suppliersByCityMap() *kvbind.IndexMap[string, Supplier] {
	return &kvbind.IndexMap[string, Supplier]{Index: s.suppliersByCity, Keys: stringKeys, Entities: supplierEntities}
}

func (s *sampleDB) partsByCityMap() *kvbind.IndexMap[string, Part] {
	return &kvbind.IndexMap[string, Part]{Index: s.partsByCity, Keys: stringKeys, Entities: partEntities}
}

func (s *sampleDB) partsByColorMap() *kvbind.IndexMap[string, Part] {
	return &kvbind.IndexMap[string, Part]{Index: s.partsByColor, Keys: stringKeys, Entities: partEntities}
}

func (s *sampleDB) shipmentsByPartMap() *kvbind.IndexMap[string, Shipment] {
	return &kvbind.IndexMap[string, Shipment]{Index: s.shipmentsByPart, Keys: stringKeys, Entities: shipmentEntities}
}

func (s *sampleDB) shipmentsBySupplierMap() *kvbind.IndexMap[string, Shipment] {
	return &kvbind.IndexMap[string, Shipment]{Index: s.shipmentsBySupplier, Keys: stringKeys, Entities: shipmentEntities}
}

var (
	sampleSuppliers = []Supplier{
		{"S1", "Smith", 20, "London"},
		{"S2", "Jones", 10, "Paris"},
		{"S3", "Blake", 30, "Paris"},
		{"S4", "Clark", 20, "London"},
		{"S5", "Adams", 30, "Athens"},
	}
	sampleParts = []Part{
		{"P1", "Nut", "Red", 12.0, "London"},
		{"P2", "Bolt", "Green", 17.0, "Paris"},
		{"P3", "Screw", "Blue", 17.0, "Rome"},
		{"P4", "Screw", "Red", 14.0, "London"},
		{"P5", "Cam", "Blue", 12.0, "Paris"},
		{"P6", "Cog", "Red", 19.0, "London"},
	}
	sampleShipments = []Shipment{
		{ShipmentKey{"P1", "S1"}, 300},
		{ShipmentKey{"P2", "S1"}, 200},
		{ShipmentKey{"P3", "S1"}, 400},
		{ShipmentKey{"P4", "S1"}, 200},
		{ShipmentKey{"P5", "S1"}, 100},
		{ShipmentKey{"P6", "S1"}, 100},
		{ShipmentKey{"P1", "S2"}, 300},
		{ShipmentKey{"P2", "S2"}, 400},
		{ShipmentKey{"P2", "S3"}, 200},
		{ShipmentKey{"P2", "S4"}, 200},
		{ShipmentKey{"P4", "S4"}, 300},
		{ShipmentKey{"P5", "S4"}, 400},
	}
)

// populate loads the sample records. Suppliers and parts go first, since
// shipments must reference existing records.
func (s *sampleDB) populate(tx *kvbind.Tx) error {
	for _, e := range sampleSuppliers {
		if err := s.supplierMap().Put(tx, e); err != nil {
			return err
		}
	}
	for _, e := range sampleParts {
		if err := s.partMap().Put(tx, e); err != nil {
			return err
		}
	}
	for _, e := range sampleShipments {
		if err := s.shipmentMap().Put(tx, e); err != nil {
			return err
		}
	}
	return nil
}
