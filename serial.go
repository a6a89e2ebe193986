package kvbind

import (
	"encoding"
	"fmt"
	"math"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/andreyvit/kvbind/tuple"
)

// Kind is the kind of a serialized field.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindBool
	KindInt
	KindUint
	KindFloat
	KindString
	KindBytes
	KindTime
	KindBinary
	KindStruct
	KindSlice
	KindPtr
)

var kindNames = [...]string{"invalid", "bool", "int", "uint", "float", "string", "bytes", "time", "binary", "struct", "slice", "ptr"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind%d", int(k))
}

// ClassDescriptor is the shape of a serialized struct at the time it was
// written. Fields are listed in encoding order.
type ClassDescriptor struct {
	Name   string            `msgpack:"n"`
	Fields []FieldDescriptor `msgpack:"f"`
}

type FieldDescriptor struct {
	Name string          `msgpack:"n"`
	Type *TypeDescriptor `msgpack:"t"`
}

type TypeDescriptor struct {
	Kind   Kind              `msgpack:"k"`
	Elem   *TypeDescriptor   `msgpack:"e,omitempty"`
	Fields []FieldDescriptor `msgpack:"f,omitempty"`
}

func (desc *ClassDescriptor) String() string {
	var buf strings.Builder
	buf.WriteString(desc.Name)
	writeFields(&buf, desc.Fields)
	return buf.String()
}

func writeFields(buf *strings.Builder, fields []FieldDescriptor) {
	buf.WriteByte('{')
	for i, f := range fields {
		if i > 0 {
			buf.WriteString(", ")
		}
		buf.WriteString(f.Name)
		buf.WriteByte(' ')
		writeType(buf, f.Type)
	}
	buf.WriteByte('}')
}

func writeType(buf *strings.Builder, t *TypeDescriptor) {
	switch t.Kind {
	case KindStruct:
		writeFields(buf, t.Fields)
	case KindSlice:
		buf.WriteString("[]")
		writeType(buf, t.Elem)
	case KindPtr:
		buf.WriteByte('*')
		writeType(buf, t.Elem)
	default:
		buf.WriteString(t.Kind.String())
	}
}

var (
	timeType              = reflect.TypeOf((*time.Time)(nil)).Elem()
	binaryMarshalerType   = reflect.TypeOf((*encoding.BinaryMarshaler)(nil)).Elem()
	binaryUnmarshalerType = reflect.TypeOf((*encoding.BinaryUnmarshaler)(nil)).Elem()
)

// serialClass is the live shape of a Go struct type.
type serialClass struct {
	typ  reflect.Type
	desc *ClassDescriptor
	raw  []byte
	root *serialType
}

type serialType struct {
	kind   Kind
	typ    reflect.Type
	desc   *TypeDescriptor
	elem   *serialType
	fields []*serialField
	byName map[string]*serialField
}

type serialField struct {
	name  string
	index int
	typ   *serialType
}

var serialClasses sync.Map

func serialClassOf(typ reflect.Type) (*serialClass, error) {
	if v, ok := serialClasses.Load(typ); ok {
		return v.(*serialClass), nil
	}
	if typ.Kind() != reflect.Struct {
		return nil, fmt.Errorf("kvbind: serial binding needs a struct or a pointer to one, got %v", typ)
	}
	root, err := buildSerialType(typ, "", map[reflect.Type]bool{})
	if err != nil {
		return nil, err
	}
	sc := &serialClass{
		typ: typ,
		desc: &ClassDescriptor{
			Name:   className(typ),
			Fields: root.desc.Fields,
		},
		root: root,
	}
	sc.raw, err = encodeClassDescriptor(sc.desc)
	if err != nil {
		return nil, err
	}
	actual, _ := serialClasses.LoadOrStore(typ, sc)
	return actual.(*serialClass), nil
}

func className(typ reflect.Type) string {
	if typ.PkgPath() != "" && typ.Name() != "" {
		return typ.PkgPath() + "." + typ.Name()
	}
	return typ.String()
}

func buildSerialType(typ reflect.Type, path string, inProgress map[reflect.Type]bool) (*serialType, error) {
	st := &serialType{typ: typ}
	switch {
	case typ == timeType:
		st.kind = KindTime
	case typ.Kind() != reflect.Ptr && typ.Implements(binaryMarshalerType) && reflect.PointerTo(typ).Implements(binaryUnmarshalerType):
		st.kind = KindBinary
	default:
		switch typ.Kind() {
		case reflect.Bool:
			st.kind = KindBool
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			st.kind = KindInt
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
			st.kind = KindUint
		case reflect.Float32, reflect.Float64:
			st.kind = KindFloat
		case reflect.String:
			st.kind = KindString
		case reflect.Slice, reflect.Array:
			if typ.Elem().Kind() == reflect.Uint8 {
				st.kind = KindBytes
				break
			}
			st.kind = KindSlice
			elem, err := buildSerialType(typ.Elem(), path+"[]", inProgress)
			if err != nil {
				return nil, err
			}
			st.elem = elem
		case reflect.Ptr:
			st.kind = KindPtr
			elem, err := buildSerialType(typ.Elem(), path, inProgress)
			if err != nil {
				return nil, err
			}
			st.elem = elem
		case reflect.Struct:
			st.kind = KindStruct
			if inProgress[typ] {
				return nil, fmt.Errorf("kvbind: recursive type %v at %s", typ, path)
			}
			inProgress[typ] = true
			defer delete(inProgress, typ)
			st.byName = make(map[string]*serialField)
			for i := 0; i < typ.NumField(); i++ {
				f := typ.Field(i)
				if !f.IsExported() {
					continue
				}
				name := f.Name
				if tag := f.Tag.Get("kvbind"); tag == "-" {
					continue
				} else if tag != "" {
					name = tag
				}
				if st.byName[name] != nil {
					return nil, fmt.Errorf("kvbind: duplicate field name %q in %v", name, typ)
				}
				ft, err := buildSerialType(f.Type, path+"."+f.Name, inProgress)
				if err != nil {
					return nil, err
				}
				sf := &serialField{name: name, index: i, typ: ft}
				st.fields = append(st.fields, sf)
				st.byName[name] = sf
			}
		default:
			return nil, fmt.Errorf("kvbind: cannot serialize %v at %s", typ, path)
		}
	}

	st.desc = &TypeDescriptor{Kind: st.kind}
	if st.elem != nil {
		st.desc.Elem = st.elem.desc
	}
	for _, f := range st.fields {
		st.desc.Fields = append(st.desc.Fields, FieldDescriptor{Name: f.name, Type: f.typ.desc})
	}
	return st, nil
}

// Serialize appends the class ID of v's type followed by its fields.
// v must be a struct or a non-nil pointer to one.
func Serialize(tx *Tx, v any, buf []byte) ([]byte, error) {
	val := reflect.ValueOf(v)
	if val.Kind() == reflect.Ptr {
		if val.IsNil() {
			return nil, &SerializationError{val.Type(), errors.New("nil pointer")}
		}
		val = val.Elem()
	}
	return serializeValue(tx, val, buf)
}

func serializeValue(tx *Tx, val reflect.Value, buf []byte) ([]byte, error) {
	sc, err := serialClassOf(val.Type())
	if err != nil {
		return nil, &SerializationError{val.Type(), err}
	}
	id, err := tx.db.catalog.getOrAssignRaw(tx, sc.desc, sc.raw)
	if err != nil {
		return nil, &SerializationError{val.Type(), err}
	}
	buf = appendUvarint(buf, uint64(id))
	buf, err = encodeSerial(buf, sc.root, val)
	if err != nil {
		return nil, &SerializationError{val.Type(), err}
	}
	return buf, nil
}

func encodeSerial(buf []byte, st *serialType, v reflect.Value) ([]byte, error) {
	switch st.kind {
	case KindBool:
		return tuple.AppendBool(buf, v.Bool()), nil
	case KindInt:
		return tuple.AppendInt64(buf, v.Int()), nil
	case KindUint:
		return tuple.AppendUint64(buf, v.Uint()), nil
	case KindFloat:
		return tuple.AppendFloat64(buf, v.Float()), nil
	case KindString:
		return appendVarbytes(buf, []byte(v.String())), nil
	case KindBytes:
		if v.Kind() == reflect.Array {
			b := make([]byte, v.Len())
			reflect.Copy(reflect.ValueOf(b), v)
			return appendVarbytes(buf, b), nil
		}
		return appendVarbytes(buf, v.Bytes()), nil
	case KindTime:
		return tuple.AppendTime(buf, v.Interface().(time.Time)), nil
	case KindBinary:
		data, err := v.Interface().(encoding.BinaryMarshaler).MarshalBinary()
		if err != nil {
			return nil, errors.Wrapf(err, "%v.MarshalBinary", st.typ)
		}
		return appendVarbytes(buf, data), nil
	case KindStruct:
		var err error
		for _, f := range st.fields {
			buf, err = encodeSerial(buf, f.typ, v.Field(f.index))
			if err != nil {
				return nil, errors.Wrap(err, f.name)
			}
		}
		return buf, nil
	case KindSlice:
		n := v.Len()
		if n > maxWidthlessElems && minSerialSize(st.elem.desc) == 0 {
			return nil, fmt.Errorf("slice of %d zero-width %v elements exceeds %d", n, st.elem.typ, maxWidthlessElems)
		}
		buf = appendUvarint(buf, uint64(n))
		var err error
		for i := 0; i < n; i++ {
			buf, err = encodeSerial(buf, st.elem, v.Index(i))
			if err != nil {
				return nil, err
			}
		}
		return buf, nil
	case KindPtr:
		if v.IsNil() {
			return append(buf, 0), nil
		}
		return encodeSerial(append(buf, 1), st.elem, v.Elem())
	default:
		panic(fmt.Errorf("unhandled kind %v", st.kind))
	}
}

// Deserialize decodes data into the struct ptr points to. Fields are matched
// by name against the descriptor the record was written with: fields the
// writer did not know stay zero, fields the reader no longer has are skipped.
func Deserialize(tx *Tx, data []byte, ptr any) error {
	val := reflect.ValueOf(ptr)
	if val.Kind() != reflect.Ptr || val.IsNil() {
		return &SerializationError{reflect.TypeOf(ptr), errors.New("Deserialize needs a non-nil pointer")}
	}
	return deserializeValue(tx, data, val.Elem())
}

func deserializeValue(tx *Tx, data []byte, val reflect.Value) error {
	typ := val.Type()
	sc, err := serialClassOf(typ)
	if err != nil {
		return &SerializationError{typ, err}
	}
	d := makeByteDecoder(data)
	id, err := d.Uvarint()
	if err != nil {
		return &SerializationError{typ, errors.Wrap(err, "reading class ID")}
	}
	var fields []FieldDescriptor
	if e := tx.db.catalog.cached(sc.raw); e != nil && e.id == ClassID(id) {
		fields = sc.desc.Fields
	} else {
		desc, err := tx.db.catalog.Resolve(tx, ClassID(id))
		if err != nil {
			return &SerializationError{typ, err}
		}
		fields = desc.Fields
	}
	val.SetZero()
	if err := decodeSerialFields(&d, fields, sc.root, val); err != nil {
		return &SerializationError{typ, err}
	}
	if len(d.Buf) != 0 {
		return &SerializationError{typ, dataErrf(data, d.Off(), nil, "%d bytes of trailing data", len(d.Buf))}
	}
	return nil
}

func decodeSerialFields(d *byteDecoder, fields []FieldDescriptor, st *serialType, v reflect.Value) error {
	for _, fd := range fields {
		live := st.byName[fd.Name]
		if live == nil {
			if err := skipSerial(d, fd.Type); err != nil {
				return errors.Wrap(err, fd.Name)
			}
			continue
		}
		if err := decodeSerial(d, fd.Type, live.typ, v.Field(live.index)); err != nil {
			return errors.Wrap(err, fd.Name)
		}
	}
	return nil
}

func decodeSerial(d *byteDecoder, td *TypeDescriptor, st *serialType, v reflect.Value) error {
	if td.Kind != st.kind {
		return fmt.Errorf("stored as %v, now %v", td.Kind, st.kind)
	}
	switch td.Kind {
	case KindBool:
		raw, err := d.Raw(1)
		if err != nil {
			return err
		}
		v.SetBool(raw[0] != 0)
	case KindInt:
		raw, err := d.Raw(8)
		if err != nil {
			return err
		}
		n, _, _ := tuple.ReadInt64(raw, 0)
		if v.OverflowInt(n) {
			return fmt.Errorf("value %d overflows %v", n, v.Type())
		}
		v.SetInt(n)
	case KindUint:
		raw, err := d.Raw(8)
		if err != nil {
			return err
		}
		n, _, _ := tuple.ReadUint64(raw, 0)
		if v.OverflowUint(n) {
			return fmt.Errorf("value %d overflows %v", n, v.Type())
		}
		v.SetUint(n)
	case KindFloat:
		raw, err := d.Raw(8)
		if err != nil {
			return err
		}
		f, _, _ := tuple.ReadFloat64(raw, 0)
		if v.Kind() == reflect.Float32 && !math.IsInf(f, 0) && !math.IsNaN(f) && v.OverflowFloat(f) {
			return fmt.Errorf("value %v overflows %v", f, v.Type())
		}
		v.SetFloat(f)
	case KindString:
		raw, err := d.VarBytes()
		if err != nil {
			return err
		}
		v.SetString(string(raw))
	case KindBytes:
		raw, err := d.VarBytes()
		if err != nil {
			return err
		}
		if v.Kind() == reflect.Array {
			if len(raw) != v.Len() {
				return fmt.Errorf("stored %d bytes into %v", len(raw), v.Type())
			}
			reflect.Copy(v, reflect.ValueOf(raw))
		} else {
			v.SetBytes(cloneBytes(raw))
		}
	case KindTime:
		raw, err := d.Raw(8)
		if err != nil {
			return err
		}
		t, _, _ := tuple.ReadTime(raw, 0)
		v.Set(reflect.ValueOf(t))
	case KindBinary:
		raw, err := d.VarBytes()
		if err != nil {
			return err
		}
		if err := v.Addr().Interface().(encoding.BinaryUnmarshaler).UnmarshalBinary(raw); err != nil {
			return errors.Wrapf(err, "%v.UnmarshalBinary", st.typ)
		}
	case KindStruct:
		return decodeSerialFields(d, td.Fields, st, v)
	case KindSlice:
		n, err := d.Uvarinti()
		if err != nil {
			return err
		}
		if err := checkSliceLen(d, td.Elem, n); err != nil {
			return err
		}
		if v.Kind() == reflect.Array {
			if n != v.Len() {
				return fmt.Errorf("stored %d elements into %v", n, v.Type())
			}
		} else if n > 0 {
			v.Set(reflect.MakeSlice(v.Type(), n, n))
		}
		for i := 0; i < n; i++ {
			if err := decodeSerial(d, td.Elem, st.elem, v.Index(i)); err != nil {
				return err
			}
		}
	case KindPtr:
		flag, err := d.Byte()
		if err != nil {
			return err
		}
		if flag == 0 {
			return nil
		}
		v.Set(reflect.New(v.Type().Elem()))
		return decodeSerial(d, td.Elem, st.elem, v.Elem())
	default:
		return fmt.Errorf("invalid kind %v", td.Kind)
	}
	return nil
}

// maxWidthlessElems bounds slices whose elements encode to no bytes, such as
// []struct{}. Their count cannot be checked against the remaining input.
const maxWidthlessElems = 1 << 20

// minSerialSize returns the fewest bytes a value described by td encodes to.
func minSerialSize(td *TypeDescriptor) int {
	switch td.Kind {
	case KindBool, KindString, KindBytes, KindBinary, KindSlice, KindPtr:
		return 1
	case KindInt, KindUint, KindFloat, KindTime:
		return 8
	case KindStruct:
		n := 0
		for _, f := range td.Fields {
			n += minSerialSize(f.Type)
		}
		return n
	default:
		return 0
	}
}

func checkSliceLen(d *byteDecoder, elem *TypeDescriptor, n int) error {
	if size := minSerialSize(elem); size == 0 {
		if n > maxWidthlessElems {
			return dataErrf(d.Orig, d.Off(), nil, "slice of %d zero-width elements exceeds %d", n, maxWidthlessElems)
		}
	} else if n > len(d.Buf)/size {
		return dataErrf(d.Orig, d.Off(), nil, "slice of %d elements does not fit into remaining %d bytes", n, len(d.Buf))
	}
	return nil
}

func skipSerial(d *byteDecoder, td *TypeDescriptor) error {
	var err error
	switch td.Kind {
	case KindBool:
		_, err = d.Raw(1)
	case KindInt, KindUint, KindFloat, KindTime:
		_, err = d.Raw(8)
	case KindString, KindBytes, KindBinary:
		_, err = d.VarBytes()
	case KindStruct:
		for _, f := range td.Fields {
			if err = skipSerial(d, f.Type); err != nil {
				return err
			}
		}
	case KindSlice:
		var n int
		n, err = d.Uvarinti()
		if err == nil {
			err = checkSliceLen(d, td.Elem, n)
		}
		if minSerialSize(td.Elem) == 0 {
			break
		}
		for i := 0; err == nil && i < n; i++ {
			err = skipSerial(d, td.Elem)
		}
	case KindPtr:
		var flag byte
		flag, err = d.Byte()
		if err == nil && flag != 0 {
			err = skipSerial(d, td.Elem)
		}
	default:
		err = fmt.Errorf("invalid kind %v", td.Kind)
	}
	return err
}

// SerialBinding stores T (a struct or a pointer to one) with the object
// codec: a catalog class ID followed by the field values.
type SerialBinding[T any] struct{}

func (SerialBinding[T]) ObjectToEntry(tx *Tx, v T, buf []byte) ([]byte, error) {
	return Serialize(tx, v, buf)
}

func (SerialBinding[T]) EntryToObject(tx *Tx, data []byte) (T, error) {
	var result T
	val := reflect.ValueOf(&result).Elem()
	if val.Kind() == reflect.Ptr {
		val.Set(reflect.New(val.Type().Elem()))
		val = val.Elem()
	}
	if err := deserializeValue(tx, data, val); err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}
