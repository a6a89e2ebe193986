package tuple

import (
	"encoding"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

var (
	timeType              = reflect.TypeOf((*time.Time)(nil)).Elem()
	byteType              = reflect.TypeOf(byte(0))
	binaryMarshalerType   = reflect.TypeOf((*encoding.BinaryMarshaler)(nil)).Elem()
	binaryUnmarshalerType = reflect.TypeOf((*encoding.BinaryUnmarshaler)(nil)).Elem()
)

// component encodes one leaf value reachable from the root type via steps.
type component struct {
	typ    reflect.Type
	path   string
	steps  []int
	encode func(o *Output, v reflect.Value)
	decode func(in *Input, v reflect.Value)
}

// derefStep is a step that follows a pointer; other steps are field indices.
const derefStep = -1

type layout struct {
	typ        reflect.Type
	components []*component
}

var layouts sync.Map

// layoutOf flattens typ into a list of leaf components: struct fields are
// visited in declaration order, pointers are followed.
func layoutOf(typ reflect.Type) (*layout, error) {
	if l, ok := layouts.Load(typ); ok {
		return l.(*layout), nil
	}
	l := &layout{typ: typ}
	err := enumerateComponents(typ, "", nil, make(map[reflect.Type]bool), func(c *component) {
		l.components = append(l.components, c)
	})
	if err != nil {
		return nil, err
	}
	actual, _ := layouts.LoadOrStore(typ, l)
	return actual.(*layout), nil
}

func (c *component) valueIn(v reflect.Value, init bool) reflect.Value {
	for _, step := range c.steps {
		if step != derefStep {
			v = v.Field(step)
			continue
		}
		if v.IsNil() {
			if !init {
				v = reflect.Zero(v.Type().Elem())
				continue
			}
			v.Set(reflect.New(v.Type().Elem()))
		}
		v = v.Elem()
	}
	return v
}

// enumerateComponents walks typ depth first. visiting holds the struct and
// pointer types on the current path; a type that contains itself has no
// finite tuple layout.
func enumerateComponents(typ reflect.Type, path string, steps []int, visiting map[reflect.Type]bool, f func(c *component)) error {
	leaf := func(enc func(o *Output, v reflect.Value), dec func(in *Input, v reflect.Value)) {
		f(&component{
			typ:    typ,
			path:   path,
			steps:  steps,
			encode: enc,
			decode: dec,
		})
	}

	if typ == timeType {
		leaf(func(o *Output, v reflect.Value) {
			o.WriteTime(v.Interface().(time.Time))
		}, func(in *Input, v reflect.Value) {
			v.Set(reflect.ValueOf(in.ReadTime()))
		})
		return nil
	}
	if typ.Kind() != reflect.Ptr && typ.Kind() != reflect.Slice && reflect.PointerTo(typ).Implements(binaryUnmarshalerType) && typ.Implements(binaryMarshalerType) {
		leaf(func(o *Output, v reflect.Value) {
			data, err := v.Interface().(encoding.BinaryMarshaler).MarshalBinary()
			if err != nil {
				o.fail(errors.Wrapf(err, "%v.MarshalBinary", typ))
				return
			}
			o.WriteBytes(data)
		}, func(in *Input, v reflect.Value) {
			data := in.ReadBytes()
			if in.failed() {
				return
			}
			if err := v.Addr().Interface().(encoding.BinaryUnmarshaler).UnmarshalBinary(data); err != nil {
				in.fail(errors.Wrapf(err, "%v.UnmarshalBinary", typ))
			}
		})
		return nil
	}

	switch typ.Kind() {
	case reflect.Bool:
		leaf(func(o *Output, v reflect.Value) {
			o.WriteBool(v.Bool())
		}, func(in *Input, v reflect.Value) {
			v.SetBool(in.ReadBool())
		})
	case reflect.String:
		leaf(func(o *Output, v reflect.Value) {
			o.WriteString(v.String())
		}, func(in *Input, v reflect.Value) {
			v.SetString(in.ReadString())
		})
	case reflect.Uint8:
		leaf(func(o *Output, v reflect.Value) {
			o.WriteUint8(uint8(v.Uint()))
		}, func(in *Input, v reflect.Value) {
			v.SetUint(uint64(in.ReadUint8()))
		})
	case reflect.Uint16:
		leaf(func(o *Output, v reflect.Value) {
			o.WriteUint16(uint16(v.Uint()))
		}, func(in *Input, v reflect.Value) {
			v.SetUint(uint64(in.ReadUint16()))
		})
	case reflect.Uint32:
		leaf(func(o *Output, v reflect.Value) {
			o.WriteUint32(uint32(v.Uint()))
		}, func(in *Input, v reflect.Value) {
			v.SetUint(uint64(in.ReadUint32()))
		})
	case reflect.Uint, reflect.Uint64, reflect.Uintptr:
		leaf(func(o *Output, v reflect.Value) {
			o.WriteUint64(v.Uint())
		}, func(in *Input, v reflect.Value) {
			v.SetUint(in.ReadUint64())
		})
	case reflect.Int8:
		leaf(func(o *Output, v reflect.Value) {
			o.WriteInt8(int8(v.Int()))
		}, func(in *Input, v reflect.Value) {
			v.SetInt(int64(in.ReadInt8()))
		})
	case reflect.Int16:
		leaf(func(o *Output, v reflect.Value) {
			o.WriteInt16(int16(v.Int()))
		}, func(in *Input, v reflect.Value) {
			v.SetInt(int64(in.ReadInt16()))
		})
	case reflect.Int32:
		leaf(func(o *Output, v reflect.Value) {
			o.WriteInt32(int32(v.Int()))
		}, func(in *Input, v reflect.Value) {
			v.SetInt(int64(in.ReadInt32()))
		})
	case reflect.Int, reflect.Int64:
		leaf(func(o *Output, v reflect.Value) {
			o.WriteInt64(v.Int())
		}, func(in *Input, v reflect.Value) {
			v.SetInt(in.ReadInt64())
		})
	case reflect.Float32:
		leaf(func(o *Output, v reflect.Value) {
			o.WriteFloat32(float32(v.Float()))
		}, func(in *Input, v reflect.Value) {
			v.SetFloat(float64(in.ReadFloat32()))
		})
	case reflect.Float64:
		leaf(func(o *Output, v reflect.Value) {
			o.WriteFloat64(v.Float())
		}, func(in *Input, v reflect.Value) {
			v.SetFloat(in.ReadFloat64())
		})
	case reflect.Slice:
		if typ.Elem() != byteType {
			return fmt.Errorf("tuple: cannot encode %v%s", typ, pathSuffix(path))
		}
		leaf(func(o *Output, v reflect.Value) {
			o.WriteBytes(v.Bytes())
		}, func(in *Input, v reflect.Value) {
			v.Set(reflect.ValueOf(in.ReadBytes()).Convert(typ))
		})
	case reflect.Array:
		if typ.Elem() != byteType {
			return fmt.Errorf("tuple: cannot encode %v%s", typ, pathSuffix(path))
		}
		n := typ.Len()
		leaf(func(o *Output, v reflect.Value) {
			for i := 0; i < n; i++ {
				o.WriteUint8(uint8(v.Index(i).Uint()))
			}
		}, func(in *Input, v reflect.Value) {
			data := in.ReadFixed(n)
			if in.failed() {
				return
			}
			reflect.Copy(v, reflect.ValueOf(data))
		})
	case reflect.Ptr:
		if visiting[typ] {
			return fmt.Errorf("tuple: recursive type %v%s", typ, pathSuffix(path))
		}
		visiting[typ] = true
		defer delete(visiting, typ)
		return enumerateComponents(typ.Elem(), path, appendStep(steps, derefStep), visiting, f)
	case reflect.Struct:
		if visiting[typ] {
			return fmt.Errorf("tuple: recursive type %v%s", typ, pathSuffix(path))
		}
		visiting[typ] = true
		defer delete(visiting, typ)
		for i := 0; i < typ.NumField(); i++ {
			field := typ.Field(i)
			if !field.IsExported() || field.Tag.Get("tuple") == "-" {
				continue
			}
			err := enumerateComponents(field.Type, path+"."+field.Name, appendStep(steps, i), visiting, f)
			if err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("tuple: cannot encode %v%s", typ, pathSuffix(path))
	}
	return nil
}

func appendStep(steps []int, step int) []int {
	return append(append([]int(nil), steps...), step)
}

func pathSuffix(p string) string {
	if p == "" {
		return ""
	}
	return " at " + p
}

// Marshal encodes v, which must be a scalar, a []byte or [N]byte, a
// time.Time, an encoding.BinaryMarshaler, or a struct (or pointer to one)
// of those, into a tuple.
func Marshal(v any) ([]byte, error) {
	return Append(nil, v)
}

// Append is like Marshal, but appends to buf.
func Append(buf []byte, v any) ([]byte, error) {
	val := reflect.ValueOf(v)
	if !val.IsValid() {
		return nil, errors.New("tuple: cannot encode nil")
	}
	l, err := layoutOf(val.Type())
	if err != nil {
		return nil, err
	}
	o := NewOutput(buf)
	l.encode(o, val)
	if o.err != nil {
		return nil, o.err
	}
	return o.buf, nil
}

func (l *layout) encode(o *Output, val reflect.Value) {
	for _, c := range l.components {
		c.encode(o, c.valueIn(val, false))
	}
}

// Unmarshal decodes data into the value ptr points to. All of data must be
// consumed, otherwise ErrTrailingData is returned.
func Unmarshal(data []byte, ptr any) error {
	val := reflect.ValueOf(ptr)
	if val.Kind() != reflect.Ptr || val.IsNil() {
		return fmt.Errorf("tuple: Unmarshal needs a non-nil pointer, got %T", ptr)
	}
	in := NewInput(data)
	if err := ReadValue(in, val.Elem()); err != nil {
		return err
	}
	if !in.AtEnd() {
		return errors.Wrapf(ErrTrailingData, "%d bytes after %v", in.Remaining(), val.Type().Elem())
	}
	return nil
}

// ReadValue decodes the next fields of in into val, which must be settable.
func ReadValue(in *Input, val reflect.Value) error {
	l, err := layoutOf(val.Type())
	if err != nil {
		return err
	}
	for _, c := range l.components {
		c.decode(in, c.valueIn(val, true))
		if in.failed() {
			return errors.Wrapf(in.err, "decoding %v%s", l.typ, pathSuffix(c.path))
		}
	}
	return nil
}

// Format decodes data as typ and returns a human-readable rendering of the
// individual components, e.g. "(42, foo)".
func Format(data []byte, typ reflect.Type) (string, error) {
	val := reflect.New(typ).Elem()
	in := NewInput(data)
	if err := ReadValue(in, val); err != nil {
		return "", err
	}
	l, _ := layoutOf(typ)
	parts := make([]string, 0, len(l.components))
	for _, c := range l.components {
		parts = append(parts, formatLeaf(c.valueIn(val, false)))
	}
	return "(" + strings.Join(parts, ", ") + ")", nil
}

func formatLeaf(v reflect.Value) string {
	if v.Kind() == reflect.Slice || v.Kind() == reflect.Array {
		if v.Type().Elem() == byteType {
			return fmt.Sprintf("%x", v.Interface())
		}
	}
	return fmt.Sprint(v.Interface())
}
