package tuple

import (
	"time"

	"github.com/pkg/errors"
)

// Output accumulates a tuple. The first error sticks: subsequent writes are
// ignored and Err reports it.
type Output struct {
	buf []byte
	err error
}

func NewOutput(buf []byte) *Output {
	return &Output{buf: buf}
}

func (o *Output) Bytes() []byte { return o.buf }
func (o *Output) Len() int      { return len(o.buf) }
func (o *Output) Err() error    { return o.err }

func (o *Output) fail(err error) {
	if o.err == nil {
		o.err = err
	}
}

func (o *Output) WriteBool(v bool) {
	if o.err == nil {
		o.buf = AppendBool(o.buf, v)
	}
}

func (o *Output) WriteUint8(v uint8) {
	if o.err == nil {
		o.buf = AppendUint8(o.buf, v)
	}
}

func (o *Output) WriteUint16(v uint16) {
	if o.err == nil {
		o.buf = AppendUint16(o.buf, v)
	}
}

func (o *Output) WriteUint32(v uint32) {
	if o.err == nil {
		o.buf = AppendUint32(o.buf, v)
	}
}

func (o *Output) WriteUint64(v uint64) {
	if o.err == nil {
		o.buf = AppendUint64(o.buf, v)
	}
}

func (o *Output) WriteInt8(v int8) {
	if o.err == nil {
		o.buf = AppendInt8(o.buf, v)
	}
}

func (o *Output) WriteInt16(v int16) {
	if o.err == nil {
		o.buf = AppendInt16(o.buf, v)
	}
}

func (o *Output) WriteInt32(v int32) {
	if o.err == nil {
		o.buf = AppendInt32(o.buf, v)
	}
}

func (o *Output) WriteInt64(v int64) {
	if o.err == nil {
		o.buf = AppendInt64(o.buf, v)
	}
}

func (o *Output) WriteFloat32(v float32) {
	if o.err == nil {
		o.buf = AppendFloat32(o.buf, v)
	}
}

func (o *Output) WriteFloat64(v float64) {
	if o.err == nil {
		o.buf = AppendFloat64(o.buf, v)
	}
}

func (o *Output) WriteString(v string) {
	if o.err == nil {
		var err error
		o.buf, err = AppendString(o.buf, v)
		o.fail(err)
	}
}

func (o *Output) WriteFixed(v []byte) {
	if o.err == nil {
		o.buf = AppendFixed(o.buf, v)
	}
}

func (o *Output) WriteBytes(v []byte) {
	if o.err == nil {
		o.buf = AppendBytes(o.buf, v)
	}
}

func (o *Output) WriteTime(v time.Time) {
	if o.err == nil {
		o.buf = AppendTime(o.buf, v)
	}
}

// Fixed writes a region of exactly width bytes: whatever fill writes, padded
// with zeros. Writing more than width bytes fails with ErrFixedOverflow.
func (o *Output) Fixed(width int, fill func(o *Output)) {
	if o.err != nil {
		return
	}
	start := len(o.buf)
	fill(o)
	if o.err != nil {
		return
	}
	n := len(o.buf) - start
	if n > width {
		o.buf = o.buf[:start]
		o.fail(errors.Wrapf(ErrFixedOverflow, "wrote %d bytes into %d-byte region", n, width))
		return
	}
	for ; n < width; n++ {
		o.buf = append(o.buf, 0)
	}
}

// Input reads a tuple field by field. The first error sticks: subsequent
// reads return zero values and Err reports it.
type Input struct {
	buf    []byte
	off    int
	err    error
	parent *Input
}

func NewInput(buf []byte) *Input {
	return &Input{buf: buf}
}

func (in *Input) Err() error      { return in.err }
func (in *Input) Offset() int     { return in.off }
func (in *Input) Remaining() int  { return len(in.buf) - in.off }
func (in *Input) Rest() []byte    { return in.buf[in.off:] }
func (in *Input) AtEnd() bool     { return in.off >= len(in.buf) }
func (in *Input) failed() bool    { return in.err != nil }
func (in *Input) fail(err error) {
	if in.err == nil {
		in.err = err
	}
	if in.parent != nil {
		in.parent.fail(err)
	}
}

func (in *Input) ReadBool() bool {
	if in.failed() {
		return false
	}
	v, off, err := ReadBool(in.buf, in.off)
	in.advance(off, err)
	return v
}

func (in *Input) ReadUint8() uint8 {
	if in.failed() {
		return 0
	}
	v, off, err := ReadUint8(in.buf, in.off)
	in.advance(off, err)
	return v
}

func (in *Input) ReadUint16() uint16 {
	if in.failed() {
		return 0
	}
	v, off, err := ReadUint16(in.buf, in.off)
	in.advance(off, err)
	return v
}

func (in *Input) ReadUint32() uint32 {
	if in.failed() {
		return 0
	}
	v, off, err := ReadUint32(in.buf, in.off)
	in.advance(off, err)
	return v
}

func (in *Input) ReadUint64() uint64 {
	if in.failed() {
		return 0
	}
	v, off, err := ReadUint64(in.buf, in.off)
	in.advance(off, err)
	return v
}

func (in *Input) ReadInt8() int8 {
	if in.failed() {
		return 0
	}
	v, off, err := ReadInt8(in.buf, in.off)
	in.advance(off, err)
	return v
}

func (in *Input) ReadInt16() int16 {
	if in.failed() {
		return 0
	}
	v, off, err := ReadInt16(in.buf, in.off)
	in.advance(off, err)
	return v
}

func (in *Input) ReadInt32() int32 {
	if in.failed() {
		return 0
	}
	v, off, err := ReadInt32(in.buf, in.off)
	in.advance(off, err)
	return v
}

func (in *Input) ReadInt64() int64 {
	if in.failed() {
		return 0
	}
	v, off, err := ReadInt64(in.buf, in.off)
	in.advance(off, err)
	return v
}

func (in *Input) ReadFloat32() float32 {
	if in.failed() {
		return 0
	}
	v, off, err := ReadFloat32(in.buf, in.off)
	in.advance(off, err)
	return v
}

func (in *Input) ReadFloat64() float64 {
	if in.failed() {
		return 0
	}
	v, off, err := ReadFloat64(in.buf, in.off)
	in.advance(off, err)
	return v
}

func (in *Input) ReadString() string {
	if in.failed() {
		return ""
	}
	v, off, err := ReadString(in.buf, in.off)
	in.advance(off, err)
	return v
}

// ReadFixed returns the next n bytes. The result aliases the input buffer.
func (in *Input) ReadFixed(n int) []byte {
	if in.failed() {
		return nil
	}
	v, off, err := ReadFixed(in.buf, in.off, n)
	in.advance(off, err)
	return v
}

func (in *Input) ReadBytes() []byte {
	if in.failed() {
		return nil
	}
	v, off, err := ReadBytes(in.buf, in.off)
	in.advance(off, err)
	return v
}

func (in *Input) ReadTime() time.Time {
	if in.failed() {
		return time.Time{}
	}
	v, off, err := ReadTime(in.buf, in.off)
	in.advance(off, err)
	return v
}

// Fixed consumes the next width bytes and returns an Input over them.
// Errors inside the region are also reported by the parent.
func (in *Input) Fixed(width int) *Input {
	region := in.ReadFixed(width)
	return &Input{buf: region, parent: in}
}

func (in *Input) advance(off int, err error) {
	if err != nil {
		in.fail(err)
		return
	}
	in.off = off
}
