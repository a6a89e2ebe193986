// Package tuple implements an order-preserving binary encoding of primitive
// values: comparing two encodings byte-wise gives the same result as comparing
// the original values, so encoded tuples can serve as keys of an ordered
// key/value store and range scans behave predictably.
//
// Encodings:
//
//   - unsigned integers: big-endian, most-significant byte first;
//   - signed integers: big-endian with the sign bit flipped;
//   - bool: one byte, 0 or 1;
//   - strings: raw bytes followed by a 0x00 terminator (strings containing
//     0x00 are rejected with ErrZeroByte);
//   - fixed-length bytes: raw, no terminator;
//   - variable-length bytes: memcomparable groups of 8 (0x00 allowed);
//   - time.Time: signed int64 Unix nanoseconds;
//   - floats: raw IEEE 754 bits. These are NOT order preserving: negative
//     numbers and NaN compare incorrectly as bytes.
//
// A tuple is a concatenation of encoded fields, read back in the same order.
package tuple

import (
	"bytes"
	"encoding/binary"
	"math"
	"time"

	"github.com/andreyvit/kvbind/internal/memcmp"
	"github.com/pkg/errors"
)

var (
	// ErrTruncated is returned when fewer bytes remain than the type requires.
	ErrTruncated = errors.New("tuple: truncated data")

	// ErrZeroByte is returned when encoding a string containing a 0x00 byte,
	// which would be indistinguishable from the terminator.
	ErrZeroByte = errors.New("tuple: string contains a zero byte")

	// ErrFixedOverflow is returned when a fixed-width region is overfilled.
	ErrFixedOverflow = errors.New("tuple: fixed-width region overflow")

	// ErrTrailingData is returned by Unmarshal when bytes remain after decoding.
	ErrTrailingData = errors.New("tuple: trailing data")
)

const signBit8 = 0x80

func truncated(buf []byte, off, need int) error {
	return errors.Wrapf(ErrTruncated, "at offset %d: need %d bytes, have %d", off, need, len(buf)-off)
}

func take(buf []byte, off, n int) ([]byte, error) {
	if off < 0 || len(buf)-off < n {
		return nil, truncated(buf, off, n)
	}
	return buf[off : off+n], nil
}

func AppendBool(buf []byte, v bool) []byte {
	if v {
		return append(buf, 1)
	}
	return append(buf, 0)
}

func AppendUint8(buf []byte, v uint8) []byte {
	return append(buf, v)
}

func AppendUint16(buf []byte, v uint16) []byte {
	return binary.BigEndian.AppendUint16(buf, v)
}

func AppendUint32(buf []byte, v uint32) []byte {
	return binary.BigEndian.AppendUint32(buf, v)
}

func AppendUint64(buf []byte, v uint64) []byte {
	return binary.BigEndian.AppendUint64(buf, v)
}

func AppendInt8(buf []byte, v int8) []byte {
	return append(buf, uint8(v)^signBit8)
}

func AppendInt16(buf []byte, v int16) []byte {
	return AppendUint16(buf, uint16(v)^(1<<15))
}

func AppendInt32(buf []byte, v int32) []byte {
	return AppendUint32(buf, uint32(v)^(1<<31))
}

func AppendInt64(buf []byte, v int64) []byte {
	return AppendUint64(buf, uint64(v)^(1<<63))
}

// AppendFloat32 appends the raw IEEE bits of v. Not order preserving.
func AppendFloat32(buf []byte, v float32) []byte {
	return AppendUint32(buf, math.Float32bits(v))
}

// AppendFloat64 appends the raw IEEE bits of v. Not order preserving.
func AppendFloat64(buf []byte, v float64) []byte {
	return AppendUint64(buf, math.Float64bits(v))
}

// AppendString appends v followed by a 0x00 terminator.
func AppendString(buf []byte, v string) ([]byte, error) {
	if i := indexZero(v); i >= 0 {
		return buf, errors.Wrapf(ErrZeroByte, "at position %d", i)
	}
	buf = append(buf, v...)
	return append(buf, 0), nil
}

func indexZero(v string) int {
	for i := 0; i < len(v); i++ {
		if v[i] == 0 {
			return i
		}
	}
	return -1
}

// AppendFixed appends v as is. The reader must know the length.
func AppendFixed(buf []byte, v []byte) []byte {
	return append(buf, v...)
}

// AppendBytes appends a self-delimiting, order-preserving encoding of v.
func AppendBytes(buf []byte, v []byte) []byte {
	return memcmp.AppendBytes(buf, v)
}

func AppendTime(buf []byte, v time.Time) []byte {
	return AppendInt64(buf, v.UnixNano())
}

// Read functions decode a value at buf[off:] and return it together with the
// offset just past it.

func ReadBool(buf []byte, off int) (bool, int, error) {
	b, err := take(buf, off, 1)
	if err != nil {
		return false, off, err
	}
	return b[0] != 0, off + 1, nil
}

func ReadUint8(buf []byte, off int) (uint8, int, error) {
	b, err := take(buf, off, 1)
	if err != nil {
		return 0, off, err
	}
	return b[0], off + 1, nil
}

func ReadUint16(buf []byte, off int) (uint16, int, error) {
	b, err := take(buf, off, 2)
	if err != nil {
		return 0, off, err
	}
	return binary.BigEndian.Uint16(b), off + 2, nil
}

func ReadUint32(buf []byte, off int) (uint32, int, error) {
	b, err := take(buf, off, 4)
	if err != nil {
		return 0, off, err
	}
	return binary.BigEndian.Uint32(b), off + 4, nil
}

func ReadUint64(buf []byte, off int) (uint64, int, error) {
	b, err := take(buf, off, 8)
	if err != nil {
		return 0, off, err
	}
	return binary.BigEndian.Uint64(b), off + 8, nil
}

func ReadInt8(buf []byte, off int) (int8, int, error) {
	v, off, err := ReadUint8(buf, off)
	if err != nil {
		return 0, off, err
	}
	return int8(v ^ signBit8), off, nil
}

func ReadInt16(buf []byte, off int) (int16, int, error) {
	v, off, err := ReadUint16(buf, off)
	if err != nil {
		return 0, off, err
	}
	return int16(v ^ (1 << 15)), off, nil
}

func ReadInt32(buf []byte, off int) (int32, int, error) {
	v, off, err := ReadUint32(buf, off)
	if err != nil {
		return 0, off, err
	}
	return int32(v ^ (1 << 31)), off, nil
}

func ReadInt64(buf []byte, off int) (int64, int, error) {
	v, off, err := ReadUint64(buf, off)
	if err != nil {
		return 0, off, err
	}
	return int64(v ^ (1 << 63)), off, nil
}

func ReadFloat32(buf []byte, off int) (float32, int, error) {
	v, off, err := ReadUint32(buf, off)
	if err != nil {
		return 0, off, err
	}
	return math.Float32frombits(v), off, nil
}

func ReadFloat64(buf []byte, off int) (float64, int, error) {
	v, off, err := ReadUint64(buf, off)
	if err != nil {
		return 0, off, err
	}
	return math.Float64frombits(v), off, nil
}

func ReadString(buf []byte, off int) (string, int, error) {
	if off < 0 || off > len(buf) {
		return "", off, truncated(buf, off, 1)
	}
	i := bytes.IndexByte(buf[off:], 0)
	if i < 0 {
		return "", off, errors.Wrapf(ErrTruncated, "at offset %d: unterminated string", off)
	}
	return string(buf[off : off+i]), off + i + 1, nil
}

// ReadFixed returns the next n bytes, aliasing buf.
func ReadFixed(buf []byte, off, n int) ([]byte, int, error) {
	b, err := take(buf, off, n)
	if err != nil {
		return nil, off, err
	}
	return b, off + n, nil
}

func ReadBytes(buf []byte, off int) ([]byte, int, error) {
	if off < 0 || off > len(buf) {
		return nil, off, truncated(buf, off, 1)
	}
	rest, v, err := memcmp.DecodeBytes(buf[off:])
	if err == memcmp.ErrInsufficient {
		return nil, off, errors.Wrapf(ErrTruncated, "at offset %d: unterminated byte string", off)
	} else if err != nil {
		return nil, off, errors.Wrapf(err, "at offset %d", off)
	}
	return v, len(buf) - len(rest), nil
}

func ReadTime(buf []byte, off int) (time.Time, int, error) {
	v, off, err := ReadInt64(buf, off)
	if err != nil {
		return time.Time{}, off, err
	}
	return time.Unix(0, v).UTC(), off, nil
}
