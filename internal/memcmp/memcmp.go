// Package memcmp implements the memcomparable byte-string format: encoded
// strings compare byte-wise in the same order as the originals, and no
// encoding is a prefix of another, so a composite key can be built by simply
// appending more data after an encoded string.
package memcmp

import (
	"github.com/pkg/errors"
)

const (
	groupSize = 8
	marker    = byte(0xFF)
	pad       = byte(0x0)
)

var pads = make([]byte, groupSize)

// ErrInsufficient is returned when the input ends in the middle of a group.
var ErrInsufficient = errors.New("insufficient bytes to decode value")

// AppendBytes appends the encoding of data to buf using the following rule:
//
//	[group1][marker1]...[groupN][markerN]
//
// group is an 8 byte slice padded with zeros, marker is `0xFF - padding count`.
// For example:
//
//	[] -> [0, 0, 0, 0, 0, 0, 0, 0, 247]
//	[1, 2, 3] -> [1, 2, 3, 0, 0, 0, 0, 0, 250]
//	[1, 2, 3, 0] -> [1, 2, 3, 0, 0, 0, 0, 0, 251]
//	[1, 2, 3, 4, 5, 6, 7, 8] -> [1, 2, 3, 4, 5, 6, 7, 8, 255, 0, 0, 0, 0, 0, 0, 0, 0, 247]
func AppendBytes(buf []byte, data []byte) []byte {
	n := len(data)
	if need := len(buf) + EncodedLen(n); cap(buf) < need {
		grown := make([]byte, len(buf), need)
		copy(grown, buf)
		buf = grown
	}
	for idx := 0; idx <= n; idx += groupSize {
		remain := n - idx
		padCount := 0
		if remain >= groupSize {
			buf = append(buf, data[idx:idx+groupSize]...)
		} else {
			padCount = groupSize - remain
			buf = append(buf, data[idx:]...)
			buf = append(buf, pads[:padCount]...)
		}
		buf = append(buf, marker-byte(padCount))
	}
	return buf
}

// EncodedLen returns the size of the encoding of a string of n bytes.
func EncodedLen(n int) int {
	return (n/groupSize + 1) * (groupSize + 1)
}

// DecodeBytes decodes a value produced by AppendBytes, returning the leftover
// bytes and the decoded value.
func DecodeBytes(b []byte) ([]byte, []byte, error) {
	n, size, err := scan(b)
	if err != nil {
		return nil, nil, err
	}
	data := make([]byte, 0, size)
	for off := 0; off < n; off += groupSize + 1 {
		padCount := int(marker - b[off+groupSize])
		data = append(data, b[off:off+groupSize-padCount]...)
	}
	return b[n:], data, nil
}

// Skip returns the length of the encoded string at the start of b, without
// decoding it.
func Skip(b []byte) (int, error) {
	n, _, err := scan(b)
	return n, err
}

func scan(b []byte) (n int, size int, err error) {
	for {
		if len(b)-n < groupSize+1 {
			return 0, 0, ErrInsufficient
		}
		group := b[n : n+groupSize]
		padCount := marker - b[n+groupSize]
		if padCount > groupSize {
			return 0, 0, errors.Errorf("invalid marker byte, group bytes %q", b[n:n+groupSize+1])
		}
		realGroupSize := groupSize - int(padCount)
		size += realGroupSize
		n += groupSize + 1
		if padCount != 0 {
			for _, v := range group[realGroupSize:] {
				if v != pad {
					return 0, 0, errors.Errorf("invalid padding byte, group bytes %q", b[n-groupSize-1:n])
				}
			}
			return n, size, nil
		}
	}
}
