package tuple

import (
	"net/netip"
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type (
	partKey struct {
		Number [4]byte
		Rev    uint8
	}

	shipmentKey struct {
		Part     partKey
		Supplier *string
		Qty      int16
		internal int
		Note     string `tuple:"-"`
	}

	everything struct {
		B   bool
		I   int
		I8  int8
		U16 uint16
		U   uint
		F32 float32
		F64 float64
		S   string
		Raw []byte
		T   time.Time
		IP  netip.Addr
	}
)

func TestMarshal_StructLayout(t *testing.T) {
	sup := "S1"
	k := shipmentKey{Part: partKey{[4]byte{'P', '0', '0', '1'}, 2}, Supplier: &sup, Qty: -1, internal: 5, Note: "ignored"}
	data, err := Marshal(k)
	require.NoError(t, err)

	expected := []byte{'P', '0', '0', '1', 2, 'S', '1', 0, 0x7F, 0xFF}
	assert.Equal(t, expected, data)

	var got shipmentKey
	require.NoError(t, Unmarshal(data, &got))
	assert.Equal(t, k.Part, got.Part)
	require.NotNil(t, got.Supplier)
	assert.Equal(t, "S1", *got.Supplier)
	assert.Equal(t, int16(-1), got.Qty)
	assert.Equal(t, 0, got.internal)
	assert.Equal(t, "", got.Note)
}

func TestMarshal_NilPointerEncodesZero(t *testing.T) {
	data, err := Marshal(shipmentKey{})
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 0, 0, 0, 0x80, 0x00}, data)
}

func TestMarshal_AllKinds(t *testing.T) {
	v := everything{
		B: true, I: -42, I8: 7, U16: 513, U: 1 << 50,
		F32: 2.5, F64: -0.125, S: "hello", Raw: []byte{0, 0, 1},
		T:  time.Date(2024, 5, 6, 7, 8, 9, 10, time.UTC),
		IP: netip.MustParseAddr("10.0.0.1"),
	}
	data, err := Marshal(&v)
	require.NoError(t, err)

	var got everything
	require.NoError(t, Unmarshal(data, &got))
	assert.Equal(t, v.B, got.B)
	assert.Equal(t, v.I, got.I)
	assert.Equal(t, v.I8, got.I8)
	assert.Equal(t, v.U16, got.U16)
	assert.Equal(t, v.U, got.U)
	assert.Equal(t, v.F32, got.F32)
	assert.Equal(t, v.F64, got.F64)
	assert.Equal(t, v.S, got.S)
	assert.Equal(t, v.Raw, got.Raw)
	assert.True(t, v.T.Equal(got.T))
	assert.Equal(t, v.IP, got.IP)
}

func TestMarshal_Scalars(t *testing.T) {
	data, err := Marshal("pk1")
	require.NoError(t, err)
	assert.Equal(t, []byte("pk1\x00"), data)

	var s string
	require.NoError(t, Unmarshal(data, &s))
	assert.Equal(t, "pk1", s)

	data, err = Marshal(uint64(258))
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 0, 0, 0, 1, 2}, data)
}

func TestUnmarshal_Errors(t *testing.T) {
	var s string
	assert.ErrorIs(t, Unmarshal([]byte("abc"), &s), ErrTruncated)
	assert.ErrorIs(t, Unmarshal([]byte("abc\x00d"), &s), ErrTrailingData)
	assert.Error(t, Unmarshal([]byte("abc\x00"), s))

	_, err := Marshal(map[string]int{})
	assert.Error(t, err)
	_, err = Marshal(struct{ L []int }{})
	assert.Error(t, err)
	_, err = Marshal(struct{ S string }{"a\x00"})
	assert.ErrorIs(t, err, ErrZeroByte)
}

type listNode struct {
	V    int
	Next *listNode
}

func TestMarshal_RecursiveType(t *testing.T) {
	_, err := Marshal(listNode{V: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "recursive type")

	var n listNode
	assert.Error(t, Unmarshal(make([]byte, 16), &n))

	// the same type twice side by side is not recursion
	data, err := Marshal(struct{ From, To partKey }{To: partKey{Rev: 7}})
	require.NoError(t, err)
	assert.Len(t, data, 10)
}

func TestFormat(t *testing.T) {
	data, err := Marshal(partKey{[4]byte{1, 2, 3, 4}, 9})
	require.NoError(t, err)
	s, err := Format(data, reflect.TypeOf(partKey{}))
	require.NoError(t, err)
	assert.Equal(t, "(01020304, 9)", s)
}
