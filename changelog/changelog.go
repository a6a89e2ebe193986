// Package changelog keeps an append-only log of committed database changes
// in a directory of segment files.
//
// Every Append writes one transaction group: the changes made by a single
// database transaction, tagged with a transaction ID that grows by one per
// group. A group is followed by a checksum that chains all previous bytes
// of its segment, so a torn or corrupted tail is detected on open and
// trimmed away. Segments are rotated once they reach MaxFileSize.
//
// Segment layout (little-endian):
//
//	segment = header group*
//	header  = magic:64 version:8 pad:24 ordinal:32 timestamp:32 pad:32
//	          firstTxn:64 invariant:256 reserved:256 checksum:64
//	group   = size:uvarint millis:64 txn:64 payload checksum:64
//
// The payload is a msgpack array of Entry values.
package changelog

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

var (
	ErrIncompatible       = fmt.Errorf("changelog: incompatible segment")
	ErrUnsupportedVersion = fmt.Errorf("changelog: unsupported segment version")
	ErrCorrupted          = fmt.Errorf("changelog: corrupted segment")
	ErrClosed             = fmt.Errorf("changelog: closed")
)

// DefaultMaxFileSize is the segment size that triggers rotation.
const DefaultMaxFileSize = 4 * 1024 * 1024

type Op uint8

const (
	Put    Op = 1
	Delete Op = 2
)

func (op Op) String() string {
	switch op {
	case Put:
		return "put"
	case Delete:
		return "delete"
	default:
		return fmt.Sprintf("op%d", uint8(op))
	}
}

// Entry is one put or delete of a record.
type Entry struct {
	Op    Op     `msgpack:"o"`
	Store string `msgpack:"s"`
	Key   []byte `msgpack:"k"`
	Value []byte `msgpack:"v,omitempty"`

	// Cause is the full name of the foreign key whose clear or cascade
	// policy made the change, if any.
	Cause string `msgpack:"c,omitempty"`
}

func (e Entry) String() string {
	if e.Cause != "" {
		return fmt.Sprintf("%v %s/%x (via %s)", e.Op, e.Store, e.Key, e.Cause)
	}
	return fmt.Sprintf("%v %s/%x", e.Op, e.Store, e.Key)
}

// Txn is one committed transaction group.
type Txn struct {
	ID      uint64
	Time    time.Time
	Entries []Entry
}

type Options struct {
	// FileName is the segment file name pattern; the star is replaced with
	// the segment ordinal, timestamp, and first transaction ID.
	FileName    string
	MaxFileSize int64
	NoSync      bool

	// Invariant is stored in every segment. Segments written with another
	// invariant are rejected with ErrIncompatible.
	Invariant [32]byte

	Now     func() time.Time
	Logger  *zap.Logger
	Verbose bool
}

func (o *Options) normalize() {
	if o.FileName == "" {
		o.FileName = "changes-*.log"
	}
	if o.MaxFileSize == 0 {
		o.MaxFileSize = DefaultMaxFileSize
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}
