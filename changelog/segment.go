package changelog

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/andreyvit/kvbind/internal/mmap"
)

const (
	magic          = 0x474f4c474e414843 // "CHANGLOG" as little-endian uint64
	version0 uint8 = 0

	segmentHeaderSize = 104
	groupFixedSize    = 8 + 8 + 8 // millis, txn, checksum
	timestampFmt      = "20060102T150405"
)

type segmentHeader struct {
	Magic     uint64
	Version   uint8
	_         [3]uint8
	Ordinal   uint32
	Timestamp uint32
	_         uint32
	FirstTxn  uint64
	Invariant [32]byte
	_         [32]byte
	Checksum  uint64
}

func encodeSegmentHeader(h *segmentHeader) []byte {
	buf := make([]byte, segmentHeaderSize)
	n, err := binary.Encode(buf, binary.LittleEndian, h)
	if err != nil {
		panic(err)
	}
	if n != segmentHeaderSize {
		panic("internal size mismatch")
	}
	binary.LittleEndian.PutUint64(buf[segmentHeaderSize-8:], xxhash.Sum64(buf[:segmentHeaderSize-8]))
	return buf
}

func decodeSegmentHeader(buf []byte, h *segmentHeader) error {
	if len(buf) < segmentHeaderSize {
		return ErrCorrupted
	}
	if _, err := binary.Decode(buf[:segmentHeaderSize], binary.LittleEndian, h); err != nil {
		panic(err)
	}
	if h.Magic != magic {
		return ErrIncompatible
	}
	if xxhash.Sum64(buf[:segmentHeaderSize-8]) != h.Checksum {
		return ErrCorrupted
	}
	if h.Version > version0 {
		return ErrUnsupportedVersion
	}
	return nil
}

func appendGroup(buf []byte, digest *xxhash.Digest, txn uint64, t time.Time, payload []byte) []byte {
	start := len(buf)
	buf = binary.AppendUvarint(buf, uint64(len(payload)))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(t.UnixMilli()))
	buf = binary.LittleEndian.AppendUint64(buf, txn)
	buf = append(buf, payload...)
	digest.Write(buf[start:])
	buf = binary.LittleEndian.AppendUint64(buf, digest.Sum64())
	digest.Write(buf[len(buf)-8:])
	return buf
}

type segmentScan struct {
	header  segmentHeader
	end     int
	lastTxn uint64
	digest  xxhash.Digest

	// torn is set when bytes after end do not form an intact group.
	torn bool
}

// scanSegment validates the header of a segment and walks its groups,
// calling f (if not nil) for each one. It stops at the first group that is
// truncated or fails its checksum and reports that as torn.
func scanSegment(data []byte, ordinal uint32, invariant [32]byte, f func(txn *Txn) error) (*segmentScan, error) {
	s := &segmentScan{end: segmentHeaderSize}
	if err := decodeSegmentHeader(data, &s.header); err != nil {
		return nil, err
	}
	if s.header.Ordinal != ordinal {
		return nil, errors.Wrapf(ErrCorrupted, "ordinal %d in segment %d", s.header.Ordinal, ordinal)
	}
	if s.header.Invariant != invariant {
		return nil, ErrIncompatible
	}
	s.digest.Reset()
	s.digest.Write(data[:segmentHeaderSize])
	s.lastTxn = s.header.FirstTxn - 1

	off := segmentHeaderSize
	for off < len(data) {
		size, n := binary.Uvarint(data[off:])
		if n <= 0 || size > uint64(len(data)) {
			s.torn = true
			break
		}
		end := off + n + int(size) + groupFixedSize
		if end > len(data) {
			s.torn = true
			break
		}
		d := s.digest
		d.Write(data[off : end-8])
		if d.Sum64() != binary.LittleEndian.Uint64(data[end-8:end]) {
			s.torn = true
			break
		}
		d.Write(data[end-8 : end])

		millis := binary.LittleEndian.Uint64(data[off+n:])
		txn := binary.LittleEndian.Uint64(data[off+n+8:])
		if txn != s.lastTxn+1 {
			return nil, errors.Wrapf(ErrCorrupted, "txn %d follows %d", txn, s.lastTxn)
		}
		if f != nil {
			var entries []Entry
			payload := data[off+n+16 : end-8]
			if err := msgpack.Unmarshal(payload, &entries); err != nil {
				return nil, errors.Wrapf(ErrCorrupted, "txn %d: %v", txn, err)
			}
			err := f(&Txn{
				ID:      txn,
				Time:    time.UnixMilli(int64(millis)),
				Entries: entries,
			})
			if err != nil {
				return nil, err
			}
		}

		s.digest = d
		s.end = end
		s.lastTxn = txn
		off = end
	}
	return s, nil
}

type segmentFile struct {
	name     string
	ordinal  uint32
	time     time.Time
	firstTxn uint64
}

func formatSegmentName(prefix, suffix string, ordinal uint32, t time.Time, firstTxn uint64) string {
	return fmt.Sprintf("%s%012d-%s-%016x%s", prefix, ordinal, t.UTC().Format(timestampFmt), firstTxn, suffix)
}

func parseSegmentName(name string) (ordinal uint32, t time.Time, firstTxn uint64, err error) {
	ordStr, rem, ok := strings.Cut(name, "-")
	if !ok {
		return 0, t, 0, fmt.Errorf("invalid segment file name %q", name)
	}
	v, err := strconv.ParseUint(ordStr, 10, 32)
	if err != nil {
		return 0, t, 0, fmt.Errorf("invalid segment file name %q (invalid ordinal)", name)
	}
	ordinal = uint32(v)

	tsStr, idStr, ok := strings.Cut(rem, "-")
	if !ok {
		return ordinal, t, 0, fmt.Errorf("invalid segment file name %q", name)
	}
	t, err = time.ParseInLocation(timestampFmt, tsStr, time.UTC)
	if err != nil {
		return ordinal, t, 0, fmt.Errorf("invalid segment file name %q (invalid timestamp)", name)
	}
	firstTxn, err = strconv.ParseUint(idStr, 16, 64)
	if err != nil {
		return ordinal, t, 0, fmt.Errorf("invalid segment file name %q (invalid transaction ID)", name)
	}
	return ordinal, t, firstTxn, nil
}

// listSegments returns the segments in dir ordered by ordinal. Ordinals must
// be consecutive.
func listSegments(dir, prefix, suffix string) ([]segmentFile, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var result []segmentFile
	for _, ent := range ents {
		name := ent.Name()
		if !ent.Type().IsRegular() || len(name) < len(prefix)+len(suffix) {
			continue
		}
		if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, suffix) {
			continue
		}
		ordinal, t, firstTxn, err := parseSegmentName(name[len(prefix) : len(name)-len(suffix)])
		if err != nil {
			return nil, err
		}
		if n := len(result); n > 0 && ordinal != result[n-1].ordinal+1 {
			return nil, errors.Wrapf(ErrCorrupted, "segment %d follows %d", ordinal, result[n-1].ordinal)
		}
		result = append(result, segmentFile{name, ordinal, t, firstTxn})
	}
	return result, nil
}

// mapSegment maps the whole file read-only. The caller must call release.
func mapSegment(path string) (data []byte, release func(), err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return nil, nil, err
	}
	data, err = mmap.Map(f, int(st.Size()))
	if err != nil {
		return nil, nil, errors.Wrapf(err, "mapping %s", filepath.Base(path))
	}
	return data, func() { _ = mmap.Unmap(data) }, nil
}
