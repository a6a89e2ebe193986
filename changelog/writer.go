package changelog

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/andreyvit/kvbind/internal/mmap"
)

// Log appends transaction groups to the segments of a directory. It is safe
// for concurrent use.
type Log struct {
	dir    string
	opt    Options
	prefix string
	suffix string
	logger *zap.SugaredLogger

	mu      sync.Mutex
	err     error
	closed  bool
	seg     *segmentWriter
	ordinal uint32
	lastTxn uint64
	buf     []byte
}

type segmentWriter struct {
	f      *os.File
	name   string
	size   int64
	digest xxhash.Digest
}

// Open prepares dir for appending. The last segment is checked, and any torn
// tail left by a crash is truncated away; a last segment with a damaged
// header is deleted.
func Open(dir string, opt Options) (*Log, error) {
	opt.normalize()
	prefix, suffix, _ := strings.Cut(opt.FileName, "*")
	l := &Log{
		dir:    dir,
		opt:    opt,
		prefix: prefix,
		suffix: suffix,
		logger: opt.Logger.Sugar(),
	}
	if err := os.MkdirAll(dir, 0o777); err != nil {
		return nil, err
	}
	if err := l.recover(); err != nil {
		return nil, errors.Wrapf(err, "changelog: opening %s", dir)
	}
	return l, nil
}

func (l *Log) recover() error {
	for {
		segs, err := listSegments(l.dir, l.prefix, l.suffix)
		if err != nil {
			return err
		}
		if len(segs) == 0 {
			return nil
		}
		last := segs[len(segs)-1]
		path := filepath.Join(l.dir, last.name)

		data, release, err := mapSegment(path)
		if err != nil {
			return err
		}
		scan, err := scanSegment(data, last.ordinal, l.opt.Invariant, nil)
		size := len(data)
		release()

		if errors.Is(err, ErrCorrupted) && size < segmentHeaderSize {
			l.logger.Warnw("changelog: deleting segment with incomplete header", "file", last.name, "size", size)
			if err := os.Remove(path); err != nil {
				return errors.Wrap(err, "deleting incomplete segment")
			}
			continue
		} else if err != nil {
			return errors.Wrap(err, last.name)
		}

		if scan.torn {
			l.logger.Warnw("changelog: truncating torn tail", "file", last.name, "size", size, "valid", scan.end)
			if err := os.Truncate(path, int64(scan.end)); err != nil {
				return errors.Wrap(err, "truncating torn tail")
			}
		}

		f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
		if err != nil {
			return err
		}
		l.seg = &segmentWriter{
			f:      f,
			name:   last.name,
			size:   int64(scan.end),
			digest: scan.digest,
		}
		l.ordinal = last.ordinal
		l.lastTxn = scan.lastTxn
		return nil
	}
}

// LastTxn returns the ID of the last transaction group written.
func (l *Log) LastTxn() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastTxn
}

func (l *Log) Dir() string {
	return l.dir
}

// Append writes entries as one transaction group and returns its ID. Unless
// NoSync is set, the group is durable when Append returns. After a write
// error the Log stays failed; reopening it trims the partial group.
func (l *Log) Append(entries []Entry) (uint64, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	payload, err := msgpack.Marshal(entries)
	if err != nil {
		return 0, errors.Wrap(err, "changelog: encoding entries")
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, ErrClosed
	}
	if l.err != nil {
		return 0, l.err
	}

	if l.seg != nil && l.seg.size >= l.opt.MaxFileSize {
		l.closeSegment()
	}
	txn := l.lastTxn + 1
	now := l.opt.Now()
	if l.seg == nil {
		if err := l.startSegment(txn); err != nil {
			return 0, l.fail(err)
		}
	}

	sw := l.seg
	l.buf = appendGroup(l.buf[:0], &sw.digest, txn, now, payload)
	if _, err := sw.f.Write(l.buf); err != nil {
		return 0, l.fail(err)
	}
	if !l.opt.NoSync {
		if err := mmap.Fdatasync(sw.f); err != nil {
			return 0, l.fail(err)
		}
	}
	sw.size += int64(len(l.buf))
	l.lastTxn = txn

	if l.opt.Verbose {
		l.logger.Debugw("changelog: appended", "txn", txn, "entries", len(entries), "file", sw.name)
	}
	return txn, nil
}

func (l *Log) startSegment(firstTxn uint64) error {
	ordinal := l.ordinal + 1
	now := l.opt.Now()
	name := formatSegmentName(l.prefix, l.suffix, ordinal, now, firstTxn)
	path := filepath.Join(l.dir, name)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL|os.O_APPEND, 0o666)
	if err != nil {
		return err
	}
	ok := false
	defer func() {
		if !ok {
			f.Close()
			os.Remove(path)
		}
	}()

	hdr := encodeSegmentHeader(&segmentHeader{
		Magic:     magic,
		Version:   version0,
		Ordinal:   ordinal,
		Timestamp: uint32(now.Unix()),
		FirstTxn:  firstTxn,
		Invariant: l.opt.Invariant,
	})
	if _, err := f.Write(hdr); err != nil {
		return err
	}

	sw := &segmentWriter{f: f, name: name, size: int64(len(hdr))}
	sw.digest.Reset()
	sw.digest.Write(hdr)
	l.seg = sw
	l.ordinal = ordinal
	ok = true

	l.logger.Infow("changelog: new segment", "file", name, "first_txn", firstTxn)
	return nil
}

// Rotate closes the current segment; the next Append starts a new one.
func (l *Log) Rotate() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeSegment()
}

func (l *Log) closeSegment() {
	if l.seg == nil {
		return
	}
	if err := l.seg.f.Close(); err != nil {
		l.logger.Warnw("changelog: closing segment failed", "file", l.seg.name, "err", err)
	}
	l.seg = nil
}

func (l *Log) fail(err error) error {
	l.logger.Errorw("changelog: write failed", "dir", l.dir, "err", err)
	l.closeSegment()
	l.err = errors.Wrap(err, "changelog")
	return l.err
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	l.closeSegment()
	return nil
}
