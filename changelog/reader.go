package changelog

import (
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// Read calls f for every transaction group in dir with an ID greater than
// after, oldest first. A torn tail of the last segment is ignored, since it
// is what a crash during Append leaves behind; damage anywhere else is
// reported as ErrCorrupted. Read may run while a Log appends to dir.
func Read(dir string, opt Options, after uint64, f func(txn *Txn) error) error {
	opt.normalize()
	prefix, suffix, _ := strings.Cut(opt.FileName, "*")
	segs, err := listSegments(dir, prefix, suffix)
	if err != nil {
		return errors.Wrapf(err, "changelog: reading %s", dir)
	}

	for i, seg := range segs {
		last := i == len(segs)-1
		if !last && segs[i+1].firstTxn <= after+1 {
			continue
		}
		err := readSegment(filepath.Join(dir, seg.name), seg, last, opt.Invariant, func(txn *Txn) error {
			if txn.ID <= after {
				return nil
			}
			return f(txn)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func readSegment(path string, seg segmentFile, last bool, invariant [32]byte, f func(txn *Txn) error) error {
	data, release, err := mapSegment(path)
	if err != nil {
		return err
	}
	defer release()

	if last && len(data) < segmentHeaderSize {
		return nil
	}
	scan, err := scanSegment(data, seg.ordinal, invariant, f)
	if err != nil {
		return errors.Wrap(err, seg.name)
	}
	if scan.header.FirstTxn != seg.firstTxn {
		return errors.Wrapf(ErrCorrupted, "%s: header says first txn %d", seg.name, scan.header.FirstTxn)
	}
	if scan.torn && !last {
		return errors.Wrapf(ErrCorrupted, "%s: damaged at offset %d", seg.name, scan.end)
	}
	return nil
}

// ReadAll returns every transaction group in dir.
func ReadAll(dir string, opt Options) ([]*Txn, error) {
	var result []*Txn
	err := Read(dir, opt, 0, func(txn *Txn) error {
		result = append(result, txn)
		return nil
	})
	return result, err
}
