//go:build !(linux || darwin || dragonfly || freebsd || netbsd || openbsd || windows)

package mmap

import (
	"io"
	"os"
)

// Platforms without mmap read the file into memory instead.
func mmap(f *os.File, size int) ([]byte, error) {
	b := make([]byte, size)
	if _, err := f.ReadAt(b, 0); err != nil && err != io.EOF {
		return nil, err
	}
	return b, nil
}

func munmap(b []byte) error {
	return nil
}
