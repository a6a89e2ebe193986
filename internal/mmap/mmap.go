// Package mmap maps files into memory for reading and flushes written files
// to stable storage.
package mmap

import (
	"os"
)

// Map maps the first size bytes of f read-only, hinting that the mapping
// will be read sequentially. The result must be released with Unmap. Mapping
// zero bytes yields nil.
func Map(f *os.File, size int) ([]byte, error) {
	if size == 0 {
		return nil, nil
	}
	return mmap(f, size)
}

// Unmap releases a slice returned by Map.
func Unmap(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return munmap(b)
}

// Fdatasync makes the data written to f durable, skipping metadata updates
// where the operating system allows it.
//
// Errors returned by Fdatasync are not recoverable: many file systems mark
// dirty pages as clean after a failed sync, so the only sensible reaction is
// to stop writing to the file.
func Fdatasync(f *os.File) error {
	return fdatasync(f)
}
