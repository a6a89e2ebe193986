//go:build linux || darwin || dragonfly || freebsd || netbsd || openbsd

package mmap

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

func mmap(f *os.File, size int) ([]byte, error) {
	b, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, err
	}
	// ENOSYS only means the kernel ignores the hint.
	if err := unix.Madvise(b, unix.MADV_SEQUENTIAL); err != nil && err != unix.ENOSYS {
		_ = unix.Munmap(b)
		return nil, fmt.Errorf("madvise(MADV_SEQUENTIAL): %w", err)
	}
	return b, nil
}

func munmap(b []byte) error {
	return unix.Munmap(b)
}
