//go:build unix

package dot

import (
	"errors"

	"golang.org/x/sys/unix"
)

// ErrWouldBlock is returned by tryLockFile when another process already
// holds the advisory lock.
var ErrWouldBlock = errors.New("dot: buffer file is locked by another holder")

// tryLockFile attempts a non-blocking exclusive advisory lock on fd.
func tryLockFile(fd uintptr) error {
	err := unix.Flock(int(fd), unix.LOCK_EX|unix.LOCK_NB)
	if errors.Is(err, unix.EWOULDBLOCK) {
		return ErrWouldBlock
	}
	return err
}

func unlockFile(fd uintptr) error {
	return unix.Flock(int(fd), unix.LOCK_UN)
}
