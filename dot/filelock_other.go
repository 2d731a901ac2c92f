//go:build !unix

package dot

import "errors"

// ErrWouldBlock mirrors the unix build's sentinel.
var ErrWouldBlock = errors.New("dot: buffer file is locked by another holder")

// tryLockFile has no portable non-blocking flock equivalent outside unix
// in this module's dependency set (golang.org/x/sys covers unix and
// windows separately). On these platforms locking always "succeeds" as a
// single-process best effort: only the in-process mutex in Dotter
// serializes access, and multi-process coordination on the buffer file is
// not available.
func tryLockFile(fd uintptr) error { return nil }

func unlockFile(fd uintptr) error { return nil }
