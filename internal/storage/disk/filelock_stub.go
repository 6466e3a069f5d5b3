//go:build !(linux || darwin || freebsd || openbsd || netbsd || dragonfly)

package disk

import "os"

// holdFileLock is a no-op where flock is unavailable; the marker alone
// provides mutual exclusion.
func holdFileLock(f *os.File) error { return nil }

// probeStaleLock never reports a stale marker without flock. Stale markers
// are cleared by Reset at startup.
func probeStaleLock(f *os.File) (bool, error) { return false, nil }
