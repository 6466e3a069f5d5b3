//go:build !linux

package disk

import "os"

// syncFile falls back to a full fsync where fdatasync is unavailable.
func syncFile(file *os.File) error {
	if file == nil {
		return nil
	}
	return file.Sync()
}
