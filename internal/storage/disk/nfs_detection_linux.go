//go:build linux

package disk

import "golang.org/x/sys/unix"

const nfsSuperMagic = 0x6969

// isNFS reports whether root lives on an NFS mount, where inotify does not
// see changes made by other hosts.
func isNFS(root string) bool {
	var st unix.Statfs_t
	if err := unix.Statfs(root, &st); err != nil {
		return false
	}
	return st.Type == nfsSuperMagic
}
