//go:build !linux

package disk

func isNFS(string) bool { return false }
