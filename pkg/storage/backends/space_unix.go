//go:build !windows

package backends

import "golang.org/x/sys/unix"

// freeSpace returns the bytes available to unprivileged users on the volume holding path.
func freeSpace(path string) (uint64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, err
	}
	// #nosec G115 -- Bavail and Bsize are filesystem-provided and non-negative
	return uint64(stat.Bavail) * uint64(stat.Bsize), nil
}
