//go:build unix

package capture

import (
	"golang.org/x/sys/unix"
)

// FreeSpace returns number of bytes available to unprivileged user on filesystem containing dir
func FreeSpace(dir string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return 0, err
	}
	return uint64(st.Bavail) * uint64(st.Bsize), nil
}
