//go:build !unix

package capture

import "errors"

// FreeSpace is not supported on this platform. Recording fails closed when free space can not be determined.
func FreeSpace(dir string) (uint64, error) {
	return 0, errors.New("free space check is not supported on this platform")
}
