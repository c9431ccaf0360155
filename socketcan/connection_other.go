//go:build !linux

package socketcan

import "errors"

func openConnection(ifName string) (connection, error) {
	return nil, errors.New("socketcan is supported only on linux")
}
