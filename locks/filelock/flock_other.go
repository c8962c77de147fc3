//go:build !unix

package filelock

import (
	"errors"
	"os"
)

// ErrFlockUnavailable is returned on platforms without flock(2).
var ErrFlockUnavailable = errors.New("flock not available on this platform")

func tryFlock(*os.File, bool) (bool, error) {
	return false, ErrFlockUnavailable
}

func unflock(*os.File) error {
	return ErrFlockUnavailable
}
