//go:build !linux

package device

import (
	"errors"
	"os"
)

func openSerial(path string, baud int) (*os.File, error) {
	return nil, terminal(errors.New("serial not supported on this platform"))
}
