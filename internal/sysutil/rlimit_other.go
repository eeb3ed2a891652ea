//go:build !unix

package sysutil

import "errors"

// OpenFileLimit is only available on Unix systems.
func OpenFileLimit() (Limit, error) {
	return Limit{}, errors.ErrUnsupported
}
