//go:build unix

package sysutil

import "golang.org/x/sys/unix"

// OpenFileLimit returns the process RLIMIT_NOFILE. The Go runtime already
// lifts the soft limit to the hard limit at startup, so a low soft limit
// here means the hard limit itself is low.
func OpenFileLimit() (Limit, error) {
	var lim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &lim); err != nil {
		return Limit{}, err
	}
	return Limit{Soft: uint64(lim.Cur), Hard: uint64(lim.Max)}, nil
}
