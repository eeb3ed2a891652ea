//go:build linux

package transfer

import "golang.org/x/sys/unix"

type fder interface {
	Fd() uintptr
}

// adviseSequential tells the kernel the range will be read front to back.
func adviseSequential(r any, off, length int64) {
	f, ok := r.(fder)
	if !ok {
		return
	}
	_ = unix.Fadvise(int(f.Fd()), off, length, unix.FADV_SEQUENTIAL)
}
