//go:build !linux

package transfer

func adviseSequential(r any, off, length int64) {}
