// Package sysutil reports process limits that bound how many transfers can
// run at once.
package sysutil

// MinOpenFiles is the soft open-file limit below which startup warns. Every
// in-flight transfer holds a socket and a file handle.
const MinOpenFiles = 4096

// Limit is a soft/hard resource limit pair.
type Limit struct {
	Soft uint64
	Hard uint64
}

// Low reports whether the soft limit is below MinOpenFiles.
func (l Limit) Low() bool {
	return l.Soft < MinOpenFiles
}
