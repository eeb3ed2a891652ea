package transfer

import (
	"io"
	"iter"
	"math"
	"sync"

	"github.com/fruitsalade/dirserve/internal/ranges"
)

// MaxBufferSize is the largest chunk the engine ever holds per transfer.
const MaxBufferSize = 2 << 20

// Buffer tiers keyed by file size. Bigger files get bigger chunks.
var tiers = []struct {
	maxFile int64
	size    int
}{
	{4 << 20, 32 << 10},
	{16 << 20, 256 << 10},
	{64 << 20, 512 << 10},
	{1 << 30, 1 << 20},
	{math.MaxInt64, MaxBufferSize},
}

var pools = func() []*sync.Pool {
	ps := make([]*sync.Pool, len(tiers))
	for i, t := range tiers {
		size := t.size
		ps[i] = &sync.Pool{New: func() any {
			b := make([]byte, size)
			return &b
		}}
	}
	return ps
}()

func tierFor(fileSize int64) int {
	for i, t := range tiers {
		if fileSize <= t.maxFile {
			return i
		}
	}
	return len(tiers) - 1
}

// BufferSize returns the chunk size used for a file of the given size.
func BufferSize(fileSize int64) int {
	return tiers[tierFor(fileSize)].size
}

func getBuffer(fileSize int64) (*[]byte, func()) {
	pool := pools[tierFor(fileSize)]
	buf := pool.Get().(*[]byte)
	return buf, func() { pool.Put(buf) }
}

// Chunks yields the bytes of rng from r, at most len(buf) at a time. Each
// chunk aliases buf and is only valid until the next iteration. If the
// source ends before the range does, the final element carries
// io.ErrUnexpectedEOF. The sequence reads lazily and stops as soon as
// the consumer does.
func Chunks(r io.ReaderAt, rng ranges.ByteRange, buf []byte) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		off := rng.Start
		remaining := rng.Length()
		for remaining > 0 {
			want := int64(len(buf))
			if want > remaining {
				want = remaining
			}
			n, err := r.ReadAt(buf[:want], off)
			if int64(n) < want {
				if err == nil || err == io.EOF {
					err = io.ErrUnexpectedEOF
				}
				if n > 0 && !yield(buf[:n], nil) {
					return
				}
				yield(nil, err)
				return
			}
			off += want
			remaining -= want
			if !yield(buf[:want], nil) {
				return
			}
		}
	}
}
