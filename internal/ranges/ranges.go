// Package ranges parses HTTP Range headers into transfer plans.
package ranges

import (
	"fmt"
	"strconv"
	"strings"
)

// MaxRanges caps the number of ranges in one header. Longer headers are
// treated as malformed and the whole resource is served.
const MaxRanges = 100

// ByteRange is an inclusive byte interval [Start, End].
type ByteRange struct {
	Start int64
	End   int64
}

// Length returns the number of bytes in the range.
func (r ByteRange) Length() int64 {
	return r.End - r.Start + 1
}

// ContentRange formats the Content-Range value for a resource of size bytes.
func (r ByteRange) ContentRange(size int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End, size)
}

// PlanKind says how a file will be sent.
type PlanKind int

const (
	WholeFile PlanKind = iota
	SingleRange
	MultiRange
	Unsatisfiable
)

func (k PlanKind) String() string {
	switch k {
	case WholeFile:
		return "whole"
	case SingleRange:
		return "single"
	case MultiRange:
		return "multi"
	case Unsatisfiable:
		return "unsatisfiable"
	default:
		return "unknown"
	}
}

// Plan is what the transfer engine sends for one request.
type Plan struct {
	Kind   PlanKind
	Ranges []ByteRange // one for SingleRange, two or more for MultiRange
	Size   int64       // resource length the plan was computed against
}

// UnsatisfiedRange is the Content-Range value sent with a 416.
func (p Plan) UnsatisfiedRange() string {
	return fmt.Sprintf("bytes */%d", p.Size)
}

// Parse interprets a Range header against a resource of size bytes.
//
// An empty or malformed header yields WholeFile, as does any header for an
// empty resource. Each range is clamped to the resource; ranges starting at
// or past the end are dropped, and if none remain the plan is
// Unsatisfiable. Ranges keep the client's order and are not merged.
func Parse(header string, size int64) Plan {
	whole := Plan{Kind: WholeFile, Size: size}
	if header == "" || size <= 0 {
		return whole
	}

	unit, set, ok := strings.Cut(header, "=")
	if !ok || !strings.EqualFold(strings.TrimSpace(unit), "bytes") {
		return whole
	}

	var out []ByteRange
	count := 0
	for _, part := range strings.Split(set, ",") {
		part = strings.Trim(part, " \t")
		if part == "" {
			continue
		}
		count++
		if count > MaxRanges {
			return whole
		}

		first, last, ok := strings.Cut(part, "-")
		if !ok {
			return whole
		}
		first = strings.Trim(first, " \t")
		last = strings.Trim(last, " \t")

		if first == "" {
			// bytes=-N: the final N bytes.
			n, ok := parseOffset(last)
			if !ok {
				return whole
			}
			if n == 0 {
				continue
			}
			if n > size {
				n = size
			}
			out = append(out, ByteRange{Start: size - n, End: size - 1})
			continue
		}

		start, ok := parseOffset(first)
		if !ok {
			return whole
		}
		end := size - 1
		if last != "" {
			e, ok := parseOffset(last)
			if !ok || e < start {
				return whole
			}
			if e < end {
				end = e
			}
		}
		if start >= size {
			continue
		}
		out = append(out, ByteRange{Start: start, End: end})
	}

	switch {
	case count == 0:
		return whole
	case len(out) == 0:
		return Plan{Kind: Unsatisfiable, Size: size}
	case len(out) == 1:
		return Plan{Kind: SingleRange, Ranges: out, Size: size}
	default:
		return Plan{Kind: MultiRange, Ranges: out, Size: size}
	}
}

// parseOffset accepts only plain decimal digits.
func parseOffset(s string) (int64, bool) {
	if s == "" {
		return 0, false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, false
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
