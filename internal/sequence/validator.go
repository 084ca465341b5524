// Package sequence implements gap detection over per-route packet
// sequence streams. Sequence numbers live in a circular space of size
// 1000; a route that wraps mid-stream (999 -> 0) must not be mistaken
// for one giant gap.
package sequence

import "sort"

// SpaceSize is the modulus of the sequence-number space.
const SpaceSize = 1000

// WrapThreshold bounds what counts as a genuine gap: a hole of
// WrapThreshold or more missing values between consecutive sequence
// numbers is treated as a wrap transition, and a linear jump larger
// than WrapThreshold (that is also larger than the wrap gap) marks
// where the stream wrapped.
const WrapThreshold = 500

// Gap is one missing sequence index detected on a route.
type Gap struct {
	ExpectedSeq int
	Received    int // the next sequence number actually observed after the gap
	GapSize     int
}

// FindGaps computes the set of missing sequence indices implied by
// seqs, the (possibly unsorted, possibly duplicated) sequence numbers
// observed on one route. It returns at most one Gap per missing index,
// each carrying the size of the hole it belongs to.
func FindGaps(seqs []int) []Gap {
	sorted := dedupSort(seqs)
	if len(sorted) < 2 {
		return nil
	}

	n := len(sorted)
	wrapGap := (SpaceSize - sorted[n-1]) + sorted[0]

	maxGap := -1
	maxGapIdx := -1
	for i := 0; i < n-1; i++ {
		g := sorted[i+1] - sorted[i]
		if g > maxGap {
			maxGap = g
			maxGapIdx = i
		}
	}

	view := sorted
	if maxGap > WrapThreshold && maxGap > wrapGap {
		view = append(append([]int{}, sorted[maxGapIdx+1:]...), sorted[:maxGapIdx+1]...)
	}

	var gaps []Gap
	for i := 0; i < len(view)-1; i++ {
		c, next := view[i], view[i+1]
		var gapSize int
		if next > c {
			gapSize = next - c - 1
		} else {
			gapSize = (SpaceSize - c - 1) + next
		}
		if gapSize <= 0 || gapSize >= WrapThreshold {
			continue
		}
		for j := 0; j < gapSize; j++ {
			gaps = append(gaps, Gap{ExpectedSeq: (c + 1 + j) % SpaceSize, Received: next, GapSize: gapSize})
		}
	}
	return gaps
}

func dedupSort(seqs []int) []int {
	seen := make(map[int]struct{}, len(seqs))
	out := make([]int, 0, len(seqs))
	for _, s := range seqs {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Ints(out)
	return out
}
