package subscriber

import "sort"

const (
	// dedupCapacity is the hard cap on the number of sequence numbers
	// remembered for deduplication.
	dedupCapacity = 1000
	// dedupEvictCount is how many entries are evicted when the cap is
	// exceeded.
	dedupEvictCount = dedupCapacity / 2
)

// sequenceWindow tracks which sequence numbers have already been delivered
// to the caller. Duplicates only arise from short-lived transport retries,
// so correctness within a bounded recent window is sufficient. Eviction
// removes the numerically smallest half: sequence numbers are monotonic per
// stream, so numerically oldest is chronologically oldest without any
// auxiliary ordering structure.
type sequenceWindow struct {
	seen map[int64]struct{}
}

func newSequenceWindow() *sequenceWindow {
	return &sequenceWindow{seen: map[int64]struct{}{}}
}

func (w *sequenceWindow) Seen(sequence int64) bool {
	_, exists := w.seen[sequence]
	return exists
}

func (w *sequenceWindow) Mark(sequence int64) {
	w.seen[sequence] = struct{}{}
	if len(w.seen) <= dedupCapacity {
		return
	}

	ordered := make([]int64, 0, len(w.seen))
	for seq := range w.seen {
		ordered = append(ordered, seq)
	}
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i] < ordered[j]
	})
	for _, seq := range ordered[:dedupEvictCount] {
		delete(w.seen, seq)
	}
}

func (w *sequenceWindow) Size() int {
	return len(w.seen)
}
