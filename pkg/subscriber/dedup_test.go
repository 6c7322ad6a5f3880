package subscriber

import "testing"

func Test_window_reports_marked_sequences(t *testing.T) {
	window := newSequenceWindow()

	if window.Seen(3) {
		t.Error("expected sequence 3 to be unseen in a fresh window")
	}
	window.Mark(3)
	if !window.Seen(3) {
		t.Error("expected sequence 3 to be seen after marking")
	}
	if window.Seen(4) {
		t.Error("expected sequence 4 to remain unseen")
	}
}

func Test_window_evicts_numerically_smallest_half_over_capacity(t *testing.T) {
	window := newSequenceWindow()

	for sequence := int64(1); sequence <= dedupCapacity+1; sequence += 1 {
		window.Mark(sequence)
	}

	if window.Size() > dedupCapacity {
		t.Error("window size must never exceed the cap after eviction, received: ", window.Size())
	}
	if window.Size() != dedupCapacity+1-dedupEvictCount {
		t.Error("unexpected window size after eviction: ", window.Size())
	}
	if window.Seen(1) || window.Seen(int64(dedupEvictCount)) {
		t.Error("expected the numerically smallest entries to be evicted")
	}
	if !window.Seen(int64(dedupEvictCount+1)) || !window.Seen(dedupCapacity+1) {
		t.Error("expected the numerically largest entries to be retained")
	}
}
