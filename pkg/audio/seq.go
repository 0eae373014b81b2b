package audio

// SeqTracker watches the sequence numbers of one channel and reports gaps.
// It is not safe for concurrent use; each consumer owns its own tracker.
type SeqTracker struct {
	next    uint64
	started bool
}

// Observe records seq and returns how many sequence numbers were skipped
// since the previous call. Out-of-order or repeated numbers report zero and
// do not move the tracker backwards.
func (t *SeqTracker) Observe(seq uint64) (missing uint64) {
	if !t.started {
		t.started = true
		t.next = seq + 1
		return 0
	}
	if seq < t.next {
		return 0
	}
	missing = seq - t.next
	t.next = seq + 1
	return missing
}
