package resilience

// slidingWindow records the outcome of the last size calls. It is not safe
// for concurrent use; the circuit breaker guards it with its mutex.
type slidingWindow struct {
	outcomes []bool // true = failure
	next     int
	count    int
	failures int
}

func newSlidingWindow(size int) *slidingWindow {
	if size <= 0 {
		size = 1
	}
	return &slidingWindow{outcomes: make([]bool, size)}
}

// record adds an outcome, evicting the oldest once the window is full.
func (w *slidingWindow) record(failure bool) {
	if w.count == len(w.outcomes) {
		if w.outcomes[w.next] {
			w.failures--
		}
	} else {
		w.count++
	}
	w.outcomes[w.next] = failure
	if failure {
		w.failures++
	}
	w.next = (w.next + 1) % len(w.outcomes)
}

// failureRatio returns failures/calls, or 0 with no calls.
func (w *slidingWindow) failureRatio() float64 {
	if w.count == 0 {
		return 0
	}
	return float64(w.failures) / float64(w.count)
}

func (w *slidingWindow) reset() {
	for i := range w.outcomes {
		w.outcomes[i] = false
	}
	w.next, w.count, w.failures = 0, 0, 0
}
