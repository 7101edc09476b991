// Package ringbuf provides a fixed-capacity ring of float64 samples used by
// the rolling-window indicators. It is not safe for concurrent use; each
// indicator instance owns its window.
package ringbuf

// Window keeps the most recent Cap() values, oldest first.
type Window struct {
	buf  []float64
	head int // index of the oldest value
	n    int
}

// New creates a window holding at most capacity values. Minimum capacity is 1.
func New(capacity int) *Window {
	if capacity < 1 {
		capacity = 1
	}
	return &Window{buf: make([]float64, capacity)}
}

// Restore builds a window of the given capacity from values listed oldest
// first. Extra leading values beyond capacity are discarded.
func Restore(capacity int, values []float64) *Window {
	w := New(capacity)
	for _, v := range values {
		w.Push(v)
	}
	return w
}

// Push appends v. When the window is full the oldest value is evicted and
// returned with ok=true.
func (w *Window) Push(v float64) (evicted float64, ok bool) {
	c := len(w.buf)
	if w.n < c {
		w.buf[(w.head+w.n)%c] = v
		w.n++
		return 0, false
	}
	evicted = w.buf[w.head]
	w.buf[w.head] = v
	w.head = (w.head + 1) % c
	return evicted, true
}

// Len returns the number of values held.
func (w *Window) Len() int { return w.n }

// Cap returns the window capacity.
func (w *Window) Cap() int { return len(w.buf) }

// Full reports whether Len() == Cap().
func (w *Window) Full() bool { return w.n == len(w.buf) }

// At returns the i-th value, 0 being the oldest. It panics if i is out of range.
func (w *Window) At(i int) float64 {
	if i < 0 || i >= w.n {
		panic("ringbuf: index out of range")
	}
	return w.buf[(w.head+i)%len(w.buf)]
}

// Oldest returns the oldest value, or 0 when empty.
func (w *Window) Oldest() float64 {
	if w.n == 0 {
		return 0
	}
	return w.buf[w.head]
}

// Values returns a copy of the held values, oldest first.
func (w *Window) Values() []float64 {
	out := make([]float64, w.n)
	for i := range out {
		out[i] = w.buf[(w.head+i)%len(w.buf)]
	}
	return out
}

// Reset empties the window.
func (w *Window) Reset() {
	w.head = 0
	w.n = 0
	for i := range w.buf {
		w.buf[i] = 0
	}
}
