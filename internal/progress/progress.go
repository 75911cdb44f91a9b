package progress

import (
	"io"
	"sync"
)

// Func receives the cumulative number of bytes moved and the expected total.
type Func func(done int64, total int64)

// Tracker aggregates progress from concurrent writers and reports every time another
// interval of bytes has been crossed, and once more when total is reached.
// It is safe for concurrent use.
type Tracker struct {
	mu       sync.Mutex
	total    int64
	interval int64
	done     int64
	next     int64
	report   Func
}

func NewTracker(total, interval int64, report Func) *Tracker {
	if interval <= 0 {
		interval = total
	}

	if interval <= 0 {
		interval = 1
	}

	return &Tracker{total: total, interval: interval, next: interval, report: report}
}

// Add records n more bytes.
func (t *Tracker) Add(n int64) {
	if t == nil || n <= 0 {
		return
	}

	t.mu.Lock()
	t.done += n
	done := t.done

	fire := false
	if done >= t.next || (t.total > 0 && done >= t.total) {
		fire = true
		for t.next <= done {
			t.next += t.interval
		}
	}
	t.mu.Unlock()

	if fire && t.report != nil {
		t.report(done, t.total)
	}
}

// Done returns the bytes recorded so far.
func (t *Tracker) Done() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.done
}

// Reader wraps an io.Reader and feeds every read into a Tracker.
type Reader struct {
	io.Reader
	tracker *Tracker
}

func NewReader(r io.Reader, tracker *Tracker) *Reader {
	return &Reader{Reader: r, tracker: tracker}
}

func (r *Reader) Read(p []byte) (int, error) {
	n, err := r.Reader.Read(p)
	r.tracker.Add(int64(n))

	return n, err
}

// Percent returns done/total as a percentage, 100 for an empty total.
func Percent(done, total int64) float64 {
	if total <= 0 {
		return 100
	}

	return float64(done) * 100 / float64(total)
}
