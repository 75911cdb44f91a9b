package transfer

import (
	"sync"
	"time"
)

// Signal is a one-shot cancellation flag shared between a transfer and whoever
// may cancel it. Once fired it stays fired.
type Signal struct {
	once sync.Once
	done chan struct{}
}

func NewSignal() *Signal {
	return &Signal{done: make(chan struct{})}
}

// NewTimeoutSignal returns a signal that fires by itself after d. The returned stop
// function disarms the timer; it does not fire the signal.
func NewTimeoutSignal(d time.Duration) (*Signal, func() bool) {
	s := NewSignal()
	t := time.AfterFunc(d, s.Fire)

	return s, t.Stop
}

// Fire sets the signal. Calling it more than once has no further effect.
func (s *Signal) Fire() {
	s.once.Do(func() { close(s.done) })
}

func (s *Signal) Fired() bool {
	if s == nil {
		return false
	}

	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Done returns a channel closed when the signal fires. A nil signal never fires.
func (s *Signal) Done() <-chan struct{} {
	if s == nil {
		return nil
	}

	return s.done
}
