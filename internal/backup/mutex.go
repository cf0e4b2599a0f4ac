package backup

import "time"

// Mutex marks a backup as in progress. Callers never queue on it: TryAcquire
// fails straight away when a run is active.
type Mutex struct {
	ch chan struct{}
}

func NewMutex() *Mutex {
	return &Mutex{ch: make(chan struct{}, 1)}
}

func (m *Mutex) TryAcquire() bool {
	select {
	case m.ch <- struct{}{}:
		return true
	default:
		return false
	}
}

// AcquireWithin blocks for at most timeout. Used only to drain on shutdown.
func (m *Mutex) AcquireWithin(timeout time.Duration) bool {
	if m.TryAcquire() {
		return true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case m.ch <- struct{}{}:
		return true
	case <-timer.C:
		return false
	}
}

func (m *Mutex) Release() {
	select {
	case <-m.ch:
	default:
		panic("backup: release of unlocked mutex")
	}
}

func (m *Mutex) Locked() bool {
	return len(m.ch) == 1
}
