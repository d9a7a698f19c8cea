package editor

import (
	"sync"
	"time"
)

// Timer is the arm/stop abstraction behind the debounce window. Arming an
// already-armed timer restarts it; the callback supplied at construction
// fires at most once per arm.
type Timer interface {
	Arm(delay time.Duration)
	Stop()
}

// TimerFactory builds a Timer that invokes fire when its window elapses.
type TimerFactory func(fire func()) Timer

type afterFuncTimer struct {
	mu    sync.Mutex
	fire  func()
	timer *time.Timer
}

// NewAfterFuncTimer builds the production Timer on top of time.AfterFunc.
func NewAfterFuncTimer(fire func()) Timer {
	return &afterFuncTimer{fire: fire}
}

func (t *afterFuncTimer) Arm(delay time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer == nil {
		t.timer = time.AfterFunc(delay, t.fire)
		return
	}
	t.timer.Stop()
	t.timer.Reset(delay)
}

func (t *afterFuncTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
	}
}
