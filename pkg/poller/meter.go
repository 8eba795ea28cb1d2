package poller

import "sync"

// MaxRunningPercent is the ceiling shown while a job is still running.
// The remainder is reserved for the completion event.
const MaxRunningPercent = 95

// Reading is a displayable progress value.
type Reading struct {
	Percent int `json:"percent"`

	// Indeterminate is set while the total is unknown. Percent then holds
	// the last computed value.
	Indeterminate bool `json:"indeterminate,omitempty"`
}

// Meter converts current/total pairs into a percentage that never goes
// backward and never passes MaxRunningPercent until Complete is called.
type Meter struct {
	mu        sync.Mutex
	percent   int
	completed bool
}

// NewMeter creates a meter at 0%.
func NewMeter() *Meter {
	return &Meter{}
}

// Observe records a progress pair and returns the reading to display.
func (m *Meter) Observe(current, total int) Reading {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.completed {
		return Reading{Percent: 100}
	}
	if total <= 0 {
		return Reading{Percent: m.percent, Indeterminate: true}
	}
	if current < 0 {
		current = 0
	}

	p := int(int64(current) * 100 / int64(total))
	if p > MaxRunningPercent {
		p = MaxRunningPercent
	}
	if p > m.percent {
		m.percent = p
	}
	return Reading{Percent: m.percent}
}

// Complete jumps the meter to 100. The boolean is true only on the first call.
func (m *Meter) Complete() (Reading, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	first := !m.completed
	m.completed = true
	m.percent = 100
	return Reading{Percent: 100}, first
}

// Reading returns the current value without recording anything.
func (m *Meter) Reading() Reading {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Reading{Percent: m.percent}
}
