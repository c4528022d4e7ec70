package session

import "time"

// fpsMeter computes a rolling frames-per-second average over a bounded FIFO
// window of cycle timestamps. Oldest samples are evicted first.
type fpsMeter struct {
	samples  []time.Time
	capacity int
}

func newFPSMeter(capacity int) *fpsMeter {
	if capacity < 1 {
		capacity = 1
	}
	return &fpsMeter{capacity: capacity}
}

// Tick records one cycle timestamp.
func (m *fpsMeter) Tick(now time.Time) {
	m.samples = append(m.samples, now)
	if len(m.samples) > m.capacity {
		m.samples = m.samples[1:]
	}
}

// Rate returns the average FPS over the window. Always finite and
// non-negative, including with zero or one sample.
func (m *fpsMeter) Rate() float64 {
	if len(m.samples) < 2 {
		return 0
	}
	elapsed := m.samples[len(m.samples)-1].Sub(m.samples[0])
	if elapsed <= 0 {
		return 0
	}
	return float64(len(m.samples)-1) / elapsed.Seconds()
}

// Len reports the current window occupancy.
func (m *fpsMeter) Len() int {
	return len(m.samples)
}
