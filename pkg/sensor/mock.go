package sensor

import (
	"sync"
	"time"
)

// MockOptions configures the synthetic force device.
type MockOptions struct {
	Rest        time.Duration
	Contraction time.Duration
	Cooldown    time.Duration
	// Peaks is the contraction peak of each trial. The last value repeats
	// for trials beyond the list.
	Peaks    []float64
	Baseline float64
	// DisconnectAfter makes the device vanish after that many reads. Zero
	// means never.
	DisconnectAfter int
	// Now overrides the clock used to stamp readings.
	Now func() time.Time
}

// Mock produces a trapezoid force curve that follows the protocol timing:
// baseline during rest and cooldown, and a ramp-up, hold, ramp-down shape
// during contraction.
type Mock struct {
	opts    MockOptions
	profile func(time.Duration) float64
	now     func() time.Time

	mu        sync.Mutex
	start     time.Time
	reads     int
	connected bool
}

// NewMock creates a mock force source.
func NewMock(opts MockOptions) *Mock {
	if len(opts.Peaks) == 0 {
		opts.Peaks = []float64{100}
	}
	m := &Mock{
		opts:    opts,
		profile: TrapezoidProfile(opts.Rest, opts.Contraction, opts.Cooldown, opts.Peaks, opts.Baseline),
		now:     time.Now,
	}
	if opts.Now != nil {
		m.now = opts.Now
	}
	return m
}

func (m *Mock) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.start = m.now()
	m.reads = 0
	m.connected = true
	return nil
}

func (m *Mock) Read(_ time.Duration) (Reading, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return Reading{}, ErrDisconnected
	}
	m.reads++
	if m.opts.DisconnectAfter > 0 && m.reads > m.opts.DisconnectAfter {
		m.connected = false
		return Reading{}, ErrDisconnected
	}

	now := m.now()
	return Reading{At: now, Value: m.profile(now.Sub(m.start))}, nil
}

func (m *Mock) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.connected = false
	return nil
}

// TrapezoidProfile returns the force at a given session offset. Each
// contraction ramps up over its first fifth, holds the trial's peak, and
// ramps down over its last fifth.
func TrapezoidProfile(rest, contraction, cooldown time.Duration, peaks []float64, baseline float64) func(time.Duration) float64 {
	cycle := rest + contraction + cooldown
	ramp := contraction / 5

	return func(t time.Duration) float64 {
		if cycle <= 0 || t < 0 || len(peaks) == 0 {
			return baseline
		}
		trial := int(t / cycle)
		if trial >= len(peaks) {
			trial = len(peaks) - 1
		}
		peak := peaks[trial]

		within := t%cycle - rest
		switch {
		case within < 0 || within >= contraction:
			return baseline
		case ramp > 0 && within < ramp:
			return baseline + (peak-baseline)*float64(within)/float64(ramp)
		case ramp > 0 && within >= contraction-ramp:
			return baseline + (peak-baseline)*float64(contraction-within)/float64(ramp)
		default:
			return peak
		}
	}
}
