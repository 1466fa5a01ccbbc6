// Package sampler polls a force sensor on a fixed-rate schedule and turns
// its readings into the ordered sample stream of a session.
package sampler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/limb-lab/mvc/pkg/events"
	"github.com/limb-lab/mvc/pkg/mvc"
	"github.com/limb-lab/mvc/pkg/sensor"
)

// ErrStop is returned by a Sink to end the run without an error.
var ErrStop = errors.New("sampler: stop requested")

// Sink receives every sample synchronously, in acquisition order. A non-nil
// error other than ErrStop ends the run with that error.
type Sink func(mvc.Sample) error

// Publisher receives a best-effort copy of every sample after the sink
// accepted it. Publish must not block.
type Publisher interface {
	Publish(name string, payload any)
}

// Options configures a Sampler.
type Options struct {
	// RateHz is the polling frequency.
	RateHz float64
	// ReadTimeout bounds every Read. It defaults to one period.
	ReadTimeout time.Duration
	// ReadRetries is how many times a timed-out read is retried within the
	// same tick. Disconnects are never retried.
	ReadRetries int
	// Clock drives the schedule. Nil means wall clock.
	Clock Clock
}

// Clock abstracts time so a run can be driven deterministically.
type Clock interface {
	Now() time.Time
	// WaitUntil blocks until t or until ctx is done, returning ctx.Err()
	// in the latter case.
	WaitUntil(ctx context.Context, t time.Time) error
}

// Stats counts what happened during a run.
type Stats struct {
	Ticks   uint64 `json:"ticks"`
	Samples uint64 `json:"samples"`
	Missed  uint64 `json:"missedTicks"`
	Retries uint64 `json:"retries"`
}

// Sampler is the single producer of a session. It is not reusable across
// concurrent runs.
type Sampler struct {
	src  sensor.Source
	opts Options
	sink Sink
	pub  Publisher

	period time.Duration

	// test seams
	now  func() time.Time
	wait func(ctx context.Context, until time.Time) error

	ticks   atomic.Uint64
	samples atomic.Uint64
	missed  atomic.Uint64
	retries atomic.Uint64

	lastMissLog time.Time
}

// New creates a Sampler over src. pub may be nil.
func New(src sensor.Source, opts Options, sink Sink, pub Publisher) (*Sampler, error) {
	if src == nil {
		return nil, fmt.Errorf("sampler: nil sensor source")
	}
	if sink == nil {
		return nil, fmt.Errorf("sampler: nil sink")
	}
	if !(opts.RateHz > 0) {
		return nil, fmt.Errorf("sampler: sample rate must be positive, got %v", opts.RateHz)
	}
	if opts.ReadRetries < 0 {
		opts.ReadRetries = 0
	}

	period := time.Duration(float64(time.Second) / opts.RateHz)
	if period <= 0 {
		return nil, fmt.Errorf("sampler: sample rate %v is too high", opts.RateHz)
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = period
	}

	s := &Sampler{
		src:    src,
		opts:   opts,
		sink:   sink,
		pub:    pub,
		period: period,
		now:    time.Now,
		wait:   waitUntil,
	}
	if opts.Clock != nil {
		s.now = opts.Clock.Now
		s.wait = opts.Clock.WaitUntil
	}
	return s, nil
}

// Period returns the nominal interval between ticks.
func (s *Sampler) Period() time.Duration {
	return s.period
}

// Stats returns the counters of the current or last run.
func (s *Sampler) Stats() Stats {
	return Stats{
		Ticks:   s.ticks.Load(),
		Samples: s.samples.Load(),
		Missed:  s.missed.Load(),
		Retries: s.retries.Load(),
	}
}

// Run polls the source until ctx is cancelled, the sink returns an error, or
// the source fails. Sample timestamps are offsets from epoch. Cancellation
// is observed between ticks, so a read in flight is always delivered.
//
// Run returns nil when the sink asked to stop, ctx.Err() when cancelled, and
// the wrapped sensor error when the source failed.
func (s *Sampler) Run(ctx context.Context, epoch time.Time) error {
	start := s.now()
	var (
		k     int64
		last  time.Duration
		first = true
	)

	logrus.WithFields(logrus.Fields{
		"rateHz":      s.opts.RateHz,
		"period":      s.period,
		"readTimeout": s.opts.ReadTimeout,
		"readRetries": s.opts.ReadRetries,
	}).Debug("sampler started")

	for {
		due := start.Add(time.Duration(k) * s.period)
		if err := s.wait(ctx, due); err != nil {
			return err
		}
		s.ticks.Add(1)

		rd, err := s.read(k)
		if err != nil {
			return fmt.Errorf("tick %d: %w", k, err)
		}

		at := rd.At
		if at.IsZero() {
			at = s.now()
		}
		ts := at.Sub(epoch)
		if ts < 0 {
			ts = 0
		}
		if !first && ts < last {
			logrus.WithFields(logrus.Fields{
				"timestamp": ts,
				"previous":  last,
			}).Trace("device clock went backwards, clamping timestamp")
			ts = last
		}
		first = false
		last = ts

		smp := mvc.Sample{Timestamp: ts, Value: rd.Value}
		if err := s.sink(smp); err != nil {
			if errors.Is(err, ErrStop) {
				return nil
			}
			return err
		}
		s.samples.Add(1)
		if s.pub != nil {
			s.pub.Publish(events.SampleAcquired, events.SampleEvent{
				Timestamp: ts.Seconds(),
				Value:     rd.Value,
			})
		}

		k = s.nextTick(start, k)
	}
}

// nextTick returns the index of the next tick that is not yet overdue.
// Ticks that passed while a read overran are skipped, not burst.
func (s *Sampler) nextTick(start time.Time, k int64) int64 {
	next := k + 1
	elapsed := s.now().Sub(start)
	if elapsed <= time.Duration(next)*s.period {
		return next
	}

	// smallest n with n*period >= elapsed
	n := int64(elapsed / s.period)
	if time.Duration(n)*s.period < elapsed {
		n++
	}
	skipped := n - next
	s.missed.Add(uint64(skipped))
	s.logMissed(skipped)
	return n
}

func (s *Sampler) logMissed(skipped int64) {
	fields := logrus.Fields{
		"skipped": skipped,
		"total":   s.missed.Load(),
	}
	now := s.now()
	if now.Sub(s.lastMissLog) < time.Second {
		logrus.WithFields(fields).Trace("sampler missed ticks")
		return
	}
	s.lastMissLog = now
	logrus.WithFields(fields).Debug("sampler missed ticks")
}

func (s *Sampler) read(tick int64) (sensor.Reading, error) {
	for attempt := 0; ; attempt++ {
		rd, err := s.src.Read(s.opts.ReadTimeout)
		if err == nil {
			return rd, nil
		}
		if errors.Is(err, sensor.ErrTimeout) && attempt < s.opts.ReadRetries {
			s.retries.Add(1)
			logrus.WithFields(logrus.Fields{
				"tick":    tick,
				"attempt": attempt + 1,
			}).Debug("sensor read timed out, retrying")
			continue
		}
		return sensor.Reading{}, err
	}
}

func waitUntil(ctx context.Context, until time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d := time.Until(until)
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
