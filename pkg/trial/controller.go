// Package trial implements the phase state machine that partitions the
// sample stream into Rest, Contraction and Cooldown intervals per trial.
//
// All transitions are driven by sample timestamps, never by wall clock, so a
// run can be replayed deterministically from its samples.
package trial

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/limb-lab/mvc/pkg/mvc"
)

var (
	// ErrOutOfOrder is returned for a sample older than the previous one.
	ErrOutOfOrder = errors.New("sample is older than the previous sample")
	// ErrNotStarted is returned when samples arrive before Start.
	ErrNotStarted = errors.New("trial controller not started")
	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("trial controller already started")
	// ErrTerminal is returned when the controller can no longer change.
	ErrTerminal = errors.New("trial controller is in a terminal state")
)

// Protocol is the timing of a session.
type Protocol struct {
	Trials      int
	Rest        time.Duration
	Contraction time.Duration
	Cooldown    time.Duration
}

// Duration returns the nominal length of phase p.
func (p Protocol) Duration(ph mvc.Phase) time.Duration {
	switch ph {
	case mvc.PhaseRest:
		return p.Rest
	case mvc.PhaseContraction:
		return p.Contraction
	case mvc.PhaseCooldown:
		return p.Cooldown
	}
	return 0
}

// TrialLength returns the nominal length of one trial.
func (p Protocol) TrialLength() time.Duration {
	return p.Rest + p.Contraction + p.Cooldown
}

// Validate reports the first non-positive protocol parameter.
func (p Protocol) Validate() error {
	switch {
	case p.Trials <= 0:
		return fmt.Errorf("trial count must be positive, got %d", p.Trials)
	case p.Rest <= 0:
		return fmt.Errorf("rest duration must be positive, got %v", p.Rest)
	case p.Contraction <= 0:
		return fmt.Errorf("contraction duration must be positive, got %v", p.Contraction)
	case p.Cooldown <= 0:
		return fmt.Errorf("cooldown duration must be positive, got %v", p.Cooldown)
	}
	return nil
}

// PhaseChange describes one state transition.
type PhaseChange struct {
	TrialIndex int
	From       mvc.State
	To         mvc.State
	At         time.Duration
}

// Hooks are called synchronously from Start, Handle and Abort. They receive
// trials the controller no longer touches.
type Hooks struct {
	OnPhaseChange    func(PhaseChange)
	OnTrialFinalized func(*mvc.Trial)
	OnTrialAborted   func(*mvc.Trial)
}

// Controller is the trial state machine. It is not safe for concurrent use;
// the session serializes access to it.
type Controller struct {
	proto Protocol
	hooks Hooks

	state      mvc.State
	cur        *mvc.Trial
	phaseStart time.Duration

	last    time.Duration
	hasLast bool

	completed   int
	abortReason string
}

// New creates a controller in the Idle state.
func New(p Protocol, h Hooks) (*Controller, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &Controller{proto: p, hooks: h, state: mvc.StateIdle}, nil
}

// State returns the current state.
func (c *Controller) State() mvc.State {
	return c.state
}

// Protocol returns the protocol timing.
func (c *Controller) Protocol() Protocol {
	return c.proto
}

// TrialIndex returns the 1-based index of the running trial, or 0 while Idle
// and after the session completed.
func (c *Controller) TrialIndex() int {
	if c.cur == nil {
		return 0
	}
	return c.cur.Index
}

// Completed returns the number of finalized trials.
func (c *Controller) Completed() int {
	return c.completed
}

// AbortReason returns why the controller was aborted.
func (c *Controller) AbortReason() string {
	return c.abortReason
}

// PhaseRemaining returns how long the running phase lasts after at.
func (c *Controller) PhaseRemaining(at time.Duration) time.Duration {
	ph, ok := c.state.Phase()
	if !ok {
		return 0
	}
	rem := c.phaseStart + c.proto.Duration(ph) - at
	if rem < 0 {
		return 0
	}
	return rem
}

// Current returns a copy of the running trial.
func (c *Controller) Current() (mvc.Trial, bool) {
	if c.cur == nil {
		return mvc.Trial{}, false
	}
	t := *c.cur
	t.Phases = append([]mvc.PhaseSpan(nil), c.cur.Phases...)
	t.Samples = append([]mvc.Sample(nil), c.cur.Samples...)
	return t, true
}

// Start begins Rest of trial 1 at offset at.
func (c *Controller) Start(at time.Duration) error {
	if c.state != mvc.StateIdle {
		return ErrAlreadyStarted
	}

	c.last = at
	c.hasLast = true
	c.beginTrial(1, at, mvc.StateIdle)
	return nil
}

// Handle advances through every phase boundary at or before the sample's
// timestamp and then assigns the sample to the phase it falls into. Samples
// at or after the end of the last trial are not assigned to any trial.
func (c *Controller) Handle(s mvc.Sample) error {
	switch {
	case c.state == mvc.StateIdle:
		return ErrNotStarted
	case c.state.Terminal():
		return ErrTerminal
	case c.hasLast && s.Timestamp < c.last:
		return fmt.Errorf("%w: %v < %v", ErrOutOfOrder, s.Timestamp, c.last)
	}
	c.last = s.Timestamp
	c.hasLast = true

	c.advance(s.Timestamp)
	if c.state != mvc.StateContraction {
		return nil
	}

	c.cur.Samples = append(c.cur.Samples, s)
	c.cur.Mean += (s.Value - c.cur.Mean) / float64(len(c.cur.Samples))
	if !c.cur.HasPeak || s.Value > c.cur.Peak {
		c.cur.Peak = s.Value
		c.cur.HasPeak = true
	}
	return nil
}

// Abort moves any non-terminal state to Aborted. The running trial is
// closed at the last sample timestamp and handed to OnTrialAborted.
func (c *Controller) Abort(reason string) error {
	if c.state.Terminal() {
		return ErrTerminal
	}
	from := c.state
	c.abortReason = reason

	idx := 0
	if c.cur != nil {
		t := c.cur
		idx = t.Index
		if n := len(t.Phases); n > 0 && t.Phases[n-1].Open {
			end := c.last
			if end < t.Phases[n-1].Start {
				end = t.Phases[n-1].Start
			}
			t.Phases[n-1].End = end
			t.Phases[n-1].Open = false
		}
		t.Status = mvc.TrialAborted
		t.AbortReason = reason
		c.cur = nil

		logrus.WithFields(logrus.Fields{
			"trial":  t.Index,
			"state":  from,
			"reason": reason,
		}).Warn("trial aborted")
		if c.hooks.OnTrialAborted != nil {
			c.hooks.OnTrialAborted(t)
		}
	}

	c.state = mvc.StateAborted
	c.emit(PhaseChange{TrialIndex: idx, From: from, To: mvc.StateAborted, At: c.last})
	return nil
}

func (c *Controller) advance(ts time.Duration) {
	for !c.state.Terminal() {
		ph, _ := c.state.Phase()
		end := c.phaseStart + c.proto.Duration(ph)
		if ts < end {
			return
		}
		c.transition(end)
	}
}

func (c *Controller) transition(at time.Duration) {
	t := c.cur
	t.Phases[len(t.Phases)-1].End = at
	t.Phases[len(t.Phases)-1].Open = false

	switch c.state {
	case mvc.StateRest:
		c.enter(mvc.PhaseContraction, at)
	case mvc.StateContraction:
		c.enter(mvc.PhaseCooldown, at)
	case mvc.StateCooldown:
		t.Status = mvc.TrialFinalized
		c.completed++
		c.cur = nil

		logrus.WithFields(logrus.Fields{
			"trial":   t.Index,
			"peak":    t.Peak,
			"mean":    t.Mean,
			"samples": len(t.Samples),
		}).Info("trial finalized")
		if c.hooks.OnTrialFinalized != nil {
			c.hooks.OnTrialFinalized(t)
		}

		if t.Index >= c.proto.Trials {
			c.state = mvc.StateComplete
			c.emit(PhaseChange{TrialIndex: t.Index, From: mvc.StateCooldown, To: mvc.StateComplete, At: at})
			return
		}
		c.beginTrial(t.Index+1, at, mvc.StateCooldown)
	}
}

func (c *Controller) beginTrial(index int, at time.Duration, from mvc.State) {
	c.cur = &mvc.Trial{Index: index, Status: mvc.TrialInProgress}
	c.state = from
	c.enter(mvc.PhaseRest, at)
}

func (c *Controller) enter(ph mvc.Phase, at time.Duration) {
	from := c.state
	c.cur.Phases = append(c.cur.Phases, mvc.PhaseSpan{Phase: ph, Start: at, Open: true})
	c.state = mvc.StateOf(ph)
	c.phaseStart = at

	logrus.WithFields(logrus.Fields{
		"trial": c.cur.Index,
		"from":  from,
		"to":    c.state,
		"at":    at,
	}).Debug("phase change")
	c.emit(PhaseChange{TrialIndex: c.cur.Index, From: from, To: c.state, At: at})
}

func (c *Controller) emit(pc PhaseChange) {
	if c.hooks.OnPhaseChange != nil {
		c.hooks.OnPhaseChange(pc)
	}
}
