package mvc

import (
	"encoding/json"
	"math"
	"time"
)

// Phase defines the timed sub-intervals of one trial.
type Phase string

const (
	PhaseRest        Phase = "Rest"
	PhaseContraction Phase = "Contraction"
	PhaseCooldown    Phase = "Cooldown"
)

// Phases lists the phases of a trial in protocol order.
var Phases = []Phase{PhaseRest, PhaseContraction, PhaseCooldown}

// State defines states of the trial controller.
type State string

const (
	StateIdle        State = "Idle"
	StateRest        State = "Rest"
	StateContraction State = "Contraction"
	StateCooldown    State = "Cooldown"
	StateComplete    State = "SessionComplete"
	StateAborted     State = "Aborted"
)

// Terminal reports whether no further transitions are possible from s.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateAborted
}

// Phase returns the trial phase that corresponds to s, if any.
func (s State) Phase() (Phase, bool) {
	switch s {
	case StateRest:
		return PhaseRest, true
	case StateContraction:
		return PhaseContraction, true
	case StateCooldown:
		return PhaseCooldown, true
	}
	return "", false
}

// StateOf returns the controller state in which phase p is running.
func StateOf(p Phase) State {
	return State(p)
}

// Sample is a single force reading. Timestamp is the monotonic offset from
// the start of the session.
type Sample struct {
	Timestamp time.Duration
	Value     float64
}

type sampleJSON struct {
	Timestamp float64 `json:"timestamp"`
	Value     float64 `json:"value"`
}

// MarshalJSON encodes the timestamp in seconds.
func (s Sample) MarshalJSON() ([]byte, error) {
	return json.Marshal(sampleJSON{Timestamp: s.Timestamp.Seconds(), Value: s.Value})
}

func (s *Sample) UnmarshalJSON(b []byte) error {
	var v sampleJSON
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	s.Timestamp = Seconds(v.Timestamp)
	s.Value = v.Value
	return nil
}

// Seconds converts floating seconds to a duration.
func Seconds(sec float64) time.Duration {
	return time.Duration(math.Round(sec * float64(time.Second)))
}

// PhaseSpan is the interval covered by one phase of a trial. End is the
// nominal boundary for phases that ran to completion, and the last sample
// timestamp for a phase interrupted by an abort.
type PhaseSpan struct {
	Phase Phase
	Start time.Duration
	End   time.Duration
	// Open is true while the phase is still running.
	Open bool
}

// TrialStatus describes the lifecycle of a trial.
type TrialStatus string

const (
	TrialInProgress TrialStatus = "InProgress"
	TrialFinalized  TrialStatus = "Finalized"
	TrialAborted    TrialStatus = "Aborted"
)

// Trial is one Rest -> Contraction -> Cooldown cycle. Once its Status is
// TrialFinalized or TrialAborted it is never mutated again.
type Trial struct {
	Index  int
	Phases []PhaseSpan
	// Samples holds the samples captured during Contraction.
	Samples []Sample
	// Peak is the maximum value in Samples. Only meaningful if HasPeak.
	Peak    float64
	HasPeak bool
	// Mean is the average of Samples. Only meaningful if HasPeak.
	Mean        float64
	Status      TrialStatus
	AbortReason string
}

// Span returns the span of phase p, if the trial reached it.
func (t *Trial) Span(p Phase) (PhaseSpan, bool) {
	for _, s := range t.Phases {
		if s.Phase == p {
			return s, true
		}
	}
	return PhaseSpan{}, false
}

// Finalized reports whether the trial completed its Cooldown.
func (t *Trial) Finalized() bool {
	return t != nil && t.Status == TrialFinalized
}

// Reference is the subject's MVC reference for a session.
type Reference struct {
	Value float64 `json:"value"`
	// Trials are the calibration trial indices the value was taken from.
	Trials []int `json:"trials"`
	// EstablishedAt is the session offset at which the reference was set.
	EstablishedAt time.Duration `json:"establishedAtNs"`
}

// Valid reports whether r can be used as a normalization divisor.
func (r Reference) Valid() bool {
	return r.Value > 0 && !math.IsNaN(r.Value) && !math.IsInf(r.Value, 0)
}

// Result is the normalized outcome of one finalized trial.
type Result struct {
	TrialIndex int     `json:"trialIndex"`
	Peak       float64 `json:"peakValue"`
	PercentMVC float64 `json:"percentMVC"`
}

// Status is a synthesized view model exposed via the control API. It is a
// point-in-time copy and safe to use after the session moved on.
type Status struct {
	ID              string    `json:"id"`
	Subject         string    `json:"subject"`
	Motion          string    `json:"motion,omitempty"`
	State           State     `json:"state"`
	TrialIndex      int       `json:"trialIndex"`
	TrialCount      int       `json:"trialCount"`
	PhaseRemaining  float64   `json:"phaseRemainingSeconds"`
	Elapsed         float64   `json:"elapsedSeconds"`
	Reference       *float64  `json:"reference,omitempty"`
	CompletedTrials int       `json:"completedTrials"`
	SamplesCaptured int       `json:"samplesCaptured"`
	StartedAt       time.Time `json:"startedAt"`
	AbortReason     string    `json:"abortReason,omitempty"`
}
