package events

import "encoding/json"

// Event name constants
const (
	SampleAcquired = "sample"
	PhaseChanged   = "phase"
	TrialClosed    = "trial"
	ReferenceSet   = "reference"
	SessionState   = "session"
)

// Event is a generic hub event, also sent as an SSE frame.
type Event struct {
	Name string          // SSE event name
	Data json.RawMessage // Raw JSON payload
}

// SampleEvent is the typed payload for sample.
type SampleEvent struct {
	Timestamp  float64 `json:"timestamp"`
	Value      float64 `json:"value"`
	TrialIndex int     `json:"trialIndex,omitempty"`
	Phase      string  `json:"phase,omitempty"`
}

// PhaseEvent is the typed payload for phase.
type PhaseEvent struct {
	TrialIndex int     `json:"trialIndex"`
	From       string  `json:"from"`
	To         string  `json:"to"`
	Timestamp  float64 `json:"timestamp"`
	// Duration is the nominal length of the new phase in seconds.
	Duration float64 `json:"duration,omitempty"`
}

// TrialEvent is the typed payload for trial. PercentMVC is nil until the
// MVC reference exists, and for aborted trials.
type TrialEvent struct {
	TrialIndex int      `json:"trialIndex"`
	Status     string   `json:"status"`
	Peak       *float64 `json:"peakValue,omitempty"`
	Mean       *float64 `json:"meanValue,omitempty"`
	PercentMVC *float64 `json:"percentMVC,omitempty"`
	Reason     string   `json:"reason,omitempty"`
}

// ReferenceEvent is the typed payload for reference.
type ReferenceEvent struct {
	Value     float64 `json:"value"`
	Trials    []int   `json:"trials"`
	Timestamp float64 `json:"timestamp"`
}

// SessionEvent is the typed payload for session.
type SessionEvent struct {
	ID      string `json:"id"`
	State   string `json:"state"`
	Message string `json:"message,omitempty"`
	Ts      int64  `json:"ts"`
}

// DecodeAs decodes the event payload into the caller-specified generic type T.
// It ignores the event name and simply unmarshals Data into T. If Data is empty,
// it returns the zero value of T with a nil error.
//
// Example:
//
//	payload, err := events.DecodeAs[events.PhaseEvent](ev)
//	if err != nil { /* handle */ }
//	fmt.Println(payload.From, payload.To)
func DecodeAs[T any](e Event) (T, error) {
	var zero T
	if len(e.Data) == 0 {
		return zero, nil
	}
	var v T
	if err := json.Unmarshal(e.Data, &v); err != nil {
		return zero, err
	}
	return v, nil
}
