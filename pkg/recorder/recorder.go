// Package recorder accumulates the trials, results, phase events and raw
// samples of one session and renders them as row and structured views.
package recorder

import (
	"sync"
	"time"

	"github.com/limb-lab/mvc/pkg/mvc"
)

// EventKind names an entry of the phase event log.
type EventKind string

const (
	EventSessionStart         EventKind = "SessionStart"
	EventRestStart            EventKind = "RestStart"
	EventContractionStart     EventKind = "ContractionStart"
	EventCooldownStart        EventKind = "CooldownStart"
	EventTrialEnd             EventKind = "TrialEnd"
	EventTrialAborted         EventKind = "TrialAborted"
	EventReferenceEstablished EventKind = "ReferenceEstablished"
	EventSessionComplete      EventKind = "SessionComplete"
	EventSessionAborted       EventKind = "SessionAborted"
)

// PhaseStartEvent returns the event logged when phase p begins.
func PhaseStartEvent(p mvc.Phase) EventKind {
	switch p {
	case mvc.PhaseRest:
		return EventRestStart
	case mvc.PhaseContraction:
		return EventContractionStart
	case mvc.PhaseCooldown:
		return EventCooldownStart
	}
	return ""
}

// Event is one row of the phase event log. TrialIndex is 0 for session
// level events.
type Event struct {
	Kind       EventKind     `json:"event"`
	TrialIndex int           `json:"trialIndex"`
	Timestamp  time.Duration `json:"timestampNs"`
}

// RawSample is a sample labelled with where the controller put it. Samples
// outside any trial have TrialIndex 0 and an empty Phase.
type RawSample struct {
	Timestamp  time.Duration `json:"timestampNs"`
	Value      float64       `json:"value"`
	TrialIndex int           `json:"trialIndex"`
	Phase      mvc.Phase     `json:"phase"`
}

// Recorder is safe for concurrent use. Writers hold the lock only for the
// append; views copy what they return.
type Recorder struct {
	mu      sync.Mutex
	trials  []*mvc.Trial
	results map[int]mvc.Result
	events  []Event
	samples []RawSample
}

// New creates an empty recorder.
func New() *Recorder {
	return &Recorder{results: make(map[int]mvc.Result)}
}

// AddTrial stores a finalized or aborted trial. The recorder keeps the
// pointer; callers must not mutate the trial afterwards.
func (r *Recorder) AddTrial(t *mvc.Trial) {
	if t == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trials = append(r.trials, t)
}

// AddResult stores the normalized result of a trial.
func (r *Recorder) AddResult(res mvc.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results[res.TrialIndex] = res
}

// AddEvent appends to the phase event log.
func (r *Recorder) AddEvent(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// AddSample appends to the raw sample log.
func (r *Recorder) AddSample(s RawSample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = append(r.samples, s)
}

// SampleCount returns the number of raw samples recorded.
func (r *Recorder) SampleCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.samples)
}

// TrialCount returns the number of trials recorded.
func (r *Recorder) TrialCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.trials)
}

// Results returns the stored results in trial arrival order.
func (r *Recorder) Results() []mvc.Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]mvc.Result, 0, len(r.results))
	for _, t := range r.trials {
		if res, ok := r.results[t.Index]; ok {
			out = append(out, res)
		}
	}
	return out
}

// Snapshot is a point-in-time copy of everything recorded.
type Snapshot struct {
	Records []Record    `json:"trials"`
	Events  []Event     `json:"events"`
	Samples []RawSample `json:"samples"`
}

// Rows returns the row view of the snapshot.
func (s Snapshot) Rows() []Row {
	return RowsFromRecords(s.Records)
}

// Snapshot copies the recorded data.
func (r *Recorder) Snapshot() Snapshot {
	r.mu.Lock()
	trials, results := r.copyTrialsLocked()
	evs := append([]Event{}, r.events...)
	smps := append([]RawSample{}, r.samples...)
	r.mu.Unlock()

	return Snapshot{Records: buildRecords(trials, results), Events: evs, Samples: smps}
}

// Records returns the structured view. Unlike Snapshot it does not copy the
// raw sample log.
func (r *Recorder) Records() []Record {
	r.mu.Lock()
	trials, results := r.copyTrialsLocked()
	r.mu.Unlock()

	return buildRecords(trials, results)
}

func (r *Recorder) copyTrialsLocked() ([]*mvc.Trial, map[int]mvc.Result) {
	trials := append([]*mvc.Trial(nil), r.trials...)
	results := make(map[int]mvc.Result, len(r.results))
	for k, v := range r.results {
		results[k] = v
	}
	return trials, results
}

// buildRecords runs outside the lock: stored trials are immutable.
func buildRecords(trials []*mvc.Trial, results map[int]mvc.Result) []Record {
	recs := make([]Record, 0, len(trials))
	for _, t := range trials {
		var res *mvc.Result
		if v, ok := results[t.Index]; ok {
			res = &v
		}
		recs = append(recs, newRecord(t, res))
	}
	return recs
}

// Rows returns the row view.
func (r *Recorder) Rows() []Row {
	return RowsFromRecords(r.Records())
}

// Events returns the phase event log.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event{}, r.events...)
}

// Samples returns the raw sample log.
func (r *Recorder) Samples() []RawSample {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]RawSample{}, r.samples...)
}
