package trial

import (
	"errors"
	"testing"
	"time"

	"github.com/limb-lab/mvc/pkg/mvc"
)

var scenario = Protocol{Trials: 3, Rest: 5 * time.Second, Contraction: 5 * time.Second, Cooldown: 2 * time.Second}

type recorder struct {
	changes   []PhaseChange
	finalized []*mvc.Trial
	aborted   []*mvc.Trial
}

func (r *recorder) hooks() Hooks {
	return Hooks{
		OnPhaseChange:    func(pc PhaseChange) { r.changes = append(r.changes, pc) },
		OnTrialFinalized: func(t *mvc.Trial) { r.finalized = append(r.finalized, t) },
		OnTrialAborted:   func(t *mvc.Trial) { r.aborted = append(r.aborted, t) },
	}
}

func newStarted(t *testing.T, p Protocol) (*Controller, *recorder) {
	t.Helper()
	rec := &recorder{}
	c, err := New(p, rec.hooks())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Start(0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return c, rec
}

func TestProtocolValidate(t *testing.T) {
	tests := []struct {
		name string
		p    Protocol
		ok   bool
	}{
		{"valid", scenario, true},
		{"zero trials", Protocol{Trials: 0, Rest: 1, Contraction: 1, Cooldown: 1}, false},
		{"negative rest", Protocol{Trials: 1, Rest: -1, Contraction: 1, Cooldown: 1}, false},
		{"zero contraction", Protocol{Trials: 1, Rest: 1, Contraction: 0, Cooldown: 1}, false},
		{"zero cooldown", Protocol{Trials: 1, Rest: 1, Contraction: 1, Cooldown: 0}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.p, Hooks{})
			if (err == nil) != tt.ok {
				t.Fatalf("New() error = %v, want ok=%v", err, tt.ok)
			}
		})
	}
}

func TestPhaseSampleCounts(t *testing.T) {
	rates := []float64{10, 50, 100}
	for _, f := range rates {
		c, rec := newStarted(t, scenario)
		period := time.Duration(float64(time.Second) / f)

		counts := map[int]map[mvc.State]int{}
		for k := 0; !c.State().Terminal(); k++ {
			ts := time.Duration(k) * period
			if err := c.Handle(mvc.Sample{Timestamp: ts, Value: 1}); err != nil {
				t.Fatalf("Handle(%v): %v", ts, err)
			}
			if c.State().Terminal() {
				break
			}
			if counts[c.TrialIndex()] == nil {
				counts[c.TrialIndex()] = map[mvc.State]int{}
			}
			counts[c.TrialIndex()][c.State()]++
		}

		for i := 1; i <= scenario.Trials; i++ {
			for _, ph := range mvc.Phases {
				want := int(scenario.Duration(ph).Seconds() * f)
				got := counts[i][mvc.StateOf(ph)]
				if got < want-1 || got > want+1 {
					t.Errorf("rate %v trial %d %s: %d samples, want %d", f, i, ph, got, want)
				}
			}
		}
		if len(rec.finalized) != 3 {
			t.Fatalf("rate %v: %d finalized trials, want 3", f, len(rec.finalized))
		}
		for _, tr := range rec.finalized {
			if got, want := len(tr.Samples), int(scenario.Contraction.Seconds()*f); got != want {
				t.Errorf("rate %v trial %d: %d contraction samples, want %d", f, tr.Index, got, want)
			}
		}
	}
}

func TestNoEarlyTransition(t *testing.T) {
	c, rec := newStarted(t, scenario)
	for k := 0; k < 400 && !c.State().Terminal(); k++ {
		_ = c.Handle(mvc.Sample{Timestamp: time.Duration(k) * 37 * time.Millisecond})
	}

	starts := map[mvc.State]time.Duration{}
	for _, pc := range rec.changes {
		if prev, ok := pc.From.Phase(); ok {
			if elapsed := pc.At - starts[pc.From]; elapsed < scenario.Duration(prev) {
				t.Fatalf("%s of trial %d ended after %v, before its %v duration", prev, pc.TrialIndex, elapsed, scenario.Duration(prev))
			}
		}
		starts[pc.To] = pc.At
	}
}

func TestPhaseSpansAreContiguous(t *testing.T) {
	c, rec := newStarted(t, scenario)
	for k := 0; !c.State().Terminal(); k++ {
		_ = c.Handle(mvc.Sample{Timestamp: time.Duration(k) * 100 * time.Millisecond})
	}

	var prevEnd time.Duration
	for _, tr := range rec.finalized {
		if len(tr.Phases) != 3 {
			t.Fatalf("trial %d has %d phases", tr.Index, len(tr.Phases))
		}
		for i, sp := range tr.Phases {
			if sp.Phase != mvc.Phases[i] {
				t.Fatalf("trial %d phase %d is %s", tr.Index, i, sp.Phase)
			}
			if sp.Start != prevEnd || sp.Open {
				t.Fatalf("trial %d %s span %+v does not follow %v", tr.Index, sp.Phase, sp, prevEnd)
			}
			if sp.End-sp.Start != scenario.Duration(sp.Phase) {
				t.Fatalf("trial %d %s span %+v has wrong length", tr.Index, sp.Phase, sp)
			}
			prevEnd = sp.End
		}
	}
	if c.State() != mvc.StateComplete {
		t.Fatalf("state = %s, want %s", c.State(), mvc.StateComplete)
	}
}

func TestPeakTracksContractionOnly(t *testing.T) {
	c, rec := newStarted(t, Protocol{Trials: 1, Rest: time.Second, Contraction: time.Second, Cooldown: time.Second})
	samples := []mvc.Sample{
		{Timestamp: 0, Value: 500}, // rest, ignored
		{Timestamp: 1000 * time.Millisecond, Value: 10},
		{Timestamp: 1500 * time.Millisecond, Value: 42},
		{Timestamp: 1900 * time.Millisecond, Value: 30},
		{Timestamp: 2000 * time.Millisecond, Value: 900}, // cooldown, ignored
		{Timestamp: 3000 * time.Millisecond, Value: 0},
	}
	for _, s := range samples {
		if err := c.Handle(s); err != nil {
			t.Fatalf("Handle: %v", err)
		}
	}
	if len(rec.finalized) != 1 {
		t.Fatalf("got %d finalized trials, want 1", len(rec.finalized))
	}
	tr := rec.finalized[0]
	if !tr.HasPeak || tr.Peak != 42 || len(tr.Samples) != 3 {
		t.Fatalf("trial = %+v, want peak 42 over 3 samples", tr)
	}
}

func TestMeanOverContraction(t *testing.T) {
	c, rec := newStarted(t, Protocol{Trials: 1, Rest: time.Second, Contraction: time.Second, Cooldown: time.Second})
	samples := []mvc.Sample{
		{Timestamp: 500 * time.Millisecond, Value: 100}, // rest
		{Timestamp: 1000 * time.Millisecond, Value: 10},
		{Timestamp: 1400 * time.Millisecond, Value: 20},
		{Timestamp: 1800 * time.Millisecond, Value: 30},
		{Timestamp: 2500 * time.Millisecond, Value: 100}, // cooldown
		{Timestamp: 3000 * time.Millisecond, Value: 0},
	}
	for _, s := range samples {
		if err := c.Handle(s); err != nil {
			t.Fatalf("Handle: %v", err)
		}
	}
	if len(rec.finalized) != 1 {
		t.Fatalf("got %d finalized trials, want 1", len(rec.finalized))
	}
	if tr := rec.finalized[0]; tr.Mean != 20 || tr.Peak != 30 {
		t.Fatalf("mean = %v peak = %v, want 20 and 30", tr.Mean, tr.Peak)
	}
}

func TestSparseSamplesCrossSeveralBoundaries(t *testing.T) {
	c, rec := newStarted(t, scenario)
	if err := c.Handle(mvc.Sample{Timestamp: 13 * time.Second}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if c.State() != mvc.StateRest || c.TrialIndex() != 2 {
		t.Fatalf("state = %s trial %d, want Rest of trial 2", c.State(), c.TrialIndex())
	}
	if len(rec.finalized) != 1 || rec.finalized[0].HasPeak || rec.finalized[0].Mean != 0 {
		t.Fatalf("trial 1 should be finalized without a peak: %+v", rec.finalized)
	}
	wantTo := []mvc.State{mvc.StateRest, mvc.StateContraction, mvc.StateCooldown, mvc.StateRest}
	if len(rec.changes) != len(wantTo) {
		t.Fatalf("got %d phase changes, want %d", len(rec.changes), len(wantTo))
	}
	for i, pc := range rec.changes {
		if pc.To != wantTo[i] {
			t.Fatalf("change %d to %s, want %s", i, pc.To, wantTo[i])
		}
	}
	if got := c.PhaseRemaining(13 * time.Second); got != 4*time.Second {
		t.Fatalf("PhaseRemaining = %v, want 4s", got)
	}
}

func TestAbortMidContraction(t *testing.T) {
	c, rec := newStarted(t, scenario)
	for k := 0; k <= 190; k++ {
		if err := c.Handle(mvc.Sample{Timestamp: time.Duration(k) * 100 * time.Millisecond, Value: float64(k)}); err != nil {
			t.Fatalf("Handle: %v", err)
		}
	}
	if c.State() != mvc.StateContraction || c.TrialIndex() != 2 {
		t.Fatalf("state = %s trial %d, want Contraction of trial 2", c.State(), c.TrialIndex())
	}

	if err := c.Abort("sensor disconnected"); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if c.State() != mvc.StateAborted {
		t.Fatalf("state = %s, want Aborted", c.State())
	}
	if len(rec.aborted) != 1 {
		t.Fatalf("got %d aborted trials, want 1", len(rec.aborted))
	}
	tr := rec.aborted[0]
	if tr.Index != 2 || tr.Status != mvc.TrialAborted || tr.AbortReason != "sensor disconnected" {
		t.Fatalf("aborted trial = %+v", tr)
	}
	sp, ok := tr.Span(mvc.PhaseContraction)
	if !ok || sp.Open || sp.Start != 17*time.Second || sp.End != 19*time.Second {
		t.Fatalf("contraction span = %+v", sp)
	}
	if len(tr.Samples) != 21 || tr.Peak != 190 {
		t.Fatalf("partial buffer has %d samples, peak %v", len(tr.Samples), tr.Peak)
	}
	if _, ok := tr.Span(mvc.PhaseCooldown); ok {
		t.Fatalf("aborted trial should not reach cooldown")
	}

	if err := c.Abort("again"); !errors.Is(err, ErrTerminal) {
		t.Fatalf("second Abort: %v, want ErrTerminal", err)
	}
	if err := c.Handle(mvc.Sample{Timestamp: 20 * time.Second}); !errors.Is(err, ErrTerminal) {
		t.Fatalf("Handle after abort: %v, want ErrTerminal", err)
	}
	if last := rec.changes[len(rec.changes)-1]; last.To != mvc.StateAborted || last.From != mvc.StateContraction {
		t.Fatalf("last change = %+v", last)
	}
}

func TestAbortBeforeStart(t *testing.T) {
	rec := &recorder{}
	c, _ := New(scenario, rec.hooks())
	if err := c.Abort("operator"); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if c.State() != mvc.StateAborted || len(rec.aborted) != 0 {
		t.Fatalf("state = %s, aborted = %d", c.State(), len(rec.aborted))
	}
}

func TestHandleErrors(t *testing.T) {
	c, _ := New(scenario, Hooks{})
	if err := c.Handle(mvc.Sample{}); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("Handle before Start: %v", err)
	}
	_ = c.Start(0)
	if err := c.Start(0); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("second Start: %v", err)
	}
	_ = c.Handle(mvc.Sample{Timestamp: time.Second})
	if err := c.Handle(mvc.Sample{Timestamp: 500 * time.Millisecond}); !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("out of order sample: %v", err)
	}
	// equal timestamps are accepted
	if err := c.Handle(mvc.Sample{Timestamp: time.Second}); err != nil {
		t.Fatalf("equal timestamp: %v", err)
	}
}

func TestCurrentIsACopy(t *testing.T) {
	c, _ := newStarted(t, Protocol{Trials: 1, Rest: time.Second, Contraction: time.Second, Cooldown: time.Second})
	_ = c.Handle(mvc.Sample{Timestamp: 1100 * time.Millisecond, Value: 3})

	cur, ok := c.Current()
	if !ok {
		t.Fatalf("expected a running trial")
	}
	cur.Samples[0].Value = 99
	cur.Phases[0].Start = time.Hour

	again, _ := c.Current()
	if again.Samples[0].Value != 3 || again.Phases[0].Start != 0 {
		t.Fatalf("Current leaked internal state: %+v", again)
	}
}
