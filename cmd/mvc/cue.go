package main

import (
	"fmt"
	"io"
	"math"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"

	"github.com/limb-lab/mvc/pkg/events"
	"github.com/limb-lab/mvc/pkg/mvc"
)

var (
	cueRest     = color.New(color.FgCyan)
	cueGo       = color.New(color.Bold, color.FgGreen)
	cueCooldown = color.New(color.FgYellow)
	cueBad      = color.New(color.Bold, color.FgRed)
)

// cueView prints the operator cues of a session: the phase of each trial, a
// per-second countdown and the outcome of every trial.
type cueView struct {
	w      io.Writer
	trials int

	phase     string
	phaseEnd  float64
	countdown int
}

func newCueView(w io.Writer, trials int) *cueView {
	return &cueView{w: w, trials: trials}
}

// Run handles events from ch until it is closed.
func (v *cueView) Run(ch <-chan events.Event) {
	for ev := range ch {
		v.Handle(ev)
	}
	v.endLine()
}

func (v *cueView) Handle(ev events.Event) {
	switch ev.Name {
	case events.PhaseChanged:
		pe, err := events.DecodeAs[events.PhaseEvent](ev)
		if err != nil {
			logrus.WithError(err).Debug("bad phase event")
			return
		}
		v.onPhase(pe)
	case events.SampleAcquired:
		se, err := events.DecodeAs[events.SampleEvent](ev)
		if err != nil {
			return
		}
		v.onSample(se)
	case events.TrialClosed:
		te, err := events.DecodeAs[events.TrialEvent](ev)
		if err != nil {
			return
		}
		v.onTrial(te)
	case events.ReferenceSet:
		re, err := events.DecodeAs[events.ReferenceEvent](ev)
		if err != nil {
			return
		}
		v.endLine()
		fmt.Fprintf(v.w, "MVC reference established: %s (trials %v)\n", bold("%s", formatValue(re.Value)), re.Trials)
	}
}

func (v *cueView) onPhase(pe events.PhaseEvent) {
	v.endLine()
	v.phase = pe.To
	v.phaseEnd = pe.Timestamp + pe.Duration
	v.countdown = -1

	switch mvc.State(pe.To) {
	case mvc.StateRest:
		cueRest.Fprintf(v.w, "Trial %d/%d: rest and relax (%gs)\n", pe.TrialIndex, v.trials, pe.Duration)
	case mvc.StateContraction:
		cueGo.Fprintf(v.w, "GO! Push as hard as you can (%gs)\n", pe.Duration)
	case mvc.StateCooldown:
		cueCooldown.Fprintf(v.w, "Relax (%gs)\n", pe.Duration)
	case mvc.StateComplete:
		cueGo.Fprintln(v.w, "Session complete.")
	case mvc.StateAborted:
		cueBad.Fprintln(v.w, "Session aborted.")
	}
}

// onSample prints the remaining whole seconds of the phase on one line.
func (v *cueView) onSample(se events.SampleEvent) {
	if v.phase == "" || mvc.State(v.phase).Terminal() {
		return
	}
	left := int(math.Ceil(v.phaseEnd - se.Timestamp - 1e-9))
	if left < 1 || left == v.countdown {
		return
	}
	v.countdown = left
	fmt.Fprintf(v.w, "\r  %ds ", left)
}

func (v *cueView) onTrial(te events.TrialEvent) {
	v.endLine()
	switch mvc.TrialStatus(te.Status) {
	case mvc.TrialFinalized:
		peak := "-"
		if te.Peak != nil {
			peak = formatValue(*te.Peak)
		}
		mean := ""
		if te.Mean != nil {
			mean = ", mean " + formatValue(*te.Mean)
		}
		pct := "pending reference"
		switch {
		case te.PercentMVC != nil:
			pct = fmt.Sprintf("%.1f%% MVC", *te.PercentMVC)
		case te.Peak == nil:
			pct = "no contraction samples"
		}
		fmt.Fprintf(v.w, "Trial %d done: peak %s%s, %s\n", te.TrialIndex, bold("%s", peak), mean, pct)
	case mvc.TrialAborted:
		cueBad.Fprintf(v.w, "Trial %d aborted: %s\n", te.TrialIndex, te.Reason)
	}
}

func (v *cueView) endLine() {
	if v.countdown > 0 {
		fmt.Fprintln(v.w)
	}
	v.countdown = 0
}
