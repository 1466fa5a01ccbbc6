// Package normalize turns contraction peaks into percent-of-MVC values.
package normalize

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/limb-lab/mvc/pkg/mvc"
)

var (
	// ErrReferenceNotEstablished is returned when normalizing without a
	// usable MVC reference.
	ErrReferenceNotEstablished = errors.New("MVC reference not established")
	// ErrInvalidCalibrationSet is returned for an empty calibration set or
	// one that contains an unfinalized trial.
	ErrInvalidCalibrationSet = errors.New("invalid calibration trial set")
	// ErrTrialNotFinalized is returned when normalizing a trial that did not
	// complete its cooldown.
	ErrTrialNotFinalized = errors.New("trial not finalized")
	// ErrNoContractionSamples is returned for a trial whose Contraction
	// captured no sample, so it has no peak to normalize.
	ErrNoContractionSamples = errors.New("no samples captured during contraction")
)

// DefaultTargetPercents are the guidance levels for submaximal sessions.
var DefaultTargetPercents = []float64{20, 40, 60, 80}

// EstablishReference returns the maximum peak among the calibration trials.
// A calibration trial without contraction samples does not contribute; if
// none of them has a peak the reference cannot be established.
func EstablishReference(trials []*mvc.Trial) (mvc.Reference, error) {
	if len(trials) == 0 {
		return mvc.Reference{}, fmt.Errorf("%w: no calibration trials", ErrInvalidCalibrationSet)
	}

	var ref mvc.Reference
	for _, t := range trials {
		if !t.Finalized() {
			idx := 0
			if t != nil {
				idx = t.Index
			}
			return mvc.Reference{}, fmt.Errorf("%w: trial %d is not finalized", ErrInvalidCalibrationSet, idx)
		}
		if sp, ok := t.Span(mvc.PhaseCooldown); ok && sp.End > ref.EstablishedAt {
			ref.EstablishedAt = sp.End
		}
		if !t.HasPeak {
			continue
		}
		if len(ref.Trials) == 0 || t.Peak > ref.Value {
			ref.Value = t.Peak
		}
		ref.Trials = append(ref.Trials, t.Index)
	}
	if len(ref.Trials) == 0 {
		return mvc.Reference{}, fmt.Errorf("%w: %w", ErrReferenceNotEstablished, ErrNoContractionSamples)
	}
	sort.Ints(ref.Trials)
	return ref, nil
}

// Normalize computes 100 * peak / reference. Values above 100 are kept.
func Normalize(t *mvc.Trial, ref mvc.Reference) (mvc.Result, error) {
	if !ref.Valid() {
		return mvc.Result{}, ErrReferenceNotEstablished
	}
	if !t.Finalized() {
		return mvc.Result{}, ErrTrialNotFinalized
	}
	if !t.HasPeak {
		return mvc.Result{}, fmt.Errorf("trial %d: %w", t.Index, ErrNoContractionSamples)
	}

	pct := 100 * t.Peak / ref.Value
	if math.IsNaN(pct) || math.IsInf(pct, 0) {
		return mvc.Result{}, fmt.Errorf("trial %d: peak %v is not a finite value", t.Index, t.Peak)
	}
	return mvc.Result{TrialIndex: t.Index, Peak: t.Peak, PercentMVC: pct}, nil
}

// Targets returns the force at each percent-of-MVC level.
func Targets(ref mvc.Reference, percents []float64) ([]Target, error) {
	if !ref.Valid() {
		return nil, ErrReferenceNotEstablished
	}
	if len(percents) == 0 {
		percents = DefaultTargetPercents
	}
	out := make([]Target, 0, len(percents))
	for _, p := range percents {
		out = append(out, Target{Percent: p, Force: ref.Value * p / 100})
	}
	return out, nil
}

// Target is a force level for guiding a submaximal contraction.
type Target struct {
	Percent float64 `json:"percent"`
	Force   float64 `json:"force"`
}
