package normalize

import (
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/limb-lab/mvc/pkg/mvc"
)

// Engine holds finalized trials back until every calibration trial has been
// seen, then normalizes them in trial order. Once the reference exists each
// offered trial is normalized on arrival.
type Engine struct {
	calibration map[int]bool
	indices     []int

	calTrials map[int]*mvc.Trial
	pending   []*mvc.Trial

	ref    mvc.Reference
	hasRef bool
}

// NewEngine creates an engine for the given calibration trial indices.
// Validation against the trial count is the caller's job.
func NewEngine(calibration []int) (*Engine, error) {
	if len(calibration) == 0 {
		return nil, fmt.Errorf("%w: no calibration trials configured", ErrInvalidCalibrationSet)
	}
	e := &Engine{
		calibration: make(map[int]bool, len(calibration)),
		calTrials:   make(map[int]*mvc.Trial, len(calibration)),
	}
	for _, i := range calibration {
		if e.calibration[i] {
			return nil, fmt.Errorf("%w: trial %d listed twice", ErrInvalidCalibrationSet, i)
		}
		e.calibration[i] = true
		e.indices = append(e.indices, i)
	}
	sort.Ints(e.indices)
	return e, nil
}

// Calibration returns the calibration indices in ascending order.
func (e *Engine) Calibration() []int {
	return append([]int(nil), e.indices...)
}

// IsCalibration reports whether trial index i is a calibration trial.
func (e *Engine) IsCalibration(i int) bool {
	return e.calibration[i]
}

// Reference returns the reference once established.
func (e *Engine) Reference() (mvc.Reference, bool) {
	return e.ref, e.hasRef
}

// Offer hands a finalized trial to the engine. It returns the results that
// became computable, in trial-index order, and whether this offer
// established the reference. A trial without contraction samples never
// yields a result.
func (e *Engine) Offer(t *mvc.Trial) ([]mvc.Result, bool, error) {
	if !t.Finalized() {
		return nil, false, ErrTrialNotFinalized
	}

	if e.hasRef {
		if !t.HasPeak {
			return nil, false, nil
		}
		r, err := Normalize(t, e.ref)
		if err != nil {
			return nil, false, err
		}
		return []mvc.Result{r}, false, nil
	}

	if e.calibration[t.Index] {
		e.calTrials[t.Index] = t
	}
	e.pending = append(e.pending, t)
	if len(e.calTrials) < len(e.calibration) {
		return nil, false, nil
	}

	cal := make([]*mvc.Trial, 0, len(e.indices))
	for _, i := range e.indices {
		cal = append(cal, e.calTrials[i])
	}
	ref, err := EstablishReference(cal)
	if err != nil {
		return nil, false, err
	}
	if !ref.Valid() {
		return nil, false, fmt.Errorf("%w: calibration peak %v is not positive", ErrReferenceNotEstablished, ref.Value)
	}
	e.ref = ref
	e.hasRef = true
	logrus.WithFields(logrus.Fields{
		"reference": ref.Value,
		"trials":    ref.Trials,
	}).Info("MVC reference established")

	sort.SliceStable(e.pending, func(i, j int) bool { return e.pending[i].Index < e.pending[j].Index })
	results := make([]mvc.Result, 0, len(e.pending))
	for _, p := range e.pending {
		// no peak, no result: its percent stays unknown
		if !p.HasPeak {
			continue
		}
		r, err := Normalize(p, e.ref)
		if err != nil {
			return results, true, err
		}
		results = append(results, r)
	}
	e.pending = nil
	return results, true, nil
}
