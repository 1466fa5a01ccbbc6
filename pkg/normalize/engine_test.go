package normalize

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/limb-lab/mvc/pkg/mvc"
	"github.com/limb-lab/mvc/pkg/recorder"
	"github.com/limb-lab/mvc/pkg/trial"
)

func TestNewEngineValidation(t *testing.T) {
	_, err := NewEngine(nil)
	assert.ErrorIs(t, err, ErrInvalidCalibrationSet)
	_, err = NewEngine([]int{1, 1})
	assert.ErrorIs(t, err, ErrInvalidCalibrationSet)

	e, err := NewEngine([]int{3, 1})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3}, e.Calibration())
	assert.True(t, e.IsCalibration(3))
	assert.False(t, e.IsCalibration(2))
}

func TestEngineScenario(t *testing.T) {
	e, err := NewEngine([]int{1})
	require.NoError(t, err)

	res, established, err := e.Offer(finalized(1, 50))
	require.NoError(t, err)
	assert.True(t, established)
	assert.Equal(t, []mvc.Result{{TrialIndex: 1, Peak: 50, PercentMVC: 100}}, res)

	res, established, err = e.Offer(finalized(2, 40))
	require.NoError(t, err)
	assert.False(t, established)
	assert.Equal(t, []mvc.Result{{TrialIndex: 2, Peak: 40, PercentMVC: 80}}, res)

	res, _, err = e.Offer(finalized(3, 60))
	require.NoError(t, err)
	assert.Equal(t, []mvc.Result{{TrialIndex: 3, Peak: 60, PercentMVC: 120}}, res)

	ref, ok := e.Reference()
	require.True(t, ok)
	assert.Equal(t, 50.0, ref.Value)
}

func TestEngineQueuesUntilCalibrationComplete(t *testing.T) {
	e, err := NewEngine([]int{1, 3})
	require.NoError(t, err)

	for _, tr := range []*mvc.Trial{finalized(1, 40), finalized(2, 30)} {
		res, established, err := e.Offer(tr)
		require.NoError(t, err)
		assert.False(t, established)
		assert.Empty(t, res)
	}
	_, ok := e.Reference()
	assert.False(t, ok)

	res, established, err := e.Offer(finalized(3, 60))
	require.NoError(t, err)
	assert.True(t, established)
	require.Len(t, res, 3)
	for i, r := range res {
		assert.Equal(t, i+1, r.TrialIndex)
	}
	assert.InDelta(t, 66.666666, res[0].PercentMVC, 1e-5)
	assert.InDelta(t, 50, res[1].PercentMVC, 1e-9)
	assert.InDelta(t, 100, res[2].PercentMVC, 1e-9)
}

func TestEngineRejectsUnfinalized(t *testing.T) {
	e, _ := NewEngine([]int{1})
	tr := finalized(1, 50)
	tr.Status = mvc.TrialAborted
	_, _, err := e.Offer(tr)
	assert.ErrorIs(t, err, ErrTrialNotFinalized)
	_, ok := e.Reference()
	assert.False(t, ok)
}

func TestEngineZeroCalibrationPeak(t *testing.T) {
	e, _ := NewEngine([]int{1})
	_, _, err := e.Offer(finalized(1, 0))
	assert.ErrorIs(t, err, ErrReferenceNotEstablished)
}

func TestEngineSkipsTrialWithoutContractionSamples(t *testing.T) {
	// at 10 Hz a 50 ms contraction catches a sample in trial 1 (at 1.0 s)
	// but none in trial 2 ([2.55 s, 2.6 s))
	p := trial.Protocol{Trials: 2, Rest: time.Second, Contraction: 50 * time.Millisecond, Cooldown: 500 * time.Millisecond}

	e, err := NewEngine([]int{1})
	require.NoError(t, err)
	rec := recorder.New()

	var offerErrs []error
	ctrl, err := trial.New(p, trial.Hooks{
		OnTrialFinalized: func(tr *mvc.Trial) {
			rec.AddTrial(tr)
			res, _, err := e.Offer(tr)
			if err != nil {
				offerErrs = append(offerErrs, err)
			}
			for _, r := range res {
				rec.AddResult(r)
			}
		},
	})
	require.NoError(t, err)
	require.NoError(t, ctrl.Start(0))

	for k := 0; ctrl.State() != mvc.StateComplete; k++ {
		require.Less(t, k, 100, "session never completed")
		v := 5.0
		if k == 10 {
			v = 50
		}
		require.NoError(t, ctrl.Handle(mvc.Sample{Timestamp: time.Duration(k) * 100 * time.Millisecond, Value: v}))
	}
	assert.Empty(t, offerErrs)

	assert.Equal(t, []mvc.Result{{TrialIndex: 1, Peak: 50, PercentMVC: 100}}, rec.Results())

	var buf bytes.Buffer
	require.NoError(t, recorder.WriteCSV(&buf, rec.Rows()))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "1,50,100,0,1,1.05,1.55", lines[1])
	assert.Equal(t, "2,,,1.55,2.55,2.6,3.1", lines[2])

	recs := rec.Records()
	assert.Nil(t, recs[1].Peak)
	assert.Nil(t, recs[1].PercentMVC)
}

func TestEngineCalibrationTrialWithoutPeak(t *testing.T) {
	noPeak := finalized(1, 0)
	noPeak.HasPeak = false

	// another calibration trial carries the reference
	e, err := NewEngine([]int{1, 2})
	require.NoError(t, err)
	res, _, err := e.Offer(noPeak)
	require.NoError(t, err)
	assert.Empty(t, res)
	res, established, err := e.Offer(finalized(2, 40))
	require.NoError(t, err)
	assert.True(t, established)
	assert.Equal(t, []mvc.Result{{TrialIndex: 2, Peak: 40, PercentMVC: 100}}, res)
	ref, _ := e.Reference()
	assert.Equal(t, []int{2}, ref.Trials)

	// the only calibration trial has nothing to offer
	e, err = NewEngine([]int{1})
	require.NoError(t, err)
	_, established, err = e.Offer(noPeak)
	assert.ErrorIs(t, err, ErrReferenceNotEstablished)
	assert.ErrorIs(t, err, ErrNoContractionSamples)
	assert.False(t, established)
}
