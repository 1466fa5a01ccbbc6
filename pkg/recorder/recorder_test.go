package recorder

import (
	"bytes"
	"encoding/json"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/limb-lab/mvc/pkg/mvc"
	"github.com/limb-lab/mvc/pkg/utils/ptr"
)

func sec(s float64) time.Duration { return mvc.Seconds(s) }

func fixture() *Recorder {
	r := New()
	r.AddEvent(Event{Kind: EventSessionStart})
	r.AddEvent(Event{Kind: EventRestStart, TrialIndex: 1})
	r.AddSample(RawSample{Timestamp: sec(5), Value: 50, TrialIndex: 1, Phase: mvc.PhaseContraction})
	r.AddSample(RawSample{Timestamp: sec(36), Value: 0.5})

	r.AddTrial(&mvc.Trial{
		Index: 1,
		Phases: []mvc.PhaseSpan{
			{Phase: mvc.PhaseRest, Start: 0, End: sec(5)},
			{Phase: mvc.PhaseContraction, Start: sec(5), End: sec(10)},
			{Phase: mvc.PhaseCooldown, Start: sec(10), End: sec(12)},
		},
		Samples: []mvc.Sample{{Timestamp: sec(5), Value: 12.5}, {Timestamp: sec(5.1), Value: 50}},
		Peak:    50, HasPeak: true,
		Mean:   31.25,
		Status: mvc.TrialFinalized,
	})
	r.AddResult(mvc.Result{TrialIndex: 1, Peak: 50, PercentMVC: 100})
	r.AddTrial(&mvc.Trial{
		Index: 2,
		Phases: []mvc.PhaseSpan{
			{Phase: mvc.PhaseRest, Start: sec(12), End: sec(17)},
			{Phase: mvc.PhaseContraction, Start: sec(17), End: sec(19)},
		},
		Samples: []mvc.Sample{{Timestamp: sec(17), Value: 45}},
		Peak:    45, HasPeak: true,
		Mean:        45,
		Status:      mvc.TrialAborted,
		AbortReason: "sensor disconnected",
	})
	r.AddEvent(Event{Kind: EventTrialAborted, TrialIndex: 2, Timestamp: sec(19)})
	return r
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, fixture().Rows()))

	want := "trialIndex,peakValue,percentMVC,restStart,contractionStart,cooldownStart,cooldownEnd\n" +
		"1,50,100,0,5,10,12\n" +
		"2,45,,12,17,,\n"
	assert.Equal(t, want, buf.String())
}

func TestWriteCSVEmpty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, nil))
	assert.Equal(t, strings.Join(RowHeader, ",")+"\n", buf.String())

	buf.Reset()
	require.NoError(t, WriteJSON(&buf, nil))
	assert.Equal(t, "[]\n", buf.String())
}

func TestWriteJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteJSON(&buf, fixture().Records()))

	var got []map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	require.Len(t, got, 2)

	assert.Equal(t, 1.0, got[0]["trialIndex"])
	assert.Equal(t, "Finalized", got[0]["status"])
	assert.Equal(t, 100.0, got[0]["percentMVC"])
	assert.Equal(t, 31.25, got[0]["meanValue"])
	assert.Equal(t, 12.0, got[0]["cooldownEnd"])
	samples := got[0]["samples"].([]any)
	require.Len(t, samples, 2)
	assert.Equal(t, map[string]any{"timestamp": 5.1, "value": 50.0}, samples[1])

	assert.Equal(t, "Aborted", got[1]["status"])
	assert.Equal(t, "sensor disconnected", got[1]["abortReason"])
	assert.Nil(t, got[1]["percentMVC"])
	assert.Contains(t, got[1], "cooldownStart")
	assert.Nil(t, got[1]["cooldownStart"])
}

func TestExportIsIdempotent(t *testing.T) {
	r := fixture()
	render := func() string {
		var buf bytes.Buffer
		snap := r.Snapshot()
		require.NoError(t, WriteCSV(&buf, snap.Rows()))
		require.NoError(t, WriteJSON(&buf, snap.Records))
		require.NoError(t, WriteEventsCSV(&buf, snap.Events))
		require.NoError(t, WriteSamplesCSV(&buf, snap.Samples))
		return buf.String()
	}
	first := render()
	assert.Equal(t, first, render())
	// exporting must not mutate the recorder
	assert.Len(t, r.Events(), 3)
	assert.Len(t, r.Samples(), 2)
}

func TestRowsAndRecordsAgree(t *testing.T) {
	r := fixture()
	rows := r.Rows()
	recs := r.Records()
	require.Len(t, rows, len(recs))
	for i := range rows {
		assert.Equal(t, recs[i].TrialIndex, rows[i].TrialIndex)
		assert.Equal(t, recs[i].Peak, rows[i].Peak)
		assert.Equal(t, recs[i].PercentMVC, rows[i].PercentMVC)
		assert.Equal(t, recs[i].RestStart, rows[i].RestStart)
		assert.Equal(t, recs[i].CooldownEnd, rows[i].CooldownEnd)
	}
}

func TestMeanOfTrials(t *testing.T) {
	recs := fixture().Records()
	// the aborted trial does not count
	m, ok := MeanOfTrials(recs)
	require.True(t, ok)
	assert.Equal(t, 31.25, m)

	recs = append(recs, Record{TrialIndex: 3, Status: mvc.TrialFinalized, Mean: ptr.To(18.75)})
	m, ok = MeanOfTrials(recs)
	require.True(t, ok)
	assert.Equal(t, 25.0, m)

	// trials without contraction samples carry no mean
	_, ok = MeanOfTrials([]Record{{TrialIndex: 1, Status: mvc.TrialFinalized}})
	assert.False(t, ok)
}

func TestRecordsMatchSnapshot(t *testing.T) {
	r := fixture()
	assert.Equal(t, r.Snapshot().Records, r.Records())
}

func TestSnapshotIsolation(t *testing.T) {
	r := fixture()
	snap := r.Snapshot()
	snap.Records[0].Samples[0].Value = -1
	snap.Events[0].Kind = "changed"

	again := r.Snapshot()
	assert.Equal(t, 12.5, again.Records[0].Samples[0].Value)
	assert.Equal(t, EventSessionStart, again.Events[0].Kind)

	r.AddTrial(&mvc.Trial{Index: 3, Status: mvc.TrialFinalized})
	assert.Len(t, snap.Records, 2)
}

func TestResultsFollowTrialOrder(t *testing.T) {
	r := New()
	for _, i := range []int{1, 2, 3} {
		r.AddTrial(&mvc.Trial{Index: i, Status: mvc.TrialFinalized, Peak: float64(i), HasPeak: true})
	}
	// results arrive out of order when calibration held some back
	r.AddResult(mvc.Result{TrialIndex: 3, PercentMVC: 3})
	r.AddResult(mvc.Result{TrialIndex: 1, PercentMVC: 1})
	r.AddResult(mvc.Result{TrialIndex: 2, PercentMVC: 2})

	res := r.Results()
	require.Len(t, res, 3)
	for i, v := range res {
		assert.Equal(t, i+1, v.TrialIndex)
	}
}

func TestConcurrentWritersAndReaders(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			r.AddSample(RawSample{Timestamp: time.Duration(i), Value: float64(i)})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			var buf bytes.Buffer
			_ = WriteSamplesCSV(&buf, r.Samples())
		}
	}()
	wg.Wait()
	assert.Equal(t, 500, r.SampleCount())
}

func TestWriteEventsAndSamplesCSV(t *testing.T) {
	r := fixture()

	var buf bytes.Buffer
	require.NoError(t, WriteEventsCSV(&buf, r.Events()))
	assert.Equal(t, "event,trialIndex,timestamp\nSessionStart,0,0\nRestStart,1,0\nTrialAborted,2,19\n", buf.String())

	buf.Reset()
	require.NoError(t, WriteSamplesCSV(&buf, r.Samples()))
	assert.Equal(t, "timestamp,value,trialIndex,phase\n5,50,1,Contraction\n36,0.5,,\n", buf.String())
}

func TestExportDir(t *testing.T) {
	dir := t.TempDir()
	base := FileBase("P 01", "index pinch", time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC))
	assert.Equal(t, "P-01_index-pinch_20250501T090000", base)

	files, err := ExportDir(dir+"/out", base, fixture().Snapshot())
	require.NoError(t, err)
	for _, p := range []string{files.ResultsCSV, files.ResultsJSON, files.EventsCSV, files.SamplesCSV} {
		assert.FileExists(t, p)
	}
	b, err := os.ReadFile(files.ResultsCSV)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(b), "trialIndex,peakValue,percentMVC"))

	assert.Equal(t, "session_20250501T090000", FileBase("", "  ", time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)))
}

func TestPhaseStartEvent(t *testing.T) {
	assert.Equal(t, EventRestStart, PhaseStartEvent(mvc.PhaseRest))
	assert.Equal(t, EventContractionStart, PhaseStartEvent(mvc.PhaseContraction))
	assert.Equal(t, EventCooldownStart, PhaseStartEvent(mvc.PhaseCooldown))
}
