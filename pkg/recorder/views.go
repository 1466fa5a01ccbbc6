package recorder

import (
	"time"

	"github.com/limb-lab/mvc/pkg/mvc"
	"github.com/limb-lab/mvc/pkg/utils/ptr"
)

// Row is one line of the row-oriented export. Nil fields are unknown.
type Row struct {
	TrialIndex       int
	Peak             *float64
	PercentMVC       *float64
	RestStart        *float64
	ContractionStart *float64
	CooldownStart    *float64
	CooldownEnd      *float64
}

// Record is the structured export of one trial.
type Record struct {
	TrialIndex       int             `json:"trialIndex"`
	Status           mvc.TrialStatus `json:"status"`
	AbortReason      string          `json:"abortReason,omitempty"`
	Peak             *float64        `json:"peakValue"`
	Mean             *float64        `json:"meanValue"`
	PercentMVC       *float64        `json:"percentMVC"`
	RestStart        *float64        `json:"restStart"`
	ContractionStart *float64        `json:"contractionStart"`
	CooldownStart    *float64        `json:"cooldownStart"`
	CooldownEnd      *float64        `json:"cooldownEnd"`
	Samples          []mvc.Sample    `json:"samples"`
}

func newRecord(t *mvc.Trial, res *mvc.Result) Record {
	rec := Record{
		TrialIndex:  t.Index,
		Status:      t.Status,
		AbortReason: t.AbortReason,
		Samples:     append([]mvc.Sample{}, t.Samples...),
	}
	if t.HasPeak {
		rec.Peak = ptr.To(t.Peak)
		rec.Mean = ptr.To(t.Mean)
	}
	if res != nil && t.Status == mvc.TrialFinalized {
		rec.PercentMVC = ptr.To(res.PercentMVC)
	}
	if sp, ok := t.Span(mvc.PhaseRest); ok {
		rec.RestStart = seconds(sp.Start)
	}
	if sp, ok := t.Span(mvc.PhaseContraction); ok {
		rec.ContractionStart = seconds(sp.Start)
	}
	if sp, ok := t.Span(mvc.PhaseCooldown); ok {
		rec.CooldownStart = seconds(sp.Start)
		if !sp.Open {
			rec.CooldownEnd = seconds(sp.End)
		}
	}
	return rec
}

// MeanOfTrials averages the contraction means of the finalized records that
// captured samples.
func MeanOfTrials(recs []Record) (float64, bool) {
	var sum float64
	var n int
	for _, r := range recs {
		if r.Status != mvc.TrialFinalized || r.Mean == nil {
			continue
		}
		sum += *r.Mean
		n++
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

// RowsFromRecords flattens records into rows, keeping their order.
func RowsFromRecords(recs []Record) []Row {
	rows := make([]Row, 0, len(recs))
	for _, r := range recs {
		rows = append(rows, Row{
			TrialIndex:       r.TrialIndex,
			Peak:             r.Peak,
			PercentMVC:       r.PercentMVC,
			RestStart:        r.RestStart,
			ContractionStart: r.ContractionStart,
			CooldownStart:    r.CooldownStart,
			CooldownEnd:      r.CooldownEnd,
		})
	}
	return rows
}

func seconds(d time.Duration) *float64 {
	return ptr.To(d.Seconds())
}
