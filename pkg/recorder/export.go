package recorder

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Column headers of the CSV exports.
var (
	RowHeader    = []string{"trialIndex", "peakValue", "percentMVC", "restStart", "contractionStart", "cooldownStart", "cooldownEnd"}
	EventHeader  = []string{"event", "trialIndex", "timestamp"}
	SampleHeader = []string{"timestamp", "value", "trialIndex", "phase"}
)

// WriteCSV writes the row view with a header line.
func WriteCSV(w io.Writer, rows []Row) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(RowHeader); err != nil {
		return err
	}
	for _, r := range rows {
		rec := []string{
			strconv.Itoa(r.TrialIndex),
			optFloat(r.Peak),
			optFloat(r.PercentMVC),
			optFloat(r.RestStart),
			optFloat(r.ContractionStart),
			optFloat(r.CooldownStart),
			optFloat(r.CooldownEnd),
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteJSON writes the structured view as an indented JSON array.
func WriteJSON(w io.Writer, recs []Record) error {
	if recs == nil {
		recs = []Record{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(recs)
}

// WriteEventsCSV writes the phase event log.
func WriteEventsCSV(w io.Writer, evs []Event) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(EventHeader); err != nil {
		return err
	}
	for _, e := range evs {
		if err := cw.Write([]string{string(e.Kind), strconv.Itoa(e.TrialIndex), formatSeconds(e.Timestamp)}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteSamplesCSV writes the raw sample log. The output can be fed back
// through the replay sensor.
func WriteSamplesCSV(w io.Writer, smps []RawSample) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(SampleHeader); err != nil {
		return err
	}
	for _, s := range smps {
		idx := ""
		if s.TrialIndex > 0 {
			idx = strconv.Itoa(s.TrialIndex)
		}
		rec := []string{formatSeconds(s.Timestamp), formatFloat(s.Value), idx, string(s.Phase)}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// Files lists the paths written by ExportDir.
type Files struct {
	ResultsCSV  string `json:"resultsCsv"`
	ResultsJSON string `json:"resultsJson"`
	EventsCSV   string `json:"eventsCsv"`
	SamplesCSV  string `json:"samplesCsv"`
}

// ExportDir writes every view of snap into dir, naming files after base.
// Existing files are replaced.
func ExportDir(dir, base string, snap Snapshot) (Files, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Files{}, fmt.Errorf("create output directory %s: %w", dir, err)
	}
	files := Files{
		ResultsCSV:  filepath.Join(dir, base+"_results.csv"),
		ResultsJSON: filepath.Join(dir, base+"_results.json"),
		EventsCSV:   filepath.Join(dir, base+"_events.csv"),
		SamplesCSV:  filepath.Join(dir, base+"_samples.csv"),
	}

	rows := snap.Rows()
	writers := []struct {
		path  string
		write func(io.Writer) error
	}{
		{files.ResultsCSV, func(w io.Writer) error { return WriteCSV(w, rows) }},
		{files.ResultsJSON, func(w io.Writer) error { return WriteJSON(w, snap.Records) }},
		{files.EventsCSV, func(w io.Writer) error { return WriteEventsCSV(w, snap.Events) }},
		{files.SamplesCSV, func(w io.Writer) error { return WriteSamplesCSV(w, snap.Samples) }},
	}
	for _, wr := range writers {
		if err := writeFile(wr.path, wr.write); err != nil {
			return files, err
		}
	}
	return files, nil
}

func writeFile(path string, write func(io.Writer) error) error {
	fp, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := write(fp); err != nil {
		_ = fp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := fp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}

// FileBase returns the export file prefix for a session, for example
// "P01_grip_20250501T090000".
func FileBase(subject, motion string, startedAt time.Time) string {
	parts := make([]string, 0, 3)
	for _, p := range []string{subject, motion} {
		if p = sanitize(p); p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 {
		parts = append(parts, "session")
	}
	parts = append(parts, startedAt.UTC().Format("20060102T150405"))
	return strings.Join(parts, "_")
}

func sanitize(s string) string {
	s = strings.TrimSpace(s)
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			return r
		case r == ' ' || r == '_' || r == '.':
			return '-'
		}
		return -1
	}, s)
}

func optFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return formatFloat(*v)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatSeconds(d time.Duration) string {
	return formatFloat(d.Seconds())
}
