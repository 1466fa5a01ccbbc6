package sensor

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Replay feeds back the value column of a raw samples CSV, one row per
// read. Running out of rows is reported as a disconnect.
type Replay struct {
	path string
	open func() (io.ReadCloser, error)

	mu     sync.Mutex
	values []float64
	next   int
	conn   bool
}

// NewReplay creates a replay source over the samples file at path.
func NewReplay(path string) *Replay {
	return &Replay{
		path: path,
		open: func() (io.ReadCloser, error) { return os.Open(path) },
	}
}

// NewReplayFromReader creates a replay source over an in-memory CSV.
func NewReplayFromReader(r io.Reader) *Replay {
	return &Replay{
		path: "<reader>",
		open: func() (io.ReadCloser, error) { return io.NopCloser(r), nil },
	}
}

func (r *Replay) Connect() error {
	rc, err := r.open()
	if err != nil {
		return fmt.Errorf("open replay file %s: %w", r.path, err)
	}
	defer rc.Close()

	values, err := readValueColumn(rc)
	if err != nil {
		return fmt.Errorf("read replay file %s: %w", r.path, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.values = values
	r.next = 0
	r.conn = true
	return nil
}

// readValueColumn returns the "value" column, or the only column of a
// headerless single-column file.
func readValueColumn(rd io.Reader) ([]float64, error) {
	cr := csv.NewReader(rd)
	cr.FieldsPerRecord = -1
	records, err := cr.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}

	col := 0
	start := 0
	for i, name := range records[0] {
		if strings.EqualFold(strings.TrimSpace(name), "value") {
			col = i
			start = 1
			break
		}
	}
	if start == 0 {
		if _, err := strconv.ParseFloat(strings.TrimSpace(records[0][0]), 64); err != nil {
			return nil, fmt.Errorf("no value column in header %v", records[0])
		}
	}

	values := make([]float64, 0, len(records)-start)
	for i, rec := range records[start:] {
		if col >= len(rec) {
			return nil, fmt.Errorf("row %d: missing value column", i+start+1)
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(rec[col]), 64)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i+start+1, err)
		}
		values = append(values, v)
	}
	return values, nil
}

func (r *Replay) Read(_ time.Duration) (Reading, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.conn || r.next >= len(r.values) {
		r.conn = false
		return Reading{}, ErrDisconnected
	}
	v := r.values[r.next]
	r.next++
	return Reading{Value: v}, nil
}

func (r *Replay) Disconnect() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conn = false
	return nil
}
