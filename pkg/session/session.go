// Package session owns one MVC acquisition run: the sensor, the sampler, the
// trial controller, the normalization engine and the recorder, wired
// together explicitly.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/limb-lab/mvc/pkg/config"
	"github.com/limb-lab/mvc/pkg/events"
	"github.com/limb-lab/mvc/pkg/mvc"
	"github.com/limb-lab/mvc/pkg/normalize"
	"github.com/limb-lab/mvc/pkg/recorder"
	"github.com/limb-lab/mvc/pkg/sampler"
	"github.com/limb-lab/mvc/pkg/sensor"
	"github.com/limb-lab/mvc/pkg/trial"
)

var (
	// ErrNotInitialized is returned by Run before Init.
	ErrNotInitialized = errors.New("session not initialized")
	// ErrAlreadyRun is returned when Run is called more than once.
	ErrAlreadyRun = errors.New("session already ran")
	// ErrRunning is returned by Finalize while the run is in progress.
	ErrRunning = errors.New("session is still running")
	// ErrClosed is returned by Run after Close.
	ErrClosed = errors.New("session closed")
)

// ReasonStopped is the abort reason of an operator stop.
const ReasonStopped = "stopped by operator"

// Options configures a session.
type Options struct {
	// ID defaults to a random UUID.
	ID      string
	Subject string
	Motion  string

	Protocol     trial.Protocol
	SampleRateHz float64
	// Calibration lists the 1-based trial indices the reference comes from.
	Calibration []int

	ReadTimeout time.Duration
	ReadRetries int

	// Hub receives the live feed. A new hub is created if nil.
	Hub *events.EventHub
	// Clock drives the sampler. Nil means wall clock.
	Clock sampler.Clock
}

// OptionsFromConfig maps a config onto session options.
func OptionsFromConfig(c config.Config) Options {
	s := c.Sensor()
	return Options{
		Subject: c.Subject(),
		Motion:  c.Motion(),
		Protocol: trial.Protocol{
			Trials:      c.Trials(),
			Rest:        c.RestDuration(),
			Contraction: c.ContractionDuration(),
			Cooldown:    c.CooldownDuration(),
		},
		SampleRateHz: c.SampleRateHz(),
		Calibration:  c.CalibrationTrials(),
		ReadTimeout:  s.ReadTimeout,
		ReadRetries:  s.ReadRetries,
	}
}

// Session is safe for concurrent use: Status, Stop, Snapshot and Export may
// be called from any goroutine while Run is in progress.
type Session struct {
	id      string
	subject string
	motion  string
	opts    Options

	src    sensor.Source
	hub    *events.EventHub
	rec    *recorder.Recorder
	engine *normalize.Engine
	ctrl   *trial.Controller
	smp    *sampler.Sampler
	now    func() time.Time

	// mu guards ctrl, engine and the fields below. The sample path holds it
	// for the duration of one Handle.
	mu            sync.Mutex
	initialized   bool
	running       bool
	finished      bool
	stopRequested bool
	cancel        context.CancelFunc
	startedAt     time.Time
	endedAt       time.Time
	lastTs        time.Duration
	closed        bool
	// means holds the contraction mean of finalized trials with samples.
	means map[int]float64
}

// New validates opts and wires a session around src. The device is not
// touched until Init.
func New(src sensor.Source, opts Options) (*Session, error) {
	if src == nil {
		return nil, pkgerrors.New("session requires a sensor source")
	}
	if err := validateProtocol(opts); err != nil {
		return nil, err
	}
	if err := validateCalibration(opts.Calibration, opts.Protocol.Trials); err != nil {
		return nil, err
	}

	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	if opts.Hub == nil {
		opts.Hub = events.NewEventHub()
	}

	s := &Session{
		id:      opts.ID,
		subject: opts.Subject,
		motion:  opts.Motion,
		opts:    opts,
		src:     src,
		hub:     opts.Hub,
		rec:     recorder.New(),
		now:     time.Now,
		means:   make(map[int]float64),
	}
	if opts.Clock != nil {
		s.now = opts.Clock.Now
	}

	engine, err := normalize.NewEngine(opts.Calibration)
	if err != nil {
		return nil, err
	}
	s.engine = engine

	ctrl, err := trial.New(opts.Protocol, trial.Hooks{
		OnPhaseChange:    s.onPhaseChange,
		OnTrialFinalized: s.onTrialFinalized,
		OnTrialAborted:   s.onTrialAborted,
	})
	if err != nil {
		return nil, err
	}
	s.ctrl = ctrl

	smp, err := sampler.New(src, sampler.Options{
		RateHz:      opts.SampleRateHz,
		ReadTimeout: opts.ReadTimeout,
		ReadRetries: opts.ReadRetries,
		Clock:       opts.Clock,
	}, s.handleSample, s.hub)
	if err != nil {
		return nil, err
	}
	s.smp = smp

	return s, nil
}

func validateProtocol(o Options) error {
	p := o.Protocol
	switch {
	case p.Trials <= 0:
		return &config.ProtocolConfigError{Field: "trials", Value: p.Trials, Reason: "must be positive"}
	case p.Rest <= 0:
		return &config.ProtocolConfigError{Field: "restSeconds", Value: p.Rest.Seconds(), Reason: "must be positive"}
	case p.Contraction <= 0:
		return &config.ProtocolConfigError{Field: "contractionSeconds", Value: p.Contraction.Seconds(), Reason: "must be positive"}
	case p.Cooldown <= 0:
		return &config.ProtocolConfigError{Field: "cooldownSeconds", Value: p.Cooldown.Seconds(), Reason: "must be positive"}
	case !(o.SampleRateHz > 0):
		return &config.ProtocolConfigError{Field: "sampleRateHz", Value: o.SampleRateHz, Reason: "must be positive"}
	}
	return nil
}

func validateCalibration(idx []int, trials int) error {
	if len(idx) == 0 {
		return fmt.Errorf("%w: no calibration trials configured", normalize.ErrInvalidCalibrationSet)
	}
	seen := make(map[int]bool, len(idx))
	for _, i := range idx {
		if i < 1 || i > trials {
			return fmt.Errorf("%w: trial %d is outside 1..%d", normalize.ErrInvalidCalibrationSet, i, trials)
		}
		if seen[i] {
			return fmt.Errorf("%w: trial %d listed twice", normalize.ErrInvalidCalibrationSet, i)
		}
		seen[i] = true
	}
	return nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Hub returns the live event feed.
func (s *Session) Hub() *events.EventHub { return s.hub }

// Recorder returns the session's recorder.
func (s *Session) Recorder() *recorder.Recorder { return s.rec }

// Init connects the sensor.
func (s *Session) Init() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		return nil
	}
	if err := s.src.Connect(); err != nil {
		return pkgerrors.Wrapf(err, "failed to connect force sensor")
	}
	s.initialized = true
	logrus.WithFields(logrus.Fields{
		"session": s.id,
		"subject": s.subject,
		"motion":  s.motion,
	}).Info("force sensor connected")
	return nil
}

// Run acquires until every trial completed, the sensor failed, Stop was
// called or ctx was cancelled. Sensor failures and cancellation end in the
// Aborted state and are reported through Status, not as an error. The
// sensor is disconnected before Run returns.
func (s *Session) Run(ctx context.Context) error {
	s.mu.Lock()
	switch {
	case !s.initialized:
		s.mu.Unlock()
		return ErrNotInitialized
	case s.running || s.finished:
		s.mu.Unlock()
		return ErrAlreadyRun
	case s.closed:
		s.mu.Unlock()
		return ErrClosed
	}
	defer func() {
		if err := s.Close(); err != nil {
			logrus.WithError(err).Warn("failed to disconnect force sensor")
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.cancel = cancel
	s.running = true
	s.startedAt = s.now()
	if s.stopRequested {
		cancel()
	}

	s.rec.AddEvent(recorder.Event{Kind: recorder.EventSessionStart})
	s.publishSession("session started")
	if err := s.ctrl.Start(0); err != nil {
		s.running = false
		s.mu.Unlock()
		return err
	}
	startedAt := s.startedAt
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"session":      s.id,
		"trials":       s.opts.Protocol.Trials,
		"sampleRateHz": s.opts.SampleRateHz,
	}).Info("session started")

	err := s.smp.Run(ctx, startedAt)

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.ctrl.State().Terminal() {
		reason := ReasonStopped
		switch {
		case err == nil:
			reason = "acquisition ended early"
		case errors.Is(err, context.Canceled) && s.stopRequested:
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			reason = "cancelled: " + err.Error()
		default:
			reason = err.Error()
		}
		_ = s.ctrl.Abort(reason)
	}
	s.running = false
	s.finished = true
	s.endedAt = s.now()

	st := s.ctrl.State()
	fields := logrus.Fields{
		"session":   s.id,
		"state":     st,
		"completed": s.ctrl.Completed(),
		"samples":   s.rec.SampleCount(),
		"missed":    s.smp.Stats().Missed,
	}
	if st == mvc.StateAborted {
		logrus.WithFields(fields).WithField("reason", s.ctrl.AbortReason()).Warn("session aborted")
		s.publishSession(s.ctrl.AbortReason())
	} else {
		logrus.WithFields(fields).Info("session complete")
		s.publishSession("session complete")
	}
	return nil
}

// Close disconnects the sensor of an initialized session. Run calls it on
// return; callers that never reach Run must call it themselves. It is safe
// to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if !s.initialized || s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if err := s.src.Disconnect(); err != nil {
		return pkgerrors.Wrapf(err, "failed to disconnect force sensor")
	}
	return nil
}

// Stop requests an operator abort. The sampler finishes the read in flight
// and the controller moves to Aborted. Captured data is kept.
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finished {
		return
	}
	s.stopRequested = true
	if s.cancel != nil {
		s.cancel()
	}
}

// Done reports whether Run has returned.
func (s *Session) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

// handleSample is the sampler sink.
func (s *Session) handleSample(smp mvc.Sample) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ctrl.Handle(smp); err != nil {
		return err
	}
	s.lastTs = smp.Timestamp

	raw := recorder.RawSample{Timestamp: smp.Timestamp, Value: smp.Value}
	if ph, ok := s.ctrl.State().Phase(); ok {
		raw.TrialIndex = s.ctrl.TrialIndex()
		raw.Phase = ph
	}
	s.rec.AddSample(raw)

	if s.ctrl.State().Terminal() {
		return sampler.ErrStop
	}
	return nil
}

func (s *Session) onPhaseChange(pc trial.PhaseChange) {
	s.hub.Publish(events.PhaseChanged, events.PhaseEvent{
		TrialIndex: pc.TrialIndex,
		From:       string(pc.From),
		To:         string(pc.To),
		Timestamp:  pc.At.Seconds(),
		Duration:   s.phaseDuration(pc.To).Seconds(),
	})

	if ph, ok := pc.To.Phase(); ok {
		s.rec.AddEvent(recorder.Event{Kind: recorder.PhaseStartEvent(ph), TrialIndex: pc.TrialIndex, Timestamp: pc.At})
		return
	}
	switch pc.To {
	case mvc.StateComplete:
		s.rec.AddEvent(recorder.Event{Kind: recorder.EventSessionComplete, Timestamp: pc.At})
	case mvc.StateAborted:
		s.rec.AddEvent(recorder.Event{Kind: recorder.EventSessionAborted, TrialIndex: pc.TrialIndex, Timestamp: pc.At})
	}
}

func (s *Session) phaseDuration(st mvc.State) time.Duration {
	ph, ok := st.Phase()
	if !ok {
		return 0
	}
	return s.opts.Protocol.Duration(ph)
}

func (s *Session) onTrialFinalized(t *mvc.Trial) {
	end := t.Phases[len(t.Phases)-1].End
	s.rec.AddTrial(t)
	s.rec.AddEvent(recorder.Event{Kind: recorder.EventTrialEnd, TrialIndex: t.Index, Timestamp: end})

	results, established, err := s.engine.Offer(t)
	if err != nil {
		logrus.WithError(err).WithField("trial", t.Index).Error("failed to normalize trial")
	}
	if established {
		ref, _ := s.engine.Reference()
		s.rec.AddEvent(recorder.Event{Kind: recorder.EventReferenceEstablished, Timestamp: end})
		s.hub.Publish(events.ReferenceSet, events.ReferenceEvent{
			Value:     ref.Value,
			Trials:    ref.Trials,
			Timestamp: end.Seconds(),
		})
	}

	if t.HasPeak {
		s.means[t.Index] = t.Mean
	}

	reported := false
	for _, r := range results {
		s.rec.AddResult(r)
		ev := events.TrialEvent{
			TrialIndex: r.TrialIndex,
			Status:     string(mvc.TrialFinalized),
			Peak:       &r.Peak,
			PercentMVC: &r.PercentMVC,
		}
		if m, ok := s.means[r.TrialIndex]; ok {
			ev.Mean = &m
		}
		s.hub.Publish(events.TrialClosed, ev)
		reported = reported || r.TrialIndex == t.Index
	}
	if !reported {
		ev := events.TrialEvent{TrialIndex: t.Index, Status: string(t.Status)}
		if t.HasPeak {
			ev.Peak = &t.Peak
			ev.Mean = &t.Mean
		}
		s.hub.Publish(events.TrialClosed, ev)
	}
}

func (s *Session) onTrialAborted(t *mvc.Trial) {
	s.rec.AddTrial(t)
	s.rec.AddEvent(recorder.Event{Kind: recorder.EventTrialAborted, TrialIndex: t.Index, Timestamp: s.lastTs})

	ev := events.TrialEvent{TrialIndex: t.Index, Status: string(t.Status), Reason: t.AbortReason}
	if t.HasPeak {
		ev.Peak = &t.Peak
		ev.Mean = &t.Mean
	}
	s.hub.Publish(events.TrialClosed, ev)
}

func (s *Session) publishSession(msg string) {
	s.hub.Publish(events.SessionState, events.SessionEvent{
		ID:      s.id,
		State:   string(s.ctrl.State()),
		Message: msg,
		Ts:      s.now().Unix(),
	})
}

// Status returns a point-in-time view of the session.
func (s *Session) Status() mvc.Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := mvc.Status{
		ID:              s.id,
		Subject:         s.subject,
		Motion:          s.motion,
		State:           s.ctrl.State(),
		TrialIndex:      s.ctrl.TrialIndex(),
		TrialCount:      s.opts.Protocol.Trials,
		PhaseRemaining:  s.ctrl.PhaseRemaining(s.lastTs).Seconds(),
		CompletedTrials: s.ctrl.Completed(),
		SamplesCaptured: s.rec.SampleCount(),
		StartedAt:       s.startedAt,
		AbortReason:     s.ctrl.AbortReason(),
	}
	switch {
	case s.finished:
		st.Elapsed = s.endedAt.Sub(s.startedAt).Seconds()
	case s.running:
		st.Elapsed = s.now().Sub(s.startedAt).Seconds()
	}
	if ref, ok := s.engine.Reference(); ok {
		st.Reference = &ref.Value
	}
	return st
}

// Results returns the normalized results recorded so far.
func (s *Session) Results() []mvc.Result {
	return s.rec.Results()
}

// Reference returns the MVC reference once established.
func (s *Session) Reference() (mvc.Reference, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.Reference()
}

// Summary is the archived form of a session.
type Summary struct {
	ID           string         `json:"id"`
	Subject      string         `json:"subject"`
	Motion       string         `json:"motion,omitempty"`
	StartedAt    time.Time      `json:"startedAt"`
	EndedAt      time.Time      `json:"endedAt"`
	State        mvc.State      `json:"state"`
	AbortReason  string         `json:"abortReason,omitempty"`
	Trials       int            `json:"trialCount"`
	Rest         float64        `json:"restSeconds"`
	Contraction  float64        `json:"contractionSeconds"`
	Cooldown     float64        `json:"cooldownSeconds"`
	SampleRateHz float64        `json:"sampleRateHz"`
	Calibration  []int          `json:"calibrationTrials"`
	Reference    *mvc.Reference `json:"reference,omitempty"`
	// MeanContraction averages the contraction means of the finalized
	// trials that captured samples.
	MeanContraction *float64          `json:"meanContraction,omitempty"`
	Data            recorder.Snapshot `json:"data"`
}

// FileBase returns the export file prefix of the session.
func (sum Summary) FileBase() string {
	return recorder.FileBase(sum.Subject, sum.Motion, sum.StartedAt)
}

// Finalize returns the summary of a finished session. It fails while Run is
// in progress and is safe to call more than once.
func (s *Session) Finalize() (Summary, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return Summary{}, ErrRunning
	}
	sum := s.headerLocked()
	s.mu.Unlock()

	return s.withData(sum), nil
}

// Snapshot returns the summary at this instant, also while running. The
// recorder is copied outside the session lock so acquisition is not held up
// by a long sample log.
func (s *Session) Snapshot() Summary {
	s.mu.Lock()
	sum := s.headerLocked()
	s.mu.Unlock()

	return s.withData(sum)
}

// Records returns the structured view of the trials recorded so far.
func (s *Session) Records() []recorder.Record {
	return s.rec.Records()
}

// FileBase returns the export file prefix of the session.
func (s *Session) FileBase() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return recorder.FileBase(s.subject, s.motion, s.startedAt)
}

func (s *Session) headerLocked() Summary {
	p := s.opts.Protocol
	cal := append([]int(nil), s.opts.Calibration...)
	sort.Ints(cal)
	sum := Summary{
		ID:           s.id,
		Subject:      s.subject,
		Motion:       s.motion,
		StartedAt:    s.startedAt,
		EndedAt:      s.endedAt,
		State:        s.ctrl.State(),
		AbortReason:  s.ctrl.AbortReason(),
		Trials:       p.Trials,
		Rest:         p.Rest.Seconds(),
		Contraction:  p.Contraction.Seconds(),
		Cooldown:     p.Cooldown.Seconds(),
		SampleRateHz: s.opts.SampleRateHz,
		Calibration:  cal,
	}
	if ref, ok := s.engine.Reference(); ok {
		sum.Reference = &ref
	}
	return sum
}

func (s *Session) withData(sum Summary) Summary {
	sum.Data = s.rec.Snapshot()
	if m, ok := recorder.MeanOfTrials(sum.Data.Records); ok {
		sum.MeanContraction = &m
	}
	return sum
}

// Export writes the current data of the session into dir. It may be
// called while running for a partial export.
func (s *Session) Export(dir string) (recorder.Files, error) {
	sum := s.Snapshot()
	files, err := recorder.ExportDir(dir, sum.FileBase(), sum.Data)
	if err != nil {
		return files, pkgerrors.Wrapf(err, "failed to export session %s", s.id)
	}
	logrus.WithFields(logrus.Fields{
		"session": s.id,
		"results": files.ResultsCSV,
		"json":    files.ResultsJSON,
	}).Info("session exported")
	return files, nil
}
