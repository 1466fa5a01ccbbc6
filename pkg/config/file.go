package config

import (
	"bytes"
	"encoding/json"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/limb-lab/mvc/pkg/sensor"
	"github.com/limb-lab/mvc/pkg/utils/ptr"
)

var (
	defaultFileConfig = &RawFileConfig{
		Trials:             ptr.To(3),
		RestSeconds:        ptr.To(5.0),
		ContractionSeconds: ptr.To(5.0),
		CooldownSeconds:    ptr.To(5.0),
		SampleRateHz:       ptr.To(50.0),
		CalibrationTrials:  []int{1},
		OutputDir:          ptr.To("."),
		Subject:            ptr.To("anonymous"),
		Motion:             ptr.To(""),
		Sensor: &RawSensorConfig{
			Kind:                ptr.To(string(sensor.KindMock)),
			Port:                ptr.To(""),
			BaudRate:            ptr.To(uint(115200)),
			ReadTimeoutMs:       ptr.To(0),
			ReadRetries:         ptr.To(0),
			MockPeaks:           []float64{100},
			MockDisconnectAfter: ptr.To(0),
			ReplayPath:          ptr.To(""),
		},
		MQTT: &RawMQTTConfig{
			Broker:      ptr.To(""),
			ClientID:    ptr.To("mvc-acquisition"),
			TopicPrefix: ptr.To("mvc"),
		},
		StorePath:      ptr.To(""),
		TargetPercents: []float64{20, 40, 60, 80},
	}
)

var _ Config = &File{}

type File struct {
	c        *RawFileConfig
	mu       *sync.RWMutex
	filepath string
}

func NewFile(configPath string) (*File, error) {
	f := &File{
		filepath: configPath,
		mu:       &sync.RWMutex{},
	}
	err := f.Load()
	if err != nil {
		return nil, err
	}

	return f, nil
}

func NewFileFromConfig(c *RawFileConfig, configPath string) *File {
	if c == nil {
		c = &RawFileConfig{}
	}

	f := &File{
		c:        c,
		mu:       &sync.RWMutex{},
		filepath: configPath,
	}

	return f
}

// DefaultRawFileConfig returns a copy of the built-in defaults.
func DefaultRawFileConfig() *RawFileConfig {
	b, _ := json.Marshal(defaultFileConfig)
	c := &RawFileConfig{}
	_ = json.Unmarshal(b, c)
	return c
}

type RawFileConfig struct {
	Trials             *int             `json:"trials,omitempty" yaml:"trials,omitempty"`
	RestSeconds        *float64         `json:"restSeconds,omitempty" yaml:"restSeconds,omitempty"`
	ContractionSeconds *float64         `json:"contractionSeconds,omitempty" yaml:"contractionSeconds,omitempty"`
	CooldownSeconds    *float64         `json:"cooldownSeconds,omitempty" yaml:"cooldownSeconds,omitempty"`
	SampleRateHz       *float64         `json:"sampleRateHz,omitempty" yaml:"sampleRateHz,omitempty"`
	CalibrationTrials  []int            `json:"calibrationTrials,omitempty" yaml:"calibrationTrials,omitempty"`
	OutputDir          *string          `json:"outputDir,omitempty" yaml:"outputDir,omitempty"`
	Subject            *string          `json:"subject,omitempty" yaml:"subject,omitempty"`
	Motion             *string          `json:"motion,omitempty" yaml:"motion,omitempty"`
	Sensor             *RawSensorConfig `json:"sensor,omitempty" yaml:"sensor,omitempty"`
	MQTT               *RawMQTTConfig   `json:"mqtt,omitempty" yaml:"mqtt,omitempty"`
	StorePath          *string          `json:"storePath,omitempty" yaml:"storePath,omitempty"`
	TargetPercents     []float64        `json:"targetPercents,omitempty" yaml:"targetPercents,omitempty"`
}

type RawSensorConfig struct {
	Kind                *string   `json:"kind,omitempty" yaml:"kind,omitempty"`
	Port                *string   `json:"port,omitempty" yaml:"port,omitempty"`
	BaudRate            *uint     `json:"baudRate,omitempty" yaml:"baudRate,omitempty"`
	ReadTimeoutMs       *int      `json:"readTimeoutMs,omitempty" yaml:"readTimeoutMs,omitempty"`
	ReadRetries         *int      `json:"readRetries,omitempty" yaml:"readRetries,omitempty"`
	MockPeaks           []float64 `json:"mockPeaks,omitempty" yaml:"mockPeaks,omitempty"`
	MockDisconnectAfter *int      `json:"mockDisconnectAfter,omitempty" yaml:"mockDisconnectAfter,omitempty"`
	ReplayPath          *string   `json:"replayPath,omitempty" yaml:"replayPath,omitempty"`
}

type RawMQTTConfig struct {
	Broker      *string `json:"broker,omitempty" yaml:"broker,omitempty"`
	ClientID    *string `json:"clientID,omitempty" yaml:"clientID,omitempty"`
	TopicPrefix *string `json:"topicPrefix,omitempty" yaml:"topicPrefix,omitempty"`
}

func NewRawFileConfigFromConfig(c Config) (*RawFileConfig, error) {
	if c == nil {
		return nil, pkgerrors.New("config is nil")
	}

	s := c.Sensor()
	m := c.MQTT()
	rawConfig := &RawFileConfig{
		Trials:             ptr.To(c.Trials()),
		RestSeconds:        ptr.To(c.RestDuration().Seconds()),
		ContractionSeconds: ptr.To(c.ContractionDuration().Seconds()),
		CooldownSeconds:    ptr.To(c.CooldownDuration().Seconds()),
		SampleRateHz:       ptr.To(c.SampleRateHz()),
		CalibrationTrials:  c.CalibrationTrials(),
		OutputDir:          ptr.To(c.OutputDir()),
		Subject:            ptr.To(c.Subject()),
		Motion:             ptr.To(c.Motion()),
		Sensor: &RawSensorConfig{
			Kind:                ptr.To(string(s.Kind)),
			Port:                ptr.To(s.Port),
			BaudRate:            ptr.To(s.BaudRate),
			ReadTimeoutMs:       ptr.To(int(s.ReadTimeout / time.Millisecond)),
			ReadRetries:         ptr.To(s.ReadRetries),
			MockPeaks:           s.MockPeaks,
			MockDisconnectAfter: ptr.To(s.MockDisconnectAfter),
			ReplayPath:          ptr.To(s.ReplayPath),
		},
		MQTT: &RawMQTTConfig{
			Broker:      ptr.To(m.Broker),
			ClientID:    ptr.To(m.ClientID),
			TopicPrefix: ptr.To(m.TopicPrefix),
		},
		StorePath:      ptr.To(c.StorePath()),
		TargetPercents: c.TargetPercents(),
	}

	return rawConfig, nil
}

func (f *File) Trials() int {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	return ptr.Deref(f.c.Trials, *defaultFileConfig.Trials)
}

func (f *File) RestDuration() time.Duration {
	return f.seconds(func(c *RawFileConfig) *float64 { return c.RestSeconds })
}

func (f *File) ContractionDuration() time.Duration {
	return f.seconds(func(c *RawFileConfig) *float64 { return c.ContractionSeconds })
}

func (f *File) CooldownDuration() time.Duration {
	return f.seconds(func(c *RawFileConfig) *float64 { return c.CooldownSeconds })
}

func (f *File) seconds(field func(*RawFileConfig) *float64) time.Duration {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	sec := ptr.Deref(field(f.c), *field(defaultFileConfig))
	if math.IsNaN(sec) || math.IsInf(sec, 0) {
		return 0
	}
	return time.Duration(math.Round(sec * float64(time.Second)))
}

func (f *File) SampleRateHz() float64 {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	return ptr.Deref(f.c.SampleRateHz, *defaultFileConfig.SampleRateHz)
}

func (f *File) CalibrationTrials() []int {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.c.CalibrationTrials != nil {
		return append([]int(nil), f.c.CalibrationTrials...)
	}
	return append([]int(nil), defaultFileConfig.CalibrationTrials...)
}

func (f *File) OutputDir() string {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	return ptr.Deref(f.c.OutputDir, *defaultFileConfig.OutputDir)
}

func (f *File) Subject() string {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	return ptr.Deref(f.c.Subject, *defaultFileConfig.Subject)
}

func (f *File) Motion() string {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	return ptr.Deref(f.c.Motion, *defaultFileConfig.Motion)
}

func (f *File) Sensor() SensorConfig {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	def := defaultFileConfig.Sensor
	s := f.c.Sensor
	if s == nil {
		s = &RawSensorConfig{}
	}
	peaks := s.MockPeaks
	if peaks == nil {
		peaks = def.MockPeaks
	}

	return SensorConfig{
		Kind:                sensor.Kind(ptr.Deref(s.Kind, *def.Kind)),
		Port:                ptr.Deref(s.Port, *def.Port),
		BaudRate:            ptr.Deref(s.BaudRate, *def.BaudRate),
		ReadTimeout:         time.Duration(ptr.Deref(s.ReadTimeoutMs, *def.ReadTimeoutMs)) * time.Millisecond,
		ReadRetries:         ptr.Deref(s.ReadRetries, *def.ReadRetries),
		MockPeaks:           append([]float64(nil), peaks...),
		MockDisconnectAfter: ptr.Deref(s.MockDisconnectAfter, *def.MockDisconnectAfter),
		ReplayPath:          ptr.Deref(s.ReplayPath, *def.ReplayPath),
	}
}

func (f *File) MQTT() MQTTConfig {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	def := defaultFileConfig.MQTT
	m := f.c.MQTT
	if m == nil {
		m = &RawMQTTConfig{}
	}
	return MQTTConfig{
		Broker:      ptr.Deref(m.Broker, *def.Broker),
		ClientID:    ptr.Deref(m.ClientID, *def.ClientID),
		TopicPrefix: ptr.Deref(m.TopicPrefix, *def.TopicPrefix),
	}
}

func (f *File) StorePath() string {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	return ptr.Deref(f.c.StorePath, *defaultFileConfig.StorePath)
}

func (f *File) TargetPercents() []float64 {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.c.TargetPercents != nil {
		return append([]float64(nil), f.c.TargetPercents...)
	}
	return append([]float64(nil), defaultFileConfig.TargetPercents...)
}

func (f *File) SetTrials(i int) {
	f.set(func(c *RawFileConfig) { c.Trials = &i })
}

func (f *File) SetRestSeconds(s float64) {
	f.set(func(c *RawFileConfig) { c.RestSeconds = &s })
}

func (f *File) SetContractionSeconds(s float64) {
	f.set(func(c *RawFileConfig) { c.ContractionSeconds = &s })
}

func (f *File) SetCooldownSeconds(s float64) {
	f.set(func(c *RawFileConfig) { c.CooldownSeconds = &s })
}

func (f *File) SetSampleRateHz(hz float64) {
	f.set(func(c *RawFileConfig) { c.SampleRateHz = &hz })
}

func (f *File) SetCalibrationTrials(idx []int) {
	idx = append([]int(nil), idx...)
	f.set(func(c *RawFileConfig) { c.CalibrationTrials = idx })
}

func (f *File) SetOutputDir(dir string) {
	f.set(func(c *RawFileConfig) { c.OutputDir = &dir })
}

func (f *File) SetSubject(s string) {
	f.set(func(c *RawFileConfig) { c.Subject = &s })
}

func (f *File) SetMotion(m string) {
	f.set(func(c *RawFileConfig) { c.Motion = &m })
}

func (f *File) SetSensorKind(k sensor.Kind) {
	s := string(k)
	f.set(func(c *RawFileConfig) {
		if c.Sensor == nil {
			c.Sensor = &RawSensorConfig{}
		}
		c.Sensor.Kind = &s
	})
}

func (f *File) SetSensorPort(p string) {
	f.set(func(c *RawFileConfig) {
		if c.Sensor == nil {
			c.Sensor = &RawSensorConfig{}
		}
		c.Sensor.Port = &p
	})
}

func (f *File) set(fn func(*RawFileConfig)) {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f.c)
}

// Validate returns a *ProtocolConfigError for the first unusable protocol
// parameter.
func (f *File) Validate() error {
	if n := f.Trials(); n <= 0 {
		return &ProtocolConfigError{Field: "trials", Value: n, Reason: "must be positive"}
	}
	durations := []struct {
		field string
		d     time.Duration
	}{
		{"restSeconds", f.RestDuration()},
		{"contractionSeconds", f.ContractionDuration()},
		{"cooldownSeconds", f.CooldownDuration()},
	}
	for _, d := range durations {
		if d.d <= 0 {
			return &ProtocolConfigError{Field: d.field, Value: d.d.Seconds(), Reason: "must be positive"}
		}
	}
	if hz := f.SampleRateHz(); !(hz > 0) || math.IsInf(hz, 0) {
		return &ProtocolConfigError{Field: "sampleRateHz", Value: hz, Reason: "must be positive"}
	}
	if r := f.Sensor().ReadRetries; r < 0 {
		return &ProtocolConfigError{Field: "sensor.readRetries", Value: r, Reason: "must not be negative"}
	}
	return nil
}

func (f *File) isYAML() bool {
	switch strings.ToLower(filepath.Ext(f.filepath)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func (f *File) Load() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.filepath == "" {
		f.c = &RawFileConfig{}
		return nil
	}

	fp, err := os.Open(f.filepath)
	if err != nil {
		if os.IsNotExist(err) {
			// If the file does not exist, return the empty config.
			// Do not make f.c a nil.
			f.c = &RawFileConfig{}
			return nil
		}
		return pkgerrors.Wrapf(err, "failed to open file %s", f.filepath)
	}
	defer func(fp *os.File) {
		err := fp.Close()
		if err != nil {
			logrus.Warnf("failed to close file %s", f.filepath)
		}
	}(fp)

	// Since we want to tell if the file is empty, using json.Decoder will
	// not work.
	b, err := io.ReadAll(fp)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to read file %s", f.filepath)
	}

	if len(bytes.TrimSpace(b)) == 0 {
		// If the file is empty, return the empty config.
		// Do not make f.c a nil.
		f.c = &RawFileConfig{}
		return nil
	}

	conf := RawFileConfig{}
	if f.isYAML() {
		err = yaml.Unmarshal(b, &conf)
	} else {
		err = json.Unmarshal(b, &conf)
	}
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to unmarshal config from file %s", f.filepath)
	}
	f.c = &conf

	return nil
}

func (f *File) Save() error {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.c == nil {
		return pkgerrors.New("config is nil")
	}
	if f.filepath == "" {
		return pkgerrors.New("config has no file path")
	}

	fp, err := os.OpenFile(f.filepath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to open file %s", f.filepath)
	}
	defer func(fp *os.File) {
		err := fp.Close()
		if err != nil {
			logrus.Warnf("failed to close file %s", f.filepath)
		}
	}(fp)

	if f.isYAML() {
		enc := yaml.NewEncoder(fp)
		enc.SetIndent(2)
		err = enc.Encode(f.c)
		if err == nil {
			err = enc.Close()
		}
	} else {
		enc := json.NewEncoder(fp)
		enc.SetIndent("", "  ")
		err = enc.Encode(f.c)
	}
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to encode config to file %s", f.filepath)
	}

	return nil
}

func (f *File) LogrusFields() logrus.Fields {
	if f.c == nil {
		panic("config is nil")
	}

	s := f.Sensor()
	return logrus.Fields{
		"trials":            f.Trials(),
		"rest":              f.RestDuration(),
		"contraction":       f.ContractionDuration(),
		"cooldown":          f.CooldownDuration(),
		"sampleRateHz":      f.SampleRateHz(),
		"calibrationTrials": f.CalibrationTrials(),
		"subject":           f.Subject(),
		"motion":            f.Motion(),
		"sensor":            s.Kind,
		"mqttBroker":        f.MQTT().Broker,
	}
}
