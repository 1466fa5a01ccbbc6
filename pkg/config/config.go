package config

import (
	"time"

	"github.com/limb-lab/mvc/pkg/sensor"
)

// Config is the protocol and device configuration of a session.
type Config interface {
	Trials() int
	RestDuration() time.Duration
	ContractionDuration() time.Duration
	CooldownDuration() time.Duration
	SampleRateHz() float64
	CalibrationTrials() []int
	OutputDir() string
	Subject() string
	Motion() string
	Sensor() SensorConfig
	MQTT() MQTTConfig
	StorePath() string
	TargetPercents() []float64

	SetTrials(int)
	SetRestSeconds(float64)
	SetContractionSeconds(float64)
	SetCooldownSeconds(float64)
	SetSampleRateHz(float64)
	SetCalibrationTrials([]int)
	SetOutputDir(string)
	SetSubject(string)
	SetMotion(string)
	SetSensorKind(sensor.Kind)
	SetSensorPort(string)

	// Validate checks the protocol parameters.
	Validate() error

	// Load reads the configuration from the source.
	Load() error
	// Save saves the configuration to the source.
	Save() error
}

// SensorConfig selects and tunes the force device.
type SensorConfig struct {
	Kind                sensor.Kind
	Port                string
	BaudRate            uint
	ReadTimeout         time.Duration
	ReadRetries         int
	MockPeaks           []float64
	MockDisconnectAfter int
	ReplayPath          string
}

// MQTTConfig configures the live stream outlet. An empty Broker disables it.
type MQTTConfig struct {
	Broker      string
	ClientID    string
	TopicPrefix string
}
