package sensor

import (
	"errors"
	"fmt"
	"time"
)

// ErrDisconnected is returned by Read when the device is gone. Sampler
// treats it as a fatal stream error.
var ErrDisconnected = errors.New("sensor disconnected")

// ErrTimeout is returned by Read when no reading arrived within the timeout.
// It matches ErrDisconnected with errors.Is, so callers that do not retry
// can treat both the same way.
var ErrTimeout error = timeoutError{}

type timeoutError struct{}

func (timeoutError) Error() string { return "sensor read timed out" }

func (timeoutError) Is(target error) bool { return target == ErrDisconnected }

// Kind selects a Source implementation.
type Kind string

const (
	KindMock   Kind = "mock"
	KindSerial Kind = "serial"
	KindReplay Kind = "replay"
)

// Reading is one value reported by a device. At is the time the value was
// obtained; a zero At lets the sampler stamp the reading itself.
type Reading struct {
	At    time.Time
	Value float64
}

// Source is the capability set every force device family provides.
type Source interface {
	// Connect acquires the device. It is called once per session.
	Connect() error
	// Read returns one reading. It must return within timeout, with
	// ErrTimeout if the device stayed silent. Implementations never retry.
	Read(timeout time.Duration) (Reading, error)
	// Disconnect releases the device. It is safe to call more than once.
	Disconnect() error
}

// Options configures New.
type Options struct {
	Kind Kind

	// serial
	Port     string
	BaudRate uint

	// replay
	ReplayPath string

	// mock
	Mock MockOptions
}

// New returns the Source for opts.Kind. The device is not connected yet.
func New(opts Options) (Source, error) {
	switch opts.Kind {
	case KindMock, "":
		return NewMock(opts.Mock), nil
	case KindSerial:
		if opts.Port == "" {
			return nil, fmt.Errorf("serial sensor requires a port")
		}
		return NewSerial(opts.Port, opts.BaudRate), nil
	case KindReplay:
		if opts.ReplayPath == "" {
			return nil, fmt.Errorf("replay sensor requires a samples file")
		}
		return NewReplay(opts.ReplayPath), nil
	default:
		return nil, fmt.Errorf("unknown sensor kind %q", opts.Kind)
	}
}
