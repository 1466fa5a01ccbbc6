package sensor

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	serial "github.com/jacobsa/go-serial/serial"
	"github.com/sirupsen/logrus"
)

// openPort is a test seam for the serial port.
var openPort = func(opts serial.OpenOptions) (io.ReadWriteCloser, error) { return serial.Open(opts) }

// Serial reads a force device that prints one reading per line, for
// example "12.34" or "1712.50,12.34". The last numeric field of a line is
// taken as the force value.
type Serial struct {
	opts serial.OpenOptions

	mu     sync.Mutex
	port   io.ReadWriteCloser
	values chan Reading
	done   chan struct{}
	err    error
}

// NewSerial creates a serial force source. baud defaults to 115200.
func NewSerial(port string, baud uint) *Serial {
	if baud == 0 {
		baud = 115200
	}
	return &Serial{
		opts: serial.OpenOptions{
			PortName:        port,
			BaudRate:        baud,
			DataBits:        8,
			StopBits:        1,
			MinimumReadSize: 1,
			ParityMode:      serial.PARITY_NONE,
		},
	}
}

func (s *Serial) Connect() error {
	p, err := openPort(s.opts)
	if err != nil {
		return fmt.Errorf("open serial port %s: %w", s.opts.PortName, err)
	}
	logrus.WithFields(logrus.Fields{
		"port":     s.opts.PortName,
		"baudRate": s.opts.BaudRate,
	}).Info("serial force sensor connected")

	s.mu.Lock()
	s.port = p
	s.values = make(chan Reading, 1)
	s.done = make(chan struct{})
	s.err = nil
	s.mu.Unlock()

	go s.readLoop(p, s.values, s.done)
	return nil
}

func (s *Serial) readLoop(r io.Reader, values chan Reading, done chan struct{}) {
	defer close(done)

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		v, ok := parseLine(scanner.Text())
		if !ok {
			logrus.WithField("line", scanner.Text()).Trace("skipping unparsable sensor line")
			continue
		}
		rd := Reading{At: time.Now(), Value: v}
		// Latest value wins; the sampler polls at its own rate.
		select {
		case values <- rd:
		default:
			select {
			case <-values:
			default:
			}
			select {
			case values <- rd:
			default:
			}
		}
	}

	s.mu.Lock()
	if err := scanner.Err(); err != nil {
		s.err = fmt.Errorf("%w: %v", ErrDisconnected, err)
	} else {
		s.err = ErrDisconnected
	}
	s.mu.Unlock()
}

func parseLine(line string) (float64, bool) {
	fields := strings.FieldsFunc(strings.TrimSpace(line), func(r rune) bool {
		return r == ',' || r == ';' || r == ' ' || r == '\t'
	})
	if len(fields) == 0 {
		return 0, false
	}
	v, err := strconv.ParseFloat(fields[len(fields)-1], 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func (s *Serial) Read(timeout time.Duration) (Reading, error) {
	s.mu.Lock()
	values, done := s.values, s.done
	s.mu.Unlock()

	if values == nil {
		return Reading{}, ErrDisconnected
	}

	// Prefer a buffered value over a concurrent disconnect.
	select {
	case rd := <-values:
		return rd, nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case rd := <-values:
		return rd, nil
	case <-done:
		s.mu.Lock()
		defer s.mu.Unlock()
		return Reading{}, s.err
	case <-timer.C:
		return Reading{}, ErrTimeout
	}
}

func (s *Serial) Disconnect() error {
	s.mu.Lock()
	p := s.port
	s.port = nil
	s.mu.Unlock()

	if p == nil {
		return nil
	}
	logrus.WithField("port", s.opts.PortName).Info("closing serial force sensor")
	return p.Close()
}
