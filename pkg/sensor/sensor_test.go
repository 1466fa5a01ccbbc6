package sensor

import (
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	serial "github.com/jacobsa/go-serial/serial"
)

func TestTimeoutMatchesDisconnected(t *testing.T) {
	if !errors.Is(ErrTimeout, ErrDisconnected) {
		t.Fatalf("ErrTimeout should match ErrDisconnected")
	}
	if errors.Is(ErrDisconnected, ErrTimeout) {
		t.Fatalf("ErrDisconnected should not match ErrTimeout")
	}
	wrapped := errors.Join(errors.New("tick 3"), ErrTimeout)
	if !errors.Is(wrapped, ErrTimeout) || !errors.Is(wrapped, ErrDisconnected) {
		t.Fatalf("wrapped timeout lost its identity: %v", wrapped)
	}
}

func TestTrapezoidProfile(t *testing.T) {
	p := TrapezoidProfile(5*time.Second, 5*time.Second, 2*time.Second, []float64{50, 40}, 1)

	tests := []struct {
		at   time.Duration
		want float64
	}{
		{0, 1},
		{4900 * time.Millisecond, 1},
		{5 * time.Second, 1},
		{5500 * time.Millisecond, 25.5},
		{6 * time.Second, 50},
		{8 * time.Second, 50},
		{9500 * time.Millisecond, 25.5},
		{10 * time.Second, 1},
		{19 * time.Second, 40},
		// beyond the list the last peak repeats
		{31 * time.Second, 40},
	}
	for _, tt := range tests {
		if got := p(tt.at); got != tt.want {
			t.Errorf("profile(%v) = %v, want %v", tt.at, got, tt.want)
		}
	}
}

func TestMockDisconnectAfter(t *testing.T) {
	m := NewMock(MockOptions{
		Rest:            time.Second,
		Contraction:     time.Second,
		Cooldown:        time.Second,
		DisconnectAfter: 2,
	})
	if _, err := m.Read(time.Millisecond); !errors.Is(err, ErrDisconnected) {
		t.Fatalf("read before connect: got %v, want ErrDisconnected", err)
	}
	if err := m.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := m.Read(time.Millisecond); err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
	}
	if _, err := m.Read(time.Millisecond); !errors.Is(err, ErrDisconnected) {
		t.Fatalf("third read: got %v, want ErrDisconnected", err)
	}
}

func TestMockUsesClock(t *testing.T) {
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	now := base
	m := NewMock(MockOptions{
		Rest:        5 * time.Second,
		Contraction: 5 * time.Second,
		Cooldown:    2 * time.Second,
		Peaks:       []float64{50},
	})
	m.now = func() time.Time { return now }
	_ = m.Connect()

	now = base.Add(7 * time.Second)
	rd, err := m.Read(time.Second)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if rd.Value != 50 || !rd.At.Equal(now) {
		t.Fatalf("got %+v, want 50 at %v", rd, now)
	}
}

func TestParseLine(t *testing.T) {
	tests := []struct {
		line string
		want float64
		ok   bool
	}{
		{"12.5", 12.5, true},
		{"  -3.25\r", -3.25, true},
		{"1712.50,12.34", 12.34, true},
		{"t=1; 7", 7, true},
		{"", 0, false},
		{"hello", 0, false},
	}
	for _, tt := range tests {
		got, ok := parseLine(tt.line)
		if ok != tt.ok || got != tt.want {
			t.Errorf("parseLine(%q) = %v, %v; want %v, %v", tt.line, got, ok, tt.want, tt.ok)
		}
	}
}

type pipePort struct {
	*io.PipeReader
	w *io.PipeWriter
}

func (p pipePort) Write(b []byte) (int, error) { return len(b), nil }

func (p pipePort) Close() error {
	_ = p.w.Close()
	return p.PipeReader.Close()
}

func TestSerialReadAndDisconnect(t *testing.T) {
	pr, pw := io.Pipe()
	orig := openPort
	openPort = func(serial.OpenOptions) (io.ReadWriteCloser, error) { return pipePort{PipeReader: pr, w: pw}, nil }
	defer func() { openPort = orig }()

	s := NewSerial("/dev/ttyFAKE", 0)
	if err := s.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}

	if _, err := s.Read(20 * time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Fatalf("silent device: got %v, want ErrTimeout", err)
	}

	go func() { _, _ = io.WriteString(pw, "garbage\n42.5\n") }()
	rd, err := s.Read(time.Second)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if rd.Value != 42.5 {
		t.Fatalf("got %v, want 42.5", rd.Value)
	}

	_ = pw.Close()
	if _, err := s.Read(time.Second); !errors.Is(err, ErrDisconnected) || errors.Is(err, ErrTimeout) {
		t.Fatalf("closed device: got %v, want ErrDisconnected", err)
	}
	if err := s.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
}

func TestReplay(t *testing.T) {
	in := "timestamp,value,trialIndex,phase\n0,1.5,1,Rest\n0.1,2.5,1,Rest\n"
	r := NewReplayFromReader(strings.NewReader(in))
	if err := r.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	for _, want := range []float64{1.5, 2.5} {
		rd, err := r.Read(time.Second)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if rd.Value != want {
			t.Fatalf("got %v, want %v", rd.Value, want)
		}
	}
	if _, err := r.Read(time.Second); !errors.Is(err, ErrDisconnected) {
		t.Fatalf("end of file: got %v, want ErrDisconnected", err)
	}
}

func TestReplayHeaderless(t *testing.T) {
	r := NewReplayFromReader(strings.NewReader("3\n4\n"))
	if err := r.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	rd, _ := r.Read(0)
	if rd.Value != 3 {
		t.Fatalf("got %v, want 3", rd.Value)
	}
}

func TestNewUnknownKind(t *testing.T) {
	if _, err := New(Options{Kind: "usb-hid"}); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
	if _, err := New(Options{Kind: KindSerial}); err == nil {
		t.Fatalf("expected error for serial without port")
	}
	src, err := New(Options{})
	if err != nil {
		t.Fatalf("default kind: %v", err)
	}
	if _, ok := src.(*Mock); !ok {
		t.Fatalf("default kind should be mock, got %T", src)
	}
}
