package encoder

import (
	"fmt"
	"sync"
	"time"

	"github.com/cjeanneret/PosiGo/internal/debug"
	"github.com/warthog618/go-gpiocdev"
)

// DefaultChip is the Raspberry Pi GPIO character device.
const DefaultChip = "gpiochip0"

// CdevConfig selects the encoder lines on a GPIO character device.
type CdevConfig struct {
	Chip     string // defaults to gpiochip0
	APin     int    // line offsets, equal to BCM numbers on the Pi
	BPin     int    // 0 = single channel
	Debounce time.Duration
}

// CdevSource receives encoder edges as kernel line events, so no
// transition is lost between polls. Watchers run on the gpiocdev event
// goroutine.
type CdevSource struct {
	lines  *gpiocdev.Lines
	aPin   int
	bPin   int
	single bool

	mu       sync.Mutex
	a, b     bool
	events   int // edges handled so far
	watchers []func(a, b bool)
}

// NewCdevSource requests the encoder lines as pulled-up inputs with edge
// detection on both edges.
func NewCdevSource(cfg CdevConfig) (*CdevSource, error) {
	if cfg.APin <= 0 {
		return nil, fmt.Errorf("encoder: channel A line is required")
	}
	if cfg.Chip == "" {
		cfg.Chip = DefaultChip
	}

	s := &CdevSource{aPin: cfg.APin, bPin: cfg.BPin, single: cfg.BPin <= 0}
	offsets := []int{cfg.APin}
	if !s.single {
		offsets = append(offsets, cfg.BPin)
	}

	opts := []gpiocdev.LineReqOption{
		gpiocdev.AsInput,
		gpiocdev.WithPullUp,
		gpiocdev.WithBothEdges,
		gpiocdev.WithConsumer("posigo"),
		gpiocdev.WithEventHandler(s.handle),
	}
	if cfg.Debounce > 0 {
		opts = append(opts, gpiocdev.WithDebounce(cfg.Debounce))
	}

	lines, err := gpiocdev.RequestLines(cfg.Chip, offsets, opts...)
	if err != nil {
		return nil, fmt.Errorf("encoder: request lines %v on %s: %w", offsets, cfg.Chip, err)
	}
	s.lines = lines

	a, b, err := s.Sample()
	if err != nil {
		_ = lines.Close()
		return nil, err
	}
	s.seed(a, b)

	debug.Verbose("Encoder on %s lines %v (debounce %v)", cfg.Chip, offsets, cfg.Debounce)
	return s, nil
}

// SingleChannel reports whether only channel A is wired.
func (s *CdevSource) SingleChannel() bool {
	return s.single
}

// Sample reads the current line values.
func (s *CdevSource) Sample() (bool, bool, error) {
	vals := make([]int, 2)
	n := 2
	if s.single {
		n = 1
	}
	if err := s.lines.Values(vals[:n]); err != nil {
		return false, false, fmt.Errorf("read encoder lines: %w", err)
	}
	return vals[0] == 1, vals[1] == 1, nil
}

// Watch registers fn to receive the channel levels after every edge.
func (s *CdevSource) Watch(fn func(a, b bool)) error {
	s.mu.Lock()
	s.watchers = append(s.watchers, fn)
	s.mu.Unlock()
	return nil
}

// Close releases the lines.
func (s *CdevSource) Close() error {
	if s.lines == nil {
		return nil
	}
	return s.lines.Close()
}

// seed records the initial levels unless an edge already reported newer ones.
func (s *CdevSource) seed(a, b bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.events > 0 {
		return
	}
	s.a, s.b = a, b
}

func (s *CdevSource) handle(evt gpiocdev.LineEvent) {
	level := evt.Type == gpiocdev.LineEventRisingEdge

	s.mu.Lock()
	switch {
	case evt.Offset == s.aPin:
		s.a = level
	case !s.single && evt.Offset == s.bPin:
		s.b = level
	default:
		s.mu.Unlock()
		return
	}
	s.events++
	a, b := s.a, s.b
	watchers := s.watchers
	s.mu.Unlock()

	for _, fn := range watchers {
		fn(a, b)
	}
}
