// Package quadrature turns A/B encoder channel levels into a signed pulse count.
package quadrature

import (
	"sync"
	"sync/atomic"
)

// Mode selects how channel samples are interpreted.
type Mode int

const (
	// TwoChannel decodes every A/B transition through the transition table.
	TwoChannel Mode = iota
	// SingleChannel counts rising edges of A only. Direction is not
	// observable and comes from SetDirection.
	SingleChannel
)

func (m Mode) String() string {
	if m == SingleChannel {
		return "single-channel"
	}
	return "two-channel"
}

// transitions is indexed by prevA<<3 | prevB<<2 | curA<<1 | curB.
//
//	clockwise:         0001 0111 1110 1000 -> +1
//	counter-clockwise: 0010 1011 1101 0100 -> -1
//
// Everything else (no change, double transition) is 0.
var transitions = [16]int8{
	0b0001: +1,
	0b0111: +1,
	0b1110: +1,
	0b1000: +1,
	0b0010: -1,
	0b1011: -1,
	0b1101: -1,
	0b0100: -1,
}

func bit(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Code composes the 4-bit transition code.
func Code(prevA, prevB, curA, curB bool) int {
	return bit(prevA)<<3 | bit(prevB)<<2 | bit(curA)<<1 | bit(curB)
}

// Delta returns +1, -1 or 0 for a two-channel transition.
func Delta(prevA, prevB, curA, curB bool) int {
	return int(transitions[Code(prevA, prevB, curA, curB)])
}

// Decoder holds the encoder state of one motor.
//
// Update may be called from an edge callback goroutine while another
// goroutine reads Position: the level tuple is guarded by mu and the
// position itself is an atomic, so readers never block and never see a
// partial update.
type Decoder struct {
	mode Mode

	mu           sync.Mutex
	lastA, lastB bool

	position atomic.Int64
	// sign is the single-channel direction hint (+1 or -1).
	sign atomic.Int64
}

// NewDecoder returns a decoder at position zero with both channels low.
func NewDecoder(mode Mode) *Decoder {
	d := &Decoder{mode: mode}
	d.sign.Store(1)
	return d
}

// Mode returns the decoding mode.
func (d *Decoder) Mode() Mode {
	return d.mode
}

// Seed records the current channel levels without counting.
func (d *Decoder) Seed(a, b bool) {
	d.mu.Lock()
	d.lastA, d.lastB = a, b
	d.mu.Unlock()
}

// Update ingests a sample and returns the applied delta.
func (d *Decoder) Update(a, b bool) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	var delta int
	switch d.mode {
	case SingleChannel:
		if a && !d.lastA {
			delta = int(d.sign.Load())
		}
	default:
		delta = Delta(d.lastA, d.lastB, a, b)
	}
	d.lastA, d.lastB = a, b

	if delta != 0 {
		d.position.Add(int64(delta))
	}
	return delta
}

// Add applies one already-decoded pulse. Only the sign of dir is used.
func (d *Decoder) Add(dir int) int {
	switch {
	case dir > 0:
		d.position.Add(1)
		return 1
	case dir < 0:
		d.position.Add(-1)
		return -1
	}
	return 0
}

// SetDirection sets the direction single-channel pulses are counted in.
func (d *Decoder) SetDirection(clockwise bool) {
	if clockwise {
		d.sign.Store(1)
	} else {
		d.sign.Store(-1)
	}
}

// Position returns the cumulative pulse count since the last Reset.
func (d *Decoder) Position() int64 {
	return d.position.Load()
}

// Reset sets the position to zero. Channel levels are kept so the next
// transition still decodes correctly.
func (d *Decoder) Reset() {
	d.position.Store(0)
}
