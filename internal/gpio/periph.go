package gpio

import (
	"fmt"
	"sync"

	pgpio "periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

// Periph drives relay HAT outputs through periph.io using BCM pin numbers.
type Periph struct {
	mu   sync.Mutex
	pins []pgpio.PinIO
}

// NewPeriph initializes the host drivers and claims every pin as a low output.
func NewPeriph(bcm []int) (*Periph, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("periph host init: %w", err)
	}

	p := &Periph{pins: make([]pgpio.PinIO, 0, len(bcm))}
	for _, n := range bcm {
		pin := gpioreg.ByName(fmt.Sprintf("GPIO%d", n))
		if pin == nil {
			return nil, fmt.Errorf("gpio pin %d not found", n)
		}
		if err := pin.Out(pgpio.Low); err != nil {
			return nil, fmt.Errorf("gpio pin %d: %w", n, err)
		}
		p.pins = append(p.pins, pin)
	}
	return p, nil
}

func (p *Periph) pin(relay int) (pgpio.PinIO, error) {
	if relay < 1 || relay > len(p.pins) {
		return nil, fmt.Errorf("%w: %d", ErrNoSuchRelay, relay)
	}
	return p.pins[relay-1], nil
}

func (p *Periph) Set(relay int, on bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	pin, err := p.pin(relay)
	if err != nil {
		return err
	}
	return pin.Out(pgpio.Level(on))
}

func (p *Periph) Get(relay int) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pin, err := p.pin(relay)
	if err != nil {
		return false, err
	}
	return bool(pin.Read()), nil
}

func (p *Periph) Relays() int {
	return len(p.pins)
}

// Close drives every relay low and releases the pins.
func (p *Periph) Close() error {
	err := SafeAll(p)

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pin := range p.pins {
		_ = pin.Halt()
	}
	return err
}
