// Package xl9535 drives the XL9535 16-bit I2C I/O expander.
//
// The device exposes two 8-bit ports. Pins 0-7 map to port 0 (P00-P07) and
// pins 8-15 to port 1 (P10-P17). Every register write updates both ports of
// the register pair using a read-modify-write, so changing one pin never
// disturbs the others.
package xl9535

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"

	"github.com/e7canasta/camlink"
)

// DefaultAddress is the 7-bit address with A0-A2 tied low
const DefaultAddress uint16 = 0x20

// NumPins is the number of I/O lines
const NumPins = 16

// Register pairs (port 0, port 1)
const (
	regInput0    byte = 0x00
	regOutput0   byte = 0x02
	regPolarity0 byte = 0x04
	regConfig0   byte = 0x06
)

// ErrInvalidPin is returned for pins outside 0-15
var ErrInvalidPin = errors.New("xl9535: invalid pin")

// Device is an XL9535 on an I2C connection.
//
// Thread-safe: register updates are serialized.
type Device struct {
	c  conn.Conn
	mu sync.Mutex
}

// New wraps an existing connection to the expander
func New(c conn.Conn) *Device {
	return &Device{c: c}
}

// Open initializes the host drivers and opens the expander on busName
// ("" selects the first available bus). The returned closer releases the bus.
func Open(busName string, addr uint16) (*Device, io.Closer, error) {
	if _, err := host.Init(); err != nil {
		return nil, nil, fmt.Errorf("xl9535: host init: %w", err)
	}
	bus, err := i2creg.Open(busName)
	if err != nil {
		return nil, nil, fmt.Errorf("xl9535: open bus %q: %w", busName, err)
	}
	return New(&i2c.Dev{Bus: bus, Addr: addr}), bus, nil
}

func (d *Device) String() string {
	return "xl9535(" + d.c.String() + ")"
}

// SetDirection configures pin as output or input (config register bit 0 = output)
func (d *Device) SetDirection(pin camlink.Pin, dir camlink.Direction) error {
	return d.update(regConfig0, pin, dir == camlink.Input)
}

// SetLevel drives an output pin
func (d *Device) SetLevel(pin camlink.Pin, level camlink.Level) error {
	return d.update(regOutput0, pin, level == camlink.High)
}

// SetPolarity inverts the input reading of pin
func (d *Device) SetPolarity(pin camlink.Pin, inverted bool) error {
	return d.update(regPolarity0, pin, inverted)
}

// Level reads the input register for pin
func (d *Device) Level(pin camlink.Pin) (camlink.Level, error) {
	if pin >= NumPins {
		return camlink.Low, fmt.Errorf("%w: %d", ErrInvalidPin, pin)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	ports, err := d.read(regInput0)
	if err != nil {
		return camlink.Low, err
	}
	if ports[pin/8]&(1<<(pin%8)) != 0 {
		return camlink.High, nil
	}
	return camlink.Low, nil
}

// update sets or clears one bit of a register pair
func (d *Device) update(reg byte, pin camlink.Pin, set bool) error {
	if pin >= NumPins {
		return fmt.Errorf("%w: %d", ErrInvalidPin, pin)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	ports, err := d.read(reg)
	if err != nil {
		return err
	}

	port, bit := pin/8, byte(1)<<(pin%8)
	if set {
		ports[port] |= bit
	} else {
		ports[port] &^= bit
	}

	for i, v := range ports {
		if err := d.c.Tx([]byte{reg + byte(i), v}, nil); err != nil {
			return fmt.Errorf("xl9535: write reg 0x%02x: %w", reg+byte(i), err)
		}
	}
	return nil
}

// read returns both ports of the register pair starting at reg
func (d *Device) read(reg byte) ([2]byte, error) {
	var ports [2]byte
	if err := d.c.Tx([]byte{reg}, ports[:]); err != nil {
		return ports, fmt.Errorf("xl9535: read reg 0x%02x: %w", reg, err)
	}
	return ports, nil
}

var _ camlink.IOExpander = (*Device)(nil)
