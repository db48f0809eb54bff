// Package serialport owns the raw-mode RS-485 UART: opening it, putting it
// into the exact termios state the bus protocol assumes, and exposing the
// handful of ioctls the controller needs (byte-available count, line
// statistics, kernel RS-485 direction control).
package serialport

import (
	"fmt"
	"unsafe"

	ioctl "github.com/daedaluz/goioctl"
	serial "github.com/daedaluz/goserial"
)

// Baud selects one of the two rates the bus protocol is ever run at.
type Baud int

const (
	// Baud115200 is the normal operating rate for the bus daemon.
	Baud115200 Baud = 115200
	// Baud38400 is used by the firmware programmer while a DSB is in
	// bootloader mode.
	Baud38400 Baud = 38400
)

func (b Baud) cflag() serial.CFlag {
	if b == Baud38400 {
		return serial.B38400
	}
	return serial.B115200
}

// fionread is TIOCINQ: the kernel ioctl returning the number of bytes
// currently queued in the input buffer. goserial doesn't expose it, so it's
// defined locally the same way goserial's own ioctl_linux.go defines the
// ones it does need.
const fionread = uintptr(0x541B)

// Port is a single exclusively-owned RS-485 serial line, raw and
// byte-oriented: no line discipline, no canonical processing.
type Port struct {
	path string
	p    *serial.Port
}

// Open opens path and puts it into the raw 8N1 mode the bus protocol
// expects: CLOCAL|CREAD, no hardware flow control, one stop bit, and
// VMIN=1/VTIME=2. With VMIN=1 a read blocks until at least one byte has
// arrived; VTIME only bounds the gap between bytes after the first, so a
// read on a silent line does not time out.
//
// Where the kernel driver supports it, RS-485 direction control is also
// enabled (RTS asserted only while transmitting); that's a platform-level
// enrichment the original relied on external wiring for, so failure here is
// not fatal — it's logged once by the caller and otherwise ignored.
func Open(path string, baud Baud) (*Port, error) {
	p, err := serial.Open(path, nil)
	if err != nil {
		return nil, fmt.Errorf("serialport: open %s: %w", path, err)
	}

	attrs, err := p.GetAttr()
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("serialport: get attr %s: %w", path, err)
	}
	attrs.MakeRaw()
	attrs.SetSpeed(baud.cflag())
	attrs.Cflag &^= serial.CSTOPB | serial.CRTSCTS
	attrs.Cflag |= serial.CLOCAL | serial.CREAD
	attrs.Cc[serial.VMIN] = 1
	attrs.Cc[serial.VTIME] = 2

	if err := p.SetAttr(serial.TCSANOW, attrs); err != nil {
		p.Close()
		return nil, fmt.Errorf("serialport: set attr %s: %w", path, err)
	}

	return &Port{path: path, p: p}, nil
}

// EnableRS485 turns on kernel-level RS-485 direction control: RTS is
// asserted only while the driver has data queued for transmission. It
// returns an error the caller should log, not abort on — many USB-serial
// adapters don't implement TIOCSRS485 at all.
func (p *Port) EnableRS485() error {
	cfg := &serial.RS485{Flags: serial.RS485Enabled | serial.RS485RTSOnSend}
	if err := p.p.SetRS485(cfg); err != nil {
		return fmt.Errorf("serialport: enable rs485 on %s: %w", p.path, err)
	}
	return nil
}

// Write blocks until every byte of data has been handed to the kernel.
func (p *Port) Write(data []byte) error {
	n, err := p.p.Write(data)
	if err != nil {
		return fmt.Errorf("serialport: write %s: %w", p.path, err)
	}
	if n != len(data) {
		return fmt.Errorf("serialport: short write on %s: %d of %d bytes", p.path, n, len(data))
	}
	return nil
}

// ReadByte blocks until one byte arrives, per the VMIN=1 setup in Open;
// callers check BytesAvailable first. ok is false if the read returned no
// data.
func (p *Port) ReadByte() (b byte, ok bool, err error) {
	var buf [1]byte
	n, err := p.p.Read(buf[:])
	if err != nil {
		return 0, false, fmt.Errorf("serialport: read %s: %w", p.path, err)
	}
	if n == 0 {
		return 0, false, nil
	}
	return buf[0], true, nil
}

// BytesAvailable returns the number of bytes currently queued for read,
// via TIOCINQ — the same query the scheduler's opportunistic broadcast
// drain uses to decide whether it's worth reading at all.
func (p *Port) BytesAvailable() (int, error) {
	var n int32
	if err := ioctl.Ioctl(uintptr(p.p.Fd()), fionread, uintptr(unsafe.Pointer(&n))); err != nil {
		return 0, fmt.Errorf("serialport: fionread %s: %w", p.path, err)
	}
	return int(n), nil
}

// tiocgicount is TIOCGICOUNT: returns the kernel's running line-error
// counters. goserial doesn't wrap it, so the ioctl number and the struct
// layout (struct serial_icounter_struct) are reproduced directly here.
const tiocgicount = uintptr(0x545D)

// icounter mirrors struct serial_icounter_struct from <linux/serial.h>.
type icounter struct {
	CTS, DSR, RNG, DCD          int32
	RX, TX                      int32
	Frame, Overrun, Parity, Brk int32
	BufOverrun                  int32
	reserved                    [9]int32
}

// Stats mirrors the line counters DumpSerialPortStats logged in the
// original: bytes seen in each direction and the error tallies that matter
// for a half-duplex bus (framing errors usually mean a collision).
type Stats struct {
	RX, TX                      int
	Frame, Overrun, Parity, Brk int
	BufOverrun                  int
}

// Stats reads TIOCGICOUNT. Callers log the result at startup and whenever
// the bus controller suspects line trouble, exactly as the original did.
func (p *Port) Stats() (Stats, error) {
	var ic icounter
	if err := ioctl.Ioctl(uintptr(p.p.Fd()), tiocgicount, uintptr(unsafe.Pointer(&ic))); err != nil {
		return Stats{}, fmt.Errorf("serialport: tiocgicount %s: %w", p.path, err)
	}
	return Stats{
		RX:         int(ic.RX),
		TX:         int(ic.TX),
		Frame:      int(ic.Frame),
		Overrun:    int(ic.Overrun),
		Parity:     int(ic.Parity),
		Brk:        int(ic.Brk),
		BufOverrun: int(ic.BufOverrun),
	}, nil
}

// Close releases the underlying file descriptor.
func (p *Port) Close() error {
	return p.p.Close()
}

// Path returns the device path this Port was opened against.
func (p *Port) Path() string {
	return p.path
}
