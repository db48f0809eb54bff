// Package frame implements the wire encoding of the RS-485 bus protocol:
// HDR(read|length-class|address) | TYPE | PAYLOAD | CRC8, and the
// byte-at-a-time decoder state machine used to receive one.
package frame

import (
	"fmt"
	"log"

	"github.com/librescoot/rs485-bus-daemon/pkg/crc8"
)

// LengthClass is one of the four payload sizes the header's length field
// can express. There is no class for anything else — a write with a
// different payload size is a caller error, not a framing one.
type LengthClass int

const (
	ClassOne   LengthClass = 1
	ClassTwo   LengthClass = 2
	ClassFour  LengthClass = 4
	ClassEight LengthClass = 8
)

// bits returns the two-bit length field as it sits in the header byte,
// already shifted into position (bits 6:5).
func (c LengthClass) bits() (byte, bool) {
	switch c {
	case ClassOne:
		return 0x00, true
	case ClassTwo:
		return 0x20, true
	case ClassFour:
		return 0x40, true
	case ClassEight:
		return 0x60, true
	default:
		return 0, false
	}
}

// ClassForLen maps a payload length to its wire length class. Only the
// four supported sizes are valid.
func ClassForLen(n int) (LengthClass, error) {
	switch n {
	case 1:
		return ClassOne, nil
	case 2:
		return ClassTwo, nil
	case 4:
		return ClassFour, nil
	case 8:
		return ClassEight, nil
	default:
		return 0, fmt.Errorf("frame: unsupported payload length %d", n)
	}
}

// MinAddress, MaxAddress bound the valid 5-bit address field. Addresses in
// [MaxAddress+1, BroadcastAddress) are reserved: the decoder skips a header
// byte carrying one, same as address 0, without reporting an error.
const (
	MinAddress = 1
	MaxAddress = 15
)

// BroadcastAddress is the one address above MaxAddress that's always
// valid: every peer, and only peers, listen on it.
const BroadcastAddress = 31

// Frame is a fully decoded message: header address/type plus payload, with
// the CRC already verified.
type Frame struct {
	Addr    byte
	Type    byte
	IsRead  bool
	Payload []byte
}

// Encode builds the wire bytes for addr/typ/payload, appending the CRC-8.
// isRead sets the header's read bit; payload length must be one of the
// four supported classes. Broadcasting (addr == BroadcastAddress) is the
// caller's concern — Encode only builds the bytes, it doesn't repeat them.
func Encode(addr, typ byte, isRead bool, payload []byte) ([]byte, error) {
	if addr > BroadcastAddress {
		return nil, fmt.Errorf("frame: address %d out of range", addr)
	}
	class, err := ClassForLen(len(payload))
	if err != nil {
		return nil, err
	}
	lenBits, ok := class.bits()
	if !ok {
		return nil, fmt.Errorf("frame: invalid length class %v", class)
	}

	start := lenBits | (addr & 0x1F)
	if isRead {
		start |= 0x80
	}

	buf := make([]byte, 0, 3+len(payload))
	buf = append(buf, start, typ)
	buf = append(buf, payload...)
	buf = append(buf, crc8.Calc(buf))
	return buf, nil
}

// state is the receive state machine's position, named after the
// original's RecvState enum.
type state int

const (
	stateWaitHeader state = iota
	stateWaitType
	stateReadPayload
	stateWaitCRC
)

// Decoder drives the byte-at-a-time frame state machine. It holds no I/O
// of its own — Feed is called once per received byte by the caller's
// timing loop (see pkg/bus, which owns the deadline and the serial port).
type Decoder struct {
	state      state
	full       []byte
	payload    []byte
	waitingLen int
	addr       byte
	typ        byte
}

// Reset returns the decoder to its initial state, discarding any
// partially-received frame. Callers reset between receive attempts so a
// message abandoned to a timeout doesn't leak into the next one.
func (d *Decoder) Reset() {
	d.state = stateWaitHeader
	d.full = d.full[:0]
	d.payload = d.payload[:0]
	d.waitingLen = 0
}

// Feed processes one received byte. It returns (frame, true, nil) once a
// complete, CRC-valid frame has been assembled; (nil, false, nil) if more
// bytes are needed; and a non-nil error for a CRC mismatch. A byte
// rejected by WaitHeader's defensive checks (read bit set, out-of-range
// address) is not a protocol error — it is skipped and the decoder keeps
// waiting, since a half-duplex bus can leave a stray byte from a
// collision sitting in the buffer. A skipped read-bit byte is logged.
func (d *Decoder) Feed(b byte) (*Frame, bool, error) {
	switch d.state {
	case stateWaitHeader:
		if b&0x80 != 0 {
			// The read bit is set on a byte we're reading as a header;
			// this can only be a stray byte. Keep waiting.
			log.Printf("frame: discarding stray byte 0x%02X while waiting for a header", b)
			return nil, false, nil
		}
		addr := b & 0x1F
		if addr == 0 || (addr > MaxAddress && addr < BroadcastAddress) {
			return nil, false, nil
		}

		d.addr = addr
		d.full = append(d.full, b)

		switch (b >> 5) & 0x03 {
		case 0:
			d.waitingLen = 1
		case 1:
			d.waitingLen = 2
		case 2:
			d.waitingLen = 4
		case 3:
			d.waitingLen = 8
		}
		d.state = stateWaitType
		return nil, false, nil

	case stateWaitType:
		d.full = append(d.full, b)
		d.typ = b
		d.state = stateReadPayload
		return nil, false, nil

	case stateReadPayload:
		d.full = append(d.full, b)
		d.payload = append(d.payload, b)
		d.waitingLen--
		if d.waitingLen == 0 {
			d.state = stateWaitCRC
		}
		return nil, false, nil

	case stateWaitCRC:
		want := crc8.Calc(d.full)
		d.full = append(d.full, b)
		if want != b {
			return nil, false, fmt.Errorf("frame: crc mismatch: got 0x%02X want 0x%02X", b, want)
		}
		f := &Frame{
			Addr:    d.addr,
			Type:    d.typ,
			IsRead:  d.full[0]&0x80 != 0,
			Payload: append([]byte(nil), d.payload...),
		}
		return f, true, nil

	default:
		return nil, false, fmt.Errorf("frame: decoder in unknown state %d", d.state)
	}
}
