// Package programmer implements the offline firmware-flashing utility: put
// every enrolled drawer sensor board into bootloader mode, stream an
// Intel-HEX file to the bus's reserved download address, and confirm
// every board comes back out of bootloader mode afterward. It shares the
// wire framer and CRC with the daemon but never runs alongside it.
package programmer

import (
	"bufio"
	"fmt"
	"io"
	"time"

	"github.com/librescoot/rs485-bus-daemon/pkg/bus"
	"github.com/librescoot/rs485-bus-daemon/pkg/crc8"
	"github.com/librescoot/rs485-bus-daemon/pkg/serialport"
)

// Type codes this utility speaks.
const (
	typeDiscoverLight       = 0x09
	typeDiscoverLightReturn = 0x89
	typeGetErrors           = 0x05
	typeGetErrorsReturn     = 0x85
	typeSetBootloaderMode   = 0x70
	typeHexRecord           = 0x77
)

const (
	addrBroadcast = 31
	addrDownload  = 30
)

const (
	firstAddress = 1
	lastAddress  = 13

	// controllerAddress is who a board's reply is addressed to; duplicated
	// from pkg/dsb deliberately rather than imported, since this utility
	// has no other dependency on that package.
	controllerAddress = 15
)

const defaultTimeout = 100 * time.Millisecond

// BoardResult is what one address reported to a discovery-light sweep.
type BoardResult struct {
	Address        uint8
	Responded      bool
	BootLoaderMode bool
	VersionMajor   uint8
	VersionMinor   uint8
	CorrectMode    bool
}

// LineErrors is the error nibble list a board reported while a given
// Intel-HEX line was in flight.
type LineErrors struct {
	Address uint8
	Errors  []uint8
}

// Port is the serial line surface this utility needs — the same shape
// pkg/bus depends on, so a *serialport.Port satisfies it directly and
// tests can substitute an in-memory fake without touching real hardware.
type Port interface {
	Write(data []byte) error
	ReadByte() (b byte, ok bool, err error)
	BytesAvailable() (int, error)
	Stats() (serialport.Stats, error)
}

// Programmer owns the serial line for the duration of a flash operation.
// It is a plain sequential tool, not the cooperative scheduler's peer —
// every method blocks until its own exchange completes or times out.
type Programmer struct {
	port     Port
	closer   io.Closer
	bus      *bus.Bus
	delay    time.Duration
	enrolled [lastAddress + 1]bool
	Verbose  bool
	Debug    bool
}

// Open opens the serial device at the given baud (38400 or 115200) and
// marks every address in range as enrolled, matching the original
// assuming a full roster until a discovery sweep says otherwise.
func Open(path string, baud serialport.Baud, interRecordDelay time.Duration) (*Programmer, error) {
	port, err := serialport.Open(path, baud)
	if err != nil {
		return nil, fmt.Errorf("programmer: open: %w", err)
	}
	return New(port, port, interRecordDelay), nil
}

// New builds a Programmer around an already-opened port. closer may be
// nil if the caller manages the port's lifetime itself (as tests do).
func New(port Port, closer io.Closer, interRecordDelay time.Duration) *Programmer {
	p := &Programmer{port: port, closer: closer, bus: bus.New(port), delay: interRecordDelay}
	for addr := firstAddress; addr <= lastAddress; addr++ {
		p.enrolled[addr] = true
	}
	return p
}

// Close releases the serial device, if this Programmer owns one.
func (p *Programmer) Close() error {
	if p.closer == nil {
		return nil
	}
	return p.closer.Close()
}

// EnterBootloaderMode broadcasts the bootloader-entry command and waits
// the settle time the original gives every board to act on it before any
// further traffic goes out.
func (p *Programmer) EnterBootloaderMode() error {
	if err := p.bus.Send(addrBroadcast, typeSetBootloaderMode, false, []byte{0x01}); err != nil {
		return fmt.Errorf("programmer: enter bootloader: %w", err)
	}
	time.Sleep(1 * time.Second)
	return nil
}

// DiscoverLight sweeps every address 1..13 with the lightweight discovery
// probe, recording which boards responded, their firmware version, and
// whether they're in bootloader mode. wantBootloader selects which mode
// counts as correct. It stops at the first board in the wrong mode,
// exactly as the original does — a single misbehaving board aborts the
// whole sweep rather than reporting a complete picture.
func (p *Programmer) DiscoverLight(wantBootloader bool) ([]BoardResult, bool) {
	var results []BoardResult

	for addr := firstAddress; addr <= lastAddress; addr++ {
		p.enrolled[addr] = false

		raddr, rtype, msg, res := p.bus.SendAndReceive(uint8(addr), typeDiscoverLight, true, []byte{0x00}, int(defaultTimeout.Milliseconds()))
		if res != bus.ResultSuccess {
			continue
		}
		if raddr != controllerAddress {
			continue
		}
		if len(msg) != 2 {
			continue
		}
		if rtype != typeDiscoverLightReturn {
			continue
		}

		p.enrolled[addr] = true
		bootLoaderMode := msg[0]&0x10 != 0
		correct := bootLoaderMode == wantBootloader
		result := BoardResult{
			Address:        uint8(addr),
			Responded:      true,
			BootLoaderMode: bootLoaderMode,
			VersionMajor:   (msg[1] >> 4) & 0x0F,
			VersionMinor:   msg[1] & 0x0F,
			CorrectMode:    correct,
		}
		results = append(results, result)

		if !correct {
			return results, false
		}
	}

	return results, true
}

// CheckErrors polls every enrolled address for its queued error nibbles.
// A board that doesn't respond within the timeout is skipped, not
// treated as fatal to the whole pass.
func (p *Programmer) CheckErrors() []LineErrors {
	var out []LineErrors

	for addr := firstAddress; addr <= lastAddress; addr++ {
		if !p.enrolled[addr] {
			continue
		}

		raddr, rtype, msg, res := p.bus.SendAndReceive(uint8(addr), typeGetErrors, true, []byte{0x00}, int(defaultTimeout.Milliseconds()))
		if res != bus.ResultSuccess || raddr != controllerAddress {
			continue
		}
		if rtype != typeGetErrorsReturn || len(msg) == 0 {
			continue
		}

		numErrors := msg[0] & 0x0F
		if numErrors == 0 {
			continue
		}

		var errs []uint8
		for i := 0; i < len(msg); i++ {
			lo := msg[i] & 0x0F
			hi := (msg[i] >> 4) & 0x0F
			if i != 0 {
				errs = append(errs, lo)
			}
			if uint8(len(errs)) == numErrors {
				break
			}
			errs = append(errs, hi)
			if uint8(len(errs)) == numErrors {
				break
			}
		}
		out = append(out, LineErrors{Address: uint8(addr), Errors: errs})
	}

	return out
}

// sendHexRecord writes one Intel-HEX record to the download address. This
// is the one frame on the bus whose payload isn't one of pkg/frame's four
// fixed length classes — the header's length bits are set to the class-3
// pattern but the DSB bootloader reads the actual record length off the
// CRC boundary, so the encoding is built by hand here rather than going
// through frame.Encode, which would reject anything but exactly 8 bytes.
func (p *Programmer) sendHexRecord(payload []byte) error {
	start := byte(0x60) | (addrDownload & 0x1F)
	wire := make([]byte, 0, 3+len(payload))
	wire = append(wire, start, typeHexRecord)
	wire = append(wire, payload...)
	wire = append(wire, crc8.Calc(wire))
	return p.port.Write(wire)
}

// ProgramResult summarizes one ProgramFile run.
type ProgramResult struct {
	LinesSent    int
	LineFailures map[int][]LineErrors
}

// ProgramFile streams an Intel-HEX file to the bus, polling for per-board
// errors after every record (always after an EOF record, additionally
// after every record when Debug is set) and waiting the configured
// inter-record delay between each.
func (p *Programmer) ProgramFile(r io.Reader) (ProgramResult, error) {
	result := ProgramResult{LineFailures: map[int][]LineErrors{}}

	scanner := bufio.NewScanner(r)
	lineNum := -1
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()

		data, ok := parseHexLine(line)
		if !ok {
			continue
		}

		isEOF := len(data) > 3 && data[3] == 0x01

		payload := make([]byte, 0, len(data)+1)
		payload = append(payload, byte(len(data)))
		payload = append(payload, data...)

		if err := p.sendHexRecord(payload); err != nil {
			return result, fmt.Errorf("programmer: line %d: %w", lineNum, err)
		}
		result.LinesSent++
		time.Sleep(p.delay)

		if isEOF {
			if errs := p.CheckErrors(); len(errs) > 0 {
				result.LineFailures[lineNum] = errs
			}
		} else if p.Debug {
			if errs := p.CheckErrors(); len(errs) > 0 {
				result.LineFailures[lineNum] = errs
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return result, fmt.Errorf("programmer: reading hex file: %w", err)
	}

	return result, nil
}

// parseHexLine decodes one Intel-HEX ASCII record (":"-prefixed,
// even-length hex digit pairs) into raw bytes. A malformed line (bad
// prefix, odd length, non-hex digit) is rejected outright rather than
// sent partially, since handing the bootloader a truncated record is
// worse than skipping the line.
func parseHexLine(line string) ([]byte, bool) {
	for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
		line = line[:len(line)-1]
	}
	if len(line) == 0 || line[0] != ':' {
		return nil, false
	}
	body := line[1:]
	if len(body)%2 != 0 {
		return nil, false
	}

	out := make([]byte, 0, len(body)/2)
	for i := 0; i < len(body); i += 2 {
		hi, ok1 := hexNibble(body[i])
		lo, ok2 := hexNibble(body[i+1])
		if !ok1 || !ok2 {
			return nil, false
		}
		out = append(out, hi<<4|lo)
	}
	return out, true
}

func hexNibble(c byte) (uint8, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 0x0A, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 0x0A, true
	default:
		return 0, false
	}
}
