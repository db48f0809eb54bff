package programmer

import (
	"strings"
	"testing"
	"time"

	"github.com/librescoot/rs485-bus-daemon/pkg/crc8"
	"github.com/librescoot/rs485-bus-daemon/pkg/frame"
	"github.com/librescoot/rs485-bus-daemon/pkg/serialport"
)

type fakePort struct {
	rx      []byte
	written [][]byte
}

func (f *fakePort) Write(data []byte) error {
	f.written = append(f.written, append([]byte(nil), data...))
	return nil
}

func (f *fakePort) BytesAvailable() (int, error) { return len(f.rx), nil }

func (f *fakePort) ReadByte() (byte, bool, error) {
	if len(f.rx) == 0 {
		return 0, false, nil
	}
	b := f.rx[0]
	f.rx = f.rx[1:]
	return b, true, nil
}

func (f *fakePort) Stats() (serialport.Stats, error) { return serialport.Stats{}, nil }

func (f *fakePort) queue(wire []byte) { f.rx = append(f.rx, wire...) }

func newTestProgrammer(fp *fakePort) *Programmer {
	return New(fp, nil, time.Millisecond)
}

func TestDiscoverLightStopsAtFirstWrongMode(t *testing.T) {
	fp := &fakePort{}
	p := newTestProgrammer(fp)

	// Address 1 replies correctly not-in-bootloader; address 2 replies
	// still in bootloader mode, which should abort the sweep.
	ok1, err := frame.Encode(controllerAddress, typeDiscoverLightReturn, false, []byte{0x23, 0x12})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	bad2, err := frame.Encode(controllerAddress, typeDiscoverLightReturn, false, []byte{0x10, 0x12})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	fp.queue(ok1)
	fp.queue(bad2)

	results, ok := p.DiscoverLight(false)
	if ok {
		t.Fatalf("DiscoverLight should report failure when a board is in the wrong mode")
	}
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2 (stops right after the failing board)", len(results))
	}
	if !results[0].CorrectMode || results[1].CorrectMode {
		t.Fatalf("results = %+v, unexpected correctness", results)
	}
}

func TestCheckErrorsSkipsUnenrolledAddresses(t *testing.T) {
	fp := &fakePort{}
	p := newTestProgrammer(fp)
	for addr := firstAddress; addr <= lastAddress; addr++ {
		p.enrolled[addr] = false
	}
	p.enrolled[3] = true

	wire, err := frame.Encode(controllerAddress, typeGetErrorsReturn, false, []byte{0x13, 0x45, 0, 0})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	fp.queue(wire)

	errs := p.CheckErrors()
	if len(errs) != 1 || errs[0].Address != 3 {
		t.Fatalf("errs = %+v, want exactly address 3", errs)
	}
	if len(errs[0].Errors) != 3 {
		t.Fatalf("errs[0].Errors = %v, want 3 nibbles", errs[0].Errors)
	}
}

func TestParseHexLineDecodesRecord(t *testing.T) {
	// :03 0000 00 112233 CRC  (length 3, addr 0x0000, type 0, data, dummy crc)
	data, ok := parseHexLine(":0300000011223344\r\n")
	if !ok {
		t.Fatalf("parseHexLine rejected a well-formed line")
	}
	want := []byte{0x03, 0x00, 0x00, 0x00, 0x11, 0x22, 0x33, 0x44}
	if len(data) != len(want) {
		t.Fatalf("data = % X, want % X", data, want)
	}
	for i := range want {
		if data[i] != want[i] {
			t.Fatalf("data = % X, want % X", data, want)
		}
	}
}

func TestParseHexLineRejectsBadPrefixAndOddLength(t *testing.T) {
	if _, ok := parseHexLine("00000000"); ok {
		t.Fatalf("missing ':' prefix should be rejected")
	}
	if _, ok := parseHexLine(":0"); ok {
		t.Fatalf("odd-length body should be rejected")
	}
	if _, ok := parseHexLine(":0G"); ok {
		t.Fatalf("non-hex digit should be rejected")
	}
}

func TestSendHexRecordWritesClassThreeFrame(t *testing.T) {
	fp := &fakePort{}
	p := newTestProgrammer(fp)

	payload := []byte{0x03, 0x00, 0x00, 0x00, 0x11, 0x22, 0x33}
	if err := p.sendHexRecord(payload); err != nil {
		t.Fatalf("sendHexRecord: %v", err)
	}
	if len(fp.written) != 1 {
		t.Fatalf("writes = %d, want 1", len(fp.written))
	}

	wire := fp.written[0]
	wantStart := byte(0x60) | (addrDownload & 0x1F)
	if wire[0] != wantStart {
		t.Fatalf("header byte = 0x%02X, want 0x%02X", wire[0], wantStart)
	}
	if wire[1] != typeHexRecord {
		t.Fatalf("type byte = 0x%02X, want 0x%02X", wire[1], typeHexRecord)
	}
	gotCRC := wire[len(wire)-1]
	wantCRC := crc8.Calc(wire[:len(wire)-1])
	if gotCRC != wantCRC {
		t.Fatalf("crc = 0x%02X, want 0x%02X", gotCRC, wantCRC)
	}
}

func TestProgramFileSendsEachLineAndChecksErrorsOnEOF(t *testing.T) {
	fp := &fakePort{}
	p := newTestProgrammer(fp)
	for addr := firstAddress; addr <= lastAddress; addr++ {
		p.enrolled[addr] = false
	}

	hex := ":02000000AABB00\n:00000001FF\n"
	result, err := p.ProgramFile(strings.NewReader(hex))
	if err != nil {
		t.Fatalf("ProgramFile: %v", err)
	}
	if result.LinesSent != 2 {
		t.Fatalf("LinesSent = %d, want 2", result.LinesSent)
	}
	if len(fp.written) != 2 {
		t.Fatalf("writes = %d, want 2 (no error-check traffic since nothing is enrolled)", len(fp.written))
	}
}
