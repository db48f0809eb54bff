package coldcube

import (
	"testing"
	"time"

	"github.com/librescoot/rs485-bus-daemon/pkg/bus"
	"github.com/librescoot/rs485-bus-daemon/pkg/frame"
	"github.com/librescoot/rs485-bus-daemon/pkg/serialport"
)

type fakePort struct {
	rx []byte
}

func (f *fakePort) Write(data []byte) error { return nil }

func (f *fakePort) BytesAvailable() (int, error) {
	return len(f.rx), nil
}

func (f *fakePort) ReadByte() (byte, bool, error) {
	if len(f.rx) == 0 {
		return 0, false, nil
	}
	b := f.rx[0]
	f.rx = f.rx[1:]
	return b, true, nil
}

func (f *fakePort) Stats() (serialport.Stats, error) {
	return serialport.Stats{}, nil
}

func (f *fakePort) queue(wire []byte) {
	f.rx = append(f.rx, wire...)
}

type fakePublisher struct {
	statusChanges []Status
	comprErrors   []uint8
}

func (f *fakePublisher) PublishStatusChanged(s Status) {
	f.statusChanges = append(f.statusChanges, s)
}

func (f *fakePublisher) PublishCompressorError(code uint8) {
	f.comprErrors = append(f.comprErrors, code)
}

func newTestPeer(fp *fakePort, pub EventPublisher) *Peer {
	b := bus.New(fp)
	return New(b, time.Millisecond, time.Millisecond, pub)
}

func TestDiscoverValidatesDeviceTypeAndDecodesVersion(t *testing.T) {
	fp := &fakePort{}
	p := newTestPeer(fp, nil)

	// low nibble 7 = cold cube; bit 0x20 = cal cold present, 0x10 = cal ambient present.
	payload := []byte{0x07, 0x30, 0, 0, 0, 0, 0, 0x12}
	wire, err := frame.Encode(controllerAddress, typeDiscoveryReturn, false, payload)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	fp.queue(wire)

	if !p.Discover() {
		t.Fatalf("Discover() returned false")
	}
	b := p.Board()
	if !b.Present || !b.CalColdPresent || !b.CalAmbientPresent {
		t.Fatalf("board = %+v, want present with both cal probes", b)
	}
	if b.VersionMajor != 1 || b.VersionMinor != 2 {
		t.Fatalf("version = %d.%d, want 1.2", b.VersionMajor, b.VersionMinor)
	}
}

func TestDiscoverRejectsWrongDeviceType(t *testing.T) {
	fp := &fakePort{}
	p := newTestPeer(fp, nil)

	payload := []byte{0x02, 0, 0, 0, 0, 0, 0, 0}
	wire, err := frame.Encode(controllerAddress, typeDiscoveryReturn, false, payload)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	fp.queue(wire)

	if p.Discover() {
		t.Fatalf("Discover() should reject a DSB device-type nibble")
	}
}

func TestGetStatusPublishesOnChangeAndReadsCompressorError(t *testing.T) {
	fp := &fakePort{}
	pub := &fakePublisher{}
	p := newTestPeer(fp, pub)

	// Status reply: firmware good, compressor error bit set (0x20), AC ok (0x01).
	statusWire, err := frame.Encode(controllerAddress, typeGetStatusReturn, false, []byte{0x80 | 0x20 | 0x01})
	if err != nil {
		t.Fatalf("Encode status: %v", err)
	}
	comprWire, err := frame.Encode(controllerAddress, typeGetCompressorErrorReturn, false, []byte{0x07})
	if err != nil {
		t.Fatalf("Encode compressor error: %v", err)
	}
	fp.queue(statusWire)
	fp.queue(comprWire)

	if !p.GetStatus() {
		t.Fatalf("GetStatus() returned false")
	}

	st := p.Status()
	if !st.FirmwareGood || !st.CompressorErr || !st.ACPower {
		t.Fatalf("status = %+v, unexpected decode", st)
	}
	if len(pub.statusChanges) != 1 {
		t.Fatalf("status changes published = %d, want 1", len(pub.statusChanges))
	}
	if len(pub.comprErrors) != 1 || pub.comprErrors[0] != 0x07 {
		t.Fatalf("compressor errors published = %v, want [0x07]", pub.comprErrors)
	}
}

func TestGetStatusNoPublishWhenUnchanged(t *testing.T) {
	fp := &fakePort{}
	pub := &fakePublisher{}
	p := newTestPeer(fp, pub)
	p.status = decodeStatus(0x81)

	wire, err := frame.Encode(controllerAddress, typeGetStatusReturn, false, []byte{0x81})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	fp.queue(wire)

	if !p.GetStatus() {
		t.Fatalf("GetStatus() returned false")
	}
	if len(pub.statusChanges) != 0 {
		t.Fatalf("status changes published = %d, want 0 (unchanged)", len(pub.statusChanges))
	}
}

func TestReadTemperaturesDecodesScaledValues(t *testing.T) {
	fp := &fakePort{}
	p := newTestPeer(fp, nil)

	// 1234 * 0.01 = 12.34, 500 * 0.01 = 5.00, 600 * 0.01 = 6.00; the wire
	// frame is always class-eight, so the trailing two bytes go unused.
	payload := []byte{0x04, 0xD2, 0x01, 0xF4, 0x02, 0x58, 0x00, 0x00}
	wire, err := frame.Encode(controllerAddress, typeGetTemperatureReturn, false, payload)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	fp.queue(wire)

	if !p.ReadTemperatures() {
		t.Fatalf("ReadTemperatures() returned false")
	}
	temps := p.Temperatures()
	if temps.Thermistor != 12.34 || temps.ColdCubeCal != 5.00 || temps.AmbientCal != 6.00 {
		t.Fatalf("temps = %+v, unexpected decode", temps)
	}
}

func TestReadVoltagesDecodesScaledValues(t *testing.T) {
	fp := &fakePort{}
	p := newTestPeer(fp, nil)

	payload := []byte{100, 120, 50, 33, 95, 0, 12, 0}
	wire, err := frame.Encode(controllerAddress, typeGetVoltageReturn, false, payload)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	fp.queue(wire)

	if !p.ReadVoltages() {
		t.Fatalf("ReadVoltages() returned false")
	}
	v := p.Voltages()
	if v.ChargePercent != 10.0 || v.Supply != 12.0 || v.Backplane != 5.0 ||
		v.Supply3 != 3.3 || v.Battery != 9.5 || v.Other != 1.2 {
		t.Fatalf("voltages = %+v, unexpected decode", v)
	}
}

func TestReadLoggedTempsDrainsUntilSentinel(t *testing.T) {
	fp := &fakePort{}
	p := newTestPeer(fp, nil)

	entry1, err := frame.Encode(controllerAddress, typeGetLoggedTempReturn, false, []byte{0x00, 0x01, 0x04, 0xD2})
	if err != nil {
		t.Fatalf("Encode entry1: %v", err)
	}
	sentinel, err := frame.Encode(controllerAddress, typeGetLoggedTempReturn, false, []byte{0x00, 0x00, 0x00, 0x00})
	if err != nil {
		t.Fatalf("Encode sentinel: %v", err)
	}
	fp.queue(entry1)
	fp.queue(sentinel)

	entries, ok := p.ReadLoggedTemps()
	if !ok {
		t.Fatalf("ReadLoggedTemps() failed")
	}
	if len(entries) != 1 || entries[0].Index != 1 || entries[0].Temp != 12.34 {
		t.Fatalf("entries = %+v, unexpected decode", entries)
	}
}

func TestSetDefrostParamsReportsSuccess(t *testing.T) {
	fp := &fakePort{}
	p := newTestPeer(fp, nil)

	if !p.SetDefrostParams(3600, 8, 500) {
		t.Fatalf("SetDefrostParams() returned false")
	}
}

func TestTickRunsBothCadencesWhenDue(t *testing.T) {
	fp := &fakePort{}
	p := newTestPeer(fp, nil)

	status, err := frame.Encode(controllerAddress, typeGetStatusReturn, false, []byte{0x80})
	if err != nil {
		t.Fatalf("Encode status: %v", err)
	}
	temps, err := frame.Encode(controllerAddress, typeGetTemperatureReturn, false, []byte{0, 0, 0, 0, 0, 0, 0, 0})
	if err != nil {
		t.Fatalf("Encode temps: %v", err)
	}
	volts, err := frame.Encode(controllerAddress, typeGetVoltageReturn, false, []byte{0, 0, 0, 0, 0, 0, 0, 0})
	if err != nil {
		t.Fatalf("Encode volts: %v", err)
	}
	params, err := frame.Encode(controllerAddress, typeGetPersistentReturn, false, []byte{0, 0, 0, 0, 0, 0, 0, 0})
	if err != nil {
		t.Fatalf("Encode params: %v", err)
	}
	loggedSentinel, err := frame.Encode(controllerAddress, typeGetLoggedTempReturn, false, []byte{0, 0, 0, 0})
	if err != nil {
		t.Fatalf("Encode logged sentinel: %v", err)
	}
	fp.queue(status)
	fp.queue(temps)
	fp.queue(volts)
	fp.queue(params)
	fp.queue(loggedSentinel)

	if !p.Tick() {
		t.Fatalf("Tick() returned false")
	}
	if p.lastFastPoll.IsZero() || p.lastSlowPoll.IsZero() {
		t.Fatalf("Tick() should stamp both poll cadences on first run")
	}
}
