package coldcube

import (
	"time"

	"github.com/librescoot/rs485-bus-daemon/pkg/bus"
)

// Peer owns everything known about the cold-cube: its discovered identity,
// last-read status and the cadence at which the fast and slow polls run.
type Peer struct {
	b   *bus.Bus
	pub EventPublisher

	board  Board
	status Status

	temps  Temperatures
	volts  Voltages
	params PersistentParams

	fastFreq, slowFreq time.Duration
	lastFastPoll       time.Time
	lastSlowPoll       time.Time
}

// New builds a Peer around an already-constructed Bus. A zero fastFreq or
// slowFreq falls back to the defaults the original ships with.
func New(b *bus.Bus, fastFreq, slowFreq time.Duration, pub EventPublisher) *Peer {
	if fastFreq <= 0 {
		fastFreq = fastUpdateFreq
	}
	if slowFreq <= 0 {
		slowFreq = slowUpdateFreq
	}
	return &Peer{b: b, pub: pub, fastFreq: fastFreq, slowFreq: slowFreq}
}

// Board returns what Discover last learned about the unit.
func (p *Peer) Board() Board { return p.board }

// Status returns the last-read main status register.
func (p *Peer) Status() Status { return p.status }

// Discover probes the bus for the cold-cube and records its identity. It
// mirrors the DSB discovery exchange but validates a different device
// type nibble (7, not 2/3) and reads version and calibration-probe
// presence out of the same reply.
func (p *Peer) Discover() bool {
	raddr, rtype, msg, res := p.b.SendAndReceive(cupsAddress, typeDiscovery, true, []byte{0x00}, int(defaultTimeout.Milliseconds()))
	if res != bus.ResultSuccess || len(msg) != 8 {
		p.board = Board{}
		return false
	}
	if raddr != controllerAddress {
		return false
	}
	if rtype != typeDiscoveryReturn {
		return false
	}

	dtype := msg[0] & 0x0F
	if dtype != deviceTypeColdCube {
		return false
	}

	p.board = Board{
		Present:           true,
		VersionMajor:      (msg[7] >> 4) & 0x0F,
		VersionMinor:      msg[7] & 0x0F,
		CalColdPresent:    msg[1]&0x20 != 0,
		CalAmbientPresent: msg[1]&0x10 != 0,
	}
	return true
}

// AcknowledgeBoot tells the cold-cube the controller has seen it come up;
// until this happens the unit's own status register keeps BootACK clear.
func (p *Peer) AcknowledgeBoot() bool {
	_, rtype, msg, res := p.b.SendAndReceive(cupsAddress, typeInitiateOperation, true, []byte{0x00}, int(defaultTimeout.Milliseconds()))
	if res != bus.ResultSuccess || len(msg) < 1 {
		return false
	}
	if rtype != typeGetStatusReturn {
		return false
	}
	p.status = decodeStatus(msg[0])
	return true
}

// GetStatus refreshes the main status register and, if the compressor
// error bit is newly set, follows up with a compressor error read and
// publishes it.
func (p *Peer) GetStatus() bool {
	_, rtype, msg, res := p.b.SendAndReceive(cupsAddress, typeGetStatus, true, []byte{0x00}, int(defaultTimeout.Milliseconds()))
	if res != bus.ResultSuccess || len(msg) < 1 {
		return false
	}
	if rtype != typeGetStatusReturn {
		return false
	}

	next := decodeStatus(msg[0])
	changed := next.raw != p.status.raw
	prev := p.status
	p.status = next

	if changed && p.pub != nil {
		p.pub.PublishStatusChanged(next)
	}

	if changed && next.CompressorErr && !prev.CompressorErr {
		if code, ok := p.ReadCompressorError(); ok && p.pub != nil {
			p.pub.PublishCompressorError(code)
		}
	}

	return true
}

// ReadTemperatures refreshes the thermistor, calibrated cold-cube and
// calibrated ambient readings, each decoded as a big-endian signed
// hundredth of a degree.
func (p *Peer) ReadTemperatures() bool {
	_, rtype, msg, res := p.b.SendAndReceive(cupsAddress, typeGetTemperature, true, []byte{0x00}, int(defaultTimeout.Milliseconds()))
	if res != bus.ResultSuccess || len(msg) < 6 {
		return false
	}
	if rtype != typeGetTemperatureReturn {
		return false
	}

	p.temps = Temperatures{
		Thermistor:  be16(msg[0], msg[1]) * 0.01,
		ColdCubeCal: be16(msg[2], msg[3]) * 0.01,
		AmbientCal:  be16(msg[4], msg[5]) * 0.01,
	}
	return true
}

// Temperatures returns the last values ReadTemperatures collected.
func (p *Peer) Temperatures() Temperatures { return p.temps }

// ReadVoltages refreshes the battery and supply rail readings.
func (p *Peer) ReadVoltages() bool {
	_, rtype, msg, res := p.b.SendAndReceive(cupsAddress, typeGetVoltage, true, []byte{0x00}, int(defaultTimeout.Milliseconds()))
	if res != bus.ResultSuccess || len(msg) < 7 {
		return false
	}
	if rtype != typeGetVoltageReturn {
		return false
	}

	p.volts = Voltages{
		ChargePercent: float64(msg[0]) / 10,
		Supply:        float64(msg[1]) / 10,
		Backplane:     float64(msg[2]) / 10,
		Supply3:       float64(msg[3]) / 10,
		Battery:       float64(msg[4]) / 10,
		Other:         float64(msg[6]) / 10,
	}
	return true
}

// Voltages returns the last values ReadVoltages collected.
func (p *Peer) Voltages() Voltages { return p.volts }

// ReadPersistentParams refreshes the set point, temperature range and
// defrost schedule the cold-cube has stored.
func (p *Peer) ReadPersistentParams() bool {
	_, rtype, msg, res := p.b.SendAndReceive(cupsAddress, typeGetPersistent, true, []byte{0x00}, int(defaultTimeout.Milliseconds()))
	if res != bus.ResultSuccess || len(msg) < 8 {
		return false
	}
	if rtype != typeGetPersistentReturn {
		return false
	}

	p.params = PersistentParams{
		SetPoint:      be16(msg[0], msg[1]) * 0.01,
		TempRange:     float64(msg[2]) * 0.01,
		DefrostPeriod: uint16(msg[3])<<8 | uint16(msg[4]),
		DefrostLength: msg[5],
		DefrostLimit:  be16(msg[6], msg[7]) * 0.01,
	}
	return true
}

// PersistentParams returns the last values ReadPersistentParams collected.
func (p *Peer) PersistentParams() PersistentParams { return p.params }

// SetDefrostParams writes a new defrost period (seconds), defrost run
// length and temperature limit (hundredths of a degree) in one shot; the
// unit doesn't echo these back, so callers that need the new values
// should follow up with ReadPersistentParams.
func (p *Peer) SetDefrostParams(period uint16, length uint8, limit int16) bool {
	payload := []byte{
		byte(period >> 8), byte(period),
		length,
		byte(uint16(limit) >> 8), byte(uint16(limit)),
		0x00, 0x00, 0x00,
	}
	return p.b.Send(cupsAddress, typeSetDefrost, false, payload) == nil
}

// SetTemperature writes the set point and allowed range directly, both in
// hundredths of a degree, matching the bounds the original enforces
// (-2000..4000) at the caller that accepts operator input.
func (p *Peer) SetTemperature(temp int16, rangeVal uint8) bool {
	payload := []byte{byte(uint16(temp) >> 8), byte(uint16(temp)), rangeVal, 0x00}
	return p.b.Send(cupsAddress, typeSetTemperature, false, payload) == nil
}

// ReadCompressorError reads the latched compressor fault code.
func (p *Peer) ReadCompressorError() (uint8, bool) {
	_, rtype, msg, res := p.b.SendAndReceive(cupsAddress, typeGetCompressorError, true, []byte{0x00}, int(defaultTimeout.Milliseconds()))
	if res != bus.ResultSuccess || len(msg) < 1 {
		return 0, false
	}
	if rtype != typeGetCompressorErrorReturn {
		return 0, false
	}
	return msg[0], true
}

// ReadColdCubeID reads the calibrated cold-cube probe's 1-Wire ID.
func (p *Peer) ReadColdCubeID() (ProbeID, bool) {
	return p.readProbeID(0x00)
}

// ReadAmbientID reads the calibrated ambient probe's 1-Wire ID.
func (p *Peer) ReadAmbientID() (ProbeID, bool) {
	return p.readProbeID(0x01)
}

func (p *Peer) readProbeID(which byte) (ProbeID, bool) {
	_, rtype, msg, res := p.b.SendAndReceive(cupsAddress, typeGetCalProbeID, true, []byte{which}, int(defaultTimeout.Milliseconds()))
	if res != bus.ResultSuccess || len(msg) < 8 {
		return ProbeID{}, false
	}
	if rtype != typeGetCalProbeIDReturn {
		return ProbeID{}, false
	}

	var id ProbeID
	id.Family = msg[1]
	copy(id.ID[:], msg[2:8])
	return id, true
}

// ReadLoggedTemps drains the cold-cube's power-loss temperature log,
// reading one entry per request until the unit signals the log is empty
// with an index and temperature of zero. Entries already drained by a
// prior call are not replayed.
func (p *Peer) ReadLoggedTemps() ([]LoggedTemp, bool) {
	var out []LoggedTemp
	for {
		_, rtype, msg, res := p.b.SendAndReceive(cupsAddress, typeGetLoggedTemp, true, []byte{0x00}, int(defaultTimeout.Milliseconds()))
		if res != bus.ResultSuccess || len(msg) < 4 {
			return out, false
		}
		if rtype != typeGetLoggedTempReturn {
			return out, false
		}

		ndx := uint16(msg[0])<<8 | uint16(msg[1])
		temp := uint16(msg[2])<<8 | uint16(msg[3])
		if ndx == 0 && temp == 0 {
			return out, true
		}
		out = append(out, LoggedTemp{Index: ndx, Temp: float64(temp) * 0.01})
	}
}

// Tick runs whichever of the fast/slow polls are due. Every request it
// makes is bounded by its own timeout; a slow-cadence pass makes several
// requests in sequence (plus one per logged-temperature entry), so it can
// take several timeouts' worth of time.
func (p *Peer) Tick() bool {
	success := true
	now := time.Now()

	if p.lastFastPoll.IsZero() || now.Sub(p.lastFastPoll) >= p.fastFreq {
		success = p.GetStatus() && success
		p.lastFastPoll = now
	}

	if p.lastSlowPoll.IsZero() || now.Sub(p.lastSlowPoll) >= p.slowFreq {
		success = p.ReadTemperatures() && success
		success = p.ReadVoltages() && success
		success = p.ReadPersistentParams() && success
		if _, ok := p.ReadLoggedTemps(); !ok {
			success = false
		}
		p.lastSlowPoll = now
	}

	return success
}

// be16 decodes a big-endian 16-bit field as a signed two's-complement
// value, so a below-zero temperature reads back negative — the same
// encoding SetTemperature and SetDefrostParams write.
func be16(hi, lo byte) float64 {
	return float64(int16(uint16(hi)<<8 | uint16(lo)))
}
