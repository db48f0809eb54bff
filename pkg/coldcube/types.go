// Package coldcube implements the cold-cube (CUPS) peer: a battery-backed
// thermoelectric cooling unit that talks directly over the bus using the
// reserved CUPS_* type codes, fast/slow status polling, defrost and
// set-point configuration, and the logged-temperature drain that runs
// after its own power-loss events.
package coldcube

import "time"

// Type codes this peer speaks, as reserved in the bus's type-code table.
const (
	typeDiscovery       = 0x01
	typeDiscoveryReturn = 0x81

	typeGetStatus          = 0x60
	typeGetPersistent      = 0x61
	typeGetDrawerSettings  = 0x62
	typeGetTemperature     = 0x63
	typeGetVoltage         = 0x64
	typeGetCalProbeID      = 0x65
	typeGetLoggedTemp      = 0x66
	typeGetCompressorError = 0x67
	typeReset              = 0x6C

	typeGetStatusReturn          = 0xE0
	typeGetPersistentReturn      = 0xE1
	typeGetDrawerSettingsReturn  = 0xE2
	typeGetTemperatureReturn     = 0xE3
	typeGetVoltageReturn         = 0xE4
	typeGetCalProbeIDReturn      = 0xE5
	typeGetLoggedTempReturn      = 0xE6
	typeGetCompressorErrorReturn = 0xE7

	typeSetDrawerSettings = 0x68
	typeSetTemperature    = 0x69
	typeSetDefrost        = 0x6A
	typeInitiateOperation = 0x6B
)

// cupsAddress is the cold-cube's own bus address; controllerAddress is who
// it addresses its replies to, same as the DSB roster.
const (
	cupsAddress       = 14
	controllerAddress = 15
)

// deviceTypeColdCube is the low nibble a discovery reply must carry.
const deviceTypeColdCube = 7

const defaultTimeout = 100 * time.Millisecond

// fastUpdateFreq/slowUpdateFreq are the two poll cadences the original
// splits status collection across: the main status register is cheap and
// worth checking often, while temperatures, voltages and persistent
// parameters change slowly and cost more of the bus's time.
const (
	fastUpdateFreq = 10 * time.Second
	slowUpdateFreq = 120 * time.Second
)

// Status decodes the main status register bit for bit.
type Status struct {
	ACPower       bool // bit 0
	BatteryQual   bool // bit 1
	BatteryLow    bool // bit 2
	BootACK       bool // bit 3 - set once the unit has seen an acknowledged boot
	TempOutRange  bool // bit 4
	CompressorErr bool // bit 5
	Defrosting    bool // bit 6
	FirmwareGood  bool // bit 7

	raw uint8
}

func decodeStatus(reg uint8) Status {
	return Status{
		ACPower:       reg&0x01 != 0,
		BatteryQual:   reg&0x02 != 0,
		BatteryLow:    reg&0x04 != 0,
		BootACK:       reg&0x08 != 0,
		TempOutRange:  reg&0x10 != 0,
		CompressorErr: reg&0x20 != 0,
		Defrosting:    reg&0x40 != 0,
		FirmwareGood:  reg&0x80 != 0,
		raw:           reg,
	}
}

// Temperatures holds the three thermistor readings, each a hundredth of a
// degree on the wire.
type Temperatures struct {
	Thermistor  float64
	ColdCubeCal float64
	AmbientCal  float64
}

// Voltages holds the battery and supply rail readings, each a tenth of a
// unit on the wire; ChargePercent is a tenth of a percent.
type Voltages struct {
	ChargePercent float64
	Supply        float64
	Backplane     float64
	Supply3       float64
	Battery       float64
	Other         float64
}

// PersistentParams mirrors the CUPS_GET_PSETTINGS register block: the
// set point and allowed range, and the defrost schedule.
type PersistentParams struct {
	SetPoint      float64
	TempRange     float64
	DefrostPeriod uint16
	DefrostLength uint8
	DefrostLimit  float64
}

// ProbeID is a calibrated temperature probe's 1-Wire family code and ID,
// read back from the cold-cube's own calibration table.
type ProbeID struct {
	Family uint8
	ID     [6]byte
}

// LoggedTemp is one entry drained from the cold-cube's power-loss
// temperature log: Index is the log slot, Temp a hundredth of a degree.
type LoggedTemp struct {
	Index uint16
	Temp  float64
}

// Board is what Discover learns about the unit once on the bus.
type Board struct {
	Present           bool
	VersionMajor      uint8
	VersionMinor      uint8
	CalColdPresent    bool
	CalAmbientPresent bool
}

// EventPublisher is how the peer surfaces state outward, the same
// capability pattern pkg/dsb uses to stay ignorant of Redis.
type EventPublisher interface {
	PublishStatusChanged(status Status)
	PublishCompressorError(code uint8)
}
