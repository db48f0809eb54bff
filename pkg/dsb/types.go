// Package dsb implements the drawer sensor board peer protocol: discovery
// of up to 13 boards on the bus, periodic status polling, drawer-event and
// self-assignment handling, and the configuration commands LS4 issues to
// the roster as a whole (global lock, factory mode, recalibration,
// bootloader mode, index assignment, global reset, debug-register dumps).
package dsb

import "time"

// Type codes this peer speaks, as reserved in the bus's type-code table.
const (
	typeDiscovery           = 0x01
	typeDiscoveryReturn     = 0x81
	typeGlobalLock          = 0x02
	typeGetStatus           = 0x03
	typeGetStatusReturn     = 0x83
	typeGetTemp             = 0x04
	typeGetTempReturn       = 0x84
	typeGetErrors           = 0x05
	typeGetErrorsReturn     = 0x85
	typeGlobalReset         = 0x06
	typeDrawerRecalibration = 0x07
	typeDrawerOverride      = 0x08
	typeFactoryMode         = 0x20
	typeClearIndices        = 0x21
	typeAssignIndex         = 0x22
	typeGetDebug            = 0x51
	typeGetDebugReturn      = 0xD1
	typeBootloaderMode      = 0x70
)

// controllerAddress is the address a DSB addresses its replies and
// unsolicited events to — "to controller" in the bus's reserved table.
const controllerAddress = 15

// firstDSBAddress, lastDSBAddress bound the discovery sweep — up to 13
// boards, addresses 1 through 13.
const (
	firstDSBAddress = 1
	lastDSBAddress  = 13
)

// defaultTimeout bounds every request/reply exchange this peer makes.
const defaultTimeout = 100 * time.Millisecond

// defaultUpdateFreq is how often GetDrawerStatus runs when the caller
// doesn't specify a cadence.
const defaultUpdateFreq = 2 * time.Second

// resetDiscoverWait is how long this peer waits after a reset or a
// self-assign broadcast before re-running discovery, giving the board
// time to actually reboot or settle into its new address.
const resetDiscoverWait = 1 * time.Second

// deviceType values decoded from a discovery reply's low nibble.
const (
	deviceTypeDSBTwoDrawer   = 2
	deviceTypeDSBThreeDrawer = 3
	deviceTypeColdCube       = 7
)

// Drawer is one physical drawer tracked by a board.
type Drawer struct {
	Index         uint8
	SolenoidState uint8
	Open          bool
	Position      uint8
}

// Board is everything known about one discovered drawer sensor board.
type Board struct {
	Address        uint8
	Version        uint8
	BootLoaderMode bool

	Temperature int8
	Voltage     uint8

	StatusByte     uint8
	HasErrors      bool
	FactoryMode    bool
	ProxStatus     bool
	// ProxState is the raw, not-yet-decoded proximity sensor state.
	// Discovery sets it to 0xFF; the status poll does not update it.
	ProxState      uint8
	SolenoidStatus uint8
	GlobalUnlock   bool
	LocalUnlock    bool

	Drawers []Drawer
}

// DrawerEvent is one drawer-state-change broadcast received from a board,
// queued until the next tick flushes it out through the event publisher.
type DrawerEvent struct {
	BoardAddress uint8
	Index        uint8
	Solenoid     uint8
	Position     uint8
	Open         bool
	// Unlocked is true when the triggering condition was an unlock; the
	// board encodes this inverted on the wire (bit clear means unlock).
	Unlocked bool
}

// EventPublisher is how the peer surfaces state outward — implemented by
// pkg/eventbus, depended on here only as a capability so this package
// never needs to know about Redis.
type EventPublisher interface {
	PublishDrawerStateChanged(evt DrawerEvent)
	PublishDrawerErrors(boardAddress uint8, errs []uint8)
	PublishEnumeration(boards []Board)
}
