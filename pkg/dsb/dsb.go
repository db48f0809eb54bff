package dsb

import (
	"fmt"
	"log"
	"time"

	"github.com/librescoot/rs485-bus-daemon/pkg/bus"
	"github.com/librescoot/rs485-bus-daemon/pkg/frame"
)

// Peer tracks the roster of drawer sensor boards discovered on the bus and
// drives their periodic status poll, exactly one outstanding request at a
// time, matching the bus controller it shares with every other peer.
type Peer struct {
	bus *bus.Bus
	pub EventPublisher

	boards []Board

	globalLockState     bool
	solenoidManualState bool
	factoryModeState    bool

	pendingRediscover time.Time

	events        []DrawerEvent
	sendEnumEvent bool

	lastUpdate time.Time
	updateFreq time.Duration
}

// New constructs a Peer bound to bus b, polling at updateFreq (defaultUpdateFreq
// if zero). It broadcasts a global reset at startup the same way the
// original constructor did, so every board (and the cold-cube peer sharing
// the same wire) starts from a known state.
func New(b *bus.Bus, updateFreq time.Duration, pub EventPublisher) *Peer {
	if updateFreq <= 0 || updateFreq >= 5*time.Minute {
		updateFreq = defaultUpdateFreq
	}
	p := &Peer{bus: b, pub: pub, updateFreq: updateFreq}

	if err := b.Send(frame.BroadcastAddress, typeGlobalReset, false, []byte{0x00}); err != nil {
		log.Printf("dsb: failed to broadcast reset during startup: %v", err)
	}
	return p
}

// Boards returns the currently discovered roster.
func (p *Peer) Boards() []Board {
	return append([]Board(nil), p.boards...)
}

// Discover re-populates the roster: lock the bus against drawer events,
// probe addresses 1 through lastDSBAddress one at a time, then release
// the lock. A board that doesn't answer, answers from the wrong address,
// or reports a device type that doesn't belong at that address is
// skipped, not fatal to the sweep.
func (p *Peer) Discover() bool {
	if err := p.bus.Send(frame.BroadcastAddress, typeGlobalLock, false, []byte{0x00}); err != nil {
		log.Printf("dsb: failed to send disable message on discover: %v", err)
	}

	p.boards = nil

	for addr := byte(firstDSBAddress); addr <= lastDSBAddress; addr++ {
		raddr, rtype, msg, res := p.bus.SendAndReceive(addr, typeDiscovery, true, []byte{0x00}, msToMS(defaultTimeout))
		if res != bus.ResultSuccess {
			log.Printf("dsb: discovery failed for address %d: %v", addr, res)
			time.Sleep(time.Millisecond)
			continue
		}
		if raddr != controllerAddress {
			log.Printf("dsb: discovery read address wrong: %d != %d", raddr, controllerAddress)
			continue
		}
		if len(msg) != 8 {
			log.Printf("dsb: discovery message size wrong: %d", len(msg))
			continue
		}
		if rtype != typeDiscoveryReturn {
			log.Printf("dsb: discovery return is not the correct message type: 0x%02X", rtype)
			continue
		}

		dtype := msg[0] & 0x0F
		switch {
		case dtype == deviceTypeDSBTwoDrawer || dtype == deviceTypeDSBThreeDrawer:
			// expected range, nothing to flag
		case dtype == deviceTypeColdCube:
			log.Printf("dsb: cold-cube responded to a dsb discovery probe at address %d", addr)
			continue
		default:
			log.Printf("dsb: unknown device type 0x%02X at address %d", dtype, addr)
			continue
		}

		board := Board{
			Address:        addr,
			BootLoaderMode: msg[1]&0x10 != 0,
			Version:        msg[7],
			ProxState:      0xFF,
		}

		// Drawer indices may sit anywhere in msg[2:5]; an unassigned slot
		// reads back as 0 or 0x1F.
		for dn := 0; dn < 3; dn++ {
			idx := msg[dn+2] & 0x1F
			if idx == 0 || idx >= 0x1F {
				continue
			}
			board.Drawers = append(board.Drawers, Drawer{Index: idx})
		}

		p.boards = append(p.boards, board)
	}

	log.Printf("dsb: discovered %d boards", len(p.boards))

	if err := p.bus.Send(frame.BroadcastAddress, typeGlobalLock, false, []byte{0x07}); err != nil {
		log.Printf("dsb: failed to send re-enable message after discover: %v", err)
	}

	p.sendEnumEvent = true
	if stats, err := p.bus.Stats(); err == nil {
		log.Printf("dsb: bus stats after discovery: %+v", stats)
	}

	return true
}

// GetDrawerStatus polls every discovered board for its current drawer and
// lock state, used both on the periodic cadence and right after discovery.
func (p *Peer) GetDrawerStatus() bool {
	for i := range p.boards {
		board := &p.boards[i]
		raddr, rtype, msg, res := p.bus.SendAndReceive(board.Address, typeGetStatus, true, []byte{0x00}, msToMS(defaultTimeout))
		if res != bus.ResultSuccess {
			log.Printf("dsb: get drawer status failed for address %d: %v", board.Address, res)
			return false
		}
		if raddr != controllerAddress {
			log.Printf("dsb: status return wrong address: %d", raddr)
			continue
		}
		if rtype != typeGetStatusReturn {
			log.Printf("dsb: wrong type 0x%02X in get status return", rtype)
			continue
		}
		if len(msg) != 8 {
			log.Printf("dsb: get status returned %d bytes", len(msg))
			continue
		}

		for di := range board.Drawers {
			d := &board.Drawers[di]
			found := false
			for im := 0; im < 3; im++ {
				which := 2 * im
				if msg[which]&0x1F == d.Index {
					found = true
					d.SolenoidState = (msg[which+1] >> 6) & 0x03
					d.Open = msg[which+1]&0x20 != 0
					d.Position = msg[which+1] & 0x0F
				}
			}
			if !found {
				log.Printf("dsb: did not find drawer %d in status response from %d", d.Index, board.Address)
			}
		}

		board.StatusByte = msg[7]
		board.HasErrors = msg[7]&0x01 != 0
		board.FactoryMode = msg[7]&0x02 != 0
		board.ProxStatus = msg[7]&0x04 != 0
		board.SolenoidStatus = (msg[7] >> 3) & 0x03
		board.GlobalUnlock = msg[7]&0x40 != 0
		board.LocalUnlock = msg[7]&0x80 != 0
	}
	return true
}

// GetErrors drains the error log of a single board. The board clears its
// log as a side effect of answering, so a failed send here should never
// be retried blindly.
func (p *Peer) GetErrors(board Board) ([]uint8, bool) {
	raddr, rtype, msg, res := p.bus.SendAndReceive(board.Address, typeGetErrors, true, []byte{0x00}, msToMS(defaultTimeout))
	if res != bus.ResultSuccess {
		log.Printf("dsb: get errors failed for address %d: %v", board.Address, res)
		return nil, false
	}
	if raddr != controllerAddress {
		log.Printf("dsb: errors return wrong address: %d", raddr)
		return nil, false
	}
	if rtype != typeGetErrorsReturn {
		log.Printf("dsb: wrong type 0x%02X in get errors return", rtype)
		return nil, false
	}
	if len(msg) != 4 {
		log.Printf("dsb: get errors returned %d bytes", len(msg))
		return nil, false
	}

	numErrors := msg[0] & 0x0F
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
	return errs, true
}

// DrawerRecalibration broadcasts a recalibration request to every board.
func (p *Peer) DrawerRecalibration(save bool) bool {
	val := byte(0x01)
	if save {
		val = 0x02
	}
	if err := p.bus.Send(frame.BroadcastAddress, typeDrawerRecalibration, false, []byte{val}); err != nil {
		log.Printf("dsb: failed to send drawer recalibration: %v", err)
		return false
	}
	return true
}

// DrawerOverride broadcasts a manual lock/unlock override for one drawer
// index across the whole roster — only the board owning that index acts
// on it.
func (p *Peer) DrawerOverride(index uint8, lock bool) bool {
	val := index & 0x1F
	if !lock {
		val |= 0x20
	}
	if err := p.bus.Send(frame.BroadcastAddress, typeDrawerOverride, false, []byte{val}); err != nil {
		log.Printf("dsb: failed to send drawer override command: %v", err)
		return false
	}
	return true
}

// SetGlobalLockState broadcasts the global lock state (and whether
// solenoid control is manual or automatic) to every board.
func (p *Peer) SetGlobalLockState(state, manual bool) bool {
	val := byte(0x03)
	if state {
		val = 0x02
	}
	if manual {
		val |= 0x08
	} else {
		val |= 0x04
	}
	if err := p.bus.Send(frame.BroadcastAddress, typeGlobalLock, false, []byte{val}); err != nil {
		log.Printf("dsb: failed to send set global lock broadcast: %v", err)
		return false
	}
	p.globalLockState = state
	p.solenoidManualState = manual
	return true
}

// SetFactoryMode broadcasts factory-mode enable/disable to every board.
func (p *Peer) SetFactoryMode(state bool) bool {
	val := byte(0x00)
	if state {
		val = 0x01
	}
	if err := p.bus.Send(frame.BroadcastAddress, typeFactoryMode, false, []byte{val}); err != nil {
		log.Printf("dsb: failed to send set factory mode broadcast: %v", err)
		return false
	}
	p.factoryModeState = state
	return true
}

// debugRegister is one entry in the fixed register sweep GetDebugData
// walks for a board; register 251 is a line-break marker in the formatted
// output, not a real register.
type debugRegister struct {
	name string
	reg  uint8
}

const debugLineBreak = 251

var debugRegisters = []debugRegister{
	{"S0_OSC_offset", 6}, {"S0_OSC_val", 9}, {"S0_OSC_adj", 12}, {"S0_DAC_val", 15}, {"S0_trip_val", 18},
	{"\n", debugLineBreak},
	{"S1_OSC_offset", 7}, {"S1_OSC_val", 10}, {"S1_OSC_adj", 13}, {"S1_DAC_val", 16}, {"S1_trip_val", 19},
	{"\n", debugLineBreak},
	{"S2_OSC_offset", 8}, {"S2_OSC_val", 11}, {"S2_OSC_adj", 14}, {"S2_DAC_val", 17}, {"S2_trip_val", 20},
}

// GetDebugData sweeps the oscillator/DAC calibration register table of
// the board at boards[boardIndex] and formats it the way the original
// debug dump did: one "name = value" per register, columns separated by
// whitespace, rows by the registers carrying the line-break marker.
func (p *Peer) GetDebugData(boardIndex int) (string, bool) {
	if boardIndex < 0 || boardIndex >= len(p.boards) {
		return fmt.Sprintf("Index is %d.  Max index is %d", boardIndex, len(p.boards)-1), true
	}
	addr := p.boards[boardIndex].Address

	var out string
	for _, reg := range debugRegisters {
		if reg.reg == debugLineBreak {
			out += reg.name
			continue
		}

		_, rtype, msg, res := p.bus.SendAndReceive(addr, typeGetDebug, true, []byte{reg.reg}, msToMS(defaultTimeout))
		if res != bus.ResultSuccess {
			log.Printf("dsb: debug read failed for address %d: %v", addr, res)
			return "", false
		}
		if rtype != typeGetDebugReturn {
			log.Printf("dsb: incorrect debug return type: 0x%02X", rtype)
			return "", false
		}
		if len(msg) != 8 {
			log.Printf("dsb: debug response wrong size: %d", len(msg))
			return "", false
		}
		if msg[0] != reg.reg {
			log.Printf("dsb: debug response register mismatch: 0x%02X != 0x%02X", msg[0], reg.reg)
			return "", false
		}

		val := int32(msg[4])<<24 | int32(msg[5])<<16 | int32(msg[6])<<8 | int32(msg[7])

		if out != "" && out[len(out)-1] != '\n' {
			out += "      "
		}
		out += fmt.Sprintf("%s = %d", reg.name, val)
	}

	return out, true
}

// ClearDrawerIndices broadcasts an index-clear command to every board.
func (p *Peer) ClearDrawerIndices(overrideVal uint8) bool {
	if err := p.bus.Send(frame.BroadcastAddress, typeClearIndices, false, []byte{overrideVal}); err != nil {
		log.Printf("dsb: failed to send clear indices broadcast: %v", err)
		return false
	}
	return true
}

// AssignDrawerIndex broadcasts a new drawer index; only a board currently
// in its self-assignment window claims it.
func (p *Peer) AssignDrawerIndex(index uint8) bool {
	if index == 0 || index > 0x1F {
		return false
	}
	if err := p.bus.Send(frame.BroadcastAddress, typeAssignIndex, false, []byte{index & 0x1F}); err != nil {
		log.Printf("dsb: failed to send set index broadcast: %v", err)
		return false
	}
	return true
}

// SetBootLoaderMode broadcasts entry into (or exit from) firmware upload
// mode to every board — the programmer is the only caller expected to
// ever enable this.
func (p *Peer) SetBootLoaderMode(enable bool) bool {
	val := byte(0)
	if enable {
		val = 1
	}
	if err := p.bus.Send(frame.BroadcastAddress, typeBootloaderMode, false, []byte{val}); err != nil {
		log.Printf("dsb: failed to send bootloader mode broadcast: %v", err)
		return false
	}
	return true
}

// GlobalReset broadcasts a reset and schedules a re-discovery once the
// boards have had time to come back up.
func (p *Peer) GlobalReset() bool {
	if err := p.bus.Send(frame.BroadcastAddress, typeGlobalReset, false, []byte{0x00}); err != nil {
		log.Printf("dsb: failed to send global reset broadcast: %v", err)
		return false
	}
	p.pendingRediscover = time.Now().Add(resetDiscoverWait)
	return true
}

// OnDrawerEvent implements bus.EventSink: a board reported a drawer state
// change. The event is queued, not published immediately — Tick flushes
// the queue once per pass, the way the original batched them into its
// own per-pass socket send.
func (p *Peer) OnDrawerEvent(payload []byte) {
	if len(payload) != 2 {
		log.Printf("dsb: drawer state change broadcast wrong size: %d", len(payload))
		return
	}
	evt := DrawerEvent{
		Index:    payload[0] & 0x1F,
		Solenoid: (payload[1] >> 6) & 0x03,
		Position: payload[1] & 0x0F,
		Open:     payload[1]&0x20 != 0,
		Unlocked: payload[1]&0x10 == 0,
	}
	for _, board := range p.boards {
		for _, d := range board.Drawers {
			if d.Index == evt.Index {
				evt.BoardAddress = board.Address
			}
		}
	}
	p.events = append(p.events, evt)
	log.Printf("dsb: drawer event: index=%d solenoid=%d position=%d open=%v unlocked=%v",
		evt.Index, evt.Solenoid, evt.Position, evt.Open, evt.Unlocked)
}

// OnSelfAssign implements bus.EventSink: a board claimed an index
// autonomously and will reboot into it, so the roster needs refreshing.
func (p *Peer) OnSelfAssign() {
	p.pendingRediscover = time.Now().Add(resetDiscoverWait)
}

// Tick runs one pass of the peer's periodic work: service a pending
// rediscovery, poll status and drain errors on the configured cadence,
// and flush any queued drawer events (plus a one-shot enumeration event
// after a discovery) out through the publisher. It reports false if the
// cadence poll or an error drain failed, so the scheduler can log it
// without the tick itself aborting any of the remaining steps.
func (p *Peer) Tick() bool {
	now := time.Now()
	ok := true

	if !p.pendingRediscover.IsZero() {
		if now.After(p.pendingRediscover) {
			ok = p.Discover() && ok
			p.pendingRediscover = time.Time{}
			p.lastUpdate = time.Time{}
		} else {
			return true
		}
	}

	if p.lastUpdate.IsZero() || now.Sub(p.lastUpdate) > p.updateFreq {
		ok = p.GetDrawerStatus() && ok
		for _, board := range p.boards {
			if !board.HasErrors {
				continue
			}
			errs, gotErrs := p.GetErrors(board)
			if !gotErrs {
				log.Printf("dsb: failed to get errors for board %d", board.Address)
				ok = false
				continue
			}
			if p.pub != nil {
				p.pub.PublishDrawerErrors(board.Address, errs)
			}
		}
		p.lastUpdate = time.Now()
	}

	if p.pub != nil {
		for _, evt := range p.events {
			p.pub.PublishDrawerStateChanged(evt)
		}
	}
	p.events = nil

	if p.sendEnumEvent {
		if p.pub != nil {
			p.pub.PublishEnumeration(p.boards)
		}
		p.sendEnumEvent = false
	}

	return ok
}

func msToMS(d time.Duration) int {
	return int(d / time.Millisecond)
}
