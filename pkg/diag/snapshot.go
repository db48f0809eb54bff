// Package diag builds and publishes a periodic CBOR-encoded snapshot of
// the whole bus roster, combining the drawer sensor board roster and the
// cold-cube's last-read state into one structured record. It is not part
// of the daemon's control path — losing a snapshot never blocks a tick —
// grounded on the teacher's cbor.Marshal-then-transmit convention in
// pkg/service/helpers.go.
package diag

import (
	"github.com/fxamacker/cbor/v2"

	"github.com/librescoot/rs485-bus-daemon/pkg/coldcube"
	"github.com/librescoot/rs485-bus-daemon/pkg/dsb"
)

// DrawerSlot mirrors one drawer's last-known open and solenoid state; the
// drawer's position is not carried.
type DrawerSlot struct {
	Index         uint8 `cbor:"index"`
	Open          bool  `cbor:"open"`
	SolenoidState uint8 `cbor:"solenoid_state"`
}

// BoardRecord mirrors one discovered drawer sensor board.
type BoardRecord struct {
	Address        uint8        `cbor:"address"`
	Version        uint8        `cbor:"version"`
	BootLoaderMode bool         `cbor:"bootloader_mode"`
	HasErrors      bool         `cbor:"has_errors"`
	FactoryMode    bool         `cbor:"factory_mode"`
	Drawers        []DrawerSlot `cbor:"drawers"`
}

// ColdCubeRecord mirrors the cold-cube's last-read telemetry. Present is
// false when the unit has never been discovered, in which case every
// other field is zero and should be ignored by a reader.
type ColdCubeRecord struct {
	Present      bool                    `cbor:"present"`
	Status       coldcube.Status         `cbor:"status"`
	Temperatures coldcube.Temperatures   `cbor:"temperatures"`
	Voltages     coldcube.Voltages       `cbor:"voltages"`
	Params       coldcube.PersistentParams `cbor:"params"`
}

// Snapshot is the full roster at one point in time.
type Snapshot struct {
	Boards   []BoardRecord  `cbor:"boards"`
	ColdCube ColdCubeRecord `cbor:"cold_cube"`
}

// BuildSnapshot assembles a Snapshot from a DSB roster and the cold-cube
// peer's last-read values. cc may be nil if the system has no cold-cube
// wired at all, in which case ColdCube.Present stays false.
func BuildSnapshot(boards []dsb.Board, cc *coldcube.Peer) Snapshot {
	snap := Snapshot{Boards: make([]BoardRecord, 0, len(boards))}

	for _, b := range boards {
		rec := BoardRecord{
			Address:        b.Address,
			Version:        b.Version,
			BootLoaderMode: b.BootLoaderMode,
			HasErrors:      b.HasErrors,
			FactoryMode:    b.FactoryMode,
			Drawers:        make([]DrawerSlot, 0, len(b.Drawers)),
		}
		for _, d := range b.Drawers {
			rec.Drawers = append(rec.Drawers, DrawerSlot{
				Index:         d.Index,
				Open:          d.Open,
				SolenoidState: d.SolenoidState,
			})
		}
		snap.Boards = append(snap.Boards, rec)
	}

	if cc != nil && cc.Board().Present {
		snap.ColdCube = ColdCubeRecord{
			Present:      true,
			Status:       cc.Status(),
			Temperatures: cc.Temperatures(),
			Voltages:     cc.Voltages(),
			Params:       cc.PersistentParams(),
		}
	}

	return snap
}

// Marshal CBOR-encodes a Snapshot the same way the teacher's
// writeUARTMessage encodes its status maps.
func Marshal(snap Snapshot) ([]byte, error) {
	return cbor.Marshal(snap)
}
