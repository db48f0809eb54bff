package diag

import (
	"encoding/hex"
	"log"
	"time"

	"github.com/librescoot/rs485-bus-daemon/pkg/coldcube"
	"github.com/librescoot/rs485-bus-daemon/pkg/dsb"
)

// defaultFreq is how often Tick emits a snapshot when the caller doesn't
// specify a cadence — slower than either peer's own poll rate, since this
// is an observability convenience, not a control input.
const defaultFreq = 30 * time.Second

// Publisher is the one capability this package needs from the event bus.
type Publisher interface {
	PublishDiagnosticSnapshot(data []byte) error
}

// Collector periodically marshals and publishes a Snapshot. It never
// blocks beyond a single marshal-and-publish call, so the scheduler can
// tick it every iteration alongside the bus peers.
type Collector struct {
	boards   func() []dsb.Board
	coldCube *coldcube.Peer
	pub      Publisher
	freq     time.Duration
	last     time.Time
}

// NewCollector builds a Collector. boards supplies the current DSB roster
// on demand (the caller owns that slice, e.g. *dsb.Peer.Boards); coldCube
// may be nil.
func NewCollector(boards func() []dsb.Board, coldCube *coldcube.Peer, pub Publisher, freq time.Duration) *Collector {
	if freq <= 0 {
		freq = defaultFreq
	}
	return &Collector{boards: boards, coldCube: coldCube, pub: pub, freq: freq}
}

// Tick emits a snapshot if freq has elapsed since the last one. It
// reports false (without retrying early) if marshaling or publishing
// failed, so the caller can log it without tearing down the loop.
func (c *Collector) Tick() bool {
	now := time.Now()
	if !c.last.IsZero() && now.Sub(c.last) < c.freq {
		return true
	}
	c.last = now

	snap := BuildSnapshot(c.boards(), c.coldCube)
	data, err := Marshal(snap)
	if err != nil {
		log.Printf("diag: marshal snapshot: %v", err)
		return false
	}

	if c.pub == nil {
		return true
	}
	if err := c.pub.PublishDiagnosticSnapshot(data); err != nil {
		log.Printf("diag: publish snapshot (%s): %v", hex.EncodeToString(data[:min(len(data), 16)]), err)
		return false
	}
	return true
}
