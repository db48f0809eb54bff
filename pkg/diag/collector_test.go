package diag

import (
	"errors"
	"testing"
	"time"

	"github.com/librescoot/rs485-bus-daemon/pkg/coldcube"
	"github.com/librescoot/rs485-bus-daemon/pkg/dsb"
)

type fakePublisher struct {
	calls [][]byte
	err   error
}

func (f *fakePublisher) PublishDiagnosticSnapshot(data []byte) error {
	f.calls = append(f.calls, append([]byte(nil), data...))
	return f.err
}

func TestBuildSnapshotCopiesBoardsAndDrawers(t *testing.T) {
	boards := []dsb.Board{
		{
			Address: 2,
			Version: 0x13,
			Drawers: []dsb.Drawer{
				{Index: 0, Open: true, SolenoidState: 1},
				{Index: 1, Open: false, SolenoidState: 0},
			},
		},
	}

	snap := BuildSnapshot(boards, nil)
	if len(snap.Boards) != 1 {
		t.Fatalf("boards = %d, want 1", len(snap.Boards))
	}
	if snap.Boards[0].Address != 2 || len(snap.Boards[0].Drawers) != 2 {
		t.Fatalf("board record = %+v, unexpected shape", snap.Boards[0])
	}
	if snap.ColdCube.Present {
		t.Fatalf("cold-cube record should be absent when cc is nil")
	}
}

func TestMarshalProducesNonEmptyCBOR(t *testing.T) {
	snap := BuildSnapshot(nil, nil)
	data, err := Marshal(snap)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if len(data) == 0 {
		t.Fatalf("Marshal produced no bytes")
	}
}

func TestCollectorTickRespectsCadence(t *testing.T) {
	pub := &fakePublisher{}
	c := NewCollector(func() []dsb.Board { return nil }, nil, pub, time.Hour)

	if !c.Tick() {
		t.Fatalf("first tick should succeed")
	}
	if !c.Tick() {
		t.Fatalf("second tick (before cadence elapses) should still report success")
	}
	if len(pub.calls) != 1 {
		t.Fatalf("publishes = %d, want exactly 1 (second tick is a no-op)", len(pub.calls))
	}
}

func TestCollectorTickReportsPublishFailure(t *testing.T) {
	pub := &fakePublisher{err: errors.New("redis down")}
	c := NewCollector(func() []dsb.Board { return nil }, nil, pub, time.Hour)

	if c.Tick() {
		t.Fatalf("Tick should report failure when publishing fails")
	}
}

func TestCollectorTickPublishesWithUndiscoveredColdCube(t *testing.T) {
	cc := coldcube.New(nil, 0, 0, nil)
	pub := &fakePublisher{}
	c := NewCollector(func() []dsb.Board { return nil }, cc, pub, time.Hour)

	c.Tick()
	if len(pub.calls) != 1 {
		t.Fatalf("publishes = %d, want 1", len(pub.calls))
	}
}
