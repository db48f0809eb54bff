// Package scheduler drives the single-threaded cooperative loop: one tick
// checks for shutdown, gives the (out-of-scope) command/event sockets and
// camera their readiness turn, then ticks the bus controller, the
// cold-cube peer, the DSB peer, and the door-sensor GPIO line in that
// order, exactly as the daemon's concurrency model is specified.
package scheduler

import (
	"time"

	"github.com/librescoot/rs485-bus-daemon/pkg/bus"
	"github.com/librescoot/rs485-bus-daemon/pkg/coldcube"
	"github.com/librescoot/rs485-bus-daemon/pkg/dsb"
)

// readinessTimeout is the budget the outer loop gives its readiness
// primitive before falling through to the rest of a tick — 25ms, the same
// number the socket/camera front-end would pass to poll(2) or select(2).
const readinessTimeout = 25 * time.Millisecond

// CommandSource represents the length-framed command socket's readiness
// and drain step. The real implementation multiplexes the command and
// event sockets (and the camera fd, when streaming) behind a single
// readiness call and dispatches at most one fully-framed message per
// tick; that front-end is out of scope here; only the seam is modeled.
type CommandSource interface {
	// Poll waits up to timeout for a command to arrive and, if one did,
	// dispatches it. It reports whether anything was handled.
	Poll(timeout time.Duration) (handled bool, err error)
}

// CameraSource represents the imaging collaborator's per-tick drain: any
// ready frame is dequeued, turned into an event if capture is armed, and
// its buffer re-queued. Out of scope; modeled only at the seam.
type CameraSource interface {
	Tick() error
}

// DoorSensor reads the single GPIO line the scheduler polls once a tick.
type DoorSensor interface {
	Read() (open bool, err error)
}

// DoorEventPublisher is notified when DoorSensor's value changes between
// ticks.
type DoorEventPublisher interface {
	PublishDoorChanged(open bool)
}

// DiagTicker is the periodic diagnostic-snapshot collector's seam; it is
// ticked last, after every peer has had its turn, so a snapshot always
// reflects the current tick's reads rather than a stale one.
type DiagTicker interface {
	Tick() bool
}

// noopCommandSource stands in for the socket front-end when the caller
// has nothing to wire up (tests, or a build without the socket layer).
type noopCommandSource struct{}

func (noopCommandSource) Poll(time.Duration) (bool, error) { return false, nil }

// noopCameraSource stands in for the imaging collaborator.
type noopCameraSource struct{}

func (noopCameraSource) Tick() error { return nil }

// Scheduler owns one tick of the daemon's event loop. Every field it
// touches is owned exclusively by the scheduler or by the peer/bus it
// ticks, so no locking is needed — mutation only ever happens inside a
// tick, on a single goroutine.
type Scheduler struct {
	Bus      *bus.Bus
	DSB      *dsb.Peer
	ColdCube *coldcube.Peer

	Commands CommandSource
	Camera   CameraSource
	Door     DoorSensor
	DoorPub  DoorEventPublisher
	Diag     DiagTicker

	lastDoorState    bool
	haveDoorBaseline bool
}

// New builds a Scheduler with Commands and Camera set to no-ops, so
// callers that only care about the bus/peer ticking (tests, or the daemon
// without a socket layer) don't need to stub the socket and camera seams.
func New(b *bus.Bus, dsbPeer *dsb.Peer, cc *coldcube.Peer) *Scheduler {
	return &Scheduler{
		Bus:      b,
		DSB:      dsbPeer,
		ColdCube: cc,
		Commands: noopCommandSource{},
		Camera:   noopCameraSource{},
	}
}

// Tick runs one full iteration of the outer loop: readiness and command
// dispatch, event-socket drain, bus/camera/cold-cube/DSB ticks, and the
// door-sensor poll, in that fixed order. It returns false if any step
// reported trouble, so the caller can log it without the loop itself
// needing to know which component failed.
func (s *Scheduler) Tick() bool {
	ok := true

	if s.Commands != nil {
		if _, err := s.Commands.Poll(readinessTimeout); err != nil {
			ok = false
		}
	}

	if s.Bus != nil {
		if !s.Bus.Tick() {
			ok = false
		}
	}

	if s.Camera != nil {
		if err := s.Camera.Tick(); err != nil {
			ok = false
		}
	}

	if s.ColdCube != nil {
		if !s.ColdCube.Tick() {
			ok = false
		}
	}

	if s.DSB != nil {
		if !s.DSB.Tick() {
			ok = false
		}
	}

	if s.Door != nil {
		if !s.pollDoor() {
			ok = false
		}
	}

	if s.Diag != nil {
		if !s.Diag.Tick() {
			ok = false
		}
	}

	return ok
}

func (s *Scheduler) pollDoor() bool {
	open, err := s.Door.Read()
	if err != nil {
		return false
	}
	if !s.haveDoorBaseline {
		s.lastDoorState = open
		s.haveDoorBaseline = true
		return true
	}
	if open != s.lastDoorState {
		s.lastDoorState = open
		if s.DoorPub != nil {
			s.DoorPub.PublishDoorChanged(open)
		}
	}
	return true
}

// Run ticks in a loop until shouldStop reports true, checked at the top
// of every iteration — the only cancellation point the daemon has, a
// process-wide shutdown flag flipped by the signal handler.
func (s *Scheduler) Run(shouldStop func() bool) {
	for !shouldStop() {
		s.Tick()
	}
}
