// Package bus implements the RS-485 bus controller: framing a request,
// writing it (broadcasting it three times with a randomized gap when it's
// addressed to everyone), and reading back a reply while demultiplexing
// any unsolicited broadcast events that arrive first.
package bus

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/librescoot/rs485-bus-daemon/pkg/frame"
	"github.com/librescoot/rs485-bus-daemon/pkg/serialport"
)

// Result classifies the outcome of a receive the way the original's
// RS485Return enum does — a closed taxonomy, not a grab-bag of Go errors,
// since the scheduler branches on exactly these cases.
type Result int

const (
	ResultSuccess Result = iota
	ResultRecvFailed
	ResultRecvTimeout
	ResultTooManyBroadcasts
	ResultRecvCRCFailure
	ResultSendFailed
)

func (r Result) String() string {
	switch r {
	case ResultSuccess:
		return "success"
	case ResultRecvFailed:
		return "recv-failed"
	case ResultRecvTimeout:
		return "recv-timeout"
	case ResultTooManyBroadcasts:
		return "too-many-broadcasts"
	case ResultRecvCRCFailure:
		return "recv-crc-failure"
	case ResultSendFailed:
		return "send-failed"
	default:
		return fmt.Sprintf("bus.Result(%d)", int(r))
	}
}

// defaultMainLoopTimeoutMS is the receive deadline the scheduler's tick
// uses to opportunistically drain queued broadcasts without blocking the
// rest of its work.
const defaultMainLoopTimeoutMS = 5

// broadcastsPerLoop bounds how many unsolicited broadcasts Receive will
// demultiplex before giving up and reporting ResultTooManyBroadcasts — a
// defense against a stuck peer flooding the bus and starving every other
// caller of Receive.
const broadcastsPerLoop = 50

// byteWaitPoll is the sleep between BytesAvailable polls while waiting for
// the next byte of a frame.
const byteWaitPoll = 500 * time.Microsecond

// EventSink receives unsolicited broadcast events demultiplexed out of
// Receive. The bus controller depends on this capability abstractly; it's
// the DSB peer that implements it, avoiding a direct import cycle between
// the bus and its peers.
type EventSink interface {
	OnDrawerEvent(payload []byte)
	OnSelfAssign()
}

// Broadcast event type codes demultiplexed directly by the bus controller,
// before a reply ever reaches a peer's own decoder.
const (
	typeDrawerStateChange = 0x99
	typeDSBSelfAssign     = 0x9A
)

// Port is the serial line surface the bus controller needs. serialport.Port
// satisfies it directly; tests substitute an in-memory fake.
type Port interface {
	Write(data []byte) error
	ReadByte() (b byte, ok bool, err error)
	BytesAvailable() (int, error)
	Stats() (serialport.Stats, error)
}

// Bus owns the serial line and the single outstanding request at a time —
// there is never more than one Send/Receive pair in flight, matching the
// cooperative scheduler's single-threaded model.
type Bus struct {
	port Port
	dec  frame.Decoder
	sink EventSink
}

// New wraps an already-opened port. SetEventSink can be called later,
// since the DSB peer that implements EventSink is typically constructed
// after the Bus it needs to register with.
func New(port Port) *Bus {
	return &Bus{port: port}
}

// SetEventSink installs the peer that should receive demultiplexed
// broadcast events. A nil sink is valid and just drops them, logged by
// the caller.
func (b *Bus) SetEventSink(sink EventSink) {
	b.sink = sink
}

// Send frames addr/typ/payload and writes it. Broadcasts (addr ==
// frame.BroadcastAddress) are written three times with a random 5-20ms
// gap between each, since a half-duplex bus gives no delivery
// confirmation and a peer busy servicing another request can miss one.
func (b *Bus) Send(addr, typ byte, isRead bool, payload []byte) error {
	wire, err := frame.Encode(addr, typ, isRead, payload)
	if err != nil {
		return fmt.Errorf("bus: encode: %w", err)
	}

	count := 1
	if addr == frame.BroadcastAddress {
		count = 3
	}
	for count > 0 {
		if err := b.port.Write(wire); err != nil {
			return fmt.Errorf("bus: write addr=%d type=0x%02X: %w", addr, typ, err)
		}
		count--
		if count <= 0 {
			break
		}
		delay := time.Duration(5+rand.Intn(15)) * time.Millisecond
		time.Sleep(delay)
	}
	return nil
}

// Receive reads the next solicited reply, transparently dispatching any
// broadcast events that show up first to the installed EventSink. It
// gives up after broadcastsPerLoop consecutive broadcasts, so a peer
// stuck chattering can't starve every other caller forever.
func (b *Bus) Receive(timeoutMS int) (addr, typ byte, payload []byte, result Result) {
	bcount := 0
	for {
		if bcount >= broadcastsPerLoop {
			return 0, 0, nil, ResultTooManyBroadcasts
		}

		a, t, p, res := b.receiveSingleMessage(timeoutMS)
		if res != ResultSuccess {
			return a, t, p, res
		}

		if a != frame.BroadcastAddress {
			return a, t, p, ResultSuccess
		}

		bcount++
		b.dispatchBroadcast(t, p)
	}
}

func (b *Bus) dispatchBroadcast(typ byte, payload []byte) {
	switch typ {
	case typeDrawerStateChange:
		if len(payload) != 2 {
			return
		}
		if b.sink != nil {
			b.sink.OnDrawerEvent(payload)
		}
	case typeDSBSelfAssign:
		if b.sink != nil {
			b.sink.OnSelfAssign()
		}
	}
}

// SendAndReceive is the common request/reply pattern: send, then wait for
// the matching reply (with broadcast demultiplexing along the way).
func (b *Bus) SendAndReceive(addr, typ byte, isRead bool, payload []byte, timeoutMS int) (respAddr, respType byte, resp []byte, result Result) {
	if err := b.Send(addr, typ, isRead, payload); err != nil {
		return 0, 0, nil, ResultSendFailed
	}
	return b.Receive(timeoutMS)
}

// Tick drains whatever is already queued on the wire without blocking:
// it's the scheduler's opportunistic per-iteration broadcast flush. It
// returns true when nothing is queued. It returns false when
// BytesAvailable fails, when 10 consecutive frames fail their CRC, or when
// a receive ends in any other non-success result — which includes the
// timeout Receive reports once it has drained the queued broadcasts and
// finds nothing after them. A lone successfully-received non-broadcast frame arriving here
// would be a protocol bug — nothing should be addressing this controller
// directly outside of a SendAndReceive call — so it's treated the same as
// an empty queue rather than returned to a caller with no context for it.
func (b *Bus) Tick() bool {
	crcFailures := 0
	for {
		avail, err := b.port.BytesAvailable()
		if err != nil {
			return false
		}
		if avail == 0 {
			return true
		}

		_, _, _, res := b.Receive(defaultMainLoopTimeoutMS)
		switch res {
		case ResultSuccess:
			return true
		case ResultRecvCRCFailure:
			crcFailures++
			if crcFailures == 10 {
				return false
			}
		default:
			return false
		}
	}
}

// Stats returns the underlying serial line's error counters.
func (b *Bus) Stats() (serialport.Stats, error) {
	return b.port.Stats()
}

// receiveSingleMessage reads one frame byte by byte, resetting the
// timeout deadline on every byte received so a slow-but-steady trickle of
// bytes doesn't time out mid-frame — only silence does.
func (b *Bus) receiveSingleMessage(timeoutMS int) (addr, typ byte, payload []byte, result Result) {
	b.dec.Reset()
	deadline := time.Now().Add(time.Duration(timeoutMS) * time.Millisecond)

	for {
		avail, err := b.port.BytesAvailable()
		if err != nil {
			return 0, 0, nil, ResultRecvFailed
		}

		if avail > 0 {
			raw, ok, err := b.port.ReadByte()
			if err != nil || !ok {
				return 0, 0, nil, ResultRecvFailed
			}
			deadline = time.Now().Add(time.Duration(timeoutMS) * time.Millisecond)

			f, done, ferr := b.dec.Feed(raw)
			if ferr != nil {
				return 0, 0, nil, ResultRecvCRCFailure
			}
			if done {
				return f.Addr, f.Type, f.Payload, ResultSuccess
			}
			continue
		}

		if timeoutMS == 0 {
			return 0, 0, nil, ResultRecvTimeout
		}
		if time.Now().After(deadline) {
			return 0, 0, nil, ResultRecvTimeout
		}
		time.Sleep(byteWaitPoll)
	}
}
