package eventbus

import (
	"encoding/hex"
	"log"

	"github.com/librescoot/rs485-bus-daemon/pkg/coldcube"
	"github.com/librescoot/rs485-bus-daemon/pkg/dsb"
)

// LoggingEventSink satisfies Sink without a Redis connection, logging each
// event instead. Used by the daemon when run with -no-redis and by tests
// that care about peer behavior, not telemetry wiring.
type LoggingEventSink struct{}

func (LoggingEventSink) PublishDrawerStateChanged(evt dsb.DrawerEvent) {
	log.Printf("eventbus: board %d drawer %d open=%v unlocked=%v", evt.BoardAddress, evt.Index, evt.Open, evt.Unlocked)
}

func (LoggingEventSink) PublishDrawerErrors(boardAddress uint8, errs []uint8) {
	log.Printf("eventbus: board %d errors=%v", boardAddress, errs)
}

func (LoggingEventSink) PublishEnumeration(boards []dsb.Board) {
	log.Printf("eventbus: roster size=%d", len(boards))
}

func (LoggingEventSink) PublishStatusChanged(status coldcube.Status) {
	log.Printf("eventbus: cold-cube status=%+v", status)
}

func (LoggingEventSink) PublishCompressorError(code uint8) {
	log.Printf("eventbus: cold-cube compressor error code=%d", code)
}

func (LoggingEventSink) PublishDoorChanged(open bool) {
	log.Printf("eventbus: door open=%v", open)
}

func (LoggingEventSink) PublishCatastrophicFailure(reason string) {
	log.Printf("eventbus: CATASTROPHIC FAILURE: %s", reason)
}

func (LoggingEventSink) PublishDiagnosticSnapshot(data []byte) error {
	log.Printf("eventbus: diagnostic snapshot (%d bytes): %s", len(data), hex.EncodeToString(data))
	return nil
}
