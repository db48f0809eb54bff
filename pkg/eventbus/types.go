// Package eventbus fans out bus peer events to Redis, the way the teacher's
// pkg/redis client writes a hash field and publishes the change on the same
// key as a channel name. It is the only place in this module that knows
// Redis exists; every peer package depends on it only through the narrow
// EventPublisher interfaces it satisfies.
package eventbus

import (
	"github.com/librescoot/rs485-bus-daemon/pkg/coldcube"
	"github.com/librescoot/rs485-bus-daemon/pkg/dsb"
)

// Redis keys. Each is both a hash (for last-known-value reads) and a
// pub/sub channel (for change notification), exactly as the teacher's
// WriteAndPublishString does.
const (
	keyDrawers  = "drawers"
	keyColdCube = "cold-cube"
	keySystem   = "rs485-bus"
)

// Sink is the full surface this module publishes, gathering
// dsb.EventPublisher, coldcube.EventPublisher and scheduler.DoorEventPublisher
// into one interface plus the two events no peer package owns on its own:
// catastrophic failure and the diagnostic snapshot.
type Sink interface {
	dsb.EventPublisher
	coldcube.EventPublisher
	PublishDoorChanged(open bool)
	PublishCatastrophicFailure(reason string)
	PublishDiagnosticSnapshot(data []byte) error
}
