package eventbus

import (
	"context"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"

	"github.com/librescoot/rs485-bus-daemon/pkg/coldcube"
	"github.com/librescoot/rs485-bus-daemon/pkg/dsb"
)

// RedisSink publishes every peer event to Redis. Each publish writes the
// changed field into a hash (so a late subscriber can still read the
// current value) and announces "field:value" on a channel named after the
// hash key, matching the teacher's WriteAndPublishString/Int pattern.
type RedisSink struct {
	client *redis.Client
	ctx    context.Context
}

// NewRedisSink connects to Redis at addr and pings it once so connection
// failures surface at startup rather than on the first published event.
func NewRedisSink(addr, password string, db int) (*RedisSink, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("eventbus: connect to redis: %w", err)
	}

	return &RedisSink{client: client, ctx: ctx}, nil
}

// Close releases the underlying Redis connection.
func (s *RedisSink) Close() error {
	return s.client.Close()
}

func (s *RedisSink) writeAndPublish(key, field, value string) {
	pipe := s.client.Pipeline()
	pipe.HSet(s.ctx, key, field, value)
	pipe.Publish(s.ctx, key, fmt.Sprintf("%s:%s", field, value))
	if _, err := pipe.Exec(s.ctx); err != nil {
		log.Printf("eventbus: publish %s/%s failed: %v", key, field, err)
	}
}

// PublishDrawerStateChanged announces one drawer's open/closed and
// lock/unlock transition under its board address and drawer index.
func (s *RedisSink) PublishDrawerStateChanged(evt dsb.DrawerEvent) {
	field := fmt.Sprintf("%d:%d:open", evt.BoardAddress, evt.Index)
	value := "closed"
	if evt.Open {
		value = "open"
	}
	s.writeAndPublish(keyDrawers, field, value)

	lockField := fmt.Sprintf("%d:%d:unlocked", evt.BoardAddress, evt.Index)
	lockValue := "false"
	if evt.Unlocked {
		lockValue = "true"
	}
	s.writeAndPublish(keyDrawers, lockField, lockValue)
}

// PublishDrawerErrors announces a board's latched error nibbles.
func (s *RedisSink) PublishDrawerErrors(boardAddress uint8, errs []uint8) {
	field := fmt.Sprintf("%d:errors", boardAddress)
	s.writeAndPublish(keyDrawers, field, fmt.Sprint(errs))
}

// PublishEnumeration announces the drawer board roster size after a
// discovery sweep, whether or not the roster changed.
func (s *RedisSink) PublishEnumeration(boards []dsb.Board) {
	s.writeAndPublish(keyDrawers, "roster-size", fmt.Sprintf("%d", len(boards)))
}

// PublishStatusChanged announces the cold-cube's main status register.
func (s *RedisSink) PublishStatusChanged(status coldcube.Status) {
	s.writeAndPublish(keyColdCube, "ac-power", fmt.Sprint(status.ACPower))
	s.writeAndPublish(keyColdCube, "defrosting", fmt.Sprint(status.Defrosting))
	s.writeAndPublish(keyColdCube, "compressor-error", fmt.Sprint(status.CompressorErr))
	s.writeAndPublish(keyColdCube, "temp-out-of-range", fmt.Sprint(status.TempOutRange))
}

// PublishCompressorError announces the cold-cube's latched compressor
// fault code.
func (s *RedisSink) PublishCompressorError(code uint8) {
	s.writeAndPublish(keyColdCube, "compressor-error-code", fmt.Sprintf("%d", code))
}

// PublishDoorChanged announces the drawer cabinet door sensor's state.
func (s *RedisSink) PublishDoorChanged(open bool) {
	value := "closed"
	if open {
		value = "open"
	}
	s.writeAndPublish(keySystem, "door", value)
}

// PublishCatastrophicFailure announces a condition the daemon considers
// unrecoverable without operator intervention (e.g. the bus never comes
// up at all). Like every event this sink publishes, it is not rate-limited.
func (s *RedisSink) PublishCatastrophicFailure(reason string) {
	s.writeAndPublish(keySystem, "catastrophic-failure", reason)
}

// PublishDiagnosticSnapshot publishes a CBOR-encoded roster snapshot as a
// raw message on the diagnostics channel; it isn't mirrored into a hash
// since a snapshot is a point-in-time event, not a value to read back.
func (s *RedisSink) PublishDiagnosticSnapshot(data []byte) error {
	return s.client.Publish(s.ctx, "rs485-bus:diagnostics", data).Err()
}
