// Command rs485-bus-daemon is the hardware-abstraction daemon's bus
// subsystem entrypoint: it owns the RS-485 serial line exclusively, drives
// the cold-cube and DSB peer state machines, and runs the single-threaded
// cooperative scheduler until a signal asks it to stop.
//
// The length-framed command/event sockets and the camera/V4L2 path are
// out of scope for this repository (see spec.md §1); this binary wires the
// scheduler's CommandSource/CameraSource seams to no-ops so the bus, DSB,
// and cold-cube peers still run their full tick ordering standalone.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/librescoot/rs485-bus-daemon/pkg/bus"
	"github.com/librescoot/rs485-bus-daemon/pkg/coldcube"
	"github.com/librescoot/rs485-bus-daemon/pkg/diag"
	"github.com/librescoot/rs485-bus-daemon/pkg/dsb"
	"github.com/librescoot/rs485-bus-daemon/pkg/eventbus"
	"github.com/librescoot/rs485-bus-daemon/pkg/scheduler"
	"github.com/librescoot/rs485-bus-daemon/pkg/serialport"
)

var (
	serialDevice = flag.String("serial", "/dev/ttymxc2", "RS-485 serial device path")
	redisAddr    = flag.String("redis-addr", "localhost:6379", "Redis server address")
	redisPass    = flag.String("redis-pass", "", "Redis password")
	redisDB      = flag.Int("redis-db", 0, "Redis database number")
	noRedis      = flag.Bool("no-redis", false, "log events instead of publishing to Redis")

	dsbPollInterval  = flag.Duration("dsb-poll-interval", 2*time.Second, "DSB status poll cadence")
	ccFastInterval   = flag.Duration("coldcube-fast-interval", 10*time.Second, "cold-cube fast status poll cadence")
	ccSlowInterval   = flag.Duration("coldcube-slow-interval", 120*time.Second, "cold-cube slow telemetry poll cadence")
	diagSnapInterval = flag.Duration("diag-interval", 30*time.Second, "diagnostic snapshot publish cadence")

	rs485Direction = flag.Bool("rs485-direction-control", true, "enable kernel RS-485 direction control (TIOCSRS485) if supported")
)

func main() {
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)
	log.Printf("Starting RS-485 bus daemon")
	log.Printf("Serial device: %s", *serialDevice)

	port, err := serialport.Open(*serialDevice, serialport.Baud115200)
	if err != nil {
		log.Fatalf("Failed to open serial port %s: %v", *serialDevice, err)
	}
	defer port.Close()

	if *rs485Direction {
		if err := port.EnableRS485(); err != nil {
			log.Printf("RS-485 direction control not enabled: %v", err)
		} else {
			log.Printf("RS-485 direction control enabled")
		}
	}

	if stats, err := port.Stats(); err == nil {
		log.Printf("Serial line stats at startup: %+v", stats)
	}

	var sink eventbus.Sink
	if *noRedis {
		sink = eventbus.LoggingEventSink{}
		log.Printf("Publishing events via log output (-no-redis)")
	} else {
		redisSink, err := eventbus.NewRedisSink(*redisAddr, *redisPass, *redisDB)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer redisSink.Close()
		sink = redisSink
		log.Printf("Connected to Redis at %s", *redisAddr)
	}

	b := bus.New(port)

	dsbPeer := dsb.New(b, *dsbPollInterval, sink)
	b.SetEventSink(dsbPeer)

	ccPeer := coldcube.New(b, *ccFastInterval, *ccSlowInterval, sink)

	log.Printf("Running initial DSB discovery...")
	dsbPeer.Discover()
	if len(dsbPeer.Boards()) == 0 {
		log.Printf("Warning: DSB discovery found no boards")
	} else {
		log.Printf("Discovered %d drawer sensor board(s)", len(dsbPeer.Boards()))
	}

	log.Printf("Running initial cold-cube discovery...")
	if !ccPeer.Discover() {
		log.Printf("Warning: cold-cube not found at address 14")
	} else if !ccPeer.AcknowledgeBoot() {
		log.Printf("Warning: cold-cube boot handshake failed")
	}

	diagCollector := diag.NewCollector(dsbPeer.Boards, ccPeer, sink, *diagSnapInterval)

	sched := scheduler.New(b, dsbPeer, ccPeer)
	sched.Diag = diagCollector

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	stop := make(chan struct{})
	go func() {
		<-sigCh
		log.Printf("Shutting down...")
		close(stop)
	}()

	shouldStop := func() bool {
		select {
		case <-stop:
			return true
		default:
			return false
		}
	}

	log.Printf("Entering scheduler loop")
	sched.Run(shouldStop)
	log.Printf("Scheduler loop exited")
}
