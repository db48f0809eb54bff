// Command dsb-prog is the offline DSB firmware-programming utility: it
// shares the bus framer and CRC with the daemon but never runs alongside
// it, since programming mode takes every board out of its normal protocol
// for the duration of the Intel-HEX transfer.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/librescoot/rs485-bus-daemon/pkg/programmer"
	"github.com/librescoot/rs485-bus-daemon/pkg/serialport"
)

const (
	exitOK           = 0
	exitBadArgs      = -1
	exitOpenFailure  = -2
	exitProgramError = -3
)

var (
	device   = flag.String("d", "/dev/ttyUSB0", "RS-485 dev file")
	hexFile  = flag.String("f", "", "Hex file")
	doProg   = flag.Bool("p", false, "Program the DSB")
	doInfo   = flag.Bool("i", false, "Run discovery")
	delayMS  = flag.Int("l", 100, "How long to delay between hex records (in ms). Valid range: 10 to 10000")
	baudFlag = flag.Int("b", 115200, "Baud rate. Supported: 38400, 115200")
	verbose  = flag.Bool("v", false, "Verbose. Print out every hex record sent")
	debug    = flag.Bool("g", false, "Debug. Check for errors after every hex record")
)

func main() {
	os.Exit(run())
}

func run() int {
	flag.Parse()
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	if *hexFile == "" && *doProg {
		log.Printf("No programming file specified")
		flag.Usage()
		return exitBadArgs
	}

	var baud serialport.Baud
	switch *baudFlag {
	case 115200:
		baud = serialport.Baud115200
	case 38400:
		baud = serialport.Baud38400
	default:
		log.Printf("Invalid baud rate: %d", *baudFlag)
		flag.Usage()
		return exitBadArgs
	}

	if *delayMS < 10 || *delayMS > 10000 {
		log.Printf("Delay out of bounds: %d", *delayMS)
		flag.Usage()
		return exitBadArgs
	}

	if !*doProg && !*doInfo {
		log.Printf("Nothing to do: specify -p, -i, or both")
		flag.Usage()
		return exitBadArgs
	}

	log.Printf("Programming %s to device %s", *hexFile, *device)

	prog, err := programmer.Open(*device, baud, time.Duration(*delayMS)*time.Millisecond)
	if err != nil {
		log.Printf("Could not open device %s: %v", *device, err)
		return exitOpenFailure
	}
	defer prog.Close()

	prog.Verbose = *verbose
	prog.Debug = *debug

	ok := true

	if *doInfo {
		if !discoverLight(prog) {
			ok = false
		}
	}

	if *doProg {
		if !programFile(prog, *hexFile) {
			ok = false
		}
	}

	if !ok {
		log.Printf("Programming failed")
		return exitProgramError
	}
	return exitOK
}

// discoverLight runs a bootloader-mode entry and a light discovery sweep
// to confirm every enrolled board can be reached and is in bootloader
// mode, the same check programFile runs before the transfer, exposed
// standalone under -i.
func discoverLight(prog *programmer.Programmer) bool {
	if err := prog.EnterBootloaderMode(); err != nil {
		log.Printf("discovery: enter bootloader mode: %v", err)
		return false
	}
	results, ok := prog.DiscoverLight(true)
	for _, r := range results {
		log.Printf("board %d: responded=%v bootloader=%v version=%d.%d correct=%v",
			r.Address, r.Responded, r.BootLoaderMode, r.VersionMajor, r.VersionMinor, r.CorrectMode)
	}
	return ok
}

// programFile runs the full flash sequence: enter bootloader mode,
// confirm every board is in it, stream the Intel-HEX file, then confirm
// every board has come back out of bootloader mode.
//
// Success requires every sub-step to succeed — spec.md §9's open question
// about the original's bitwise-OR success accumulation is resolved here
// as strict AND, so a partial failure is never silently reported as a
// clean flash.
func programFile(prog *programmer.Programmer, path string) bool {
	f, err := os.Open(path)
	if err != nil {
		log.Printf("program: open hex file %s: %v", path, err)
		return false
	}
	defer f.Close()

	if err := prog.EnterBootloaderMode(); err != nil {
		log.Printf("program: enter bootloader mode: %v", err)
		return false
	}

	preResults, preOK := prog.DiscoverLight(true)
	logBoardResults("pre-flash", preResults)
	if !preOK {
		log.Printf("program: not every board entered bootloader mode")
		return false
	}

	if errs := prog.CheckErrors(); len(errs) > 0 {
		logLineErrors(-1, errs)
	}

	result, err := prog.ProgramFile(f)
	if *verbose {
		log.Printf("program: sent %d hex records", result.LinesSent)
	}
	if err != nil {
		log.Printf("program: streaming hex file: %v", err)
		return false
	}

	failed := false
	for line, errs := range result.LineFailures {
		logLineErrors(line, errs)
		failed = true
	}
	if failed {
		log.Printf("program: %d record(s) reported board errors", len(result.LineFailures))
		return false
	}

	time.Sleep(1 * time.Second)
	postResults, postOK := prog.DiscoverLight(false)
	logBoardResults("post-flash", postResults)
	if !postOK {
		log.Printf("program: not every board exited bootloader mode")
		return false
	}

	return true
}

func logBoardResults(phase string, results []programmer.BoardResult) {
	for _, r := range results {
		log.Printf("%s: board %d responded=%v bootloader=%v version=%d.%d correct=%v",
			phase, r.Address, r.Responded, r.BootLoaderMode, r.VersionMajor, r.VersionMinor, r.CorrectMode)
	}
}

func logLineErrors(line int, errs []programmer.LineErrors) {
	for _, e := range errs {
		log.Printf("line %s: board %d errors=%v", lineLabel(line), e.Address, e.Errors)
	}
}

func lineLabel(line int) string {
	if line < 0 {
		return "pre-transfer"
	}
	return fmt.Sprintf("%d", line)
}
