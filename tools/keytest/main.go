// Command keytest is a manual check of the global key hook.
//
// It reports whether the hook can be installed, then prints every key
// combination the daemon would broadcast together with a per-second count
// of raw key transitions, until interrupted with Ctrl+C.
//
// Usage:
//
//	go build -o keytest ./tools/keytest
//	./keytest -device /dev/input/event3
//
// On Linux the user needs read access to /dev/input/event* (usually via the
// "input" group).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"overfloatd/internal/keystroke"
	"overfloatd/internal/logging"
	"overfloatd/internal/metrics"
	"overfloatd/internal/notify"
)

type devices []string

func (d *devices) String() string     { return strings.Join(*d, ",") }
func (d *devices) Set(v string) error { *d = append(*d, v); return nil }

// printer writes broadcast combinations to stdout.
type printer struct {
	start time.Time
	count atomic.Uint64
}

func (p *printer) Emit(string, string, any) {}

func (p *printer) Broadcast(channel string, payload any) {
	if kp, ok := payload.(notify.KeypressPayload); ok && channel == notify.KeypressChannel {
		p.count.Add(1)
		fmt.Printf("%9.3fs  %s\n", time.Since(p.start).Seconds(), kp.Key)
	}
}

func main() {
	var devs devices
	flag.Var(&devs, "device", "keyboard device to read (repeatable, Linux only)")
	verbose := flag.Bool("v", false, "log at debug level")
	flag.Parse()

	lc := logging.DefaultConfig()
	if *verbose {
		lc.Level = logging.LevelDebug
	}
	logger, err := logging.New(lc)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Close()

	fmt.Println("Global Key Hook Test")
	fmt.Println("====================")
	fmt.Println()

	src := keystroke.New(keystroke.Options{Devices: devs, Logger: logger.WithComponent("keyboard")})
	available, msg := src.Available()
	fmt.Printf("Hook availability: %s\n", msg)
	if !available {
		fmt.Println("ERROR: hook not available")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Print("Installing hook... ")
	events, err := src.Start(ctx)
	if err != nil {
		fmt.Printf("FAILED: %v\n", err)
		os.Exit(1)
	}
	defer src.Stop()
	fmt.Println("OK")
	fmt.Println()
	fmt.Println("Press key combinations. Ctrl+C to stop.")
	fmt.Println()

	m := metrics.NewOverfloat(nil)
	out := &printer{start: time.Now()}
	detector := keystroke.NewDetector(out, logger.WithComponent("keys"), m)

	done := make(chan error, 1)
	go func() { done <- detector.Run(ctx, events) }()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	var last uint64
	for {
		select {
		case <-done:
			fmt.Println()
			fmt.Printf("Raw events:   %d\n", m.KeyEvents.Value())
			fmt.Printf("Combinations: %d\n", out.count.Load())
			fmt.Printf("Dropped:      %d\n", src.Dropped())
			return
		case <-ticker.C:
			n := m.KeyEvents.Value()
			if n != last {
				fmt.Printf("           (%d raw events/s)\n", n-last)
				last = n
			}
		}
	}
}
