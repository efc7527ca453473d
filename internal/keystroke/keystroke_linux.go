//go:build linux

package keystroke

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// EvdevSource reads key events from every keyboard under /dev/input and
// merges them into one stream.
type EvdevSource struct {
	BaseSource
	opts Options
	log  *slog.Logger

	mu     sync.Mutex
	files  []*os.File
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newPlatformSource(opts Options) Source {
	return NewEvdevSource(opts)
}

// NewEvdevSource returns a source reading opts.Devices, or every keyboard
// listed in /proc/bus/input/devices when none are configured.
func NewEvdevSource(opts Options) *EvdevSource {
	opts.setDefaults()
	return &EvdevSource{opts: opts, log: opts.Logger.With("component", "keystroke", "source", "evdev")}
}

func (s *EvdevSource) devices() ([]string, error) {
	if len(s.opts.Devices) > 0 {
		return s.opts.Devices, nil
	}
	return findKeyboardDevices()
}

// Available checks that at least one keyboard device can be opened.
func (s *EvdevSource) Available() (bool, string) {
	devices, err := s.devices()
	if err != nil {
		return false, fmt.Sprintf("cannot find keyboard devices: %v", err)
	}
	if len(devices) == 0 {
		return false, "no keyboard devices found"
	}
	for _, dev := range devices {
		f, err := os.OpenFile(dev, os.O_RDONLY, 0)
		if err == nil {
			f.Close()
			return true, fmt.Sprintf("found keyboard device: %s", dev)
		}
	}
	return false, "cannot read keyboard devices (need to be in 'input' group or run as root)"
}

// findKeyboardDevices lists the event handlers of devices that report
// EV_KEY capabilities with a full key bitmap.
func findKeyboardDevices() ([]string, error) {
	f, err := os.Open("/proc/bus/input/devices")
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return parseDeviceList(f), nil
}

func parseDeviceList(r io.Reader) []string {
	var (
		devices []string
		seen    = make(map[string]bool)
		handler string
		isKbd   bool
	)
	flush := func() {
		if isKbd && handler != "" && !seen[handler] {
			seen[handler] = true
			devices = append(devices, handler)
		}
		handler, isKbd = "", false
	}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "H: Handlers="):
			for _, part := range strings.Fields(strings.TrimPrefix(line, "H: Handlers=")) {
				if strings.HasPrefix(part, "event") {
					handler = "/dev/input/" + part
				}
				if part == "kbd" {
					isKbd = true
				}
			}
		case strings.HasPrefix(line, "B: EV="):
			// EV_REP (bit 20) marks devices that autorepeat, i.e. keyboards
			// rather than power buttons.
			var ev uint64
			if _, err := fmt.Sscanf(strings.TrimPrefix(line, "B: EV="), "%x", &ev); err == nil && ev&(1<<20) == 0 {
				isKbd = false
			}
		case line == "":
			flush()
		}
	}
	flush()
	return devices
}

// Start opens every keyboard device and starts one reader per device.
// Devices that cannot be opened are skipped; if none open, Start fails.
func (s *EvdevSource) Start(ctx context.Context) (<-chan KeyEvent, error) {
	if s.IsRunning() {
		return nil, ErrAlreadyRunning
	}
	devices, err := s.devices()
	if err != nil || len(devices) == 0 {
		return nil, ErrNotAvailable
	}

	var (
		files   []*os.File
		lastErr error
	)
	for _, dev := range devices {
		f, err := os.OpenFile(dev, os.O_RDONLY, 0)
		if err != nil {
			lastErr = err
			s.log.Debug("skipping keyboard device", "device", dev, "error", err)
			continue
		}
		files = append(files, f)
	}
	if len(files) == 0 {
		if errors.Is(lastErr, os.ErrPermission) {
			return nil, ErrPermissionDenied
		}
		return nil, fmt.Errorf("%w: %v", ErrNotAvailable, lastErr)
	}

	ch, err := s.open(s.opts.Buffer)
	if err != nil {
		for _, f := range files {
			f.Close()
		}
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.files = files
	s.cancel = cancel
	s.mu.Unlock()

	for _, f := range files {
		s.wg.Add(1)
		go s.readLoop(f)
	}
	go func() {
		<-ctx.Done()
		s.closeFiles()
		s.wg.Wait()
		s.close()
	}()

	s.log.Info("keyboard source started", "devices", len(files))
	return ch, nil
}

func (s *EvdevSource) closeFiles() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.files {
		f.Close()
	}
	s.files = nil
}

// Stop closes the devices and waits for the readers to exit.
func (s *EvdevSource) Stop() error {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	s.closeFiles()
	s.wg.Wait()
	s.close()
	return nil
}

// input_event is a struct timeval followed by type, code and value.
var (
	timevalSize = int(unsafe.Sizeof(unix.Timeval{}))
	eventSize   = timevalSize + 8
)

const (
	evKey       = 0x01
	valueUp     = 0
	valueDown   = 1
	valueRepeat = 2
)

func (s *EvdevSource) readLoop(f *os.File) {
	defer s.wg.Done()

	buf := make([]byte, eventSize*64)
	for {
		n, err := f.Read(buf)
		if err != nil {
			if !errors.Is(err, os.ErrClosed) {
				s.log.Warn("keyboard device read failed", "device", f.Name(), "error", err)
			}
			return
		}
		for off := 0; off+eventSize <= n; off += eventSize {
			if ev, ok := decodeInputEvent(buf[off : off+eventSize]); ok {
				s.Deliver(ev)
			}
		}
	}
}

// decodeInputEvent converts one raw input_event into a KeyEvent. Non-key
// events and autorepeats are dropped.
func decodeInputEvent(b []byte) (KeyEvent, bool) {
	typ := binary.NativeEndian.Uint16(b[timevalSize:])
	code := binary.NativeEndian.Uint16(b[timevalSize+2:])
	value := int32(binary.NativeEndian.Uint32(b[timevalSize+4:]))
	if typ != evKey {
		return KeyEvent{}, false
	}

	var kind EventKind
	switch value {
	case valueDown:
		kind = KeyDown
	case valueUp:
		kind = KeyUp
	default:
		return KeyEvent{}, false
	}
	return KeyEvent{Kind: kind, Key: evdevKey(code), Time: time.Now()}, true
}

func evdevKey(code uint16) Key {
	if k, ok := evdevKeymap[code]; ok {
		return k
	}
	return UnknownKey(uint32(code))
}
