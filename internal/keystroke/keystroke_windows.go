//go:build windows

package keystroke

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	user32                  = windows.NewLazySystemDLL("user32.dll")
	procSetWindowsHookExW   = user32.NewProc("SetWindowsHookExW")
	procUnhookWindowsHookEx = user32.NewProc("UnhookWindowsHookEx")
	procCallNextHookEx      = user32.NewProc("CallNextHookEx")
	procGetMessageW         = user32.NewProc("GetMessageW")
	procPostThreadMessageW  = user32.NewProc("PostThreadMessageW")
)

const (
	whKeyboardLL  = 13
	hcAction      = 0
	wmQuit        = 0x0012
	wmKeyDown     = 0x0100
	wmKeyUp       = 0x0101
	wmSysKeyDown  = 0x0104
	wmSysKeyUp    = 0x0105
	llkhfExtended = 0x01
)

type kbdllHookStruct struct {
	VkCode      uint32
	ScanCode    uint32
	Flags       uint32
	Time        uint32
	DwExtraInfo uintptr
}

type msg struct {
	Hwnd    uintptr
	Message uint32
	WParam  uintptr
	LParam  uintptr
	Time    uint32
	Pt      struct{ X, Y int32 }
}

// Only one low-level hook is installed per process; the callback finds
// its source through this pointer.
var activeHook atomic.Pointer[HookSource]

var hookCallback = windows.NewCallback(lowLevelKeyboardProc)

// HookSource installs a WH_KEYBOARD_LL hook on a dedicated OS thread
// running a message loop.
type HookSource struct {
	BaseSource
	opts Options
	log  *slog.Logger

	mu       sync.Mutex
	threadID uint32
	done     chan struct{}
	stop     func() bool
}

func newPlatformSource(opts Options) Source {
	return NewHookSource(opts)
}

// NewHookSource returns an uninstalled hook source.
func NewHookSource(opts Options) *HookSource {
	opts.setDefaults()
	return &HookSource{opts: opts, log: opts.Logger.With("component", "keystroke", "source", "llhook")}
}

func (s *HookSource) Available() (bool, string) {
	if err := procSetWindowsHookExW.Find(); err != nil {
		return false, fmt.Sprintf("SetWindowsHookExW unavailable: %v", err)
	}
	return true, "low-level keyboard hook available"
}

// Start installs the hook and returns once it is live.
func (s *HookSource) Start(ctx context.Context) (<-chan KeyEvent, error) {
	if !activeHook.CompareAndSwap(nil, s) {
		return nil, ErrAlreadyRunning
	}
	ch, err := s.open(s.opts.Buffer)
	if err != nil {
		activeHook.Store(nil)
		return nil, err
	}

	ready := make(chan error, 1)
	done := make(chan struct{})
	s.mu.Lock()
	s.done = done
	s.mu.Unlock()

	go s.loop(ready, done)
	if err := <-ready; err != nil {
		<-done
		s.close()
		activeHook.Store(nil)
		return nil, err
	}

	s.mu.Lock()
	s.stop = context.AfterFunc(ctx, func() { _ = s.Stop() })
	s.mu.Unlock()

	s.log.Info("keyboard hook installed")
	return ch, nil
}

func (s *HookSource) loop(ready chan<- error, done chan<- struct{}) {
	defer close(done)

	// The hook is delivered to the thread that installed it, which must
	// pump messages.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	hook, _, callErr := procSetWindowsHookExW.Call(whKeyboardLL, hookCallback, 0, 0)
	if hook == 0 {
		ready <- fmt.Errorf("%w: SetWindowsHookExW: %v", ErrNotAvailable, callErr)
		return
	}
	defer procUnhookWindowsHookEx.Call(hook)

	s.mu.Lock()
	s.threadID = windows.GetCurrentThreadId()
	s.mu.Unlock()
	ready <- nil

	var m msg
	for {
		r, _, _ := procGetMessageW.Call(uintptr(unsafe.Pointer(&m)), 0, 0, 0)
		// 0 is WM_QUIT, -1 is an error.
		if r == 0 || int32(r) == -1 {
			return
		}
	}
}

// Stop posts WM_QUIT to the hook thread and waits for it to unhook.
func (s *HookSource) Stop() error {
	s.mu.Lock()
	tid, done, stop := s.threadID, s.done, s.stop
	s.threadID, s.stop = 0, nil
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
	if tid != 0 {
		procPostThreadMessageW.Call(uintptr(tid), wmQuit, 0, 0)
	}
	if done != nil {
		<-done
	}
	s.close()
	activeHook.CompareAndSwap(s, nil)
	return nil
}

func lowLevelKeyboardProc(nCode int32, wParam uintptr, lParam uintptr) uintptr {
	if nCode == hcAction {
		if s := activeHook.Load(); s != nil {
			kb := (*kbdllHookStruct)(unsafe.Pointer(lParam))
			var kind EventKind
			switch wParam {
			case wmKeyDown, wmSysKeyDown:
				kind = KeyDown
			case wmKeyUp, wmSysKeyUp:
				kind = KeyUp
			}
			if kind != 0 {
				s.Deliver(KeyEvent{Kind: kind, Key: vkKey(kb.VkCode, kb.Flags), Time: time.Now()})
			}
		}
	}
	r, _, _ := procCallNextHookEx.Call(0, uintptr(nCode), wParam, lParam)
	return r
}

func vkKey(vk, flags uint32) Key {
	// VK_RETURN with the extended flag is the keypad Enter.
	if vk == 0x0D && flags&llkhfExtended != 0 {
		return KeyKpReturn
	}
	if k, ok := vkKeymap[vk]; ok {
		return k
	}
	return UnknownKey(vk)
}
