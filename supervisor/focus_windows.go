package supervisor

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	user32                  = windows.NewLazySystemDLL("user32.dll")
	procSetForegroundWindow = user32.NewProc("SetForegroundWindow")
	procShowWindow          = user32.NewProc("ShowWindow")
)

var errNoWindow = errors.New("no visible window")

// WindowFocuser focuses the first visible top-level window owned by a
// process.
type WindowFocuser struct{}

// SystemFocuser returns the focuser for the running platform.
func SystemFocuser() Focuser { return WindowFocuser{} }

func (WindowFocuser) Focus(pid int32) error {
	hwnd, err := findWindow(uint32(pid))
	if err != nil {
		return err
	}
	// The return value is the previous visibility, not an error.
	procShowWindow.Call(uintptr(hwnd), uintptr(windows.SW_RESTORE))
	r, _, callErr := procSetForegroundWindow.Call(uintptr(hwnd))
	if r == 0 {
		return fmt.Errorf("SetForegroundWindow: %w", callErr)
	}
	return nil
}

func findWindow(pid uint32) (windows.HWND, error) {
	var found windows.HWND
	cb := windows.NewCallback(func(hwnd windows.HWND, _ uintptr) uintptr {
		var owner uint32
		if _, err := windows.GetWindowThreadProcessId(hwnd, &owner); err != nil {
			return 1
		}
		if owner == pid && windows.IsWindowVisible(hwnd) {
			found = hwnd
			return 0
		}
		return 1
	})
	// EnumWindows reports an error when the callback stops enumeration.
	_ = windows.EnumWindows(cb, unsafe.Pointer(nil))
	if found == 0 {
		return 0, errNoWindow
	}
	return found, nil
}
