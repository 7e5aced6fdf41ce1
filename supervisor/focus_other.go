//go:build !windows

package supervisor

// SystemFocuser returns the focuser for the running platform.
func SystemFocuser() Focuser { return NopFocuser{} }
