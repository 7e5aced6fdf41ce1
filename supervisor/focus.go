package supervisor

// Focuser brings a process's main window to the foreground.
type Focuser interface {
	Focus(pid int32) error
}

// NopFocuser does nothing; used where there is no desktop session.
type NopFocuser struct{}

func (NopFocuser) Focus(int32) error { return nil }
