package interfaces

import "log/slog"

// Stage names the pipeline step a Status belongs to.
type Stage string

const (
	StageDiscovery Stage = "discovery"
	StageUpdate    Stage = "update"
	StageReplace   Stage = "replace"
	StageMount     Stage = "mount"
	StageLaunch    Stage = "launch"
	StageSupervise Stage = "supervise"
	StageError     Stage = "error"
	StageShutdown  Stage = "shutdown"
)

// Status is a human readable event for the user-facing layer.
// Percent is -1 when the event carries no progress.
type Status struct {
	Stage   Stage
	Message string
	Percent int
}

// StatusSink consumes status events. Implementations must not block.
type StatusSink interface {
	Report(Status)
}

// LogSink reports status events to a structured logger.
type LogSink struct {
	Log *slog.Logger
}

func (s LogSink) Report(st Status) {
	if s.Log == nil {
		return
	}
	attrs := []any{"stage", string(st.Stage)}
	if st.Percent >= 0 {
		attrs = append(attrs, "percent", st.Percent)
	}
	if st.Stage == StageError {
		s.Log.Error(st.Message, attrs...)
		return
	}
	s.Log.Info(st.Message, attrs...)
}

// ChanSink forwards status events to a channel, dropping them when the
// channel is full.
type ChanSink chan Status

func (c ChanSink) Report(st Status) {
	select {
	case c <- st:
	default:
	}
}

// MultiSink fans a status out to several sinks.
type MultiSink []StatusSink

func (m MultiSink) Report(st Status) {
	for _, s := range m {
		if s != nil {
			s.Report(st)
		}
	}
}
