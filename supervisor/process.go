package supervisor

import (
	"strings"

	"github.com/shirou/gopsutil/process"
)

// Process is one running process as seen by the supervisor.
type Process struct {
	PID  int32
	Name string
}

// ProcessLister enumerates running processes.
type ProcessLister interface {
	Processes() ([]Process, error)
}

// SystemProcesses lists processes of the running system.
type SystemProcesses struct{}

func (SystemProcesses) Processes() ([]Process, error) {
	procs, err := process.Processes()
	if err != nil {
		return nil, err
	}
	out := make([]Process, 0, len(procs))
	for _, p := range procs {
		// Processes can exit between listing and naming.
		name, err := p.Name()
		if err != nil {
			continue
		}
		out = append(out, Process{PID: p.Pid, Name: name})
	}
	return out, nil
}

// FindByKeyword returns the first process whose name contains one of
// keywords, case-insensitively.
func FindByKeyword(procs []Process, keywords []string) (Process, bool) {
	for _, p := range procs {
		name := strings.ToLower(p.Name)
		for _, k := range keywords {
			if k != "" && strings.Contains(name, strings.ToLower(k)) {
				return p, true
			}
		}
	}
	return Process{}, false
}
