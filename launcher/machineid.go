package launcher

import (
	"os"
	"strings"
)

// MachineID returns the identity reported to the admin service: the
// configured override, else the platform machine GUID, else the hostname.
func MachineID(override string) string {
	if id := strings.TrimSpace(override); id != "" {
		return id
	}
	if id, err := platformMachineID(); err == nil && id != "" {
		return id
	}
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return host
}
