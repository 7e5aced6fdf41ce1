//go:build !windows

package launcher

import (
	"os"
	"strings"
)

func platformMachineID() (string, error) {
	data, err := os.ReadFile("/etc/machine-id")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
