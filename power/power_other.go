//go:build !windows

package power

import (
	"os/exec"
)

func platformPower(a Action, reason string) error {
	if a == Reboot {
		return exec.Command("systemctl", "--system", "reboot", "-q").Run()
	}
	return exec.Command("systemctl", "--system", "poweroff", "-q").Run()
}
