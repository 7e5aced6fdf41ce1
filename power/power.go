// Package power restarts or powers off the machine.
package power

import (
	"log/slog"
)

// Action is what to do with the machine.
type Action int

const (
	Shutdown Action = iota
	Reboot
)

func (a Action) String() string {
	if a == Reboot {
		return "reboot"
	}
	return "shutdown"
}

// Controller performs power actions. DryRun only logs them, which is what
// development setups want.
type Controller struct {
	DryRun bool
	Log    *slog.Logger
}

// Reboot restarts the machine, giving reason to the OS shutdown log.
func (c *Controller) Reboot(reason string) error {
	return c.do(Reboot, reason)
}

// Shutdown powers the machine off.
func (c *Controller) Shutdown(reason string) error {
	return c.do(Shutdown, reason)
}

func (c *Controller) do(a Action, reason string) error {
	if c.Log != nil {
		c.Log.Warn("Power action requested", "action", a.String(), "reason", reason, "dryRun", c.DryRun)
	}
	if c.DryRun {
		return nil
	}
	return platformPower(a, reason)
}
