package mount

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// CommandAttacher attaches images by running an external tool. Arguments
// are passed as discrete argv entries; "{image}" is replaced by the image
// path. The tool is killed when ctx is done.
type CommandAttacher struct {
	Path       string
	AttachArgs []string
	DetachArgs []string
	// Quote escapes the image path for the tool's own parser, if it has one.
	Quote func(string) string
}

// PowerShellAttacher uses the Storage module's Mount-DiskImage cmdlets.
func PowerShellAttacher() *CommandAttacher {
	return &CommandAttacher{
		Path:       "powershell.exe",
		AttachArgs: []string{"-NoProfile", "-NonInteractive", "-Command", "Mount-DiskImage -ImagePath '{image}' | Out-Null"},
		DetachArgs: []string{"-NoProfile", "-NonInteractive", "-Command", "Dismount-DiskImage -ImagePath '{image}' | Out-Null"},
		Quote:      psQuote,
	}
}

func (c *CommandAttacher) Attach(ctx context.Context, imagePath string) error {
	return c.run(ctx, c.AttachArgs, imagePath)
}

func (c *CommandAttacher) Detach(ctx context.Context, imagePath string) error {
	return c.run(ctx, c.DetachArgs, imagePath)
}

func (c *CommandAttacher) run(ctx context.Context, args []string, imagePath string) error {
	image := imagePath
	if c.Quote != nil {
		image = c.Quote(imagePath)
	}
	argv := make([]string, len(args))
	for i, a := range args {
		argv[i] = strings.ReplaceAll(a, "{image}", image)
	}

	cmd := exec.CommandContext(ctx, c.Path, argv...)
	cmd.WaitDelay = 2 * time.Second
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%s killed: %w", c.Path, ctx.Err())
		}
		return fmt.Errorf("%s failed: %w: %s", c.Path, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// psQuote escapes a value for use inside a single-quoted PowerShell string.
func psQuote(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
