package deploy

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ruteri/vhd-provisioner/interfaces"
)

// errTargetLocked marks a replace that failed because another process holds
// the target open.
var errTargetLocked = errors.New("target is in use")

const copyBufferSize = 1 << 20

// Deployer stages files next to their targets and swaps them in atomically.
// A target held open by another process is replaced on next boot instead.
type Deployer struct {
	Log *slog.Logger

	// replace and schedule default to the platform implementations.
	replace  func(staged, target string) error
	schedule func(staged, target string) error
}

// NewDeployer returns a Deployer using the platform replace primitives.
func NewDeployer(log *slog.Logger) *Deployer {
	return &Deployer{Log: log, replace: atomicReplace, schedule: scheduleReplace}
}

// StagingPath returns a fresh sibling path of target to stage into.
func StagingPath(target string) (string, error) {
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("could not create target directory: %w", err)
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(target)+".*.staging")
	if err != nil {
		return "", err
	}
	name := f.Name()
	f.Close()
	return name, nil
}

// Stage copies src to a sibling of target and returns the staged path.
// progress receives the running byte count; the swap itself reports nothing.
func (d *Deployer) Stage(src, target string, progress func(done int64)) (string, error) {
	staged, err := StagingPath(target)
	if err != nil {
		return "", err
	}
	if err := copyFile(src, staged, progress); err != nil {
		os.Remove(staged)
		return "", err
	}
	return staged, nil
}

// Deploy swaps staged into target in one operation. When the target is
// locked the replace is deferred to the next boot and staged stays in place.
func (d *Deployer) Deploy(staged, target string) (interfaces.DeployResult, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return interfaces.DeployFailed, fmt.Errorf("could not create target directory: %w", err)
	}

	replace, schedule := d.replace, d.schedule
	if replace == nil {
		replace = atomicReplace
	}
	if schedule == nil {
		schedule = scheduleReplace
	}

	err := replace(staged, target)
	if err == nil {
		d.log().Info("Deployed file", "target", target)
		return interfaces.DeployImmediate, nil
	}
	if !errors.Is(err, errTargetLocked) {
		return interfaces.DeployFailed, fmt.Errorf("could not replace %s: %w", target, err)
	}

	if err := schedule(staged, target); err != nil {
		return interfaces.DeployFailed, fmt.Errorf("could not defer replace of %s: %w", target, err)
	}
	d.log().Warn("Target in use, replace deferred until reboot", "target", target, "staged", staged)
	return interfaces.DeployDeferredUntilReboot, nil
}

// StageAndDeploy is Stage followed by Deploy.
func (d *Deployer) StageAndDeploy(src, target string, progress func(done int64)) (interfaces.DeployResult, error) {
	staged, err := d.Stage(src, target, progress)
	if err != nil {
		return interfaces.DeployFailed, err
	}
	result, err := d.Deploy(staged, target)
	if result == interfaces.DeployFailed {
		os.Remove(staged)
	}
	return result, err
}

func (d *Deployer) log() *slog.Logger {
	if d.Log == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return d.Log
}

func copyFile(src, dst string, progress func(done int64)) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("could not open source: %w", err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("could not open staging file: %w", err)
	}

	var w io.Writer = out
	if progress != nil {
		w = &progressWriter{w: out, progress: progress}
	}
	if _, err := io.CopyBuffer(w, in, make([]byte, copyBufferSize)); err != nil {
		out.Close()
		return fmt.Errorf("copy failed: %w", err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

type progressWriter struct {
	w        io.Writer
	done     int64
	progress func(done int64)
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	p.done += int64(n)
	p.progress(p.done)
	return n, err
}
