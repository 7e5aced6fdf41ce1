package updater

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/ruteri/vhd-provisioner/common"
	"github.com/ruteri/vhd-provisioner/cryptoutils"
	"github.com/ruteri/vhd-provisioner/deploy"
	"github.com/ruteri/vhd-provisioner/interfaces"
	"github.com/ruteri/vhd-provisioner/manifest"
	"github.com/shirou/gopsutil/process"
)

// ExitCode is the updater's process exit status.
type ExitCode int

const (
	ExitOK               ExitCode = 0
	ExitNoManifestArg    ExitCode = 2
	ExitNoTrustBundle    ExitCode = 3
	ExitNoSignature      ExitCode = 4
	ExitSignatureInvalid ExitCode = 5
	ExitWrongType        ExitCode = 6
	ExitContentMismatch  ExitCode = 7
	ExitBadTimestamp     ExitCode = 8
	ExitExpired          ExitCode = 9
	ExitVersionRejected  ExitCode = 10
	// ExitApplyFailed: every file verified but at least one could be
	// neither replaced nor scheduled.
	ExitApplyFailed ExitCode = 11
)

// Options for one updater run.
type Options struct {
	ManifestPath string
	// PID, when non-zero, is waited for before any file is touched.
	PID         int32
	TrustBundle string
	// InstallRoot receives the files and the app.version marker.
	InstallRoot string
	// PIDPollInterval defaults to 250ms.
	PIDPollInterval time.Duration
	Now             func() time.Time
	Log             *slog.Logger
}

// Run applies an app-update package and returns the exit code describing the
// outcome. Nothing under InstallRoot changes unless every file verified.
func Run(ctx context.Context, opts Options) ExitCode {
	log := opts.Log
	if log == nil {
		log = common.DiscardLogger()
	}
	if opts.ManifestPath == "" {
		log.Error("No manifest given")
		return ExitNoManifestArg
	}

	if opts.PID > 0 {
		if err := waitForExit(ctx, opts.PID, opts.PIDPollInterval); err != nil {
			log.Error("Gave up waiting for process to exit", "pid", opts.PID, "err", err)
			return ExitApplyFailed
		}
		log.Info("Process exited", "pid", opts.PID)
	}

	verifier := &manifest.Verifier{TrustBundlePath: opts.TrustBundle, Now: opts.Now, Log: log}
	m, err := verifier.Load(opts.ManifestPath, interfaces.AppUpdate)
	if err != nil {
		log.Error("Manifest rejected", "err", err)
		return exitCodeFor(err)
	}

	now := time.Now()
	if opts.Now != nil {
		now = opts.Now()
	}
	markerPath := filepath.Join(opts.InstallRoot, manifest.AppMarkerName)
	marker, err := manifest.ReadMarker(markerPath)
	if err != nil {
		log.Error("Could not read version marker", "err", err)
		return ExitApplyFailed
	}
	decision, err := manifest.Gate(marker, m, now)
	if err != nil {
		log.Error("Manifest rejected", "err", err)
		return exitCodeFor(err)
	}
	switch decision {
	case interfaces.GateSkip:
		log.Info("Already at this version, nothing to do", "version", m.Version)
		return ExitOK
	case interfaces.GateReject:
		log.Error("Installed version is newer than the package floor", "installed", *marker, "minVersion", m.MinVersion)
		return ExitVersionRejected
	}

	pkgDir := filepath.Dir(opts.ManifestPath)
	type job struct{ src, target string }
	jobs := make([]job, 0, len(m.Files))
	for _, f := range m.Files {
		src, err := manifest.SourcePath(pkgDir, f)
		if err != nil {
			log.Error("Bad manifest entry", "err", err)
			return ExitContentMismatch
		}
		if err := cryptoutils.VerifyFile(src, f, nil); err != nil {
			log.Error("Content verification failed", "file", f.Path, "err", err)
			return ExitContentMismatch
		}
		target, err := manifest.TargetPath(opts.InstallRoot, f)
		if err != nil {
			log.Error("Bad manifest entry", "err", err)
			return ExitContentMismatch
		}
		jobs = append(jobs, job{src, target})
	}

	deployer := deploy.NewDeployer(log)
	var failed int
	for _, j := range jobs {
		res, err := deployer.StageAndDeploy(j.src, j.target, nil)
		switch {
		case err != nil:
			failed++
			log.Error("Could not deploy file", "target", j.target, "err", err)
		case res == interfaces.DeployDeferredUntilReboot:
			log.Warn("Target in use, replacement deferred until reboot", "target", j.target)
		default:
			log.Info("File deployed", "target", j.target)
		}
	}
	if failed > 0 {
		return ExitApplyFailed
	}

	if err := manifest.WriteMarker(markerPath, m.Version); err != nil {
		log.Error("Could not write version marker", "err", err)
		return ExitApplyFailed
	}
	log.Info("Update applied", "version", m.Version, "files", len(jobs))
	return ExitOK
}

func exitCodeFor(err error) ExitCode {
	switch {
	case errors.Is(err, interfaces.ErrNoTrustBundle):
		return ExitNoTrustBundle
	case errors.Is(err, interfaces.ErrNoSignature):
		return ExitNoSignature
	case errors.Is(err, interfaces.ErrSignatureInvalid):
		return ExitSignatureInvalid
	case errors.Is(err, interfaces.ErrWrongManifestType), errors.Is(err, interfaces.ErrManifestMalformed):
		return ExitWrongType
	case errors.Is(err, interfaces.ErrContentMismatch):
		return ExitContentMismatch
	case errors.Is(err, interfaces.ErrBadTimestamp):
		return ExitBadTimestamp
	case errors.Is(err, interfaces.ErrManifestExpired):
		return ExitExpired
	case errors.Is(err, interfaces.ErrVersionRejected):
		return ExitVersionRejected
	case errors.Is(err, fs.ErrNotExist):
		return ExitNoManifestArg
	}
	return ExitApplyFailed
}

func waitForExit(ctx context.Context, pid int32, interval time.Duration) error {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	for {
		alive, err := process.PidExistsWithContext(ctx, pid)
		if err != nil {
			return fmt.Errorf("could not query pid %d: %w", pid, err)
		}
		if !alive {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}
