package launcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/ruteri/vhd-provisioner/api"
	"github.com/ruteri/vhd-provisioner/deploy"
	"github.com/ruteri/vhd-provisioner/interfaces"
	"github.com/ruteri/vhd-provisioner/manifest"
	"github.com/ruteri/vhd-provisioner/mount"
	"github.com/ruteri/vhd-provisioner/protect"
	"github.com/ruteri/vhd-provisioner/replace"
	"github.com/ruteri/vhd-provisioner/storage"
	"github.com/ruteri/vhd-provisioner/supervisor"
	"github.com/ruteri/vhd-provisioner/volume"
	"go.uber.org/atomic"
)

var (
	// ErrAlreadyRunning is returned when another launcher holds the lock.
	ErrAlreadyRunning = errors.New("another launcher instance is running")
	// ErrUpdateHandedOff means an app update was handed to the updater and
	// the launcher must exit so its files can be replaced.
	ErrUpdateHandedOff = errors.New("app update handed off to updater")

	errRebootPending = errors.New("mount completes after reboot")
)

// ImageMounter binds a plain image to the mount target.
type ImageMounter interface {
	Mount(ctx context.Context, imagePath string) (mount.State, error)
	Teardown(ctx context.Context)
	Root() string
}

// EncryptedMounter mounts images through the mount helper.
type EncryptedMounter interface {
	Mount(ctx context.Context, image interfaces.ImageFile) (mount.State, error)
	Close() error
}

// PowerController powers the machine off.
type PowerController interface {
	Shutdown(reason string) error
}

// Launcher runs the provisioning pipeline once and then supervises the
// payload for the rest of the process lifetime.
type Launcher struct {
	Config       Config
	Admin        api.AdminService
	Discovery    *volume.Discovery
	Orchestrator *replace.Orchestrator
	Verifier     *manifest.Verifier
	Mounter      ImageMounter
	Encrypted    EncryptedMounter
	Updates      interfaces.UpdateSource
	// SpawnUpdater starts the updater on a staged app-update manifest.
	SpawnUpdater func(ctx context.Context, manifestPath string) error
	Processes    supervisor.ProcessLister
	Focuser      supervisor.Focuser
	Runner       supervisor.Runner
	Coordinator  *protect.Coordinator
	Power        PowerController
	Status       interfaces.StatusSink
	Log          *slog.Logger

	lock  *flock.Flock
	// owner is set once this process holds the single-instance lock.
	owner atomic.Bool
}

// Run takes the single-instance lock, provisions and supervises. It returns
// only when ctx is done, on a handed-off update, or after a terminal failure
// has run its grace period and shutdown.
func (l *Launcher) Run(ctx context.Context) error {
	if err := l.acquireLock(); err != nil {
		return err
	}
	defer l.releaseLock()

	l.applyPending()

	if l.Admin != nil {
		poller := &protect.Poller{
			Checker:     l.Admin,
			Coordinator: l.Coordinator,
			Interval:    l.Config.Timeouts.Protect,
			OnProtect:   func() { l.protect(ctx) },
			Log:         l.Log.With("component", "protect"),
		}
		go poller.Run(ctx)
	}

	folder, err := l.Provision(ctx)
	switch {
	case errors.Is(err, ErrUpdateHandedOff):
		return err
	case errors.Is(err, errRebootPending):
		l.report(interfaces.StageMount, "Restarting to finish drive assignment", -1)
		<-ctx.Done()
		return nil
	case err != nil:
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return l.fail(ctx, err)
	}

	return l.supervise(ctx, folder)
}

// Provision runs the pipeline up to and including the payload launch and
// returns the launch folder.
func (l *Launcher) Provision(ctx context.Context) (string, error) {
	bootKeyword := l.bootSelection(ctx)

	remoteRoot, err := l.pullUpdates(ctx)
	if err != nil {
		return "", err
	}

	l.report(interfaces.StageDiscovery, "Looking for images", -1)
	res, err := l.Discovery.Scan()
	if err != nil {
		return "", err
	}

	batches := [][]interfaces.ImageFile{res.USB}
	if remoteRoot != "" {
		batches = append(batches, l.Discovery.ListRoot(remoteRoot))
	}
	for _, batch := range batches {
		if len(batch) == 0 {
			continue
		}
		rep, err := l.Orchestrator.Run(ctx, batch, res.Local, l.progress)
		if err != nil {
			l.Log.Warn("Replacement did not complete", "outcome", rep.Outcome.String(), "err", err)
		}
		if rep.Outcome == replace.Replaced {
			if res, err = l.Discovery.Scan(); err != nil {
				return "", err
			}
		}
	}

	image, err := selectImage(append(res.Local, res.USB...), bootKeyword, l.Config.Keywords)
	if err != nil {
		return "", err
	}
	l.Log.Info("Image selected", "path", image.Path, "keyword", image.Keyword, "encrypted", image.Encrypted)

	l.report(interfaces.StageMount, "Mounting "+filepath.Base(image.Path), -1)
	state, err := l.mount(ctx, image)
	if err != nil {
		return "", err
	}
	if state == mount.RebootPending {
		return "", errRebootPending
	}

	folder, err := FindLaunchFolder(l.Mounter.Root())
	if err != nil {
		return "", err
	}
	script, _ := supervisor.FindStartScript(folder)
	l.report(interfaces.StageLaunch, "Starting "+filepath.Base(script), -1)
	if err := l.Runner.Start(ctx, script); err != nil {
		return "", err
	}
	return folder, nil
}

func (l *Launcher) bootSelection(ctx context.Context) string {
	if l.Admin == nil {
		return ""
	}
	reqCtx, cancel := context.WithTimeout(ctx, l.Config.Timeouts.BootSelect)
	defer cancel()
	keyword, err := l.Admin.BootImageSelect(reqCtx)
	if err != nil {
		l.Log.Warn("Boot image selection unavailable", "err", err)
		return ""
	}
	if keyword != "" {
		l.Log.Info("Boot image selected remotely", "keyword", keyword)
	}
	return keyword
}

// pullUpdates stages the remote update package. It returns the staging dir
// for data packages, or ErrUpdateHandedOff once an app update is with the
// updater. Channel failures are logged and provisioning continues offline.
func (l *Launcher) pullUpdates(ctx context.Context) (string, error) {
	if l.Updates == nil || !l.Updates.Available(ctx) {
		return "", nil
	}
	staging := l.Config.StagingDir
	if err := os.RemoveAll(staging); err != nil {
		l.Log.Warn("Could not clear staging dir", "dir", staging, "err", err)
		return "", nil
	}

	l.report(interfaces.StageUpdate, "Checking for updates", -1)
	m, err := storage.FetchPackage(ctx, l.Updates, staging)
	if err != nil {
		if errors.Is(err, interfaces.ErrContentNotFound) {
			l.Log.Info("No update published", "source", l.Updates.Name())
		} else {
			l.Log.Warn("Could not fetch update package", "source", l.Updates.Name(), "err", err)
		}
		return "", nil
	}

	switch m.Type {
	case interfaces.VHDData:
		return staging, nil
	case interfaces.AppUpdate:
		return "", l.handOffAppUpdate(ctx, staging)
	default:
		l.Log.Warn("Ignoring update package of unknown type", "type", m.Type)
		return "", nil
	}
}

func (l *Launcher) handOffAppUpdate(ctx context.Context, staging string) error {
	if l.Verifier == nil || l.SpawnUpdater == nil {
		l.Log.Warn("App update staged but no updater configured")
		return nil
	}
	m, err := l.Verifier.LoadDir(staging, interfaces.AppUpdate)
	if err != nil {
		l.Log.Warn("App update rejected", "err", err)
		return nil
	}
	marker, err := manifest.ReadMarker(filepath.Join(l.Config.InstallRoot, manifest.AppMarkerName))
	if err != nil {
		l.Log.Warn("Could not read app version marker", "err", err)
		return nil
	}
	if manifest.Decide(marker, m) != interfaces.GateApply {
		l.Log.Debug("App already up to date", "minVersion", m.MinVersion)
		return nil
	}

	l.report(interfaces.StageUpdate, "Installing launcher update "+m.Version, -1)
	if err := l.SpawnUpdater(ctx, filepath.Join(staging, manifest.FileName)); err != nil {
		l.Log.Error("Could not start updater", "err", err)
		return nil
	}
	return ErrUpdateHandedOff
}

func (l *Launcher) mount(ctx context.Context, image interfaces.ImageFile) (mount.State, error) {
	if !image.Encrypted {
		return l.Mounter.Mount(ctx, image.Path)
	}
	if l.Encrypted == nil {
		return mount.Error, fmt.Errorf("%w: no mount helper configured for %s", interfaces.ErrUnsupported, image.Path)
	}
	return l.Encrypted.Mount(ctx, image)
}

// selectImage prefers the remotely selected keyword, then configured keyword
// order. Within a keyword, earlier images win.
func selectImage(images []interfaces.ImageFile, bootKeyword string, keywords []string) (interfaces.ImageFile, error) {
	if bootKeyword != "" {
		if matches := volume.ByKeyword(images, bootKeyword); len(matches) > 0 {
			return matches[0], nil
		}
	}
	for _, k := range keywords {
		if matches := volume.ByKeyword(images, k); len(matches) > 0 {
			return matches[0], nil
		}
	}
	return interfaces.ImageFile{}, interfaces.ErrNoImage
}

func (l *Launcher) supervise(ctx context.Context, folder string) error {
	cfg := supervisor.DefaultConfig()
	cfg.Keywords = l.Config.processKeywords()
	cfg.Folder = folder
	cfg.ReappearTimeout = l.Config.Timeouts.Reappear
	cfg.SettleDelay = l.Config.Timeouts.SettleDelay

	s := &supervisor.Supervisor{
		Config:    cfg,
		Processes: l.Processes,
		Focuser:   l.Focuser,
		Runner:    l.Runner,
		Status:    l.Status,
		Log:       l.Log.With("component", "supervisor"),
	}
	l.report(interfaces.StageSupervise, "Payload running", -1)
	return s.Run(ctx)
}

// fail reports a terminal failure, waits out the grace period and powers
// the machine off.
func (l *Launcher) fail(ctx context.Context, cause error) error {
	l.report(interfaces.StageError, cause.Error(), -1)
	l.Log.Error("Provisioning failed", "err", cause, "grace", l.Config.Timeouts.GracePeriod)

	select {
	case <-ctx.Done():
		return cause
	case <-time.After(l.Config.Timeouts.GracePeriod):
	}

	l.report(interfaces.StageShutdown, "Shutting down", -1)
	if err := l.Power.Shutdown("provisioning failed: " + cause.Error()); err != nil {
		l.Log.Error("Shutdown failed", "err", err)
	}
	return cause
}

func (l *Launcher) protect(ctx context.Context) {
	l.report(interfaces.StageShutdown, "Shutdown requested by administrator", -1)
	if err := l.Teardown(ctx); err != nil {
		l.Log.Warn("Teardown incomplete", "err", err)
	}
	if err := l.Power.Shutdown("protect requested"); err != nil {
		l.Log.Error("Shutdown failed", "err", err)
	}
}

func (l *Launcher) applyPending() {
	drives, err := l.Discovery.Drives.Drives()
	if err != nil {
		l.Log.Debug("Could not enumerate drives for pending replaces", "err", err)
		return
	}
	for _, d := range drives {
		if !d.Ready || d.Kind != volume.DriveFixed {
			continue
		}
		n, err := deploy.ApplyPending(d.Root)
		if err != nil {
			l.Log.Warn("Pending replaces incomplete", "root", d.Root, "err", err)
		}
		if n > 0 {
			l.Log.Info("Applied pending replaces", "root", d.Root, "count", n)
		}
	}
}

func (l *Launcher) acquireLock() error {
	if l.Config.LockFile == "" {
		l.owner.Store(true)
		return nil
	}
	lock := flock.New(l.Config.LockFile)
	ok, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("could not take lock %s: %w", l.Config.LockFile, err)
	}
	if !ok {
		return ErrAlreadyRunning
	}
	l.lock = lock
	l.owner.Store(true)
	return nil
}

func (l *Launcher) releaseLock() {
	if l.lock != nil {
		l.lock.Unlock()
	}
}

func (l *Launcher) progress(p interfaces.ReplaceProgress) {
	l.report(interfaces.StageReplace, fmt.Sprintf("Copying file %d of %d", p.FileIndex+1, p.TotalFiles), p.Percent)
}

func (l *Launcher) report(stage interfaces.Stage, msg string, percent int) {
	if l.Status != nil {
		l.Status.Report(interfaces.Status{Stage: stage, Message: msg, Percent: percent})
	}
}
