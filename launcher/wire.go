package launcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"

	"github.com/ruteri/vhd-provisioner/api/clients"
	"github.com/ruteri/vhd-provisioner/deploy"
	"github.com/ruteri/vhd-provisioner/evhd"
	"github.com/ruteri/vhd-provisioner/interfaces"
	"github.com/ruteri/vhd-provisioner/keystore"
	"github.com/ruteri/vhd-provisioner/manifest"
	"github.com/ruteri/vhd-provisioner/mount"
	"github.com/ruteri/vhd-provisioner/power"
	"github.com/ruteri/vhd-provisioner/protect"
	"github.com/ruteri/vhd-provisioner/replace"
	"github.com/ruteri/vhd-provisioner/storage"
	"github.com/ruteri/vhd-provisioner/supervisor"
	"github.com/ruteri/vhd-provisioner/volume"
)

// New builds a launcher on the running system's facilities.
func New(ctx context.Context, cfg Config, status interfaces.StatusSink, log *slog.Logger) (*Launcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	l := &Launcher{
		Config:      cfg,
		Processes:   supervisor.SystemProcesses{},
		Focuser:     supervisor.SystemFocuser(),
		Runner:      supervisor.ScriptRunner{},
		Coordinator: &protect.Coordinator{},
		Status:      status,
		Log:         log,
	}
	pwr := &power.Controller{DryRun: cfg.DryRunPower, Log: log.With("component", "power")}
	l.Power = pwr

	images := volume.Config{
		Keywords:            cfg.Keywords,
		ImageExtensions:     cfg.ImageExtensions,
		EncryptedExtensions: cfg.EncryptedExtensions,
		InstallerLabel:      cfg.InstallerMediaLabel,
	}
	var drives volume.DriveLister = volume.SystemDrives{}
	if len(cfg.LocalRoots) > 0 || len(cfg.RemovableRoots) > 0 {
		drives = volume.StaticDrives{Fixed: cfg.LocalRoots, Removable: cfg.RemovableRoots, Label: cfg.InstallerMediaLabel}
	}
	l.Discovery = &volume.Discovery{Config: images, Drives: drives, Log: log.With("component", "discovery")}

	if cfg.TrustBundle != "" {
		l.Verifier = &manifest.Verifier{TrustBundlePath: cfg.TrustBundle, Log: log.With("component", "manifest")}
	}
	l.Orchestrator = replace.New(
		replace.Config{RequireManifest: cfg.RequireManifest},
		l.Verifier,
		deploy.NewDeployer(log.With("component", "deploy")),
		status,
		log.With("component", "replace"),
	)

	mcfg := mount.DefaultConfig()
	mcfg.Letter = cfg.MountLetter
	mcfg.ToolTimeout = cfg.Timeouts.Tool
	mcfg.AssignTimeout = cfg.Timeouts.Assign
	var attacher mount.Attacher = mount.NativeAttacher{}
	if cfg.Attacher == "powershell" {
		attacher = mount.PowerShellAttacher()
	}
	machine := mount.NewMachine(mcfg, mount.SystemVolumes{}, attacher, mount.RegistryRemapper{}, pwr, log.With("component", "mount"))
	l.Mounter = machine

	adminURL, err := resolveAdmin(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if adminURL != "" {
		id := MachineID(cfg.MachineID)
		log.Info("Using admin service", "url", adminURL, "machineId", id)
		l.Admin = clients.NewAdminClient(adminURL, id, log.With("component", "admin-client"))
	}

	if cfg.MountHelper.Path != "" && l.Admin != nil {
		keys, err := keystore.Open(keystore.Options{
			KeyName:         cfg.KeyName,
			SoftwareKeyPath: cfg.SoftwareKeyPath,
			AllowSoftware:   cfg.AllowSoftwareKey,
		}, log)
		if err != nil {
			return nil, err
		}
		l.Encrypted = &evhd.Bridge{
			Helper: evhd.HelperConfig{
				Path:          cfg.MountHelper.Path,
				Args:          cfg.MountHelper.Args,
				Env:           cfg.MountHelper.Env,
				Letter:        cfg.MountHelper.BridgeLetter,
				Root:          cfg.MountHelper.Root,
				AppearTimeout: cfg.Timeouts.HelperAppear,
			},
			Credentials: &evhd.Exchange{
				Client:  l.Admin,
				Keys:    keys,
				Blocker: l.Coordinator,
				Log:     log.With("component", "credential"),
			},
			Mounter: machine,
			Images:  images,
			Log:     log.With("component", "evhd"),
		}
	}

	if len(cfg.UpdateSources) > 0 {
		factory := storage.NewStorageBackendFactory(log.With("component", "storage"))
		src, err := factory.CreateMultiSource(factory.ParseLocations(cfg.UpdateSources))
		if err != nil {
			log.Warn("Update channel disabled", "err", err)
		} else {
			l.Updates = src
		}
	}
	l.SpawnUpdater = func(_ context.Context, manifestPath string) error {
		return spawnUpdater(cfg, manifestPath)
	}

	return l, nil
}

func resolveAdmin(ctx context.Context, cfg Config) (string, error) {
	if cfg.AdminURL != "" || cfg.AdminSRV == "" {
		return cfg.AdminURL, nil
	}
	url, err := clients.ResolveAdminURL(ctx, cfg.AdminSRV, cfg.AdminNameserver)
	if err != nil {
		return "", fmt.Errorf("could not resolve admin service: %w", err)
	}
	return url, nil
}

// spawnUpdater starts the updater detached; it waits for this process.
func spawnUpdater(cfg Config, manifestPath string) error {
	args := []string{
		"--manifest", manifestPath,
		"--pid", strconv.Itoa(os.Getpid()),
		"--install-root", cfg.InstallRoot,
	}
	if cfg.TrustBundle != "" {
		args = append(args, "--trust-bundle", cfg.TrustBundle)
	}
	cmd := exec.Command(cfg.UpdaterPath, args...)
	if err := cmd.Start(); err != nil {
		return err
	}
	return cmd.Process.Release()
}
