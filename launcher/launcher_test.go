package launcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ruteri/vhd-provisioner/api/clients"
	"github.com/ruteri/vhd-provisioner/common"
	"github.com/ruteri/vhd-provisioner/deploy"
	"github.com/ruteri/vhd-provisioner/interfaces"
	"github.com/ruteri/vhd-provisioner/manifest"
	"github.com/ruteri/vhd-provisioner/manifest/manifesttest"
	"github.com/ruteri/vhd-provisioner/mount"
	"github.com/ruteri/vhd-provisioner/replace"
	"github.com/ruteri/vhd-provisioner/storage"
	"github.com/ruteri/vhd-provisioner/volume"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fakeMounter struct {
	root    string
	state   mount.State
	err     error
	mounted []string
	torn    int
}

func (f *fakeMounter) Mount(_ context.Context, imagePath string) (mount.State, error) {
	f.mounted = append(f.mounted, imagePath)
	if f.err != nil {
		return mount.Error, f.err
	}
	if f.state == 0 {
		return mount.Bound, nil
	}
	return f.state, nil
}

func (f *fakeMounter) Teardown(context.Context) { f.torn++ }
func (f *fakeMounter) Root() string             { return f.root }

type fakeEncrypted struct {
	images []interfaces.ImageFile
	err    error
}

func (f *fakeEncrypted) Mount(_ context.Context, image interfaces.ImageFile) (mount.State, error) {
	f.images = append(f.images, image)
	return mount.Bound, nil
}

func (f *fakeEncrypted) Close() error { return f.err }

type fakeRunner struct {
	mu      sync.Mutex
	scripts []string
}

func (r *fakeRunner) Start(_ context.Context, script string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scripts = append(r.scripts, script)
	return nil
}

type fakePower struct {
	mu      sync.Mutex
	reasons []string
}

func (p *fakePower) Shutdown(reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reasons = append(p.reasons, reason)
	return nil
}

type env struct {
	local, usb, mountRoot string
	signer                *manifesttest.Signer
	mounter               *fakeMounter
	runner                *fakeRunner
	power                 *fakePower
	l                     *Launcher
}

func write(t *testing.T, path string, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		local:     t.TempDir(),
		usb:       t.TempDir(),
		mountRoot: t.TempDir(),
		signer:    manifesttest.NewSigner(t),
		runner:    &fakeRunner{},
		power:     &fakePower{},
	}
	e.mounter = &fakeMounter{root: e.mountRoot}
	write(t, filepath.Join(e.mountRoot, "Game", "start_game.bat"), "@echo off")

	cfg := DefaultConfig()
	cfg.Keywords = []string{"GAME", "TOOLS"}
	cfg.LockFile = filepath.Join(t.TempDir(), "launcher.lock")
	cfg.StagingDir = filepath.Join(t.TempDir(), "staging")
	cfg.InstallRoot = t.TempDir()
	cfg.Timeouts.GracePeriod = 10 * time.Millisecond

	images := volume.Config{
		Keywords:            cfg.Keywords,
		ImageExtensions:     cfg.ImageExtensions,
		EncryptedExtensions: cfg.EncryptedExtensions,
		InstallerLabel:      cfg.InstallerMediaLabel,
	}
	verifier := &manifest.Verifier{TrustBundlePath: e.signer.BundlePath, Log: common.DiscardLogger()}
	e.l = &Launcher{
		Config: cfg,
		Discovery: &volume.Discovery{
			Config: images,
			Drives: volume.StaticDrives{Fixed: []string{e.local}, Removable: []string{e.usb}, Label: "INSTALLER"},
		},
		Verifier:     verifier,
		Orchestrator: replace.New(replace.Config{}, verifier, deploy.NewDeployer(nil), nil, nil),
		Mounter:      e.mounter,
		Runner:       e.runner,
		Power:        e.power,
		Log:          common.DiscardLogger(),
	}
	return e
}

func TestProvisionReplacesAndLaunches(t *testing.T) {
	e := newEnv(t)
	write(t, filepath.Join(e.local, "GAME_OLD.vhd"), "old")
	write(t, filepath.Join(e.usb, "GAME_20250101.vhd"), "new image")
	e.signer.Write(t, e.usb, manifesttest.New(interfaces.VHDData, "2.0", "1.0",
		manifesttest.Entry("GAME_20250101.vhd", "", []byte("new image"))))

	folder, err := e.l.Provision(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{filepath.Join(e.local, "GAME_20250101.vhd")}, e.mounter.mounted)
	assert.NoFileExists(t, filepath.Join(e.local, "GAME_OLD.vhd"))
	assert.Equal(t, filepath.Join(e.mountRoot, "Game"), folder)
	assert.Equal(t, []string{filepath.Join(e.mountRoot, "Game", "start_game.bat")}, e.runner.scripts)
}

func TestProvisionHonorsBootSelection(t *testing.T) {
	e := newEnv(t)
	write(t, filepath.Join(e.local, "GAME.vhd"), "g")
	write(t, filepath.Join(e.local, "TOOLS.vhd"), "t")

	admin := &clients.MockAdminClient{}
	admin.On("BootImageSelect", mock.Anything).Return("tools", nil)
	e.l.Admin = admin

	_, err := e.l.Provision(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(e.local, "TOOLS.vhd")}, e.mounter.mounted)
}

func TestProvisionEncryptedImage(t *testing.T) {
	e := newEnv(t)
	write(t, filepath.Join(e.local, "GAME.evhd"), "sealed")
	enc := &fakeEncrypted{}
	e.l.Encrypted = enc

	_, err := e.l.Provision(context.Background())
	require.NoError(t, err)
	require.Len(t, enc.images, 1)
	assert.True(t, enc.images[0].Encrypted)
	assert.Empty(t, e.mounter.mounted)
}

func TestRunFailsIntoShutdown(t *testing.T) {
	e := newEnv(t)
	sink := make(interfaces.ChanSink, 8)
	e.l.Status = sink

	err := e.l.Run(context.Background())
	assert.ErrorIs(t, err, interfaces.ErrNoImage)
	require.Len(t, e.power.reasons, 1)
	assert.Contains(t, e.power.reasons[0], "provisioning failed")

	var stages []interfaces.Stage
	for len(sink) > 0 {
		stages = append(stages, (<-sink).Stage)
	}
	assert.Contains(t, stages, interfaces.StageError)
	assert.Contains(t, stages, interfaces.StageShutdown)
}

func TestRunWithoutLaunchFolder(t *testing.T) {
	e := newEnv(t)
	write(t, filepath.Join(e.local, "GAME.vhd"), "g")
	require.NoError(t, os.RemoveAll(filepath.Join(e.mountRoot, "Game")))

	err := e.l.Run(context.Background())
	assert.ErrorIs(t, err, interfaces.ErrNoLaunchFolder)
	assert.Len(t, e.power.reasons, 1)
}

func TestRunRebootPending(t *testing.T) {
	e := newEnv(t)
	write(t, filepath.Join(e.local, "GAME.vhd"), "g")
	e.mounter.state = mount.RebootPending

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.NoError(t, e.l.Run(ctx))
	assert.Empty(t, e.runner.scripts)
	assert.Empty(t, e.power.reasons)
}

func TestAppUpdateIsHandedOff(t *testing.T) {
	e := newEnv(t)
	remote := t.TempDir()
	write(t, filepath.Join(remote, "launcher.exe"), "v2")
	e.signer.Write(t, remote, manifesttest.New(interfaces.AppUpdate, "2.0", "1.0",
		manifesttest.Entry("launcher.exe", "launcher.exe", []byte("v2"))))
	e.l.Updates = storage.NewFileSource(remote, common.DiscardLogger())

	var spawned []string
	e.l.SpawnUpdater = func(_ context.Context, manifestPath string) error {
		spawned = append(spawned, manifestPath)
		return nil
	}

	_, err := e.l.Provision(context.Background())
	assert.ErrorIs(t, err, ErrUpdateHandedOff)
	assert.Equal(t, []string{filepath.Join(e.l.Config.StagingDir, manifest.FileName)}, spawned)

	// Already installed: provisioning goes on without the updater.
	require.NoError(t, manifest.WriteMarker(filepath.Join(e.l.Config.InstallRoot, manifest.AppMarkerName), "1.0"))
	spawned = nil
	_, err = e.l.Provision(context.Background())
	assert.ErrorIs(t, err, interfaces.ErrNoImage)
	assert.Empty(t, spawned)
}

func TestRemoteDataPackageIsApplied(t *testing.T) {
	e := newEnv(t)
	write(t, filepath.Join(e.local, "GAME_OLD.vhd"), "old")
	remote := t.TempDir()
	write(t, filepath.Join(remote, "GAME_2025.vhd"), "fresh")
	e.signer.Write(t, remote, manifesttest.New(interfaces.VHDData, "3.0", "1.0",
		manifesttest.Entry("GAME_2025.vhd", "", []byte("fresh"))))
	e.l.Updates = storage.NewFileSource(remote, common.DiscardLogger())

	_, err := e.l.Provision(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(e.local, "GAME_2025.vhd")}, e.mounter.mounted)

	marker, err := manifest.ReadMarker(filepath.Join(e.local, manifest.DataMarkerName))
	require.NoError(t, err)
	require.NotNil(t, marker)
	assert.Equal(t, "3.0", *marker)
}

func TestSingleInstance(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.l.acquireLock())
	defer e.l.releaseLock()

	other := &Launcher{Config: e.l.Config}
	assert.ErrorIs(t, other.acquireLock(), ErrAlreadyRunning)
}

func TestTeardownAggregates(t *testing.T) {
	e := newEnv(t)
	e.l.Encrypted = &fakeEncrypted{err: errors.New("helper stuck")}
	require.NoError(t, e.l.acquireLock())
	defer e.l.releaseLock()

	err := e.l.Teardown(context.Background())
	assert.ErrorContains(t, err, "helper stuck")
	assert.Equal(t, 1, e.mounter.torn)
}

// volumeNamespace is a drive letter table shared by every machine in a test.
type volumeNamespace struct {
	mu       sync.Mutex
	bindings map[string]string
	detached []string
}

func (n *volumeNamespace) Volumes() ([]interfaces.VolumeCandidate, error) { return nil, nil }
func (n *volumeNamespace) DiskNumbers(string) ([]uint32, error)           { return nil, nil }
func (n *volumeNamespace) DiskModel(uint32) (string, error)               { return "", nil }

func (n *volumeNamespace) SetMountPoint(letter, dev string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.bindings[letter] = dev
	return nil
}

func (n *volumeNamespace) RemoveMountPoint(letter string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.bindings, letter)
	return nil
}

func (n *volumeNamespace) MountedAt(letter string) (string, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	dev, ok := n.bindings[letter]
	return dev, ok
}

func (n *volumeNamespace) Letters() ([]string, error) { return nil, nil }

func (n *volumeNamespace) Attach(context.Context, string) error { return nil }

func (n *volumeNamespace) Detach(_ context.Context, path string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.detached = append(n.detached, path)
	return nil
}

func TestSecondInstanceLeavesMountAlone(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.l.acquireLock())
	defer e.l.releaseLock()

	ns := &volumeNamespace{bindings: map[string]string{"V": `\\?\Volume{game}\`}}
	second := &Launcher{
		Config:  e.l.Config,
		Mounter: mount.NewMachine(mount.DefaultConfig(), ns, ns, nil, nil, nil),
		Power:   e.power,
		Log:     common.DiscardLogger(),
	}

	assert.ErrorIs(t, second.Run(context.Background()), ErrAlreadyRunning)
	require.NoError(t, second.Teardown(context.Background()))

	dev, ok := ns.MountedAt("V")
	assert.True(t, ok)
	assert.Equal(t, `\\?\Volume{game}\`, dev)
	assert.Empty(t, ns.detached)
	assert.Empty(t, e.power.reasons)
}

func TestSelectImage(t *testing.T) {
	images := []interfaces.ImageFile{
		{Path: "a/TOOLS.vhd", Keyword: "TOOLS"},
		{Path: "a/GAME.vhd", Keyword: "GAME"},
		{Path: "b/GAME.vhd", Keyword: "GAME"},
	}
	img, err := selectImage(images, "", []string{"GAME", "TOOLS"})
	require.NoError(t, err)
	assert.Equal(t, "a/GAME.vhd", img.Path)

	img, err = selectImage(images, "tools", []string{"GAME", "TOOLS"})
	require.NoError(t, err)
	assert.Equal(t, "a/TOOLS.vhd", img.Path)

	img, err = selectImage(images, "RACING", []string{"GAME"})
	require.NoError(t, err)
	assert.Equal(t, "a/GAME.vhd", img.Path)

	_, err = selectImage(images, "", []string{"RACING"})
	assert.ErrorIs(t, err, interfaces.ErrNoImage)
}
