package mount

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ruteri/vhd-provisioner/common"
	"github.com/ruteri/vhd-provisioner/interfaces"
	"github.com/ruteri/vhd-provisioner/metrics"
)

// VolumeManager is the OS volume namespace the machine drives.
type VolumeManager interface {
	// Volumes enumerates every volume. Never cached.
	Volumes() ([]interfaces.VolumeCandidate, error)
	// DiskNumbers resolves a volume to the physical disks backing it.
	DiskNumbers(devicePath string) ([]uint32, error)
	// DiskModel returns the model string a disk advertises.
	DiskModel(disk uint32) (string, error)
	// SetMountPoint binds devicePath to the drive letter.
	SetMountPoint(letter, devicePath string) error
	// RemoveMountPoint unbinds the drive letter. Unbound letters are not an error.
	RemoveMountPoint(letter string) error
	// MountedAt returns the volume bound to letter and whether its root is accessible.
	MountedAt(letter string) (devicePath string, ok bool)
	// Letters returns drive letters currently in use.
	Letters() ([]string, error)
}

// Attacher attaches and detaches disk image files.
type Attacher interface {
	Attach(ctx context.Context, imagePath string) error
	Detach(ctx context.Context, imagePath string) error
}

// Remapper rewrites the boot-time drive letter mapping.
type Remapper interface {
	Remap(fromLetter, toLetter string) error
}

// Rebooter restarts the machine.
type Rebooter interface {
	Reboot(reason string) error
}

// State of a mount attempt.
type State int

const (
	Detached State = iota
	Attached
	LetterAssigned
	Bound
	// RebootPending means the letter was remapped for the next boot.
	RebootPending
	Error
)

func (s State) String() string {
	switch s {
	case Detached:
		return "detached"
	case Attached:
		return "attached"
	case LetterAssigned:
		return "letter-assigned"
	case Bound:
		return "bound"
	case RebootPending:
		return "reboot-pending"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Config of the mount machine.
type Config struct {
	// Letter is the fixed mount target, without colon.
	Letter string
	// ToolTimeout bounds every attach or detach invocation.
	ToolTimeout time.Duration
	// AssignTimeout bounds the direct and heuristic strategies together.
	AssignTimeout time.Duration
	// PollInterval between assignment attempts.
	PollInterval time.Duration
	// VirtualModelMarker is matched against disk models to spot attached images.
	VirtualModelMarker string
	// FileSystems recognized by the sole-candidate heuristic.
	FileSystems []string
}

// DefaultConfig returns timeouts suited to a cold attach on slow hardware.
func DefaultConfig() Config {
	return Config{
		Letter:             "V",
		ToolTimeout:        30 * time.Second,
		AssignTimeout:      30 * time.Second,
		PollInterval:       time.Second,
		VirtualModelMarker: "Virtual Disk",
		FileSystems:        []string{"NTFS", "FAT32", "FAT", "exFAT", "ReFS"},
	}
}

// Machine mounts one image at the fixed letter. Only one attempt may run at
// a time; each attempt starts by tearing down whatever the last one left.
type Machine struct {
	cfg      Config
	volumes  VolumeManager
	attacher Attacher
	remapper Remapper
	rebooter Rebooter
	log      *slog.Logger

	// op serializes attempts with teardown; mu guards the fields below.
	op       sync.Mutex
	mu       sync.Mutex
	state    State
	attached string

	// claimed is set once an attempt has touched the mount target.
	claimed bool
}

func NewMachine(cfg Config, volumes VolumeManager, attacher Attacher, remapper Remapper, rebooter Rebooter, log *slog.Logger) *Machine {
	if log == nil {
		log = common.DiscardLogger()
	}
	cfg.Letter = strings.ToUpper(strings.TrimSuffix(strings.TrimSpace(cfg.Letter), ":"))
	return &Machine{
		cfg:      cfg,
		volumes:  volumes,
		attacher: attacher,
		remapper: remapper,
		rebooter: rebooter,
		log:      log.With("letter", cfg.Letter),
	}
}

// State returns the state reached by the last attempt.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Machine) setState(state State) {
	m.mu.Lock()
	m.state = state
	m.mu.Unlock()
}

// Root is the path of the mount target.
func (m *Machine) Root() string {
	return m.cfg.Letter + `:\`
}

// Mount attaches imagePath and binds it to the fixed letter. It returns
// Bound, or RebootPending when only the registry remap succeeded; callers
// treat the latter as success that completes on the next boot.
func (m *Machine) Mount(ctx context.Context, imagePath string) (State, error) {
	m.op.Lock()
	defer m.op.Unlock()

	state, err := m.mount(ctx, imagePath)
	m.setState(state)
	switch state {
	case Bound:
		metrics.MountAttempts.WithLabelValues("bound").Inc()
	case RebootPending:
		metrics.MountAttempts.WithLabelValues("reboot").Inc()
	default:
		metrics.MountAttempts.WithLabelValues("failed").Inc()
	}
	return state, err
}

func (m *Machine) mount(ctx context.Context, imagePath string) (State, error) {
	m.mu.Lock()
	m.claimed = true
	m.mu.Unlock()
	m.teardown(ctx, imagePath)
	m.setState(Detached)

	before, err := m.volumes.Letters()
	if err != nil {
		return Error, fmt.Errorf("could not snapshot drive letters: %w", err)
	}

	if err := m.withTimeout(ctx, func(ctx context.Context) error {
		return m.attacher.Attach(ctx, imagePath)
	}); err != nil {
		return Error, fmt.Errorf("%w: attach %s: %v", interfaces.ErrMountFailed, imagePath, err)
	}
	m.mu.Lock()
	m.attached = imagePath
	m.state = Attached
	m.mu.Unlock()
	m.log.Info("Image attached", "image", imagePath)

	deadline := time.Now().Add(m.cfg.AssignTimeout)
	for {
		if dev, ok := m.volumes.MountedAt(m.cfg.Letter); ok {
			m.log.Info("Mount target already bound", "volume", dev)
			return Bound, nil
		}

		bound, err := m.assignDirect(before)
		if err != nil {
			m.log.Warn("Direct assignment failed", "err", err)
		}
		if !bound {
			if bound, err = m.assignHeuristic(); err != nil {
				m.log.Warn("Heuristic assignment failed", "err", err)
			}
		}
		if bound {
			m.setState(LetterAssigned)
			if m.waitBound(ctx, deadline) {
				return Bound, nil
			}
		}

		if time.Now().After(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return Error, ctx.Err()
		case <-time.After(m.cfg.PollInterval):
		}
	}

	return m.assignRegistry(before)
}

// assignDirect binds the first volume backed by a virtual disk. Volumes with
// no letter are tried first; lettered volumes qualify only when their letter
// appeared after the attach.
func (m *Machine) assignDirect(before []string) (bool, error) {
	vols, err := m.volumes.Volumes()
	if err != nil {
		return false, err
	}

	var ordered []interfaces.VolumeCandidate
	for _, v := range vols {
		if !v.HasLetter() {
			ordered = append(ordered, v)
		}
	}
	for _, v := range vols {
		if v.HasLetter() && !containsLetter(before, v.Letter) && !strings.EqualFold(v.Letter, m.cfg.Letter) {
			ordered = append(ordered, v)
		}
	}

	for _, v := range ordered {
		disks, err := m.volumes.DiskNumbers(v.DevicePath)
		if err != nil {
			m.log.Debug("Could not resolve volume extents", "volume", v.DevicePath, "err", err)
			continue
		}
		for _, disk := range disks {
			model, err := m.volumes.DiskModel(disk)
			if err != nil {
				m.log.Debug("Could not read disk model", "disk", disk, "err", err)
				continue
			}
			if !strings.Contains(strings.ToUpper(model), strings.ToUpper(m.cfg.VirtualModelMarker)) {
				continue
			}
			m.log.Info("Binding virtual disk volume", "volume", v.DevicePath, "disk", disk, "model", model)
			if err := m.volumes.SetMountPoint(m.cfg.Letter, v.DevicePath); err != nil {
				return false, err
			}
			return true, nil
		}
	}
	return false, nil
}

// assignHeuristic binds the sole ready volume without a letter that carries a
// recognized file system.
func (m *Machine) assignHeuristic() (bool, error) {
	vols, err := m.volumes.Volumes()
	if err != nil {
		return false, err
	}
	var candidates []interfaces.VolumeCandidate
	for _, v := range vols {
		if v.Ready && !v.HasLetter() && m.recognized(v.FileSystem) {
			candidates = append(candidates, v)
		}
	}
	if len(candidates) != 1 {
		return false, nil
	}
	m.log.Info("Binding sole unlettered volume", "volume", candidates[0].DevicePath, "fs", candidates[0].FileSystem)
	if err := m.volumes.SetMountPoint(m.cfg.Letter, candidates[0].DevicePath); err != nil {
		return false, err
	}
	return true, nil
}

// assignRegistry moves a letter that appeared since the attach onto the
// fixed letter in the boot-time mapping, then requests a restart.
func (m *Machine) assignRegistry(before []string) (State, error) {
	after, err := m.volumes.Letters()
	if err != nil {
		return Error, fmt.Errorf("could not list drive letters: %w", err)
	}

	var fresh string
	for _, l := range after {
		if !containsLetter(before, l) && !strings.EqualFold(l, m.cfg.Letter) {
			fresh = l
			break
		}
	}
	if fresh == "" || m.remapper == nil {
		return Error, fmt.Errorf("%w: no volume could be bound to %s", interfaces.ErrMountFailed, m.Root())
	}

	m.log.Warn("Falling back to registry remap", "from", fresh)
	if err := m.remapper.Remap(fresh, m.cfg.Letter); err != nil {
		return Error, fmt.Errorf("%w: remap %s to %s: %v", interfaces.ErrMountFailed, fresh, m.cfg.Letter, err)
	}
	if m.rebooter != nil {
		if err := m.rebooter.Reboot("drive letter remapped to " + m.Root()); err != nil {
			return Error, fmt.Errorf("remap done but reboot failed: %w", err)
		}
	}
	return RebootPending, nil
}

// waitBound polls until the target letter resolves to an accessible volume.
func (m *Machine) waitBound(ctx context.Context, deadline time.Time) bool {
	for {
		if _, ok := m.volumes.MountedAt(m.cfg.Letter); ok {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(m.cfg.PollInterval):
		}
	}
}

// Teardown unbinds the letter and detaches the last attached image. It
// waits for a running attempt and does nothing when no attempt ever
// touched the mount target. Errors are logged, never returned.
func (m *Machine) Teardown(ctx context.Context) {
	m.op.Lock()
	defer m.op.Unlock()

	m.mu.Lock()
	claimed := m.claimed
	m.claimed = false
	m.mu.Unlock()
	if !claimed {
		return
	}
	m.teardown(ctx, "")
	m.setState(Detached)
}

func (m *Machine) teardown(ctx context.Context, imagePath string) {
	if err := m.volumes.RemoveMountPoint(m.cfg.Letter); err != nil {
		m.log.Debug("Could not remove mount point", "err", err)
	}

	m.mu.Lock()
	attached := m.attached
	m.mu.Unlock()

	var images []string
	for _, p := range []string{attached, imagePath} {
		if p != "" && !slices.Contains(images, p) {
			images = append(images, p)
		}
	}
	for _, p := range images {
		err := m.withTimeout(ctx, func(ctx context.Context) error {
			return m.attacher.Detach(ctx, p)
		})
		if err != nil {
			m.log.Debug("Detach before attach", "image", p, "err", err)
		}
	}
	m.mu.Lock()
	m.attached = ""
	m.mu.Unlock()
}

// withTimeout races fn against the tool timeout. fn receives a context that
// is cancelled on timeout so command runners can kill their process.
func (m *Machine) withTimeout(ctx context.Context, fn func(context.Context) error) error {
	timeout := m.cfg.ToolTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w after %s", interfaces.ErrTimeout, timeout)
		}
		return ctx.Err()
	}
}

func (m *Machine) recognized(fs string) bool {
	for _, known := range m.cfg.FileSystems {
		if strings.EqualFold(fs, known) {
			return true
		}
	}
	return false
}

func containsLetter(letters []string, l string) bool {
	for _, x := range letters {
		if strings.EqualFold(x, l) {
			return true
		}
	}
	return false
}
