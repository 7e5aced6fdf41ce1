package evhd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ruteri/vhd-provisioner/common"
	"github.com/ruteri/vhd-provisioner/interfaces"
	"github.com/ruteri/vhd-provisioner/mount"
	"github.com/ruteri/vhd-provisioner/volume"
)

// HelperConfig describes the external tool that exposes the decrypted
// contents of an encrypted image.
type HelperConfig struct {
	Path string
	// Args are passed as discrete arguments. Placeholders: {image},
	// {secret}, {letter}, {root}.
	Args []string
	// Env is appended to the launcher's environment.
	Env []string
	// Letter the helper maps its decrypted view to.
	Letter string
	// Root overrides the drive root derived from Letter.
	Root string
	// AppearTimeout bounds the wait for the helper's root to appear.
	AppearTimeout time.Duration
	PollInterval  time.Duration
}

func (h HelperConfig) root() string {
	if h.Root != "" {
		return h.Root
	}
	return strings.ToUpper(strings.TrimSuffix(h.Letter, ":")) + `:\`
}

// CredentialSource yields the mount secret.
type CredentialSource interface {
	Obtain(ctx context.Context) ([]byte, error)
}

// Mounter binds a plain image to the mount target.
type Mounter interface {
	Mount(ctx context.Context, imagePath string) (mount.State, error)
}

// Bridge mounts encrypted images: it obtains the secret, starts the helper,
// waits for its drive to appear and mounts the decrypted image found there.
type Bridge struct {
	Helper      HelperConfig
	Credentials CredentialSource
	Mounter     Mounter
	Images      volume.Config
	Log         *slog.Logger

	mu     sync.Mutex
	helper *exec.Cmd
	exited chan struct{}
}

// Mount runs the full encrypted mount for image.
func (b *Bridge) Mount(ctx context.Context, image interfaces.ImageFile) (mount.State, error) {
	log := b.log().With("image", image.Path)

	secret, err := b.Credentials.Obtain(ctx)
	if err != nil {
		return mount.Error, fmt.Errorf("could not obtain mount credential: %w", err)
	}
	err = b.startHelper(image.Path, secret)
	clear(secret)
	if err != nil {
		return mount.Error, err
	}
	log.Info("Mount helper started", "root", b.Helper.root())

	if err := b.waitRoot(ctx); err != nil {
		b.Close()
		return mount.Error, err
	}

	decrypted, err := b.findDecrypted(image.Keyword)
	if err != nil {
		b.Close()
		return mount.Error, err
	}
	log.Info("Decrypted image found", "decrypted", decrypted.Path)

	state, err := b.Mounter.Mount(ctx, decrypted.Path)
	if err != nil {
		b.Close()
	}
	return state, err
}

func (b *Bridge) startHelper(imagePath string, secret []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.helper != nil {
		b.stopLocked()
	}

	replacer := strings.NewReplacer(
		"{image}", imagePath,
		"{secret}", string(secret),
		"{letter}", strings.TrimSuffix(b.Helper.Letter, ":"),
		"{root}", b.Helper.root(),
	)
	argv := make([]string, len(b.Helper.Args))
	for i, a := range b.Helper.Args {
		argv[i] = replacer.Replace(a)
	}

	// The helper outlives this call; it is stopped by Close.
	cmd := exec.Command(b.Helper.Path, argv...)
	cmd.Env = append(os.Environ(), b.Helper.Env...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("could not start mount helper: %w", err)
	}

	exited := make(chan struct{})
	go func() {
		cmd.Wait()
		close(exited)
	}()
	b.helper, b.exited = cmd, exited
	return nil
}

func (b *Bridge) waitRoot(ctx context.Context) error {
	timeout := b.Helper.AppearTimeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	interval := b.Helper.PollInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}

	b.mu.Lock()
	exited := b.exited
	b.mu.Unlock()

	root := b.Helper.root()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		if info, err := os.Stat(root); err == nil && info.IsDir() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-exited:
			return fmt.Errorf("%w: mount helper exited before %s appeared", interfaces.ErrMountFailed, root)
		case <-deadline.C:
			return fmt.Errorf("%w: %s did not appear within %s", interfaces.ErrTimeout, root, timeout)
		case <-time.After(interval):
		}
	}
}

// findDecrypted returns the plain image on the helper's root matching
// keyword, or any plain image when none matches.
func (b *Bridge) findDecrypted(keyword string) (interfaces.ImageFile, error) {
	cfg := b.Images
	cfg.EncryptedExtensions = nil
	cfg.Keywords = append([]string{keyword}, b.Images.Keywords...)
	d := &volume.Discovery{Config: cfg, Log: b.Log}

	images := d.ListRoot(b.Helper.root())
	for _, img := range images {
		if strings.EqualFold(img.Keyword, keyword) {
			return img, nil
		}
	}
	if len(images) > 0 {
		return images[0], nil
	}

	// Fall back to any file with an image extension.
	entries, err := os.ReadDir(b.Helper.root())
	if err != nil {
		return interfaces.ImageFile{}, err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, ok := cfg.Classify(e.Name()); ok {
			return interfaces.ImageFile{Path: filepath.Join(b.Helper.root(), e.Name()), Root: b.Helper.root()}, nil
		}
	}
	return interfaces.ImageFile{}, fmt.Errorf("%w: no decrypted image on %s", interfaces.ErrNoImage, b.Helper.root())
}

// Close terminates the mount helper. Safe to call repeatedly.
func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stopLocked()
}

func (b *Bridge) stopLocked() error {
	if b.helper == nil {
		return nil
	}
	cmd, exited := b.helper, b.exited
	b.helper, b.exited = nil, nil

	select {
	case <-exited:
		return nil
	default:
	}
	if err := cmd.Process.Kill(); err != nil {
		return err
	}
	select {
	case <-exited:
	case <-time.After(5 * time.Second):
	}
	return nil
}

func (b *Bridge) log() *slog.Logger {
	if b.Log == nil {
		return common.DiscardLogger()
	}
	return b.Log
}
