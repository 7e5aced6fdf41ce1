package volume

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/ruteri/vhd-provisioner/interfaces"
)

// DriveKind classifies drives the way discovery cares about.
type DriveKind int

const (
	DriveOther DriveKind = iota
	DriveFixed
	DriveRemovable
)

// Drive is one mounted drive root.
type Drive struct {
	Root  string
	Kind  DriveKind
	Label string
	Ready bool
}

// DriveLister enumerates drive roots.
type DriveLister interface {
	Drives() ([]Drive, error)
}

// Config selects which images discovery reports.
type Config struct {
	// Keywords are product keywords, tested in order; the first found in a
	// file name wins.
	Keywords []string
	// ImageExtensions are plain image extensions, including the dot.
	ImageExtensions []string
	// EncryptedExtensions are extensions of images that need the mount helper.
	EncryptedExtensions []string
	// InstallerLabel is the volume label marking installer media.
	InstallerLabel string
}

// Discovery finds candidate images on local and installer drives.
type Discovery struct {
	Config
	Drives DriveLister
	Log    *slog.Logger
}

// Result is one discovery pass.
type Result struct {
	Local []interfaces.ImageFile
	USB   []interfaces.ImageFile
}

// Scan lists the root of every ready fixed drive and every ready removable
// drive labeled as installer media. Directories are never recursed.
func (d *Discovery) Scan() (*Result, error) {
	drives, err := d.Drives.Drives()
	if err != nil {
		return nil, fmt.Errorf("could not enumerate drives: %w", err)
	}

	res := &Result{}
	for _, drive := range drives {
		if !drive.Ready {
			continue
		}
		switch drive.Kind {
		case DriveFixed:
			res.Local = append(res.Local, d.ListRoot(drive.Root)...)
		case DriveRemovable:
			if !strings.EqualFold(strings.TrimSpace(drive.Label), d.InstallerLabel) {
				continue
			}
			res.USB = append(res.USB, d.ListRoot(drive.Root)...)
		}
	}

	if d.Log != nil {
		d.Log.Info("Discovery finished", "local", len(res.Local), "usb", len(res.USB))
	}
	return res, nil
}

// ListRoot returns the images directly under root.
func (d *Discovery) ListRoot(root string) []interfaces.ImageFile {
	entries, err := os.ReadDir(root)
	if err != nil {
		if d.Log != nil {
			d.Log.Debug("Could not list drive root", "root", root, "err", err)
		}
		return nil
	}

	var images []interfaces.ImageFile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		encrypted, ok := d.Classify(name)
		if !ok {
			continue
		}
		keyword, ok := KeywordOf(name, d.Keywords)
		if !ok {
			continue
		}
		var size int64
		if info, err := entry.Info(); err == nil {
			size = info.Size()
		}
		images = append(images, interfaces.ImageFile{
			Path:      filepath.Join(root, name),
			Root:      root,
			Keyword:   keyword,
			Encrypted: encrypted,
			Size:      size,
		})
	}
	return images
}

// Classify reports whether name has an image extension and whether that
// extension is an encrypted one.
func (c Config) Classify(name string) (encrypted bool, ok bool) {
	ext := filepath.Ext(name)
	for _, e := range c.EncryptedExtensions {
		if strings.EqualFold(ext, e) {
			return true, true
		}
	}
	for _, e := range c.ImageExtensions {
		if strings.EqualFold(ext, e) {
			return false, true
		}
	}
	return false, false
}

// KeywordOf returns the first keyword, in the given order, contained in name
// case-insensitively. A name holding two keywords resolves to the one listed
// first.
func KeywordOf(name string, keywords []string) (string, bool) {
	upper := strings.ToUpper(name)
	for _, k := range keywords {
		if k == "" {
			continue
		}
		if strings.Contains(upper, strings.ToUpper(k)) {
			return k, true
		}
	}
	return "", false
}

// ByKeyword returns the images matching keyword.
func ByKeyword(images []interfaces.ImageFile, keyword string) []interfaces.ImageFile {
	var out []interfaces.ImageFile
	for _, img := range images {
		if strings.EqualFold(img.Keyword, keyword) {
			out = append(out, img)
		}
	}
	return out
}
