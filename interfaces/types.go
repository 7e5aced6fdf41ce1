package interfaces

import (
	"fmt"
	"strings"
	"time"
)

// ManifestType tags what a manifest describes.
type ManifestType string

const (
	// AppUpdate manifests describe files of the launcher installation itself.
	AppUpdate ManifestType = "app-update"
	// VHDData manifests describe disk images placed on a data volume.
	VHDData ManifestType = "vhd-data"
)

// Valid reports whether t is one of the known manifest types.
func (t ManifestType) Valid() bool {
	return t == AppUpdate || t == VHDData
}

// ManifestFile describes one file of a package.
type ManifestFile struct {
	// Path is the source path relative to the manifest directory.
	Path string `json:"path"`
	// Target is the destination path, relative to the install or volume root, or absolute.
	Target string `json:"target"`
	// Size of the file in bytes. Zero disables the size check.
	Size uint64 `json:"size"`
	// SHA256 is the lowercase hex digest of the file content.
	SHA256 string `json:"sha256"`
}

// Manifest is the signed description of a file set. Immutable once loaded.
type Manifest struct {
	Version    string         `json:"version"`
	MinVersion string         `json:"minVersion"`
	Type       ManifestType   `json:"type"`
	Signer     string         `json:"signer"`
	CreatedAt  string         `json:"createdAt"`
	ExpiresAt  string         `json:"expiresAt,omitempty"`
	Files      []ManifestFile `json:"files"`
}

// DefaultManifestLifetime bounds replay of a manifest without an explicit expiry.
const DefaultManifestLifetime = 3 * 24 * time.Hour

// Expiry returns the instant after which the manifest must be rejected.
// Timestamps are RFC 3339.
func (m *Manifest) Expiry() (time.Time, error) {
	created, err := time.Parse(time.RFC3339, m.CreatedAt)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: createdAt: %v", ErrBadTimestamp, err)
	}
	if strings.TrimSpace(m.ExpiresAt) == "" {
		return created.Add(DefaultManifestLifetime), nil
	}
	expires, err := time.Parse(time.RFC3339, m.ExpiresAt)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: expiresAt: %v", ErrBadTimestamp, err)
	}
	return expires, nil
}

// FileByName returns the entry whose source path has the given base name,
// compared case-insensitively.
func (m *Manifest) FileByName(name string) (ManifestFile, bool) {
	for _, f := range m.Files {
		p := strings.ReplaceAll(f.Path, "\\", "/")
		if i := strings.LastIndex(p, "/"); i >= 0 {
			p = p[i+1:]
		}
		if strings.EqualFold(p, name) {
			return f, true
		}
	}
	return ManifestFile{}, false
}

// GateDecision is the outcome of comparing a version marker with a manifest floor.
type GateDecision int

const (
	GateApply GateDecision = iota
	GateSkip
	GateReject
)

func (d GateDecision) String() string {
	switch d {
	case GateApply:
		return "apply"
	case GateSkip:
		return "skip"
	case GateReject:
		return "reject"
	default:
		return "unknown"
	}
}

// DeployResult is the outcome of a single atomic replacement.
type DeployResult int

const (
	DeployImmediate DeployResult = iota
	DeployDeferredUntilReboot
	DeployFailed
)

func (r DeployResult) String() string {
	switch r {
	case DeployImmediate:
		return "immediate"
	case DeployDeferredUntilReboot:
		return "deferred-until-reboot"
	case DeployFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ReplaceProgress is emitted while a replacement batch runs. Never stored.
type ReplaceProgress struct {
	FileIndex   int
	TotalFiles  int
	BytesCopied int64
	TotalBytes  int64
	Percent     int
}

// ProgressFunc receives progress updates. It may be nil.
type ProgressFunc func(ReplaceProgress)

// VolumeCandidate is one OS volume as seen during a single mount attempt.
// Never cached: disk numbering changes across attach/detach cycles.
type VolumeCandidate struct {
	// DevicePath is the volume GUID path, e.g. \\?\Volume{...}\
	DevicePath string
	// FileSystem is the file system name reported by the OS, empty if raw.
	FileSystem string
	// Letter is the assigned drive letter without colon, empty if none.
	Letter string
	// Ready is false for volumes without media or still arriving.
	Ready bool
}

// HasLetter reports whether the volume already has a drive letter.
func (v VolumeCandidate) HasLetter() bool {
	return v.Letter != ""
}

// ImageFile is a disk image found on a drive root.
type ImageFile struct {
	// Path is the absolute path of the image.
	Path string
	// Root is the drive root the image was found on.
	Root string
	// Keyword is the product keyword matched in the file name.
	Keyword string
	// Encrypted is set for images that need the mount helper.
	Encrypted bool
	// Size in bytes.
	Size int64
}
