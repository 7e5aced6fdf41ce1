//go:build !windows

package mount

import (
	"fmt"

	"github.com/ruteri/vhd-provisioner/interfaces"
)

// SystemVolumes needs the Windows volume namespace; every call fails here.
type SystemVolumes struct{}

func (SystemVolumes) Volumes() ([]interfaces.VolumeCandidate, error) {
	return nil, fmt.Errorf("%w: volume enumeration", interfaces.ErrUnsupported)
}

func (SystemVolumes) DiskNumbers(string) ([]uint32, error) {
	return nil, fmt.Errorf("%w: disk extents", interfaces.ErrUnsupported)
}

func (SystemVolumes) DiskModel(uint32) (string, error) {
	return "", fmt.Errorf("%w: disk model", interfaces.ErrUnsupported)
}

func (SystemVolumes) SetMountPoint(string, string) error {
	return fmt.Errorf("%w: mount points", interfaces.ErrUnsupported)
}

func (SystemVolumes) RemoveMountPoint(string) error {
	return nil
}

func (SystemVolumes) MountedAt(string) (string, bool) {
	return "", false
}

func (SystemVolumes) Letters() ([]string, error) {
	return nil, nil
}

// RegistryRemapper has no boot-time mapping to rewrite on this platform.
type RegistryRemapper struct{}

func (RegistryRemapper) Remap(string, string) error {
	return fmt.Errorf("%w: drive letter remap", interfaces.ErrUnsupported)
}
