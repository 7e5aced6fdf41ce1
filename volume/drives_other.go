//go:build !windows

package volume

// SystemDrives has no drive-letter namespace to walk on this platform;
// StaticDrives configured from directories is used instead.
type SystemDrives struct{}

func (SystemDrives) Drives() ([]Drive, error) {
	return nil, nil
}
