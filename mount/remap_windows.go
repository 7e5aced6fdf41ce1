//go:build windows

package mount

import (
	"fmt"

	"golang.org/x/sys/windows/registry"
)

const mountedDevicesKey = `SYSTEM\MountedDevices`

// RegistryRemapper rewrites HKLM\SYSTEM\MountedDevices. The mount manager
// reads it at boot, so a remap takes effect only after a restart.
type RegistryRemapper struct{}

func (RegistryRemapper) Remap(fromLetter, toLetter string) error {
	k, err := registry.OpenKey(registry.LOCAL_MACHINE, mountedDevicesKey, registry.QUERY_VALUE|registry.SET_VALUE)
	if err != nil {
		return fmt.Errorf("open MountedDevices: %w", err)
	}
	defer k.Close()

	from := dosDeviceValue(fromLetter)
	data, _, err := k.GetBinaryValue(from)
	if err != nil {
		return fmt.Errorf("read %s: %w", from, err)
	}
	if err := k.SetBinaryValue(dosDeviceValue(toLetter), data); err != nil {
		return fmt.Errorf("write %s: %w", dosDeviceValue(toLetter), err)
	}
	if err := k.DeleteValue(from); err != nil {
		return fmt.Errorf("delete %s: %w", from, err)
	}
	return nil
}

func dosDeviceValue(letter string) string {
	return `\DosDevices\` + letter + ":"
}
