//go:build windows

package mount

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/StackExchange/wmi"
	"github.com/ruteri/vhd-provisioner/interfaces"
	"golang.org/x/sys/windows"
)

const ioctlVolumeGetVolumeDiskExtents = 0x00560000

// SystemVolumes is the VolumeManager backed by the Windows volume APIs.
type SystemVolumes struct{}

func (SystemVolumes) Volumes() ([]interfaces.VolumeCandidate, error) {
	buf := make([]uint16, windows.MAX_PATH+1)
	h, err := windows.FindFirstVolume(&buf[0], uint32(len(buf)))
	if err != nil {
		return nil, fmt.Errorf("FindFirstVolume: %w", err)
	}
	defer windows.FindVolumeClose(h)

	var vols []interfaces.VolumeCandidate
	for {
		dev := windows.UTF16ToString(buf)
		vols = append(vols, describeVolume(dev))

		err := windows.FindNextVolume(h, &buf[0], uint32(len(buf)))
		if errors.Is(err, windows.ERROR_NO_MORE_FILES) {
			break
		} else if err != nil {
			return vols, fmt.Errorf("FindNextVolume: %w", err)
		}
	}
	return vols, nil
}

func describeVolume(dev string) interfaces.VolumeCandidate {
	v := interfaces.VolumeCandidate{DevicePath: dev}
	devPtr, err := windows.UTF16PtrFromString(dev)
	if err != nil {
		return v
	}

	paths := make([]uint16, 1024)
	var n uint32
	if err := windows.GetVolumePathNamesForVolumeName(devPtr, &paths[0], uint32(len(paths)), &n); err == nil {
		// Multi-string: entries separated by NUL, terminated by an empty entry.
		for start := 0; start < int(n); {
			end := start
			for end < int(n) && paths[end] != 0 {
				end++
			}
			if end == start {
				break
			}
			p := windows.UTF16ToString(paths[start:end])
			if len(p) == 3 && p[1] == ':' && v.Letter == "" {
				v.Letter = strings.ToUpper(p[:1])
			}
			start = end + 1
		}
	}

	fs := make([]uint16, windows.MAX_PATH+1)
	if err := windows.GetVolumeInformation(devPtr, nil, 0, nil, nil, nil, &fs[0], uint32(len(fs))); err == nil {
		v.FileSystem = windows.UTF16ToString(fs)
		v.Ready = true
	}
	return v
}

func (SystemVolumes) DiskNumbers(devicePath string) ([]uint32, error) {
	// CreateFile wants the volume without its trailing backslash.
	p, err := windows.UTF16PtrFromString(strings.TrimSuffix(devicePath, `\`))
	if err != nil {
		return nil, err
	}
	h, err := windows.CreateFile(p, 0, windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE, nil, windows.OPEN_EXISTING, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("open volume: %w", err)
	}
	defer windows.CloseHandle(h)

	for n := 1; n <= maxExtents; n *= 4 {
		buf := make([]byte, extentsBufferSize(n))
		var returned uint32
		err := windows.DeviceIoControl(h, ioctlVolumeGetVolumeDiskExtents, nil, 0, &buf[0], uint32(len(buf)), &returned, nil)
		if errors.Is(err, windows.ERROR_MORE_DATA) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("IOCTL_VOLUME_GET_VOLUME_DISK_EXTENTS: %w", err)
		}
		extents, err := ParseDiskExtents(buf[:returned])
		if err != nil {
			return nil, err
		}
		return diskNumbers(extents), nil
	}
	return nil, errors.New("volume spans too many extents")
}

type win32DiskDrive struct {
	Index uint32
	Model string
}

func (SystemVolumes) DiskModel(disk uint32) (string, error) {
	var drives []win32DiskDrive
	q := fmt.Sprintf("SELECT Index, Model FROM Win32_DiskDrive WHERE Index = %d", disk)
	if err := wmi.Query(q, &drives); err != nil {
		return "", fmt.Errorf("wmi: %w", err)
	}
	if len(drives) == 0 {
		return "", fmt.Errorf("disk %d not found", disk)
	}
	return drives[0].Model, nil
}

func (SystemVolumes) SetMountPoint(letter, devicePath string) error {
	mp, err := windows.UTF16PtrFromString(letter + `:\`)
	if err != nil {
		return err
	}
	if !strings.HasSuffix(devicePath, `\`) {
		devicePath += `\`
	}
	dev, err := windows.UTF16PtrFromString(devicePath)
	if err != nil {
		return err
	}
	return windows.SetVolumeMountPoint(mp, dev)
}

func (SystemVolumes) RemoveMountPoint(letter string) error {
	mp, err := windows.UTF16PtrFromString(letter + `:\`)
	if err != nil {
		return err
	}
	err = windows.DeleteVolumeMountPoint(mp)
	if errors.Is(err, windows.ERROR_FILE_NOT_FOUND) || errors.Is(err, windows.ERROR_PATH_NOT_FOUND) ||
		errors.Is(err, windows.ERROR_INVALID_PARAMETER) {
		return nil
	}
	return err
}

func (SystemVolumes) MountedAt(letter string) (string, bool) {
	root := letter + `:\`
	mp, err := windows.UTF16PtrFromString(root)
	if err != nil {
		return "", false
	}
	buf := make([]uint16, windows.MAX_PATH+1)
	if err := windows.GetVolumeNameForVolumeMountPoint(mp, &buf[0], uint32(len(buf))); err != nil {
		return "", false
	}
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return "", false
	}
	return windows.UTF16ToString(buf), true
}

func (SystemVolumes) Letters() ([]string, error) {
	mask, err := windows.GetLogicalDrives()
	if err != nil {
		return nil, err
	}
	var letters []string
	for i := 0; i < 26; i++ {
		if mask&(1<<uint(i)) != 0 {
			letters = append(letters, string(rune('A'+i)))
		}
	}
	return letters, nil
}
