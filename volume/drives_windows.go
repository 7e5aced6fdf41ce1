//go:build windows

package volume

import (
	"golang.org/x/sys/windows"
)

// SystemDrives lists the logical drives of the machine.
type SystemDrives struct{}

func (SystemDrives) Drives() ([]Drive, error) {
	mask, err := windows.GetLogicalDrives()
	if err != nil {
		return nil, err
	}

	var drives []Drive
	for i := 0; i < 26; i++ {
		if mask&(1<<uint(i)) == 0 {
			continue
		}
		root := string(rune('A'+i)) + `:\`
		rootPtr, err := windows.UTF16PtrFromString(root)
		if err != nil {
			continue
		}

		kind := DriveOther
		switch windows.GetDriveType(rootPtr) {
		case windows.DRIVE_FIXED:
			kind = DriveFixed
		case windows.DRIVE_REMOVABLE:
			kind = DriveRemovable
		}

		label := make([]uint16, windows.MAX_PATH+1)
		fs := make([]uint16, windows.MAX_PATH+1)
		err = windows.GetVolumeInformation(rootPtr, &label[0], uint32(len(label)), nil, nil, nil, &fs[0], uint32(len(fs)))
		drives = append(drives, Drive{
			Root:  root,
			Kind:  kind,
			Label: windows.UTF16ToString(label),
			// No media or an unformatted volume fails GetVolumeInformation.
			Ready: err == nil,
		})
	}
	return drives, nil
}
