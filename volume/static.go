package volume

import "os"

// StaticDrives reports configured directories as drives. Used for
// development and tests, and on systems without drive letters.
type StaticDrives struct {
	Fixed     []string
	Removable []string
	// Label is reported for every removable root.
	Label string
}

func (s StaticDrives) Drives() ([]Drive, error) {
	var drives []Drive
	for _, root := range s.Fixed {
		drives = append(drives, Drive{Root: root, Kind: DriveFixed, Ready: isDir(root)})
	}
	for _, root := range s.Removable {
		drives = append(drives, Drive{Root: root, Kind: DriveRemovable, Label: s.Label, Ready: isDir(root)})
	}
	return drives, nil
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
