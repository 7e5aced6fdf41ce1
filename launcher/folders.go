package launcher

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/ruteri/vhd-provisioner/interfaces"
	"github.com/ruteri/vhd-provisioner/supervisor"
)

// maxLaunchDepth is how deep below the mount root a launch folder may sit.
const maxLaunchDepth = 2

// FindLaunchFolder returns the shallowest directory under root, root
// included, holding a start script. Siblings are visited in name order.
func FindLaunchFolder(root string) (string, error) {
	level := []string{root}
	for depth := 0; depth <= maxLaunchDepth && len(level) > 0; depth++ {
		var next []string
		for _, dir := range level {
			if _, ok := supervisor.FindStartScript(dir); ok {
				return dir, nil
			}
			entries, err := os.ReadDir(dir)
			if err != nil {
				continue
			}
			var subdirs []string
			for _, e := range entries {
				if e.IsDir() {
					subdirs = append(subdirs, filepath.Join(dir, e.Name()))
				}
			}
			sort.Strings(subdirs)
			next = append(next, subdirs...)
		}
		level = next
	}
	return "", fmt.Errorf("%w: no start script within %d levels of %s", interfaces.ErrNoLaunchFolder, maxLaunchDepth, root)
}
