//go:build !windows

package mount

import (
	"context"
	"fmt"

	"github.com/ruteri/vhd-provisioner/interfaces"
)

// NativeAttacher needs the Windows virtual disk API.
type NativeAttacher struct{}

func (NativeAttacher) Attach(ctx context.Context, imagePath string) error {
	return fmt.Errorf("%w: native attach", interfaces.ErrUnsupported)
}

func (NativeAttacher) Detach(ctx context.Context, imagePath string) error {
	return fmt.Errorf("%w: native detach", interfaces.ErrUnsupported)
}
