//go:build windows

package mount

import (
	"context"

	"github.com/Microsoft/go-winio/vhd"
)

// NativeAttacher attaches images through the virtual disk API.
type NativeAttacher struct{}

func (NativeAttacher) Attach(ctx context.Context, imagePath string) error {
	return vhd.AttachVhd(imagePath)
}

func (NativeAttacher) Detach(ctx context.Context, imagePath string) error {
	return vhd.DetachVhd(imagePath)
}
