//go:build !windows

package keystore

import (
	"fmt"

	"github.com/ruteri/vhd-provisioner/interfaces"
)

func openHardware(string) (KeyStore, error) {
	return nil, fmt.Errorf("%w: platform crypto provider", interfaces.ErrUnsupported)
}
