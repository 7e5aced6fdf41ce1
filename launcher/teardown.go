package launcher

import (
	"context"
	"time"

	"github.com/hashicorp/go-multierror"
)

// teardownTimeout bounds the whole best-effort teardown.
const teardownTimeout = 20 * time.Second

// Teardown stops the mount helper and detaches the mounted image. It keeps
// going past failures and returns them all together. A launcher that never
// took the single-instance lock owns nothing and leaves the mount alone.
func (l *Launcher) Teardown(ctx context.Context) error {
	if !l.owner.Load() {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
	defer cancel()

	var errs *multierror.Error
	if l.Encrypted != nil {
		if err := l.Encrypted.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if l.Mounter != nil {
		l.Mounter.Teardown(ctx)
	}
	return errs.ErrorOrNil()
}
