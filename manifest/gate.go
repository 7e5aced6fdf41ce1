package manifest

import (
	"fmt"
	"time"

	"github.com/ruteri/vhd-provisioner/interfaces"
)

// Decide compares the persisted marker with the manifest's minimum version.
// Versions compare as plain ordinal strings, not semantically:
// "2024.1.1.100000" sorts before "2024.1.1.99999".
//
//   - no marker            -> apply
//   - marker <  minVersion -> apply
//   - marker == minVersion -> skip
//   - marker >  minVersion -> reject
func Decide(marker *string, m *interfaces.Manifest) interfaces.GateDecision {
	if marker == nil {
		return interfaces.GateApply
	}
	switch {
	case *marker > m.MinVersion:
		return interfaces.GateReject
	case *marker == m.MinVersion:
		return interfaces.GateSkip
	default:
		return interfaces.GateApply
	}
}

// CheckExpiry rejects manifests past expiresAt, or past createdAt plus the
// default lifetime when expiresAt is absent.
func CheckExpiry(m *interfaces.Manifest, now time.Time) error {
	expiry, err := m.Expiry()
	if err != nil {
		return err
	}
	if now.After(expiry) {
		return fmt.Errorf("%w: expired at %s", interfaces.ErrManifestExpired, expiry.Format(time.RFC3339))
	}
	return nil
}

// Gate runs expiry and the version floor together. An expired manifest is
// rejected regardless of its version fields.
func Gate(marker *string, m *interfaces.Manifest, now time.Time) (interfaces.GateDecision, error) {
	if err := CheckExpiry(m, now); err != nil {
		return interfaces.GateReject, err
	}
	return Decide(marker, m), nil
}
