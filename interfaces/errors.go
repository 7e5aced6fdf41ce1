package interfaces

import "errors"

var (
	// ErrSignatureInvalid is returned when no trusted key validates a manifest signature.
	ErrSignatureInvalid = errors.New("manifest signature invalid")

	// ErrNoTrustBundle is returned when the trust bundle cannot be read or holds no usable key.
	ErrNoTrustBundle = errors.New("trust bundle unavailable")

	// ErrNoSignature is returned when the detached signature file is missing.
	ErrNoSignature = errors.New("manifest signature missing")

	// ErrManifestMalformed is returned when a signed manifest cannot be decoded or has invalid entries.
	ErrManifestMalformed = errors.New("manifest malformed")

	// ErrManifestRequired is returned when policy demands a manifest and none accompanies the source.
	ErrManifestRequired = errors.New("manifest required")

	// ErrWrongManifestType is returned when a manifest is used for the wrong kind of package.
	ErrWrongManifestType = errors.New("wrong manifest type")

	// ErrBadTimestamp is returned when a manifest timestamp cannot be parsed.
	ErrBadTimestamp = errors.New("unparseable manifest timestamp")

	// ErrManifestExpired is returned once the manifest expiry has passed.
	ErrManifestExpired = errors.New("manifest expired")

	// ErrVersionRejected is returned when the local marker is newer than the manifest floor.
	ErrVersionRejected = errors.New("version gate rejected manifest")

	// ErrContentMismatch is returned when a file digest or size differs from its manifest entry.
	ErrContentMismatch = errors.New("content verification failed")

	// ErrNoImage is returned when no matching disk image could be found.
	ErrNoImage = errors.New("no disk image found")

	// ErrNoLaunchFolder is returned when the mounted volume has no start script.
	ErrNoLaunchFolder = errors.New("no launch folder found")

	// ErrTimeout is returned when an external tool or wait condition exceeds its bound.
	ErrTimeout = errors.New("timed out")

	// ErrMountFailed is returned when no letter assignment strategy bound the target.
	ErrMountFailed = errors.New("mount failed")

	// ErrUnsupported is returned by OS facilities that do not exist on this platform.
	ErrUnsupported = errors.New("not supported on this platform")

	// ErrContentNotFound is returned when requested content cannot be found in an update source.
	ErrContentNotFound = errors.New("content not found")

	// ErrBackendUnavailable is returned when an update source is not accessible.
	ErrBackendUnavailable = errors.New("update source unavailable")

	// ErrInvalidLocationURI is returned when an update source URI is malformed or unsupported.
	ErrInvalidLocationURI = errors.New("invalid update source URI")
)
