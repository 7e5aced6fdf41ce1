package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

// Remote service paths. The machine identity travels in MachineIDParam.
const (
	BootImageSelectPath = "/boot-image-select"
	ProtectPath         = "/protect"
	EnvelopePath        = "/evhd-envelope"
	MachineKeysPath     = "/machines/{id}/keys"

	MachineIDParam = "machineId"

	// NotRegisteredMarker appears in a 400 envelope error when the service
	// holds no public key for the machine.
	NotRegisteredMarker = "public key not registered"
)

// AdminService is the subset of the remote administration service the
// provisioning engine consumes.
type AdminService interface {
	// BootImageSelect returns the image keyword chosen for this machine,
	// empty when none is selected.
	BootImageSelect(ctx context.Context) (string, error)

	// Protect reports whether the machine is flagged for protective shutdown.
	Protect(ctx context.Context) (bool, error)

	// Envelope returns the base64 credential envelope for this machine.
	// Non-200 responses are returned as *EnvelopeError.
	Envelope(ctx context.Context) (string, error)

	// RegisterKey uploads the machine's envelope public key.
	RegisterKey(ctx context.Context, reg KeyRegistration) error
}

// Response schemas. Pointer fields are required; a missing field reads as
// "no data" rather than a zero value.

// BootImageResponse is returned by GET /boot-image-select.
type BootImageResponse struct {
	BootImageSelected *string `json:"BootImageSelected"`
}

// ProtectResponse is returned by GET /protect.
type ProtectResponse struct {
	Protected *bool `json:"protected"`
}

// EnvelopeResponse is returned by GET /evhd-envelope. Exactly one of the
// fields is set.
type EnvelopeResponse struct {
	Ciphertext *string `json:"ciphertext,omitempty"`
	Error      *string `json:"error,omitempty"`
}

// KeyRegistration is the body of POST /machines/{id}/keys.
type KeyRegistration struct {
	KeyID     string `json:"keyId"`
	KeyType   string `json:"keyType"`
	PubkeyPEM string `json:"pubkeyPem"`
}

// EnvelopeError is a rejected envelope request.
type EnvelopeError struct {
	StatusCode int
	Message    string
}

func (e *EnvelopeError) Error() string {
	return fmt.Sprintf("envelope request rejected (%d): %s", e.StatusCode, e.Message)
}

// NotApproved means the key is registered but an administrator has not
// approved it yet.
func (e *EnvelopeError) NotApproved() bool {
	return e.StatusCode == http.StatusForbidden
}

// NotRegistered means the service has no public key for this machine.
func (e *EnvelopeError) NotRegistered() bool {
	return e.StatusCode == http.StatusBadRequest &&
		strings.Contains(strings.ToLower(e.Message), NotRegisteredMarker)
}
