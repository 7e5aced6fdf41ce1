package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/vhd-provisioner/api"
	"github.com/ruteri/vhd-provisioner/cryptoutils"
)

// maxBodySize is the maximum allowed request body size (1MB).
const maxBodySize = 1024 * 1024

// Admin routes, used to drive the machine state during development.
const (
	ProtectAdminPath   = "/machines/{id}/protect"
	BootImageAdminPath = "/machines/{id}/boot-image"
	SecretAdminPath    = "/machines/{id}/secret"
	ApproveKeyPath     = "/machines/{id}/keys/{keyId}/approve"
)

// AdminTokenHeader carries the admin token when one is configured.
const AdminTokenHeader = "X-Admin-Token"

// Handler serves the machine-facing administration endpoints from a
// MachineStore.
type Handler struct {
	store      *MachineStore
	adminToken string
	log        *slog.Logger
}

// NewHandler creates a handler. An empty adminToken leaves the admin routes
// open.
func NewHandler(store *MachineStore, adminToken string, log *slog.Logger) *Handler {
	return &Handler{
		store:      store,
		adminToken: adminToken,
		log:        log,
	}
}

func machineID(r *http.Request) (string, bool) {
	id := strings.TrimSpace(r.URL.Query().Get(api.MachineIDParam))
	return id, id != ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// HandleBootImageSelect returns the keyword selected for the machine.
//
// URL format: GET /boot-image-select?machineId={id}
func (h *Handler) HandleBootImageSelect(w http.ResponseWriter, r *http.Request) {
	id, ok := machineID(r)
	if !ok {
		http.Error(w, "Missing machineId", http.StatusBadRequest)
		return
	}
	resp := api.BootImageResponse{}
	if keyword := h.store.Snapshot(id).BootImage; keyword != "" {
		resp.BootImageSelected = &keyword
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleProtect reports the protect flag of the machine.
//
// URL format: GET /protect?machineId={id}
func (h *Handler) HandleProtect(w http.ResponseWriter, r *http.Request) {
	id, ok := machineID(r)
	if !ok {
		http.Error(w, "Missing machineId", http.StatusBadRequest)
		return
	}
	protected := h.store.Snapshot(id).Protected
	writeJSON(w, http.StatusOK, api.ProtectResponse{Protected: &protected})
}

// HandleEnvelope seals the machine secret to its approved public key.
//
// URL format: GET /evhd-envelope?machineId={id}
//
// Responses:
//   - 200 with the base64 ciphertext
//   - 400 "public key not registered" when no key is known
//   - 403 while the key waits for approval
//   - 404 when no secret is configured
func (h *Handler) HandleEnvelope(w http.ResponseWriter, r *http.Request) {
	id, ok := machineID(r)
	if !ok {
		envelopeError(w, http.StatusBadRequest, "missing machineId")
		return
	}

	pubkeyPEM, secret, err := h.store.Credential(id)
	switch {
	case errors.Is(err, ErrNoKey):
		envelopeError(w, http.StatusBadRequest, api.NotRegisteredMarker)
		return
	case errors.Is(err, ErrKeyNotApproved):
		envelopeError(w, http.StatusForbidden, "public key awaiting approval")
		return
	case errors.Is(err, ErrNoSecret):
		envelopeError(w, http.StatusNotFound, "no secret configured")
		return
	}

	ciphertext, err := cryptoutils.EncryptEnvelope([]byte(pubkeyPEM), secret)
	if err != nil {
		h.log.Error("Failed to seal envelope", "machineId", id, "err", err)
		envelopeError(w, http.StatusInternalServerError, "could not seal envelope")
		return
	}
	writeJSON(w, http.StatusOK, api.EnvelopeResponse{Ciphertext: &ciphertext})
}

func envelopeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, api.EnvelopeResponse{Error: &msg})
}

// HandleRegisterKey stores the public key uploaded by a machine.
//
// URL format: POST /machines/{id}/keys
// Request body: api.KeyRegistration
func (h *Handler) HandleRegisterKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var reg api.KeyRegistration
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&reg); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if reg.KeyID == "" {
		http.Error(w, "Missing keyId", http.StatusBadRequest)
		return
	}
	if _, err := cryptoutils.ParsePublicKeyPEM([]byte(reg.PubkeyPEM)); err != nil {
		http.Error(w, fmt.Sprintf("Invalid public key: %v", err), http.StatusBadRequest)
		return
	}

	h.store.RegisterKey(id, MachineKey{KeyID: reg.KeyID, KeyType: reg.KeyType, PubkeyPEM: reg.PubkeyPEM})
	h.log.Info("Machine key registered", "machineId", id, "keyId", reg.KeyID, "keyType", reg.KeyType)
	w.WriteHeader(http.StatusCreated)
}

// HandleSetProtect sets the protect flag. Body: {"protected": bool}.
func (h *Handler) HandleSetProtect(w http.ResponseWriter, r *http.Request) {
	var body api.ProtectResponse
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&body); err != nil || body.Protected == nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	id := chi.URLParam(r, "id")
	h.store.SetProtected(id, *body.Protected)
	h.log.Info("Protect flag set", "machineId", id, "protected", *body.Protected)
	w.WriteHeader(http.StatusNoContent)
}

// HandleSetBootImage selects the boot image. Body: {"BootImageSelected": "GAME"};
// null clears the selection.
func (h *Handler) HandleSetBootImage(w http.ResponseWriter, r *http.Request) {
	var body api.BootImageResponse
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&body); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	keyword := ""
	if body.BootImageSelected != nil {
		keyword = strings.TrimSpace(*body.BootImageSelected)
	}
	id := chi.URLParam(r, "id")
	h.store.SetBootImage(id, keyword)
	h.log.Info("Boot image selected", "machineId", id, "keyword", keyword)
	w.WriteHeader(http.StatusNoContent)
}

// HandleSetSecret stores the raw request body as the machine credential.
func (h *Handler) HandleSetSecret(w http.ResponseWriter, r *http.Request) {
	secret, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}
	if len(secret) == 0 {
		http.Error(w, "Empty secret", http.StatusBadRequest)
		return
	}
	id := chi.URLParam(r, "id")
	h.store.SetSecret(id, secret)
	h.log.Info("Machine secret set", "machineId", id)
	w.WriteHeader(http.StatusNoContent)
}

// HandleApproveKey approves a registered key.
func (h *Handler) HandleApproveKey(w http.ResponseWriter, r *http.Request) {
	id, keyID := chi.URLParam(r, "id"), chi.URLParam(r, "keyId")
	if err := h.store.Approve(id, keyID); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	h.log.Info("Machine key approved", "machineId", id, "keyId", keyID)
	w.WriteHeader(http.StatusNoContent)
}

// HandleGetMachine returns the machine state without its secret.
func (h *Handler) HandleGetMachine(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.store.Snapshot(chi.URLParam(r, "id")))
}

// RequireAdmin rejects requests without the admin token.
func (h *Handler) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.adminToken != "" && r.Header.Get(AdminTokenHeader) != h.adminToken {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
