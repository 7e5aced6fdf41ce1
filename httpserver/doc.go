/*
Package httpserver implements an in-memory development stand-in for the
remote administration service.

It serves the machine-facing contract consumed by the launcher and keeps
per-machine state (protect flag, boot image selection, registered key and
credential secret) in memory. It is meant for local testing of the
provisioning pipeline, not for production use.

# Machine Endpoints

  - GET /boot-image-select?machineId={id} returns {"BootImageSelected": "..."}
  - GET /protect?machineId={id} returns {"protected": bool}
  - GET /evhd-envelope?machineId={id} returns {"ciphertext": "..."}; 400 with
    "public key not registered" when no key is known, 403 while the key
    awaits approval
  - POST /machines/{id}/keys registers {"keyId", "keyType", "pubkeyPem"}

# Admin Endpoints

Admin endpoints require the X-Admin-Token header when a token is configured.

  - GET /machines/{id}
  - PUT /machines/{id}/protect with {"protected": true}
  - PUT /machines/{id}/boot-image with {"BootImageSelected": "GAME"}
  - PUT /machines/{id}/secret with the raw secret as body
  - POST /machines/{id}/keys/{keyId}/approve

# Health Endpoints

  - GET /livez
  - GET /readyz
  - GET /drain
  - GET /undrain

# Usage

	store := httpserver.NewMachineStore(false)
	handler := httpserver.NewHandler(store, adminToken, log)
	srv, err := httpserver.New(&httpserver.HTTPServerConfig{
		ListenAddr: ":8080",
		Log:        log,
	}, handler)
	if err != nil {
		return err
	}
	srv.RunInBackground()
*/
package httpserver
