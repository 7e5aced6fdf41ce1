/*
Package api defines the HTTP JSON contract between a provisioned machine and
the remote administration service.

# Endpoints

All requests carry the machine identity as the machineId query parameter.

  - GET /boot-image-select   -> {"BootImageSelected": "<keyword>"}
  - GET /protect             -> {"protected": true|false}
  - GET /evhd-envelope       -> {"ciphertext": "<base64>"} or {"error": "..."} with 400/403
  - POST /machines/{id}/keys <- {"keyId", "keyType", "pubkeyPem"}

A 403 from the envelope endpoint means the machine key awaits approval. A 400
whose error contains "public key not registered" means the key must be
uploaded first.

# Failing closed

Responses are decoded into schemas with pointer fields. A response missing a
required field is treated as carrying no data: not protected, no boot image
selected, no ciphertext.

See the clients subpackage for the consumer implementation.
*/
package api
