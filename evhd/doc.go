// Package evhd mounts encrypted images. The mount secret is delivered by the
// remote service as an RSA-OAEP envelope addressed to the machine key, handed
// to an external helper that exposes the decrypted image on its own drive,
// and the decrypted image is then mounted like any plain one.
package evhd
