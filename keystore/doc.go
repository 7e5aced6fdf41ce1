// Package keystore provides the machine key used to open credential
// envelopes. On Windows the key is generated inside the TPM through the
// Microsoft Platform Crypto Provider and never leaves it.
package keystore
