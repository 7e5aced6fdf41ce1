// Package cryptoutils provides the trust gate primitives of the provisioner.
//
// It covers three concerns:
//
//   - Content hashing: HashFile and VerifyFile stream files through SHA-256 in
//     fixed-size chunks and compare digest and size against a manifest entry.
//   - Signature trust: TrustBundle loads a concatenation of PEM "PUBLIC KEY"
//     blocks and validates RSA-PSS/SHA-256 detached signatures. A signature is
//     accepted when any key validates it; malformed keys are skipped.
//   - Envelopes: RSA-OAEP/SHA-256 encryption of small secrets addressed to a
//     machine key, base64 encoded for transport.
//
// Basic usage:
//
//	bundle, err := cryptoutils.LoadTrustBundle("trust.pem", log)
//	if err != nil {
//		return err
//	}
//	if err := cryptoutils.VerifyDetached(manifestBytes, sigText, bundle); err != nil {
//		return err
//	}
package cryptoutils
