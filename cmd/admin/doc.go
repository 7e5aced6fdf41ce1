// Package main (cmd/admin) is the operator tool for the dev admin service and
// for update package signing.
//
// Commands:
//
//	show             - Print a machine's state
//	protect          - Set or clear a machine's protect flag
//	boot-image       - Select the image keyword a machine boots
//	secret           - Set the credential sealed into a machine's envelope
//	approve          - Approve a machine's registered public key
//	generate-signer  - Create a manifest signing key and trust bundle
//	sign-package     - Write a signed manifest.json and manifest.sig for a package directory
//
// Example usage:
//
//	admin generate-signer --signing-key-file signing-key.pem --trust-bundle-file trust.pem
//	admin sign-package --dir ./usb --type vhd-data --version 2025.01.15 --min-version 2025.01.15
//	admin approve --machine kiosk-1 --key-id 3f2a... --admin-token secret
package main
