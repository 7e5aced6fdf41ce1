// Package manifest loads signed package manifests and decides whether they
// apply to the local state.
//
// A package directory holds manifest.json and manifest.sig. Verifier.Load
// checks, in order: trust bundle readable, signature present, signature valid
// under any trusted key, manifest type, timestamps, expiry. Decide then
// compares the local version marker to the manifest's minVersion floor.
package manifest
