// Package interfaces defines the shared types and contracts of the VHD
// provisioner without implementation details.
//
// The package separates component contracts from their implementations,
// allowing:
//
//   - Clear separation between the provisioning pipeline and OS specifics
//   - Multiple implementations of the same contract (Windows, portable, fakes)
//   - Better testability through mock implementations
//
// # Manifest Types
//
//   - Manifest, ManifestFile: signed description of an update or data package
//   - ManifestType: app-update or vhd-data
//
// # Provisioning Types
//
//   - GateDecision: outcome of the version floor check
//   - DeployResult: outcome of one atomic file replacement
//   - ReplaceProgress: transient progress projection of a replacement batch
//   - VolumeCandidate: one enumerated OS volume, valid for one mount attempt
//   - Status, StatusSink: human readable events for the user-facing layer
//
// # Update Channel Interfaces
//
//   - UpdateSource: anything able to return named package artifacts
//   - UpdateSourceFactory: creates sources from location URIs
package interfaces
