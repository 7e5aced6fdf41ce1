// Package launcher is the provisioning pipeline: it applies updates from
// installer media and the remote update channel, selects and mounts the
// image, starts the payload from the mounted drive and hands it to the
// supervisor.
//
// The pipeline runs once, top to bottom, under a single-instance lock.
// Unrecoverable failures (no image, no mount, no launch folder) are reported
// as an error status, followed by a grace period and an unattended shutdown.
package launcher
