// Package main (cmd/launcher) runs the provisioning pipeline on a kiosk
// machine.
//
// The launcher loads its site configuration, applies updates from installer
// media and the remote update channel, mounts the selected disk image, starts
// the payload and keeps it running. SIGINT and SIGTERM detach the image and
// stop the mount helper before exit.
//
// When an application update is found, the launcher starts the updater,
// which waits for the launcher to exit before replacing its files.
//
// Example usage:
//
//	launcher --config C:\Launcher\launcher.yaml --log-file C:\Launcher\launcher.log
//
// Development run against the dev admin service:
//
//	launcher --config dev.yaml --dry-run-power --log-debug --metrics-addr 127.0.0.1:8090
package main
