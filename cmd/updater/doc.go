// Package main (cmd/updater) applies a signed app-update package to the
// launcher installation.
//
// The launcher starts the updater with its own PID and exits; the updater
// waits for that process, verifies the package and replaces the files. The
// outcome is reported through the exit code, see package updater.
//
// Example usage:
//
//	updater --manifest C:\Launcher\staging\manifest.json --pid 4242 --install-root C:\Launcher --trust-bundle C:\Launcher\trust.pem
package main
