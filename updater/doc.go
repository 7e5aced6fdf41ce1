// Package updater applies app-update packages to the launcher's own install
// root. It runs as a separate process so the launcher can exit and release
// its files first; the launcher passes its PID and the updater waits for it.
//
// Exit codes:
//
//	0  applied, or already at this version
//	2  no manifest given, or the manifest file is missing
//	3  trust bundle missing
//	4  signature file missing
//	5  signature invalid
//	6  not an app-update manifest
//	7  a file failed content verification
//	8  unparseable timestamps
//	9  manifest expired
//	10 installed version is newer than the package floor
//	11 verified but could not be applied
package updater
