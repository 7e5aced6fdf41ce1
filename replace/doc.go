// Package replace refreshes local disk images from installer media.
//
// A batch is all-or-nothing up to verification: the version gate and the
// hash of every source run before the first local file is deleted. Past that
// point each file deploys independently, and the version marker is written
// only when every file in the batch succeeded.
package replace
