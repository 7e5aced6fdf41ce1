// Package mount attaches a disk image and binds it to a fixed drive letter.
//
// Assignment tries, in order: a direct bind of the volume whose backing disk
// reports a virtual disk model; a bind of the only unlettered volume with a
// known file system; and finally a boot-time remap of the letter the OS
// assigned, followed by a restart. Every attempt detaches the previous image
// first, so calling Mount again after a restart converges on the same state.
package mount
