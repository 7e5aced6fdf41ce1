// Package deploy replaces files atomically. A verified source is copied to
// a sibling staging file and swapped over the target in one rename. When the
// target is held open the swap is scheduled for the next boot.
package deploy
