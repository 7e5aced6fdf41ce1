// Package volume discovers disk images on drive roots.
package volume
