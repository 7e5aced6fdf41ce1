// Package supervisor keeps the launched payload running. It waits for the
// payload process to appear, brings its window to the foreground and then
// polls liveness once per second, restarting the payload from its start
// script whenever it disappears.
package supervisor
