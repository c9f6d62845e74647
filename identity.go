package tagmux

import "golang.org/x/sys/unix"

// CallerIdentity returns the effective uid of the calling OS thread, a
// convenience for callers that want "my own identity" rather than
// impersonating another user. Every Engine entry point still takes an
// explicit identity argument; this is only ever used by callers
// to fill that argument with their own.
func CallerIdentity() int {
	return unix.Geteuid()
}
