//go:build unix

package probe

import "golang.org/x/sys/unix"

// staleErrnos are the transport-disconnect class errors a dead FUSE or network
// mount returns.
var staleErrnos = []error{
	unix.ENOTCONN,
	unix.ESTALE,
	unix.EHOSTDOWN,
	unix.EIO,
	unix.ECONNABORTED,
	unix.ETIMEDOUT,
}
