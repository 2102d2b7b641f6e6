//go:build !unix

package probe

var staleErrnos []error
