package probe

import (
	"context"
	"errors"
	"os"

	"github.com/JakeFAU/warc-tiering/internal/tiering"
)

// ErrTimeout is returned when a filesystem call does not finish inside the
// probe deadline. A hung FUSE or network mount is the usual cause.
var ErrTimeout = errors.New("probe timed out")

// Classify maps a filesystem error onto a probe ErrorKind.
func Classify(err error) tiering.ErrorKind {
	switch {
	case err == nil:
		return tiering.KindNone
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return tiering.KindStale
	case isStaleErrno(err):
		return tiering.KindStale
	case errors.Is(err, os.ErrPermission):
		return tiering.KindPermissionDenied
	case errors.Is(err, os.ErrNotExist):
		return tiering.KindAbsent
	default:
		return tiering.KindUnknown
	}
}

func isStaleErrno(err error) bool {
	for _, errno := range staleErrnos {
		if errors.Is(err, errno) {
			return true
		}
	}
	return false
}
