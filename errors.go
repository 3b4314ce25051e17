package reactor

import "github.com/pkg/errors"

// fatalf panics with a wrapped error, the Go analogue of the C++ runtime's
// LOG_FATAL: a handful of invariants in this package (one loop per thread,
// a non-nil main loop, a successful eventfd/epoll_create) are not
// recoverable and the process should not continue past them.
func fatalf(format string, args ...interface{}) {
	panic(errors.Errorf(format, args...))
}
