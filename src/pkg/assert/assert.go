package assert

import "fmt"

// Assert panics when cond is false. It guards invariants whose violation
// means the in-memory state is already corrupt and continuing would turn
// a bug into silent data loss.
func Assert(cond bool, format string, args ...any) {
	if cond {
		return
	}

	panic(fmt.Sprintf(format, args...))
}

// NoError panics on a non-nil error. Only for places where an error is
// impossible unless an invariant is already broken.
func NoError(err error, format string, args ...any) {
	if err == nil {
		return
	}

	panic(fmt.Sprintf(format, args...) + ": " + err.Error())
}
