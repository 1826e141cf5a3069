package process

import (
	"errors"
	"time"
)

type earlyExitError struct{ d time.Duration }

func (e earlyExitError) Error() string {
	return "process exited before start duration " + e.d.String()
}

func errEarlyExit(d time.Duration) error { return earlyExitError{d: d} }

// IsEarlyExitErr reports whether err came from EnforceStartDuration.
func IsEarlyExitErr(err error) bool {
	var ee earlyExitError
	return errors.As(err, &ee)
}
