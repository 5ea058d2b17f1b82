package jobs

import "errors"

var (
	// ErrStopped is returned by Enqueue before Start and after Stop.
	ErrStopped = errors.New("jobs: queue stopped")
	// ErrStopping is returned while Stop drains in-flight work.
	ErrStopping   = errors.New("jobs: queue stopping")
	ErrUnknownJob = errors.New("jobs: no handler registered")
)

// permanent marks a handler failure that another attempt cannot fix, such
// as a run whose stage was deleted.
type permanent struct{ error }

func (p permanent) Unwrap() error { return p.error }

// NoRetry wraps err so the queue records it as final instead of retrying.
// NoRetry(nil) is nil.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return permanent{err}
}

func IsNoRetry(err error) bool {
	return errors.As(err, new(permanent))
}
