package poi

import (
	"errors"
	"fmt"
)

// FetchErrorKind classifies why a digest fetch failed.
type FetchErrorKind string

const (
	// FetchUnreachable covers connection and server-side failures.
	FetchUnreachable FetchErrorKind = "unreachable"
	// FetchNotFound means the indexer answered but has no digest for the
	// requested block (not yet available, pruned, or never indexed).
	FetchNotFound FetchErrorKind = "not_found"
	// FetchTimeout means the per-call deadline elapsed.
	FetchTimeout FetchErrorKind = "timeout"
)

// FetchError is the typed failure returned by a Fetcher.
type FetchError struct {
	Kind       FetchErrorKind
	Deployment string
	Indexer    string
	Block      uint64
	Err        error
}

func (e *FetchError) Error() string {
	msg := fmt.Sprintf("fetch digest %s@%d from %s: %s", e.Deployment, e.Block, e.Indexer, e.Kind)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FetchError) Unwrap() error { return e.Err }

// Transient reports whether retrying the same fetch may succeed.
// NotFound is not transient within a probe: an indexer that lacks data for a
// block will not grow it by being asked again moments later.
func (e *FetchError) Transient() bool {
	return e.Kind == FetchUnreachable || e.Kind == FetchTimeout
}

// IsTransientFetch reports whether err is a transient *FetchError.
func IsTransientFetch(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Transient()
}

// ErrContractViolation signals a caller programming error, such as feeding
// the partition engine records from mixed deployments or blocks. It is never
// a runtime business condition.
var ErrContractViolation = errors.New("contract violation")
