package permcache

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptySubject is returned when a Lookup or warm request names no subject.
	ErrEmptySubject = errors.New("permcache: empty subject id")

	// ErrIncompleteLookup is returned when resource or action is missing.
	ErrIncompleteLookup = errors.New("permcache: resource and action are required")

	// ErrInvalidIdentifier is returned when an identifier contains the key
	// separator character.
	ErrInvalidIdentifier = errors.New("permcache: identifier contains reserved character '|'")

	// ErrNoEvaluator is returned by Warm when no Evaluator was configured.
	ErrNoEvaluator = errors.New("permcache: no evaluator configured")
)

// StrategyError reports an invalidation request the cache cannot execute.
type StrategyError struct {
	Kind   StrategyKind
	Reason string
}

func (e *StrategyError) Error() string {
	return fmt.Sprintf("permcache: invalidate %q: %s", e.Kind, e.Reason)
}
