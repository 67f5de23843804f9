package router

import (
	"errors"
	"fmt"
)

// ErrEntitlement is matched by every *EntitlementError via errors.Is.
var ErrEntitlement = errors.New("tier not entitled to task kind")

// EntitlementError is the only failure RouteTask surfaces to callers: the
// tier is not permitted to run the task kind.
type EntitlementError struct {
	Tier Tier
	Kind TaskKind
}

func (e *EntitlementError) Error() string {
	return fmt.Sprintf("tier %q is not entitled to task kind %q", e.Tier, e.Kind)
}

func (e *EntitlementError) Is(target error) bool { return target == ErrEntitlement }
