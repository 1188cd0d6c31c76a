package authz

import (
	"errors"
	"fmt"
)

var (
	// ErrStoreUnavailable marks any backing store failure. Decisions that
	// hit it come back as DENY with ReasonStoreUnavailable.
	ErrStoreUnavailable = errors.New("authz: store unavailable")

	// ErrInvalidPolicy marks a policy that fails validation. During
	// evaluation such policies are skipped, never silently honored.
	ErrInvalidPolicy = errors.New("authz: invalid policy")

	// ErrUnknownRole marks a role name outside the static ladder.
	ErrUnknownRole = errors.New("authz: unknown role")

	// ErrUnknownPermission marks a permission id outside the catalog.
	ErrUnknownPermission = errors.New("authz: unknown permission")

	// ErrNotPermitted is returned by administrative operations when the
	// acting user does not outrank the target.
	ErrNotPermitted = errors.New("authz: not permitted")

	ErrPolicyNotFound = errors.New("authz: policy not found")
)

// storeFail tags a store error so callers can match ErrStoreUnavailable
// while keeping the underlying cause in the chain.
func storeFail(op string, err error) error {
	return fmt.Errorf("%s: %w", op, errors.Join(ErrStoreUnavailable, err))
}
