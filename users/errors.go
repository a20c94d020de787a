package users

import "errors"

// ErrUnauthenticated means no user is logged in. It is an expected state, not
// a failure, for identity checks, and a programmer error for tenant scoping.
var ErrUnauthenticated = errors.New("unauthenticated")
