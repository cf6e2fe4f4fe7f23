package pool

import (
	"errors"

	"github.com/samber/oops"
)

// Error codes attached to pool errors.
const (
	CodeInvalidConn     = "INVALID_CONN"
	CodeDuplicateConn   = "DUPLICATE_CONN"
	CodePoolFull        = "POOL_FULL"
	CodeNotFound        = "CONN_NOT_FOUND"
	CodeCloseFailed     = "CLOSE_FAILED"
	CodeRemoveAllFailed = "REMOVE_ALL_FAILED"
)

// Sentinel causes. Pool errors wrap one of these, so errors.Is keeps working
// after callers add their own context.
var (
	ErrInvalidConn = errors.New("invalid connection")
	ErrDuplicate   = errors.New("connection already pooled")
	ErrFull        = errors.New("pool is full")
	ErrNotFound    = errors.New("connection not pooled")
	ErrCloseFailed = errors.New("close failed")
)

// HasCode reports whether err is an oops error whose code is code.
// oops reports the deepest code in a chain, so only use this on errors
// returned directly by a pool.
func HasCode(err error, code string) bool {
	if err == nil {
		return false
	}
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return false
	}
	return oopsErr.Code() == code
}

// IsNotFound reports whether err came from removing a connection the pool
// does not hold.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsDuplicate reports whether err came from inserting a connection twice.
func IsDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicate)
}

// IsFull reports whether err came from inserting into a pool at capacity.
func IsFull(err error) bool {
	return errors.Is(err, ErrFull)
}
