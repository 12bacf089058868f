// errors.go
package querycache

import "errors"

var (
	ErrInvalidInput     = errors.New("invalid input parameters")
	ErrNotFound         = errors.New("header not found")
	ErrDuplicateKey     = errors.New("duplicate cache key")
	ErrStoreUnavailable = errors.New("store backend unavailable")
	ErrEngineClosed     = errors.New("engine closed")
)
