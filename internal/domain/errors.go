package domain

import "errors"

// Repository sentinels. Services translate them into application errors.
var (
	ErrCallNotFound    = errors.New("call not found")
	ErrUserNotFound    = errors.New("user not found")
	ErrVersionConflict = errors.New("call version conflict")
)
