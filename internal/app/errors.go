package app

import "errors"

// Known-invalid-input errors returned by actions; the server maps these to
// 400-class responses instead of failure surfaces.
var (
	ErrFieldsRequired     = errors.New("all fields are required")
	ErrEmailInUse         = errors.New("email already in use")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrAvatarUnavailable  = errors.New("avatar storage not configured")
)
