package apikey

import "errors"

// Public, stable errors for callers.
var (
	ErrInvalidKey  = errors.New("invalid api key")
	ErrUnknownKey  = errors.New("unknown api key")
	ErrInvalidHash = errors.New("invalid api key hash")
)
