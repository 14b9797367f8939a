package protocol

import "errors"

var (
	ErrMalformedElement   = errors.New("protocol: malformed element")
	ErrUnexpectedElement  = errors.New("protocol: unexpected element")
	ErrMissingAttribute   = errors.New("protocol: missing attribute")
	ErrInvalidAttribute   = errors.New("protocol: invalid attribute")
	ErrUnsupportedVersion = errors.New("protocol: unsupported stream version")
)
