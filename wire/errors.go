package wire

import "errors"

var (
	ErrUnknownTag      = errors.New("wire: unknown frame tag")
	ErrFrameTooLarge   = errors.New("wire: frame exceeds maximum size")
	ErrDigestMismatch  = errors.New("wire: digest mismatch")
	ErrShortRead       = errors.New("wire: short read, more data needed")
	ErrCompressedEmpty = errors.New("wire: compressed flag set with empty payload")
)
