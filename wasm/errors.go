package wasm

import "errors"

var (
	ErrInvalidByte           = errors.New("invalid byte")
	ErrInvalidMagicNumber    = errors.New("invalid magic number")
	ErrInvalidVersion        = errors.New("invalid version header")
	ErrInvalidSectionID      = errors.New("invalid section id")
	ErrCustomSectionNotFound = errors.New("custom section not found")
	// ErrUnsupportedFeature is returned for constructs outside WebAssembly 1.0 (MVP) plus sign-extension and
	// non-trapping float-to-int conversions.
	ErrUnsupportedFeature = errors.New("unsupported feature")
)
