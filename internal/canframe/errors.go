package canframe

import "errors"

var (
	ErrInvalidLength  = errors.New("canframe: data length exceeds 8 bytes")
	ErrInvalidCommand = errors.New("canframe: command exceeds 10 bits")
	ErrInvalidType    = errors.New("canframe: type exceeds 3 bits")
)
