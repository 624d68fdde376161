package protocol

import "errors"

var (
	ErrUnknownMessageType = errors.New("protocol: unknown message type")
	ErrInvalidLength      = errors.New("protocol: invalid length")
	ErrNotFixMessage      = errors.New("protocol: record is not a FixMessage")
	ErrBodyNotLast        = errors.New("protocol: body is not the last field")
)
