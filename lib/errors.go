package lib

import "errors"

var (
	ErrNotBound          = errors.New("connection is not bound to a local endpoint")
	ErrNotConnected      = errors.New("connection is not connected")
	ErrAlreadyConnected  = errors.New("connection is already connected")
	ErrAlreadyStarted    = errors.New("connect is already in progress")
	ErrAlreadyListening  = errors.New("connection is already listening")
	ErrHostNotFound      = errors.New("host not found")
	ErrConnectTimeout    = errors.New("connect timed out")
	ErrConnectionClosed  = errors.New("connection is closed")
	ErrOperationCanceled = errors.New("operation canceled")
	ErrDuplicateRemote   = errors.New("remote endpoint is already registered")
	ErrPayloadTooLarge   = errors.New("payload exceeds the maximum datagram size")
)
