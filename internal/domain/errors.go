package domain

import "errors"

var (
	ErrMetadataUnavailable = errors.New("market metadata unavailable")
	ErrMarketNotFound      = errors.New("market not found")
	ErrOrderRejected       = errors.New("order rejected")
	ErrCancelFailed        = errors.New("cancel failed")
	ErrStreamClosed        = errors.New("stream disconnected")
	ErrTimeout             = errors.New("request timed out")
	ErrNotConnected        = errors.New("not connected")
)
