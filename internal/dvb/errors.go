package dvb

import "errors"

var (
	// ErrTruncated is returned when a buffer ends before the fields it
	// declares.
	ErrTruncated = errors.New("truncated message")
	// ErrLengthMismatch is returned when a declared length disagrees with the
	// decoded content.
	ErrLengthMismatch = errors.New("message length mismatch")
	// ErrUnexpectedType is returned when a message does not carry the type
	// the caller asked for.
	ErrUnexpectedType = errors.New("unexpected message type")
	// ErrRequestOutOfRange is returned for request values the scale/value
	// quantisation cannot represent.
	ErrRequestOutOfRange = errors.New("request value out of range")
	// ErrTooManyRequests is returned when a SAC would carry more than
	// MaxRequestsPerSAC entries.
	ErrTooManyRequests = errors.New("too many capacity requests")
)
