package domain

import "errors"

var (
	ErrInvalidState      = errors.New("invalid session state")
	ErrInvalidIdentifier = errors.New("invalid stream identifier")
	ErrInvalidCommand    = errors.New("invalid command")
	ErrSessionEnded      = errors.New("session ended")
	ErrRoutingReleased   = errors.New("routing table released")
	ErrNoVideoCodec      = errors.New("no VP8 codec available")
	ErrNoCaptureDevice   = errors.New("capture device not found")
)
